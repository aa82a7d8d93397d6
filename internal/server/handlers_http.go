package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nexuslabs/console/internal/account"
	"github.com/nexuslabs/console/internal/broker"
	"github.com/nexuslabs/console/internal/probe"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes the request body into v, rejecting unknown shapes early.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	return dec.Decode(v)
}

// accountStatus maps account sentinel errors onto HTTP codes.
func accountStatus(err error) int {
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, account.ErrUserNotFound), errors.Is(err, account.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, account.ErrUserExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	identity, err := s.accounts.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}

	s.logger.Info().Str("username", identity.Username).Msg("Login")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": identity})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	identity, err := s.accounts.Register(req.Username, req.Password)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}

	s.logger.Info().Str("username", identity.Username).Msg("Registered")
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": identity})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.Members())
}

type profileUpdateRequest struct {
	Username string                `json:"username"`
	Update   account.ProfileUpdate `json:"update"`
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	var req profileUpdateRequest
	if err := readJSON(r, &req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	identity, err := s.accounts.UpdateProfile(req.Username, req.Update)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": identity})
}

type memberActionRequest struct {
	Actor   string `json:"actor"`
	Target  string `json:"target"`
	Minutes int    `json:"minutes,omitempty"`
	Role    string `json:"role,omitempty"`
	Secret  string `json:"secret,omitempty"`
}

func (s *Server) handleMemberKick(w http.ResponseWriter, r *http.Request) {
	var req memberActionRequest
	if err := readJSON(r, &req); err != nil || req.Actor == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "actor and target required")
		return
	}

	if err := s.hub.Kick(req.Actor, req.Target); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMemberBan(w http.ResponseWriter, r *http.Request) {
	var req memberActionRequest
	if err := readJSON(r, &req); err != nil || req.Actor == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "actor and target required")
		return
	}

	if err := s.hub.Ban(req.Actor, req.Target, req.Minutes); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMemberRole(w http.ResponseWriter, r *http.Request) {
	var req memberActionRequest
	if err := readJSON(r, &req); err != nil || req.Actor == "" || req.Target == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "actor, target and role required")
		return
	}

	if err := s.accounts.SetRole(req.Actor, req.Target, req.Role); err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleMemberCredentials is the account-recovery surface: an owner or
// admin sets a new password for a member they outrank. Stored secrets are
// digests, so recovery issues a replacement instead of reading one back.
func (s *Server) handleMemberCredentials(w http.ResponseWriter, r *http.Request) {
	var req memberActionRequest
	if err := readJSON(r, &req); err != nil || req.Actor == "" || req.Target == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "actor, target and secret required")
		return
	}

	if err := s.accounts.ResetSecret(req.Actor, req.Target, req.Secret); err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Record bookkeeping (shop, notes, stickers). The kind path segment keys
// the flat store; owner comes from the query or body.

func (s *Server) handleRecordsList(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	owner := r.URL.Query().Get("owner")
	writeJSON(w, http.StatusOK, s.accounts.Records(kind, owner))
}

type recordSaveRequest struct {
	Owner   string          `json:"owner"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleRecordSave(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	var req recordSaveRequest
	if err := readJSON(r, &req); err != nil || req.Owner == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "owner and payload required")
		return
	}

	rec, err := s.accounts.SaveRecord(kind, req.Owner, req.Payload)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	id := r.PathValue("id")
	owner := r.URL.Query().Get("owner")

	if err := s.accounts.DeleteRecord(kind, owner, id); err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Probe engine endpoints.

type scanRequest struct {
	Target string `json:"target"`
	Ports  []int  `json:"ports"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := readJSON(r, &req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}

	report, err := s.scanner.Scan(r.Context(), req.Target, req.Ports)
	if err != nil {
		var resErr *probe.ResolutionError
		if errors.As(err, &resErr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type probeStartRequest struct {
	SessionID string `json:"sessionId"`
	Target    string `json:"target"`
}

// handleProbeStart installs a repeating liveness probe whose results fan
// out over the session's room. Restarting an existing session id replaces
// its timer; the room keeps its members.
func (s *Server) handleProbeStart(w http.ResponseWriter, r *http.Request) {
	var req probeStartRequest
	if err := readJSON(r, &req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	room := broker.ProbeRoom(req.SessionID)
	s.pinger.Start(req.SessionID, req.Target, func(res probe.Result) {
		s.hub.Broadcast(room, broker.Encode(broker.EventProbeResult, res))
	})

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": req.SessionID})
}

type probeStopRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleProbeStop(w http.ResponseWriter, r *http.Request) {
	var req probeStopRequest
	if err := readJSON(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}

	if !s.pinger.Stop(req.SessionID) {
		writeError(w, http.StatusNotFound, "unknown probe session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
