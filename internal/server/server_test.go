package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuslabs/console/internal/account"
	"github.com/nexuslabs/console/internal/broker"
	"github.com/nexuslabs/console/internal/config"
	"github.com/nexuslabs/console/internal/probe"
)

// testConfig returns ceilings high enough that admission never interferes
// unless a test lowers them.
func testConfig() *config.Config {
	return &config.Config{
		Addr:               "127.0.0.1:0",
		HardLimitPerWindow: 100000,
		BlockDuration:      15 * time.Minute,
		GeneralLimit:       100000,
		AuthLimit:          100000,
		AuthWindow:         15 * time.Minute,
		APILimit:           100000,
		SlowdownThreshold:  99999,
		SlowdownStep:       time.Millisecond,
		MaxConnsPerAddr:    5,
		MessagesPerMinute:  30,
		ScanDialTimeout:    500 * time.Millisecond,
		ScanMaxPorts:       100,
		ProbeInterval:      10 * time.Millisecond,
		ProbeDialTimeout:   200 * time.Millisecond,
		GeoAPITimeout:      time.Second,
		ShutdownGrace:      time.Second,
		MetricsInterval:    time.Minute,
		HTTPReadTimeout:    10 * time.Second,
		HTTPWriteTimeout:   10 * time.Second,
		HTTPIdleTimeout:    time.Minute,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, http.Handler, *account.Directory) {
	t.Helper()

	dir := account.NewDirectory("owner", "secret")
	s, err := NewServer(cfg, dir, zerolog.Nop())
	require.NoError(t, err)
	dir.OnlineFn = s.Hub().IsOnline
	t.Cleanup(func() {
		s.pinger.StopAll()
		s.guard.Stop()
		s.cancel()
	})

	return s, s.routes(), dir
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.RemoteAddr = "10.1.1.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRegisterAndLogin(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig())

	w := doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"username": "bob", "password": "pw",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"username": "bob", "password": "pw",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "pw",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool             `json:"success"`
		User    account.Identity `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, account.RoleMember, resp.User.Role)

	w = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMembersListing(t *testing.T) {
	_, h, dir := newTestServer(t, testConfig())
	_, err := dir.Register("bob", "pw")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodGet, "/api/members", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var members []account.Member
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	assert.Len(t, members, 2)
}

func TestMemberRoleEndpoint(t *testing.T) {
	_, h, dir := newTestServer(t, testConfig())
	_, err := dir.Register("bob", "pw")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/api/member/role", map[string]any{
		"actor": "owner", "target": "bob", "role": account.RoleAdmin,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, account.RoleAdmin, dir.LookupDisplayMeta("bob").Role)

	// Non-owner actors are refused.
	w = doJSON(t, h, http.MethodPost, "/api/member/role", map[string]any{
		"actor": "bob", "target": "owner", "role": account.RoleMember,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMemberCredentialsEndpoint(t *testing.T) {
	_, h, dir := newTestServer(t, testConfig())
	_, err := dir.Register("bob", "pw")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/api/member/credentials", map[string]any{
		"actor": "owner", "target": "bob", "secret": "recovered",
	})
	require.Equal(t, http.StatusOK, w.Code)

	_, err = dir.Authenticate("bob", "pw")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)
	_, err = dir.Authenticate("bob", "recovered")
	assert.NoError(t, err)

	// Members cannot reset anyone.
	w = doJSON(t, h, http.MethodPost, "/api/member/credentials", map[string]any{
		"actor": "bob", "target": "owner", "secret": "stolen",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The secret field is mandatory.
	w = doJSON(t, h, http.MethodPost, "/api/member/credentials", map[string]any{
		"actor": "owner", "target": "bob",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordEndpoints(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig())

	w := doJSON(t, h, http.MethodPost, "/api/records/notes", map[string]any{
		"owner":   "bob",
		"payload": map[string]string{"text": "remember"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec account.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, h, http.MethodGet, "/api/records/notes?owner=bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []account.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)

	w = doJSON(t, h, http.MethodDelete, "/api/records/notes/"+rec.ID+"?owner=bob", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/records/notes/"+rec.ID+"?owner=bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScanEndpoint(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/scan", map[string]any{
		"target": "127.0.0.1",
		"ports":  []int{port},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var report probe.ScanReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, probe.StatusOpen, report.Results[0].Status)

	w = doJSON(t, h, http.MethodPost, "/scan", map[string]any{"target": "127.0.0.1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/scan", map[string]any{
		"target": "no-such-host.invalid",
		"ports":  []int{80},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestProbeStartStop(t *testing.T) {
	s, h, _ := newTestServer(t, testConfig())

	w := doJSON(t, h, http.MethodPost, "/probe/start", map[string]string{
		"target": "127.0.0.1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	sessionID := resp["sessionId"]
	require.NotEmpty(t, sessionID)
	assert.True(t, s.pinger.Active(sessionID))

	w = doJSON(t, h, http.MethodPost, "/probe/stop", map[string]string{
		"sessionId": sessionID,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.pinger.Active(sessionID))

	w = doJSON(t, h, http.MethodPost, "/probe/stop", map[string]string{
		"sessionId": sessionID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmptyProbeRoomStopsSession(t *testing.T) {
	s, h, _ := newTestServer(t, testConfig())

	w := doJSON(t, h, http.MethodPost, "/probe/start", map[string]string{
		"target": "127.0.0.1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	sessionID := resp["sessionId"]

	c := broker.NewClient(uuid.NewString(), "10.1.1.1", nil)
	s.hub.Register(c)
	room := broker.ProbeRoom(sessionID)
	s.hub.JoinRoom(c, room)
	s.hub.LeaveRoom(c, room)

	assert.False(t, s.pinger.Active(sessionID), "empty room cancels its session")
}

func TestHealthEndpoint(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig())

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAuthTierThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.AuthLimit = 3
	_, h, _ := newTestServer(t, cfg)

	var w *httptest.ResponseRecorder
	for i := 0; i < cfg.AuthLimit+1; i++ {
		w = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{
			"username": "owner", "password": fmt.Sprintf("guess-%d", i),
		})
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The general tier still answers for the same address.
	w = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
