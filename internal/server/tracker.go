package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexuslabs/console/internal/admission"
	"github.com/nexuslabs/console/internal/broker"
	"github.com/nexuslabs/console/internal/monitoring"
)

// TrackerLink is one redirect link plus its captured visits.
type TrackerLink struct {
	ID      string         `json:"id"`
	Owner   string         `json:"owner"`
	URL     string         `json:"url"`
	Label   string         `json:"label,omitempty"`
	Created time.Time      `json:"created"`
	Visits  []TrackerVisit `json:"visits"`
}

// TrackerVisit is one capture: who hit the link, from where, with what.
type TrackerVisit struct {
	Addr      string    `json:"addr"`
	UserAgent string    `json:"userAgent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	Time      time.Time `json:"time"`
	Geo       *GeoInfo  `json:"geo,omitempty"`
}

// GeoInfo is the subset of an ip-api style lookup worth keeping.
type GeoInfo struct {
	Country string  `json:"country,omitempty"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	ISP     string  `json:"isp,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// TrackerStore holds links in memory. Durability is out of scope; a
// restart forgets everything, same as the rooms.
type TrackerStore struct {
	mu    sync.Mutex
	links map[string]*TrackerLink
}

func NewTrackerStore() *TrackerStore {
	return &TrackerStore{links: make(map[string]*TrackerLink)}
}

// Create registers a new link under owner and returns it.
func (t *TrackerStore) Create(owner, url, label string) *TrackerLink {
	link := &TrackerLink{
		ID:      uuid.NewString(),
		Owner:   owner,
		URL:     url,
		Label:   label,
		Created: time.Now().UTC(),
		Visits:  []TrackerVisit{},
	}
	t.mu.Lock()
	t.links[link.ID] = link
	t.mu.Unlock()
	return link
}

// Get returns a snapshot of the link, or nil.
func (t *TrackerStore) Get(id string) *TrackerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[id]
	if !ok {
		return nil
	}
	snap := *link
	snap.Visits = append([]TrackerVisit(nil), link.Visits...)
	return &snap
}

// ByOwner returns the owner's links, newest first.
func (t *TrackerStore) ByOwner(owner string) []*TrackerLink {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*TrackerLink, 0)
	for _, link := range t.links {
		if link.Owner != owner {
			continue
		}
		snap := *link
		snap.Visits = append([]TrackerVisit(nil), link.Visits...)
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Append records a visit. Returns the destination URL and ok.
func (t *TrackerStore) Append(id string, visit TrackerVisit) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[id]
	if !ok {
		return "", false
	}
	link.Visits = append(link.Visits, visit)
	return link.URL, true
}

// Delete removes a link; false for unknown ids.
func (t *TrackerStore) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[id]; !ok {
		return false
	}
	delete(t.links, id)
	return true
}

// geoClient queries an ip-api style endpoint. Private and loopback
// addresses are never sent out; an empty base URL disables lookups.
type geoClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func newGeoClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *geoClient {
	return &geoClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "geo").Logger(),
	}
}

// geoResponse matches the ip-api JSON field names.
type geoResponse struct {
	Status     string  `json:"status"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	ISP        string  `json:"isp"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Lookup resolves addr to coarse geolocation. Best effort: every failure
// path returns nil and the visit is recorded without geo data.
func (g *geoClient) Lookup(ctx context.Context, addr string) *GeoInfo {
	if g.baseURL == "" {
		return nil
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", g.baseURL, addr), nil)
	if err != nil {
		return nil
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug().Err(err).Str("addr", addr).Msg("Geo lookup failed")
		return nil
	}
	defer resp.Body.Close()

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "success" {
		return nil
	}

	return &GeoInfo{
		Country: body.Country,
		Region:  body.RegionName,
		City:    body.City,
		ISP:     body.ISP,
		Lat:     body.Lat,
		Lon:     body.Lon,
	}
}

// Tracker REST endpoints.

type trackerCreateRequest struct {
	Owner string `json:"owner"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

func (s *Server) handleTrackerCreate(w http.ResponseWriter, r *http.Request) {
	var req trackerCreateRequest
	if err := readJSON(r, &req); err != nil || req.Owner == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "owner and url required")
		return
	}

	link := s.tracker.Create(req.Owner, req.URL, req.Label)
	s.logger.Info().
		Str("link_id", link.ID).
		Str("owner", link.Owner).
		Msg("Tracker link created")
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleTrackerLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.ByOwner(r.PathValue("owner")))
}

func (s *Server) handleTrackerLogs(w http.ResponseWriter, r *http.Request) {
	link := s.tracker.Get(r.PathValue("id"))
	if link == nil {
		writeError(w, http.StatusNotFound, "unknown tracker link")
		return
	}
	writeJSON(w, http.StatusOK, link.Visits)
}

func (s *Server) handleTrackerDelete(w http.ResponseWriter, r *http.Request) {
	if !s.tracker.Delete(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "unknown tracker link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// trackerHitEvent is the chat room notification for a captured visit.
type trackerHitEvent struct {
	LinkID string   `json:"linkId"`
	Owner  string   `json:"owner"`
	Addr   string   `json:"addr"`
	Geo    *GeoInfo `json:"geo,omitempty"`
	Time   string   `json:"time"`
}

// handleTrackerRedirect is the public capture endpoint: record the visitor,
// tell the chat room, send the visitor on their way.
func (s *Server) handleTrackerRedirect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	link := s.tracker.Get(id)
	if link == nil {
		http.NotFound(w, r)
		return
	}

	addr := admission.ClientIP(r)
	visit := TrackerVisit{
		Addr:      addr,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Time:      time.Now().UTC(),
		Geo:       s.geo.Lookup(r.Context(), addr),
	}

	dest, ok := s.tracker.Append(id, visit)
	if !ok {
		http.NotFound(w, r)
		return
	}

	monitoring.TrackerHits.Inc()
	s.hub.Broadcast(broker.RoomChat, broker.Encode(broker.EventTrackerHit, trackerHitEvent{
		LinkID: id,
		Owner:  link.Owner,
		Addr:   addr,
		Geo:    visit.Geo,
		Time:   visit.Time.Format("15:04:05"),
	}))

	s.logger.Info().
		Str("link_id", id).
		Str("addr", addr).
		Msg("Tracker hit")

	http.Redirect(w, r, dest, http.StatusFound)
}
