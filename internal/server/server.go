// Package server is the transport layer: one listener carrying the REST
// surface, the WebSocket real-time channel, the public tracker redirect,
// /health and /metrics. It wires the admission guard in front of every
// route and owns process lifecycle.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuslabs/console/internal/account"
	"github.com/nexuslabs/console/internal/admission"
	"github.com/nexuslabs/console/internal/broker"
	"github.com/nexuslabs/console/internal/config"
	"github.com/nexuslabs/console/internal/monitoring"
	"github.com/nexuslabs/console/internal/probe"
)

// Server owns every long-lived component and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	guard    *admission.Guard
	hub      *broker.Hub
	scanner  *probe.Scanner
	pinger   *probe.Pinger
	accounts account.Service
	tracker  *TrackerStore
	geo      *geoClient

	listener   net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer builds the component graph. Probe session rooms that empty out
// cancel their pinger session so no timer emits into a memberless room.
func NewServer(cfg *config.Config, accounts account.Service, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	guard := admission.NewGuard(admission.Config{
		HardLimit:         cfg.HardLimitPerWindow,
		HardWindow:        time.Minute,
		BlockDuration:     cfg.BlockDuration,
		GeneralLimit:      cfg.GeneralLimit,
		AuthLimit:         cfg.AuthLimit,
		AuthWindow:        cfg.AuthWindow,
		APILimit:          cfg.APILimit,
		SlowdownThreshold: cfg.SlowdownThreshold,
		SlowdownStep:      cfg.SlowdownStep,
		MaxConnsPerAddr:   cfg.MaxConnsPerAddr,
		MessagesPerMin:    cfg.MessagesPerMinute,
		SweepInterval:     cfg.SweepInterval,
	}, logger)

	hub := broker.NewHub(accounts, logger)

	scanner := probe.NewScanner(logger)
	scanner.DialTimeout = cfg.ScanDialTimeout
	scanner.MaxPorts = cfg.ScanMaxPorts

	pinger := probe.NewPinger(logger)
	pinger.Interval = cfg.ProbeInterval
	pinger.DialTimeout = cfg.ProbeDialTimeout

	hub.OnRoomEmpty = func(room string) {
		if id, ok := broker.ProbeSessionID(room); ok {
			pinger.Stop(id)
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		guard:    guard,
		hub:      hub,
		scanner:  scanner,
		pinger:   pinger,
		accounts: accounts,
		tracker:  NewTrackerStore(),
		geo:      newGeoClient(cfg.GeoAPIURL, cfg.GeoAPITimeout, logger),
		ctx:      ctx,
		cancel:   cancel,
	}

	return s, nil
}

// Hub exposes the session broker for presence wiring and tests.
func (s *Server) Hub() *broker.Hub { return s.hub }

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", s.cfg.Addr).
		Msg("Server listening")

	s.httpServer = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.HTTPReadTimeout,
		WriteTimeout:   s.cfg.HTTPWriteTimeout,
		IdleTimeout:    s.cfg.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.CollectSystemStats(s.ctx, s.logger, s.cfg.MetricsInterval)
	}()

	return nil
}

// routes builds the mux. Tier middleware wraps each group; the WebSocket
// handshake runs its own admission path (hard block plus connection cap)
// instead of tier classification.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)

	auth := func(h http.HandlerFunc) http.Handler {
		return s.guard.Middleware(admission.TierAuth, h)
	}
	api := func(h http.HandlerFunc) http.Handler {
		return s.guard.Middleware(admission.TierAPI, h)
	}
	general := func(h http.HandlerFunc) http.Handler {
		return s.guard.Middleware(admission.TierGeneral, h)
	}

	mux.Handle("POST /auth/login", auth(s.handleLogin))
	mux.Handle("POST /auth/register", auth(s.handleRegister))

	mux.Handle("GET /api/members", api(s.handleMembers))
	mux.Handle("POST /api/profile/update", api(s.handleProfileUpdate))
	mux.Handle("POST /api/member/kick", api(s.handleMemberKick))
	mux.Handle("POST /api/member/ban", api(s.handleMemberBan))
	mux.Handle("POST /api/member/role", api(s.handleMemberRole))
	mux.Handle("POST /api/member/credentials", api(s.handleMemberCredentials))

	mux.Handle("GET /api/records/{kind}", api(s.handleRecordsList))
	mux.Handle("POST /api/records/{kind}", api(s.handleRecordSave))
	mux.Handle("DELETE /api/records/{kind}/{id}", api(s.handleRecordDelete))

	mux.Handle("POST /api/tracker/create", api(s.handleTrackerCreate))
	mux.Handle("GET /api/tracker/links/{owner}", api(s.handleTrackerLinks))
	mux.Handle("GET /api/tracker/logs/{id}", api(s.handleTrackerLogs))
	mux.Handle("DELETE /api/tracker/{id}", api(s.handleTrackerDelete))

	mux.Handle("POST /scan", general(s.handleScan))
	mux.Handle("POST /probe/start", general(s.handleProbeStart))
	mux.Handle("POST /probe/stop", general(s.handleProbeStop))

	mux.Handle("GET /t/{id}", general(s.handleTrackerRedirect))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"connections":   s.hub.ClientCount(),
		"probeSessions": s.pinger.Count(),
	})
}

// Shutdown drains active connections inside the grace period, then tears
// everything down in dependency order.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		s.listener.Close()
	}

	s.logger.Info().
		Int("active_connections", s.hub.ClientCount()).
		Dur("grace_period", s.cfg.ShutdownGrace).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.cfg.ShutdownGrace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.hub.ClientCount()
			if remaining > 0 {
				s.logger.Warn().
					Int("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			if s.hub.ClientCount() == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.pinger.StopAll()
	s.hub.Shutdown()
	s.guard.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
