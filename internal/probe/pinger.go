package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuslabs/console/internal/monitoring"
)

// Result is one liveness probe cycle. TCP-connect probing cannot observe
// the IP TTL, so online cycles report the common default.
type Result struct {
	SessionID string `json:"sessionId"`
	Online    bool   `json:"online"`
	Time      int64  `json:"time"` // round-trip in milliseconds
	TTL       int    `json:"ttl"`
}

// EmitFunc receives one Result per probe cycle.
type EmitFunc func(Result)

type pingSession struct {
	target string
	cancel context.CancelFunc
}

// Pinger runs session-scoped repeating liveness probes. ICMP needs raw
// sockets, so reachability is proven with TCP-connect semantics instead:
// a completed connect or an immediate refusal both mean the IP stack
// answered. Each session owns exactly one timer; starting an existing
// session id cancels the prior timer before installing the new one.
type Pinger struct {
	Interval     time.Duration
	DialTimeout  time.Duration
	PrimaryPort  int
	FallbackPort int

	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*pingSession
	wg       sync.WaitGroup
}

// NewPinger returns a pinger with the standard 1-second cycle and 2-second
// connect timeout against ports 80 and 443.
func NewPinger(logger zerolog.Logger) *Pinger {
	return &Pinger{
		Interval:     time.Second,
		DialTimeout:  2 * time.Second,
		PrimaryPort:  80,
		FallbackPort: 443,
		logger:       logger.With().Str("component", "pinger").Logger(),
		sessions:     make(map[string]*pingSession),
	}
}

// Start installs a repeating probe for sessionID against target, emitting
// one Result per cycle. An existing session under the same id is cancelled
// first; duplicate timers for one id never coexist.
func (p *Pinger) Start(sessionID, target string, emit EmitFunc) {
	p.mu.Lock()
	if prior, ok := p.sessions[sessionID]; ok {
		prior.cancel()
		delete(p.sessions, sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.sessions[sessionID] = &pingSession{target: target, cancel: cancel}
	monitoring.ProbeSessionsActive.Set(float64(len(p.sessions)))
	p.mu.Unlock()

	p.logger.Info().
		Str("session_id", sessionID).
		Str("target", target).
		Msg("Probe session started")

	p.wg.Add(1)
	go p.run(ctx, sessionID, target, emit)
}

// Stop cancels the session's timer and discards all its bookkeeping. The
// engine keeps no history. Returns false for an unknown session id.
func (p *Pinger) Stop(sessionID string) bool {
	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	if ok {
		sess.cancel()
		delete(p.sessions, sessionID)
	}
	monitoring.ProbeSessionsActive.Set(float64(len(p.sessions)))
	p.mu.Unlock()

	if ok {
		p.logger.Info().Str("session_id", sessionID).Msg("Probe session stopped")
	}
	return ok
}

// Count returns the number of running sessions.
func (p *Pinger) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Active reports whether sessionID currently owns a timer.
func (p *Pinger) Active(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// StopAll cancels every session and waits for their goroutines to exit.
func (p *Pinger) StopAll() {
	p.mu.Lock()
	for id, sess := range p.sessions {
		sess.cancel()
		delete(p.sessions, id)
	}
	monitoring.ProbeSessionsActive.Set(0)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pinger) run(ctx context.Context, sessionID, target string, emit EmitFunc) {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "probe_session", map[string]any{
		"session_id": sessionID,
	})

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := p.cycle(ctx, sessionID, target)
			select {
			case <-ctx.Done():
				// Cancelled while probing; never emit after Stop.
				return
			default:
			}
			emit(result)
		}
	}
}

// cycle runs one probe: primary port first, one fallback attempt on the
// secondary port only if the primary classified offline.
func (p *Pinger) cycle(ctx context.Context, sessionID, target string) Result {
	start := time.Now()

	online := p.attempt(ctx, target, p.PrimaryPort)
	if !online {
		online = p.attempt(ctx, target, p.FallbackPort)
	}

	outcome := "offline"
	ttl := 0
	if online {
		outcome = "online"
		ttl = 64
	}
	monitoring.ProbeCycles.WithLabelValues(outcome).Inc()

	return Result{
		SessionID: sessionID,
		Online:    online,
		Time:      time.Since(start).Milliseconds(),
		TTL:       ttl,
	}
}

// attempt classifies one TCP connect. Success and connection-refused both
// count as reachable: a refusal proves the IP stack answered even though
// the port is closed.
func (p *Pinger) attempt(ctx context.Context, target string, port int) bool {
	dialer := net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
	if err == nil {
		conn.Close()
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
