// Package admission decides accept/delay/reject for every inbound request
// and persistent-connection handshake, keyed by source address. All state
// lives on an injectable Guard instance so tests can construct isolated
// guards per case.
package admission

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nexuslabs/console/internal/monitoring"
)

// Tier identifies an independent rate ceiling. Tiers never feed the
// hard-block counter; only the overall per-address window does.
type Tier string

const (
	TierGeneral Tier = "general"
	TierAuth    Tier = "auth"
	TierAPI     Tier = "api"
)

// Verdict is the outcome of classifying one request.
type Verdict int

const (
	Accept Verdict = iota
	SoftDelay
	HardReject
)

// Decision carries the verdict plus the delay or retry hint.
type Decision struct {
	Verdict    Verdict
	Delay      time.Duration // SoftDelay: applied before the handler runs
	RetryAfter time.Duration // HardReject: remaining penalty
	Tier       Tier
	Reason     string // "blocked", "hard_limit", "tier_limit"
}

// Config holds the guard's ceilings and windows.
type Config struct {
	HardLimit         int           // overall requests/window before a hard block
	HardWindow        time.Duration // overall counting window
	BlockDuration     time.Duration // hard block TTL
	GeneralLimit      int
	AuthLimit         int
	AuthWindow        time.Duration
	APILimit          int
	SlowdownThreshold int           // overall-window count past which requests slow down
	SlowdownStep      time.Duration // delay per request beyond the threshold
	MaxConnsPerAddr   int
	MessagesPerMin    int // per-connection real-time message ceiling
	SweepInterval     time.Duration
}

// DefaultConfig returns the production ceilings.
func DefaultConfig() Config {
	return Config{
		HardLimit:         200,
		HardWindow:        time.Minute,
		BlockDuration:     15 * time.Minute,
		GeneralLimit:      100,
		AuthLimit:         10,
		AuthWindow:        15 * time.Minute,
		APILimit:          60,
		SlowdownThreshold: 50,
		SlowdownStep:      100 * time.Millisecond,
		MaxConnsPerAddr:   5,
		MessagesPerMin:    30,
		SweepInterval:     time.Minute,
	}
}

// rateRecord is one fixed-window counter, created lazily and reset when the
// window elapses.
type rateRecord struct {
	count       int
	windowStart time.Time
}

// Guard owns the per-address rate, block and live-connection maps.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	windows    map[string]*rateRecord // key: addr or addr+"|"+tier
	blocks     map[string]time.Time   // addr -> unblockAt
	suspicious map[string]bool        // auth-abuse flag, informational only
	conns      map[string]int         // addr -> live connection count

	now func() time.Time // injectable clock

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

// NewGuard creates a guard and starts its background sweep. The sweep only
// reclaims memory; expired blocks and stale windows are also checked at
// point of use, so correctness never depends on it.
func NewGuard(cfg Config, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:        cfg,
		logger:     logger.With().Str("component", "admission").Logger(),
		windows:    make(map[string]*rateRecord),
		blocks:     make(map[string]time.Time),
		suspicious: make(map[string]bool),
		conns:      make(map[string]int),
		now:        time.Now,
		stopSweep:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		g.sweepTicker = time.NewTicker(cfg.SweepInterval)
		go g.sweepLoop()
	}

	return g
}

// ClientIP extracts the source address of a request: forwarded-for header
// first (first comma-separated token), then real-IP, then the transport
// peer address. IPv4-mapped-IPv6 and loopback forms normalize to IPv4.
func ClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		} else {
			ip = host
		}
	}
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	ip = strings.TrimPrefix(ip, "::ffff:")
	if ip == "::1" {
		ip = "127.0.0.1"
	}
	return ip
}

// Classify runs the full admission pipeline for one request. Rejections are
// synchronous and terminal; the caller owns any backoff.
func (g *Guard) Classify(addr string, tier Tier) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// Active hard block rejects immediately with the remaining penalty.
	if until, ok := g.blocks[addr]; ok {
		if now.Before(until) {
			return Decision{
				Verdict:    HardReject,
				RetryAfter: until.Sub(now),
				Tier:       tier,
				Reason:     "blocked",
			}
		}
		delete(g.blocks, addr)
		monitoring.BlockedAddresses.Set(float64(len(g.blocks)))
	}

	// Overall per-address window. Exceeding it installs a block; this is
	// the only counter that feeds hard blocking.
	overall := g.bump(addr, g.cfg.HardWindow, now)
	if overall > g.cfg.HardLimit {
		g.blocks[addr] = now.Add(g.cfg.BlockDuration)
		monitoring.BlockedAddresses.Set(float64(len(g.blocks)))
		g.logger.Warn().
			Str("addr", addr).
			Int("requests_in_window", overall).
			Dur("block_duration", g.cfg.BlockDuration).
			Msg("Address hard-blocked for flooding")
		return Decision{
			Verdict:    HardReject,
			RetryAfter: g.cfg.BlockDuration,
			Tier:       tier,
			Reason:     "hard_limit",
		}
	}

	// Independent tier ceiling. A tier rejection names the tier and does
	// not contribute to hard blocking.
	limit, window := g.tierCeiling(tier)
	key := addr + "|" + string(tier)
	count := g.bump(key, window, now)
	if count > limit {
		if tier == TierAuth && !g.suspicious[addr] {
			g.suspicious[addr] = true
			monitoring.SuspiciousAddresses.Inc()
			g.logger.Warn().Str("addr", addr).Msg("Address flagged suspicious for auth-endpoint abuse")
		}
		rec := g.windows[key]
		return Decision{
			Verdict:    HardReject,
			RetryAfter: rec.windowStart.Add(window).Sub(now),
			Tier:       tier,
			Reason:     "tier_limit",
		}
	}

	// Progressive slowdown: past the threshold, each request in the
	// overall window pays a growing toll before the handler runs.
	if excess := overall - g.cfg.SlowdownThreshold; excess > 0 {
		return Decision{
			Verdict: SoftDelay,
			Delay:   time.Duration(excess) * g.cfg.SlowdownStep,
			Tier:    tier,
		}
	}

	return Decision{Verdict: Accept, Tier: tier}
}

// AdmitConn gates a persistent-connection handshake: hard-blocked addresses
// and addresses at the concurrent-connection cap are rejected. On success
// the live counter is incremented; the caller must call ReleaseConn exactly
// once when the connection terminates.
func (g *Guard) AdmitConn(addr string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, ok := g.blocks[addr]; ok && now.Before(until) {
		return Decision{Verdict: HardReject, RetryAfter: until.Sub(now), Reason: "blocked"}
	}
	if g.conns[addr] >= g.cfg.MaxConnsPerAddr {
		return Decision{Verdict: HardReject, Reason: "conn_cap"}
	}
	g.conns[addr]++
	return Decision{Verdict: Accept}
}

// ReleaseConn decrements the live connection counter for addr. Callers
// guard against double release (abnormal close paths) with sync.Once.
func (g *Guard) ReleaseConn(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.conns[addr]; n > 1 {
		g.conns[addr] = n - 1
	} else {
		delete(g.conns, addr)
	}
}

// MessageLimiter returns a fresh per-connection limiter enforcing the
// real-time message ceiling. Token bucket sized to the full window so a
// quiet connection can spend its whole minute budget in one burst.
func (g *Guard) MessageLimiter() *rate.Limiter {
	per := time.Minute / time.Duration(g.cfg.MessagesPerMin)
	return rate.NewLimiter(rate.Every(per), g.cfg.MessagesPerMin)
}

// Suspicious reports whether addr has been flagged for auth-endpoint abuse.
func (g *Guard) Suspicious(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspicious[addr]
}

// LiveConns returns the current connection count for addr.
func (g *Guard) LiveConns(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[addr]
}

// Stop halts the background sweep.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		if g.sweepTicker != nil {
			g.sweepTicker.Stop()
		}
		close(g.stopSweep)
	})
}

// bump increments the fixed-window counter for key, resetting the window
// first if it elapsed. Caller holds g.mu.
func (g *Guard) bump(key string, window time.Duration, now time.Time) int {
	rec, ok := g.windows[key]
	if !ok || now.Sub(rec.windowStart) >= window {
		rec = &rateRecord{windowStart: now}
		g.windows[key] = rec
	}
	rec.count++
	return rec.count
}

func (g *Guard) tierCeiling(tier Tier) (int, time.Duration) {
	switch tier {
	case TierAuth:
		return g.cfg.AuthLimit, g.cfg.AuthWindow
	case TierAPI:
		return g.cfg.APILimit, time.Minute
	default:
		return g.cfg.GeneralLimit, time.Minute
	}
}

func (g *Guard) sweepLoop() {
	defer monitoring.RecoverPanic(g.logger, "admission_sweep", nil)

	for {
		select {
		case <-g.sweepTicker.C:
			g.sweep()
		case <-g.stopSweep:
			return
		}
	}
}

// sweep drops expired blocks and stale windows. Memory hygiene only.
func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removedBlocks := 0
	for addr, until := range g.blocks {
		if !now.Before(until) {
			delete(g.blocks, addr)
			removedBlocks++
		}
	}
	monitoring.BlockedAddresses.Set(float64(len(g.blocks)))

	// Any window idle for longer than the longest tier window is dead.
	staleAfter := g.cfg.AuthWindow
	if g.cfg.HardWindow > staleAfter {
		staleAfter = g.cfg.HardWindow
	}
	removedWindows := 0
	for key, rec := range g.windows {
		if now.Sub(rec.windowStart) > staleAfter {
			delete(g.windows, key)
			removedWindows++
		}
	}

	if removedBlocks > 0 || removedWindows > 0 {
		g.logger.Debug().
			Int("expired_blocks", removedBlocks).
			Int("stale_windows", removedWindows).
			Msg("Swept admission records")
	}
}
