package probe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPinger() *Pinger {
	p := NewPinger(zerolog.Nop())
	p.Interval = 10 * time.Millisecond
	p.DialTimeout = 200 * time.Millisecond
	return p
}

// collector accumulates emitted results.
type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) emit(r Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPingerReportsOnlineForListeningPort(t *testing.T) {
	_, port := listen(t)

	p := testPinger()
	p.PrimaryPort = port
	defer p.StopAll()

	var c collector
	p.Start("s1", "127.0.0.1", c.emit)

	waitFor(t, func() bool { return len(c.snapshot()) >= 3 })
	for _, r := range c.snapshot() {
		assert.True(t, r.Online)
		assert.Equal(t, 64, r.TTL)
		assert.Equal(t, "s1", r.SessionID)
	}
}

func TestPingerRefusedCountsAsOnline(t *testing.T) {
	// Loopback always answers; a closed port refuses immediately, which
	// proves the stack is alive.
	p := testPinger()
	p.PrimaryPort = closedPort(t)
	p.FallbackPort = closedPort(t)
	defer p.StopAll()

	var c collector
	p.Start("s1", "127.0.0.1", c.emit)

	waitFor(t, func() bool { return len(c.snapshot()) >= 1 })
	r := c.snapshot()[0]
	assert.True(t, r.Online)
	assert.Equal(t, 64, r.TTL)
}

func TestAttemptClassification(t *testing.T) {
	_, open := listen(t)

	p := testPinger()
	p.DialTimeout = 100 * time.Millisecond

	ctx := context.Background()
	assert.True(t, p.attempt(ctx, "127.0.0.1", open), "completed connect is reachable")
	assert.True(t, p.attempt(ctx, "127.0.0.1", closedPort(t)), "refusal proves the stack answered")
	assert.False(t, p.attempt(ctx, "192.0.2.1", 80), "timeout is unreachable")
}

func TestPingerOfflineTarget(t *testing.T) {
	p := testPinger()
	p.Interval = 20 * time.Millisecond
	p.DialTimeout = 50 * time.Millisecond
	defer p.StopAll()

	// TEST-NET-1 drops packets; both attempts time out.
	var c collector
	p.Start("s1", "192.0.2.1", c.emit)

	waitFor(t, func() bool { return len(c.snapshot()) >= 1 })
	r := c.snapshot()[0]
	assert.False(t, r.Online)
	assert.Equal(t, 0, r.TTL)
}

func TestPingerRestartReplacesTimer(t *testing.T) {
	_, port := listen(t)

	p := testPinger()
	p.PrimaryPort = port
	defer p.StopAll()

	var c collector
	p.Start("dup", "127.0.0.1", c.emit)
	p.Start("dup", "127.0.0.1", c.emit)

	assert.Equal(t, 1, p.Count(), "one session per id")
	assert.True(t, p.Active("dup"))

	// A single 10ms timer cannot emit faster than one result per cycle.
	time.Sleep(100 * time.Millisecond)
	got := len(c.snapshot())
	assert.LessOrEqual(t, got, 13, "duplicate timers would double the rate")
	assert.GreaterOrEqual(t, got, 3)
}

func TestPingerStop(t *testing.T) {
	_, port := listen(t)

	p := testPinger()
	p.PrimaryPort = port

	var c collector
	p.Start("s1", "127.0.0.1", c.emit)
	waitFor(t, func() bool { return len(c.snapshot()) >= 1 })

	require.True(t, p.Stop("s1"))
	assert.False(t, p.Stop("s1"), "second stop reports unknown session")
	assert.False(t, p.Active("s1"))
	assert.Equal(t, 0, p.Count())

	// No emissions after Stop.
	n := len(c.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(c.snapshot()))
}

func TestPingerStopAll(t *testing.T) {
	_, port := listen(t)

	p := testPinger()
	p.PrimaryPort = port

	var c collector
	p.Start("a", "127.0.0.1", c.emit)
	p.Start("b", "127.0.0.1", c.emit)
	require.Equal(t, 2, p.Count())

	p.StopAll()
	assert.Equal(t, 0, p.Count())
}
