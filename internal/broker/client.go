package broker

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/nexuslabs/console/internal/monitoring"
)

// sendBufferSize is the per-client outgoing queue. Room fan-out is bursty
// but small-message; 256 slots absorbs several seconds of backlog before
// drops start.
const sendBufferSize = 256

// Client is one live persistent connection. The display name, room set and
// voice entry are owned by the hub and guarded by its mutex; the send
// channel and limiter are safe for concurrent use.
type Client struct {
	ID   string
	Addr string

	sendMu  sync.Mutex
	closed  bool
	send    chan []byte
	limiter *rate.Limiter

	// Hub-guarded state
	name  string
	rooms map[string]struct{}
	voice *VoiceParticipant
}

// NewClient creates a client for a freshly admitted connection. limiter is
// the per-connection message-rate limiter; nil disables limiting (tests).
func NewClient(id, addr string, limiter *rate.Limiter) *Client {
	return &Client{
		ID:      id,
		Addr:    addr,
		send:    make(chan []byte, sendBufferSize),
		limiter: limiter,
		rooms:   make(map[string]struct{}),
	}
}

// Name returns the bound display name, or "" before join. Only safe to
// call from hub methods or after the hub has quiesced; transports should
// use Hub.NameOf.
func (c *Client) Name() string { return c.name }

// Outgoing is the frame stream for the connection's write pump. The
// channel is closed when the client is unregistered.
func (c *Client) Outgoing() <-chan []byte { return c.send }

// AllowMessage consumes one token from the per-connection message limiter.
func (c *Client) AllowMessage() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// enqueue queues a frame without blocking. A full buffer drops the frame;
// slow consumers lose broadcasts rather than stalling the room. sendMu
// serializes against closeSend so a broadcast racing an unregister never
// writes to a closed channel.
func (c *Client) enqueue(room string, frame []byte) bool {
	if frame == nil {
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		monitoring.MessagesSent.Inc()
		return true
	default:
		monitoring.DroppedBroadcasts.WithLabelValues(room, "buffer_full").Inc()
		return false
	}
}

// closeSend closes the outgoing channel exactly once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
