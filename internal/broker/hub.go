package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuslabs/console/internal/account"
)

// Hub owns all room state: connected clients, room membership, chat
// presence, the pinned-message singleton, moderation records and the voice
// roster. All maps live on the instance so tests construct isolated hubs.
type Hub struct {
	logger   zerolog.Logger
	accounts account.Service

	mu       sync.Mutex
	clients  map[string]*Client            // conn id -> client
	rooms    map[string]map[*Client]bool   // room -> members
	presence map[string]*Client            // bound name -> connection
	muted    map[string]time.Time          // name -> mute-until
	banned   map[string]time.Time          // name -> ban-until
	pin      *pinnedMessage

	// OnRoomEmpty fires after the last member leaves a room; the server
	// wires it to stop orphaned probe sessions. Called outside the lock.
	OnRoomEmpty func(room string)

	// minute is the base unit for pin/mute/ban durations. Tests shrink it
	// to keep timer assertions fast.
	minute time.Duration
	now    func() time.Time
}

type pinnedMessage struct {
	state PinState
	timer *time.Timer
}

// NewHub creates a hub bound to the account collaborator.
func NewHub(accounts account.Service, logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger.With().Str("component", "broker").Logger(),
		accounts: accounts,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[*Client]bool),
		presence: make(map[string]*Client),
		muted:    make(map[string]time.Time),
		banned:   make(map[string]time.Time),
		minute:   time.Minute,
		now:      time.Now,
	}
}

// Register adds a freshly upgraded connection. Every connection is a chat
// room member from the start, matching the broadcast-to-everyone shape of
// the chat channel.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.joinRoomLocked(c, RoomChat)
	h.mu.Unlock()

	h.logger.Debug().Str("conn_id", c.ID).Str("addr", c.Addr).Msg("Client registered")
}

// Unregister destroys a ClientSession: in the same turn it releases the
// voice roster entry, the presence binding, every room membership, and
// closes the send channel. Rooms left empty fire OnRoomEmpty so no timer
// keeps emitting into a memberless room.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()

	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	var after []func()

	if c.voice != nil {
		after = append(after, h.voiceLeaveLocked(c)...)
	}
	after = append(after, h.unbindNameLocked(c)...)

	var emptied []string
	for room := range c.rooms {
		if h.leaveRoomLocked(c, room) {
			emptied = append(emptied, room)
		}
	}
	c.closeSend()
	h.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	if h.OnRoomEmpty != nil {
		for _, room := range emptied {
			h.OnRoomEmpty(room)
		}
	}

	h.logger.Debug().Str("conn_id", c.ID).Msg("Client unregistered")
}

// JoinRoom adds c to room (probe session rooms, the voice room).
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	h.joinRoomLocked(c, room)
	h.mu.Unlock()
}

// LeaveRoom removes c from room, firing OnRoomEmpty if it emptied.
func (h *Hub) LeaveRoom(c *Client, room string) {
	h.mu.Lock()
	emptied := h.leaveRoomLocked(c, room)
	h.mu.Unlock()

	if emptied && h.OnRoomEmpty != nil {
		h.OnRoomEmpty(room)
	}
}

// Broadcast fans one frame out to every member of room.
func (h *Hub) Broadcast(room string, frame []byte) {
	h.mu.Lock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		c.enqueue(room, frame)
	}
}

// NameOf returns the display name bound to the connection, or "".
func (h *Hub) NameOf(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.name
}

// IsOnline reports whether name currently holds a presence binding.
func (h *Hub) IsOnline(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.presence[name]
	return ok
}

// OnlineNames returns the distinct set of currently bound names, sorted.
func (h *Hub) OnlineNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineNamesLocked()
}

// RoomSize returns the member count of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify sends a system notice to a single connection only.
func (h *Hub) Notify(c *Client, text string) {
	h.mu.Lock()
	frame := h.systemFrame(text)
	h.mu.Unlock()
	c.enqueue(RoomChat, frame)
}

// Shutdown closes every client send channel and cancels the pin timer.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pin != nil && h.pin.timer != nil {
		h.pin.timer.Stop()
	}
	for _, c := range h.clients {
		c.closeSend()
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[*Client]bool)
	h.presence = make(map[string]*Client)
}

func (h *Hub) joinRoomLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = struct{}{}
}

// leaveRoomLocked reports whether the room emptied.
func (h *Hub) leaveRoomLocked(c *Client, room string) bool {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		return true
	}
	return false
}

// broadcastLocked fans out under the lock; enqueue never blocks so holding
// the lock across it is safe.
func (h *Hub) broadcastLocked(room string, frame []byte) {
	for c := range h.rooms[room] {
		c.enqueue(room, frame)
	}
}

func (h *Hub) onlineNamesLocked() []string {
	names := make([]string, 0, len(h.presence))
	for name := range h.presence {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// systemFrame builds a system-authored chat message frame.
func (h *Hub) systemFrame(text string) []byte {
	return Encode(EventMessage, MessageOut{
		Type: KindSystem,
		Text: text,
		Time: h.now().Format("15:04:05"),
	})
}

// notify sends a system notice to a single connection only.
func (h *Hub) notify(c *Client, text string) {
	c.enqueue(RoomChat, h.systemFrame(text))
}
