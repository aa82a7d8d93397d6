package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexuslabs/console/internal/account"
)

// BindName binds a display name to the connection. Identity policy is
// last-bind-wins: any other connection previously bound to the same name
// is evicted (its presence entry dropped) but not terminated. Every bind
// broadcasts the full roster snapshot plus a system join message, and the
// new joiner receives the current pin immediately after binding.
func (h *Hub) BindName(c *Client, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return fmt.Errorf("invalid display name")
	}

	h.mu.Lock()

	if until, ok := h.banned[name]; ok {
		if h.now().Before(until) {
			h.mu.Unlock()
			h.notify(c, "You are temporarily banned from the chat")
			return account.ErrPermissionDenied
		}
		delete(h.banned, name)
	}

	if prior, ok := h.presence[name]; ok && prior != c {
		// Evicted silently; the prior connection keeps its socket.
		prior.name = ""
	}
	if c.name != "" && c.name != name {
		delete(h.presence, c.name)
	}
	c.name = name
	h.presence[name] = c

	roster := h.onlineNamesLocked()
	pinFrame := h.pinFrameLocked()
	h.broadcastLocked(RoomChat, Encode(EventUserList, roster))
	h.broadcastLocked(RoomChat, h.systemFrame(name+" joined the chat"))
	h.mu.Unlock()

	c.enqueue(RoomChat, pinFrame)

	h.logger.Info().Str("conn_id", c.ID).Str("name", name).Msg("Presence bound")
	return nil
}

// unbindNameLocked drops the connection's presence binding. The leave
// message is suppressed when the name is still bound elsewhere (the
// connection was evicted by a later bind). Returns deferred broadcasts to
// run after the lock is released.
func (h *Hub) unbindNameLocked(c *Client) []func() {
	name := c.name
	if name == "" {
		return nil
	}
	c.name = ""

	if holder, ok := h.presence[name]; !ok || holder != c {
		return nil
	}
	delete(h.presence, name)

	roster := h.onlineNamesLocked()
	listFrame := Encode(EventUserList, roster)
	leaveFrame := h.systemFrame(name + " left the chat")

	return []func(){func() {
		h.Broadcast(RoomChat, leaveFrame)
		h.Broadcast(RoomChat, listFrame)
	}}
}

// SendChat validates, moderates and fans out one chat message from c.
// Moderation commands are intercepted before fan-out and never broadcast.
// A muted sender gets a private notice; the message is dropped.
func (h *Hub) SendChat(c *Client, msg ChatMessageIn) {
	h.mu.Lock()
	name := c.name
	h.mu.Unlock()

	if name == "" {
		h.notify(c, "Join the chat before sending messages")
		return
	}

	if msg.Type == KindText && strings.HasPrefix(msg.Content, CommandPrefix) {
		h.handleCommand(c, name, msg.Content)
		return
	}

	if h.isMuted(name) {
		h.notify(c, "You are muted and cannot send messages right now")
		return
	}

	out, err := h.buildMessage(name, msg)
	if err != nil {
		h.notify(c, err.Error())
		return
	}

	h.Broadcast(RoomChat, Encode(EventMessage, out))
}

// buildMessage validates the payload by kind and decorates it with the
// sender's live display metadata from the account collaborator.
func (h *Hub) buildMessage(name string, msg ChatMessageIn) (MessageOut, error) {
	meta := h.accounts.LookupDisplayMeta(name)
	out := MessageOut{
		Type:     msg.Type,
		Username: name,
		Role:     meta.Role,
		Tag:      meta.Tag,
		Color:    meta.Color,
		Time:     h.now().Format("15:04:05"),
	}

	switch msg.Type {
	case KindText:
		if msg.Content == "" || len(msg.Content) > MaxTextLen {
			return MessageOut{}, fmt.Errorf("message must be 1-%d characters", MaxTextLen)
		}
		out.Text = msg.Content
	case KindImage:
		if msg.Content == "" || len(msg.Content) > MaxImageBytes {
			return MessageOut{}, fmt.Errorf("image payload too large")
		}
		out.Content = msg.Content
	case KindSticker:
		if msg.Content == "" || len(msg.Content) > MaxStickerRefLen {
			return MessageOut{}, fmt.Errorf("invalid sticker reference")
		}
		out.Content = msg.Content
	default:
		return MessageOut{}, fmt.Errorf("unknown message type %q", msg.Type)
	}

	return out, nil
}

// Pin installs the process-wide pinned message. Owner/admin only. Any
// existing expiry timer is cancelled before a new one is scheduled;
// duration 0 pins permanently. The new state always broadcasts.
func (h *Hub) Pin(actorName, text string, durationMinutes int) error {
	meta := h.accounts.LookupDisplayMeta(actorName)
	if meta.Role != account.RoleOwner && meta.Role != account.RoleAdmin {
		return account.ErrPermissionDenied
	}
	if text == "" || len(text) > MaxTextLen {
		return fmt.Errorf("pin text must be 1-%d characters", MaxTextLen)
	}
	if durationMinutes < 0 {
		return fmt.Errorf("pin duration cannot be negative")
	}

	h.mu.Lock()
	h.cancelPinTimerLocked()

	state := PinState{
		Text:            text,
		Author:          actorName,
		CreatedAt:       h.now().Format("15:04:05"),
		DurationMinutes: durationMinutes,
	}
	p := &pinnedMessage{state: state}
	h.pin = p
	if durationMinutes > 0 {
		d := time.Duration(durationMinutes) * h.minute
		p.timer = time.AfterFunc(d, func() { h.expirePin(p) })
	}
	frame := Encode(EventPinnedMessage, state)
	h.broadcastLocked(RoomChat, frame)
	h.mu.Unlock()

	h.logger.Info().
		Str("author", actorName).
		Int("duration_minutes", durationMinutes).
		Msg("Message pinned")
	return nil
}

// Unpin clears the pin. Owner/admin only. Broadcasts null state.
func (h *Hub) Unpin(actorName string) error {
	meta := h.accounts.LookupDisplayMeta(actorName)
	if meta.Role != account.RoleOwner && meta.Role != account.RoleAdmin {
		return account.ErrPermissionDenied
	}

	h.mu.Lock()
	h.cancelPinTimerLocked()
	h.pin = nil
	h.broadcastLocked(RoomChat, EncodeNull(EventPinnedMessage))
	h.mu.Unlock()
	return nil
}

// PinnedState returns the current pin, or nil.
func (h *Hub) PinnedState() *PinState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pin == nil {
		return nil
	}
	state := h.pin.state
	return &state
}

// expirePin is the auto-clear callback. Stop cannot cancel a timer whose
// callback has already fired and is blocked on the mutex, so the callback
// carries the pin it was armed for and bails out unless that pin is still
// the current one.
func (h *Hub) expirePin(p *pinnedMessage) {
	h.mu.Lock()
	if h.pin != p {
		h.mu.Unlock()
		return
	}
	h.pin = nil
	h.broadcastLocked(RoomChat, EncodeNull(EventPinnedMessage))
	h.mu.Unlock()

	h.logger.Debug().Msg("Pinned message expired")
}

func (h *Hub) cancelPinTimerLocked() {
	if h.pin != nil && h.pin.timer != nil {
		h.pin.timer.Stop()
		h.pin.timer = nil
	}
}

// pinFrameLocked renders the current pin state for a new joiner; nil frame
// when no pin is set.
func (h *Hub) pinFrameLocked() []byte {
	if h.pin == nil {
		return nil
	}
	return Encode(EventPinnedMessage, h.pin.state)
}
