package broker

import (
	"encoding/json"
)

// Signaling relay: a pure forwarder for offer/answer/ICE payloads addressed
// by connection id. Payloads are opaque; mute/speaking flags are client
// self-reported and relayed verbatim.

// VoiceJoin runs the two-phase join: the joiner first receives the full
// existing roster, then is announced to existing members. No participant
// ever negotiates against a peer that does not yet know about it.
func (h *Hub) VoiceJoin(c *Client, username, avatar string) {
	h.mu.Lock()

	if c.voice != nil {
		h.mu.Unlock()
		return
	}

	roster := h.voiceRosterLocked()
	c.enqueue(RoomVoice, Encode(EventVoiceUserList, roster))

	participant := &VoiceParticipant{
		ID:       c.ID,
		Username: username,
		Avatar:   avatar,
	}
	c.voice = participant
	joined := Encode(EventVoiceUserJoined, *participant)
	h.broadcastLocked(RoomVoice, joined)
	h.joinRoomLocked(c, RoomVoice)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", c.ID).Str("username", username).Msg("Voice participant joined")
}

// VoiceLeave removes the participant, broadcasting a removal notice and the
// refreshed roster to the remaining members.
func (h *Hub) VoiceLeave(c *Client) {
	h.mu.Lock()
	after := h.voiceLeaveLocked(c)
	emptied := h.leaveRoomLocked(c, RoomVoice)
	h.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	if emptied && h.OnRoomEmpty != nil {
		h.OnRoomEmpty(RoomVoice)
	}
}

// voiceLeaveLocked clears the roster entry and returns the deferred
// removal broadcasts. Safe to call for clients not in the voice room.
func (h *Hub) voiceLeaveLocked(c *Client) []func() {
	participant := c.voice
	if participant == nil {
		return nil
	}
	c.voice = nil

	leftFrame := Encode(EventVoiceUserLeft, *participant)

	// Roster without the leaver; membership is dropped by the caller.
	delete(h.rooms[RoomVoice], c)
	listFrame := Encode(EventVoiceUserList, h.voiceRosterLocked())

	return []func(){func() {
		h.Broadcast(RoomVoice, leftFrame)
		h.Broadcast(RoomVoice, listFrame)
	}}
}

// Forward relays one negotiation payload to the addressed connection. The
// relay never inspects the payload. Unknown targets earn the sender a
// private notice; signaling against vanished peers is routine during
// disconnects.
func (h *Hub) Forward(c *Client, eventType, targetID string, payload json.RawMessage) {
	h.mu.Lock()
	target, ok := h.clients[targetID]
	var username string
	if c.voice != nil {
		username = c.voice.Username
	}
	h.mu.Unlock()

	if !ok {
		h.notify(c, "voice peer not found")
		return
	}

	target.enqueue(RoomVoice, Encode(eventType, SignalOut{
		From:     c.ID,
		Username: username,
		Payload:  payload,
	}))
}

// SetVoiceMuted relays the self-reported muted flag to the room.
func (h *Hub) SetVoiceMuted(c *Client, muted bool) {
	h.setVoiceFlag(c, func(p *VoiceParticipant) { p.Muted = muted })
}

// SetVoiceSpeaking relays the self-reported speaking flag to the room.
func (h *Hub) SetVoiceSpeaking(c *Client, speaking bool) {
	h.setVoiceFlag(c, func(p *VoiceParticipant) { p.Speaking = speaking })
}

func (h *Hub) setVoiceFlag(c *Client, apply func(*VoiceParticipant)) {
	h.mu.Lock()
	if c.voice == nil {
		h.mu.Unlock()
		return
	}
	apply(c.voice)
	frame := Encode(EventVoiceUserList, h.voiceRosterLocked())
	h.broadcastLocked(RoomVoice, frame)
	h.mu.Unlock()
}

// VoiceRoster returns a snapshot of the current participants.
func (h *Hub) VoiceRoster() []VoiceParticipant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.voiceRosterLocked()
}

func (h *Hub) voiceRosterLocked() []VoiceParticipant {
	roster := make([]VoiceParticipant, 0, len(h.rooms[RoomVoice]))
	for c := range h.rooms[RoomVoice] {
		if c.voice != nil {
			roster = append(roster, *c.voice)
		}
	}
	return roster
}
