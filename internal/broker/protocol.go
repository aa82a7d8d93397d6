// Package broker owns the ephemeral real-time rooms: chat presence, probe
// session rooms and the voice room. It brokers room membership, message
// fan-out, the pinned-message lifecycle, moderation and voice signaling
// over one hub instance with injectable state.
package broker

import (
	"encoding/json"
	"strings"
)

// Room names. Every connection implicitly joins the chat room; probe
// session rooms are keyed by caller-supplied session id.
const (
	RoomChat  = "chat"
	RoomVoice = "voice"
)

// ProbeRoom returns the room name for a probe session.
func ProbeRoom(sessionID string) string { return "ping:" + sessionID }

// ProbeSessionID recovers the session id from a probe room name.
func ProbeSessionID(room string) (string, bool) {
	return strings.CutPrefix(room, "ping:")
}

// Client-originated event types.
const (
	EventJoin              = "join"
	EventChatMessage       = "chatMessage"
	EventJoinProbeSession  = "joinProbeSession"
	EventLeaveProbeSession = "leaveProbeSession"
	EventVoiceJoin         = "voiceJoin"
	EventVoiceLeave        = "voiceLeave"
	EventVoiceMuteToggle   = "voiceMuteToggle"
	EventVoiceSpeaking     = "voiceSpeaking"
)

// Relayed signaling event types (same name in both directions).
const (
	EventVoiceOffer        = "voiceOffer"
	EventVoiceAnswer       = "voiceAnswer"
	EventVoiceIceCandidate = "voiceIceCandidate"
)

// Server-originated event types.
const (
	EventUserList        = "userList"
	EventMessage         = "message"
	EventPinnedMessage   = "pinnedMessage"
	EventProbeResult     = "probeResult"
	EventVoiceUserJoined = "voiceUserJoined"
	EventVoiceUserLeft   = "voiceUserLeft"
	EventVoiceUserList   = "voiceUserList"
	EventTrackerHit      = "trackerHit"
)

// Message kinds carried inside a chat envelope.
const (
	KindText    = "text"
	KindImage   = "image"
	KindSticker = "sticker"
	KindSystem  = "system"
)

// Payload caps. Image content is a base-64 payload.
const (
	MaxTextLen       = 2000
	MaxImageBytes    = 5 << 20
	MaxStickerRefLen = 200
)

// CommandPrefix marks a chat message as a moderation command; such messages
// are intercepted and never broadcast.
const CommandPrefix = "/"

// Envelope is the wire frame of the real-time channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChatMessageIn is the client chatMessage payload.
type ChatMessageIn struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MessageOut is a fanned-out chat message. Sender decoration (role, tag,
// color) is resolved at send time from the account collaborator.
type MessageOut struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Color    string `json:"color,omitempty"`
	Text     string `json:"text,omitempty"`
	Content  string `json:"content,omitempty"`
	Time     string `json:"time"`
}

// PinState is the pinnedMessage payload; a null state clears the pin.
type PinState struct {
	Text            string `json:"text"`
	Author          string `json:"author"`
	CreatedAt       string `json:"createdAt"`
	DurationMinutes int    `json:"durationMinutes"`
}

// VoiceParticipant is one voice room roster entry. Muted and speaking are
// client-self-reported and relayed verbatim.
type VoiceParticipant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Muted    bool   `json:"muted"`
	Speaking bool   `json:"speaking"`
}

// SignalOut is a forwarded negotiation payload; the payload is opaque to
// the relay.
type SignalOut struct {
	From     string          `json:"from"`
	Username string          `json:"username,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode frames an event for the wire. Marshal failures cannot happen for
// the value types used here, so they are swallowed after logging upstream.
func Encode(eventType string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil
	}
	return frame
}

// EncodeNull frames an event whose payload is JSON null.
func EncodeNull(eventType string) []byte {
	frame, _ := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: eventType, Data: json.RawMessage("null")})
	return frame
}
