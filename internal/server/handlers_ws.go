package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/nexuslabs/console/internal/admission"
	"github.com/nexuslabs/console/internal/broker"
	"github.com/nexuslabs/console/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	addr := admission.ClientIP(r)
	if d := s.guard.AdmitConn(addr); d.Verdict == admission.HardReject {
		monitoring.ConnectionsRejected.WithLabelValues(d.Reason).Inc()
		s.logger.Debug().
			Str("addr", addr).
			Str("reason", d.Reason).
			Msg("Connection rejected by admission guard")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "connection rejected",
			"reason":     d.Reason,
			"retryAfter": int(d.RetryAfter.Seconds()),
		})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.ReleaseConn(addr)
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().
			Err(err).
			Str("addr", addr).
			Msg("Failed to upgrade connection")
		return
	}

	client := broker.NewClient(uuid.NewString(), addr, s.guard.MessageLimiter())
	s.hub.Register(client)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	go s.writePump(client, conn)
	go s.readPump(client, conn)
}

// disconnectClient tears one connection down exactly once: hub state,
// transport socket, admission slot, active gauge. Only readPump calls it.
func (s *Server) disconnectClient(c *broker.Client, conn net.Conn) {
	s.hub.Unregister(c)
	conn.Close()
	s.guard.ReleaseConn(c.Addr)
	monitoring.ConnectionsActive.Dec()

	s.logger.Debug().
		Str("conn_id", c.ID).
		Str("addr", c.Addr).
		Msg("Client disconnected")
}

func (s *Server) readPump(c *broker.Client, conn net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "read_pump", map[string]any{"conn_id": c.ID})
	defer s.disconnectClient(c, conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.MessagesReceived.Inc()
			s.dispatch(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *broker.Client, conn net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "write_pump", map[string]any{"conn_id": c.ID})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Outgoing():
			if !ok {
				wsutil.WriteServerMessage(conn, ws.OpClose, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
				s.logger.Debug().
					Str("conn_id", c.ID).
					Err(err).
					Msg("Failed to write message to client")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// Event payloads carried inside the envelope.
type joinPayload struct {
	Username string `json:"username"`
}

type probeSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type voiceJoinPayload struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type voiceFlagPayload struct {
	Muted    bool `json:"muted"`
	Speaking bool `json:"speaking"`
}

type signalPayload struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// dispatch routes one inbound frame. Malformed frames are dropped with a
// debug log; a client that cannot form JSON gets no error channel.
func (s *Server) dispatch(c *broker.Client, raw []byte) {
	var env broker.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug().
			Str("conn_id", c.ID).
			Err(err).
			Msg("Malformed client frame")
		return
	}

	switch env.Type {
	case broker.EventJoin:
		var p joinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Username == "" {
			return
		}
		if err := s.hub.BindName(c, p.Username); err != nil {
			s.hub.Notify(c, err.Error())
		}

	case broker.EventChatMessage:
		if !c.AllowMessage() {
			monitoring.RateLimitedMessages.Inc()
			s.hub.Notify(c, "You are sending messages too quickly. Please slow down.")
			return
		}
		var p broker.ChatMessageIn
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.hub.SendChat(c, p)

	case broker.EventJoinProbeSession:
		var p probeSessionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.SessionID == "" {
			return
		}
		s.hub.JoinRoom(c, broker.ProbeRoom(p.SessionID))

	case broker.EventLeaveProbeSession:
		var p probeSessionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.SessionID == "" {
			return
		}
		s.hub.LeaveRoom(c, broker.ProbeRoom(p.SessionID))

	case broker.EventVoiceJoin:
		var p voiceJoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if p.Username == "" {
			p.Username = s.hub.NameOf(c)
		}
		s.hub.VoiceJoin(c, p.Username, p.Avatar)

	case broker.EventVoiceLeave:
		s.hub.VoiceLeave(c)

	case broker.EventVoiceOffer, broker.EventVoiceAnswer, broker.EventVoiceIceCandidate:
		var p signalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.To == "" {
			return
		}
		s.hub.Forward(c, env.Type, p.To, p.Payload)

	case broker.EventVoiceMuteToggle:
		var p voiceFlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.hub.SetVoiceMuted(c, p.Muted)

	case broker.EventVoiceSpeaking:
		var p voiceFlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.hub.SetVoiceSpeaking(c, p.Speaking)

	default:
		s.logger.Debug().
			Str("conn_id", c.ID).
			Str("type", env.Type).
			Msg("Unknown event type")
	}
}
