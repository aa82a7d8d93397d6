package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexuslabs/console/internal/account"
)

// Moderation records are expiry timestamps checked lazily at the next
// relevant action (message send for mutes, join for bans). There is no
// background sweep; soft expiry is the designed trade-off.

// isMuted checks and lazily expires the mute record for name.
func (h *Hub) isMuted(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	until, ok := h.muted[name]
	if !ok {
		return false
	}
	if !h.now().Before(until) {
		delete(h.muted, name)
		return false
	}
	return true
}

// Mute writes a mute-until timestamp for target after checking the role
// hierarchy. Actors act only on strictly lower roles; the owner may act on
// anyone but themself.
func (h *Hub) Mute(actor, target string, minutes int) error {
	if err := h.checkHierarchy(actor, target); err != nil {
		return err
	}
	if minutes < 1 {
		return fmt.Errorf("mute duration must be at least 1 minute")
	}

	h.mu.Lock()
	h.muted[target] = h.now().Add(time.Duration(minutes) * h.minute)
	h.broadcastLocked(RoomChat, h.systemFrame(fmt.Sprintf("%s was muted for %d minutes", target, minutes)))
	h.mu.Unlock()

	h.logger.Info().Str("actor", actor).Str("target", target).Int("minutes", minutes).Msg("User muted")
	return nil
}

// Unmute clears the mute record.
func (h *Hub) Unmute(actor, target string) error {
	if err := h.checkHierarchy(actor, target); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.muted, target)
	h.broadcastLocked(RoomChat, h.systemFrame(target+" was unmuted"))
	h.mu.Unlock()
	return nil
}

// Ban writes a temp-ban timestamp and drops the target's presence binding.
// The ban is enforced lazily on the next (re)join attempt.
func (h *Hub) Ban(actor, target string, minutes int) error {
	if err := h.checkHierarchy(actor, target); err != nil {
		return err
	}
	if minutes < 1 {
		return fmt.Errorf("ban duration must be at least 1 minute")
	}

	h.mu.Lock()
	h.banned[target] = h.now().Add(time.Duration(minutes) * h.minute)

	var after []func()
	if holder, ok := h.presence[target]; ok {
		after = h.forceUnbindLocked(holder)
	}
	h.broadcastLocked(RoomChat, h.systemFrame(fmt.Sprintf("%s was banned for %d minutes", target, minutes)))
	h.mu.Unlock()

	for _, fn := range after {
		fn()
	}

	h.logger.Info().Str("actor", actor).Str("target", target).Int("minutes", minutes).Msg("User banned")
	return nil
}

// Unban clears the ban record.
func (h *Hub) Unban(actor, target string) error {
	if err := h.checkHierarchy(actor, target); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.banned, target)
	h.mu.Unlock()
	return nil
}

// Kick drops the target's presence binding without any ban record.
func (h *Hub) Kick(actor, target string) error {
	if err := h.checkHierarchy(actor, target); err != nil {
		return err
	}

	h.mu.Lock()
	var after []func()
	if holder, ok := h.presence[target]; ok {
		after = h.forceUnbindLocked(holder)
		h.broadcastLocked(RoomChat, h.systemFrame(target+" was kicked"))
	}
	h.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return nil
}

// forceUnbindLocked evicts a presence binding on moderation action and
// notifies the evicted connection.
func (h *Hub) forceUnbindLocked(holder *Client) []func() {
	after := h.unbindNameLocked(holder)
	frame := h.systemFrame("You have been removed from the chat")
	return append(after, func() { holder.enqueue(RoomChat, frame) })
}

// checkHierarchy enforces owner > admin > member: the actor must outrank
// the target strictly, and nobody acts on themself.
func (h *Hub) checkHierarchy(actor, target string) error {
	if actor == target {
		return account.ErrPermissionDenied
	}
	actorRole := h.accounts.LookupDisplayMeta(actor).Role
	targetRole := h.accounts.LookupDisplayMeta(target).Role

	if actorRole == account.RoleOwner {
		return nil
	}
	if actorRole != account.RoleAdmin {
		return account.ErrPermissionDenied
	}
	if account.RoleRank(targetRole) >= account.RoleRank(actorRole) {
		return account.ErrPermissionDenied
	}
	return nil
}

// handleCommand interprets a reserved-prefix moderation command. Commands
// are never broadcast; only their effects are.
func (h *Hub) handleCommand(c *Client, actor, raw string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return
	}
	cmd := strings.TrimPrefix(fields[0], CommandPrefix)
	args := fields[1:]

	var err error
	switch cmd {
	case "mute":
		var minutes int
		if minutes, err = commandMinutes(args, 1); err == nil {
			err = h.Mute(actor, args[0], minutes)
		}
	case "unmute":
		if err = commandTarget(args); err == nil {
			err = h.Unmute(actor, args[0])
		}
	case "ban":
		var minutes int
		if minutes, err = commandMinutes(args, 1); err == nil {
			err = h.Ban(actor, args[0], minutes)
		}
	case "unban":
		if err = commandTarget(args); err == nil {
			err = h.Unban(actor, args[0])
		}
	case "kick":
		if err = commandTarget(args); err == nil {
			err = h.Kick(actor, args[0])
		}
	case "role":
		if len(args) != 2 {
			err = fmt.Errorf("usage: /role <user> <role>")
		} else {
			err = h.accounts.SetRole(actor, args[0], args[1])
		}
	case "pin":
		// /pin <minutes> <text...>; 0 pins permanently.
		if len(args) < 2 {
			err = fmt.Errorf("usage: /pin <minutes> <text>")
		} else {
			var minutes int
			minutes, err = strconv.Atoi(args[0])
			if err != nil {
				err = fmt.Errorf("usage: /pin <minutes> <text>")
			} else {
				err = h.Pin(actor, strings.Join(args[1:], " "), minutes)
			}
		}
	case "unpin":
		err = h.Unpin(actor)
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}

	if err != nil {
		h.notify(c, err.Error())
	}
}

func commandTarget(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing target user")
	}
	return nil
}

func commandMinutes(args []string, defaultMinutes int) (int, error) {
	if err := commandTarget(args); err != nil {
		return 0, err
	}
	if len(args) < 2 {
		return defaultMinutes, nil
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes < 1 {
		return 0, fmt.Errorf("invalid duration %q", args[1])
	}
	return minutes, nil
}
