package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeParticipant(t *testing.T, data json.RawMessage) VoiceParticipant {
	t.Helper()
	var p VoiceParticipant
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func decodeRoster(t *testing.T, data json.RawMessage) []VoiceParticipant {
	t.Helper()
	var roster []VoiceParticipant
	require.NoError(t, json.Unmarshal(data, &roster))
	return roster
}

func TestVoiceJoinTwoPhaseOrdering(t *testing.T) {
	h, _ := newTestHub(t)

	first := connect(t, h)
	h.VoiceJoin(first, "bob", "")
	drainFrames(t, first)

	second := connect(t, h)
	h.VoiceJoin(second, "carol", "cat.png")

	// Phase one: the joiner sees the existing roster before anything else.
	joinerEnvs := drainFrames(t, second)
	require.NotEmpty(t, joinerEnvs)
	require.Equal(t, EventVoiceUserList, joinerEnvs[0].Type,
		"roster must arrive before any announcement")
	roster := decodeRoster(t, joinerEnvs[0].Data)
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].Username)

	// Phase two: existing members hear about the newcomer.
	existingEnvs := drainFrames(t, first)
	joined := eventsOf(existingEnvs, EventVoiceUserJoined)
	require.Len(t, joined, 1)
	p := decodeParticipant(t, joined[0])
	assert.Equal(t, "carol", p.Username)
	assert.Equal(t, "cat.png", p.Avatar)
	assert.Equal(t, second.ID, p.ID)

	assert.Len(t, h.VoiceRoster(), 2)
}

func TestVoiceJoinIdempotent(t *testing.T) {
	h, _ := newTestHub(t)

	c := connect(t, h)
	h.VoiceJoin(c, "bob", "")
	h.VoiceJoin(c, "bob", "")

	assert.Len(t, h.VoiceRoster(), 1)
}

func TestVoiceLeaveBroadcastsRemovalAndRoster(t *testing.T) {
	h, _ := newTestHub(t)

	bob := connect(t, h)
	carol := connect(t, h)
	h.VoiceJoin(bob, "bob", "")
	h.VoiceJoin(carol, "carol", "")
	drainFrames(t, bob)

	h.VoiceLeave(carol)

	envs := drainFrames(t, bob)
	left := eventsOf(envs, EventVoiceUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "carol", decodeParticipant(t, left[0]).Username)

	lists := eventsOf(envs, EventVoiceUserList)
	require.NotEmpty(t, lists)
	final := decodeRoster(t, lists[len(lists)-1])
	require.Len(t, final, 1)
	assert.Equal(t, "bob", final[0].Username)
}

func TestDisconnectLeavesVoice(t *testing.T) {
	h, _ := newTestHub(t)

	bob := connect(t, h)
	carol := connect(t, h)
	h.VoiceJoin(bob, "bob", "")
	h.VoiceJoin(carol, "carol", "")
	drainFrames(t, bob)

	h.Unregister(carol)

	envs := drainFrames(t, bob)
	require.Len(t, eventsOf(envs, EventVoiceUserLeft), 1)
	assert.Len(t, h.VoiceRoster(), 1)
}

func TestForwardDeliversOpaquePayload(t *testing.T) {
	h, _ := newTestHub(t)

	bob := connect(t, h)
	carol := connect(t, h)
	h.VoiceJoin(bob, "bob", "")
	h.VoiceJoin(carol, "carol", "")
	drainFrames(t, carol)

	payload := json.RawMessage(`{"sdp":"v=0 fake offer","type":"offer"}`)
	h.Forward(bob, EventVoiceOffer, carol.ID, payload)

	envs := drainFrames(t, carol)
	offers := eventsOf(envs, EventVoiceOffer)
	require.Len(t, offers, 1)

	var sig SignalOut
	require.NoError(t, json.Unmarshal(offers[0], &sig))
	assert.Equal(t, bob.ID, sig.From)
	assert.Equal(t, "bob", sig.Username)
	assert.JSONEq(t, string(payload), string(sig.Payload), "payload relayed verbatim")
}

func TestForwardUnknownTargetNotifiesSender(t *testing.T) {
	h, _ := newTestHub(t)

	bob := connect(t, h)
	h.VoiceJoin(bob, "bob", "")
	drainFrames(t, bob)

	h.Forward(bob, EventVoiceAnswer, "nope", json.RawMessage(`{}`))

	assert.NotEmpty(t, systemTexts(t, drainFrames(t, bob)))
}

func TestVoiceFlagsRelayedVerbatim(t *testing.T) {
	h, _ := newTestHub(t)

	bob := connect(t, h)
	carol := connect(t, h)
	h.VoiceJoin(bob, "bob", "")
	h.VoiceJoin(carol, "carol", "")
	drainFrames(t, carol)

	h.SetVoiceMuted(bob, true)
	h.SetVoiceSpeaking(bob, true)

	envs := drainFrames(t, carol)
	lists := eventsOf(envs, EventVoiceUserList)
	require.Len(t, lists, 2)

	find := func(roster []VoiceParticipant, name string) VoiceParticipant {
		for _, p := range roster {
			if p.Username == name {
				return p
			}
		}
		t.Fatalf("participant %s missing", name)
		return VoiceParticipant{}
	}

	afterMute := find(decodeRoster(t, lists[0]), "bob")
	assert.True(t, afterMute.Muted)
	assert.False(t, afterMute.Speaking)

	afterSpeak := find(decodeRoster(t, lists[1]), "bob")
	assert.True(t, afterSpeak.Muted)
	assert.True(t, afterSpeak.Speaking)
}

func TestVoiceFlagIgnoredOffRoster(t *testing.T) {
	h, _ := newTestHub(t)

	c := connect(t, h)
	h.SetVoiceMuted(c, true)
	h.SetVoiceSpeaking(c, true)

	assert.Empty(t, drainFrames(t, c))
}
