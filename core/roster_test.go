package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiry struct {
	userID string
	token  uint64
}

func newTestRoster(window time.Duration) (*Roster, chan expiry) {
	expired := make(chan expiry, 8)
	r := NewRoster("r1", window, func(userID string, token uint64) {
		expired <- expiry{userID, token}
	})
	return r, expired
}

func TestRosterUpsertAndRemove(t *testing.T) {
	r, _ := newTestRoster(time.Second)
	defer r.Stop()

	require.True(t, r.Upsert(ParticipantPayload{ID: "u2", DisplayName: "Bo"}))
	require.True(t, r.Upsert(ParticipantPayload{ID: "u2"}))

	p, ok := r.Get("u2")
	require.True(t, ok)
	assert.Equal(t, "Bo", p.DisplayName)
	assert.Equal(t, "r1", p.RoomID)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove("u2"))
	assert.False(t, r.Remove("u2"))
	_, ok = r.Get("u2")
	assert.False(t, ok)
}

func TestRosterUpsertIgnoresEmptyID(t *testing.T) {
	r, _ := newTestRoster(time.Second)
	assert.False(t, r.Upsert(ParticipantPayload{}))
	assert.Zero(t, r.Len())
}

func TestRosterParticipantsOrderedByJoin(t *testing.T) {
	r, _ := newTestRoster(time.Second)
	r.Upsert(ParticipantPayload{ID: "b", JoinedAt: t0})
	r.Upsert(ParticipantPayload{ID: "c", JoinedAt: t0.Add(-time.Minute)})
	r.Upsert(ParticipantPayload{ID: "a", JoinedAt: t0})

	var got []string
	for _, p := range r.Participants() {
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestRosterTypingExpires(t *testing.T) {
	r, expired := newTestRoster(30 * time.Millisecond)
	defer r.Stop()
	r.Upsert(ParticipantPayload{ID: "u2"})

	require.True(t, r.SetTyping("u2", true))

	select {
	case e := <-expired:
		require.True(t, r.Expire(e.userID, e.token))
	case <-time.After(baseTimeout):
		t.Fatal("typing did not expire")
	}
	p, _ := r.Get("u2")
	assert.False(t, p.IsTyping)
}

func TestRosterTypingRefreshResetsTimer(t *testing.T) {
	r, expired := newTestRoster(50 * time.Millisecond)
	defer r.Stop()

	r.SetTyping("u2", true)
	first := r.timers["u2"].token
	r.SetTyping("u2", true)

	// a firing from the replaced timer is ignored
	assert.False(t, r.Expire("u2", first))
	p, _ := r.Get("u2")
	assert.True(t, p.IsTyping)

	e := <-expired
	assert.NotEqual(t, first, e.token)
	assert.True(t, r.Expire(e.userID, e.token))
}

func TestRosterTypingStopAndLeaveClearTimer(t *testing.T) {
	r, expired := newTestRoster(20 * time.Millisecond)

	r.SetTyping("u2", true)
	r.SetTyping("u2", false)
	r.SetTyping("u3", true)
	r.Remove("u3")

	select {
	case e := <-expired:
		t.Fatalf("unexpected expiry for %s", e.userID)
	case <-time.After(60 * time.Millisecond):
	}
	assert.Empty(t, r.timers)
}

func TestRosterTypingFromUnknownUserAddsThem(t *testing.T) {
	r, _ := newTestRoster(time.Second)
	defer r.Stop()

	assert.False(t, r.SetTyping("u9", false))
	require.True(t, r.SetTyping("u9", true))
	p, ok := r.Get("u9")
	require.True(t, ok)
	assert.True(t, p.IsTyping)
}
