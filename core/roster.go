package core

import (
	"slices"
	"strings"
	"time"
)

const DefaultTypingExpiry = 5 * time.Second

type typingTimer struct {
	timer *time.Timer
	token uint64
}

// Roster tracks the participants of one room and their typing state.
// A typing flag is cleared by an explicit stop, by the participant leaving,
// or by the expiry timer. Expiry timers do not touch the roster directly:
// they call onExpire, and the owner passes the token back to Expire.
//
// A Roster is not safe for concurrent use.
type Roster struct {
	roomID   string
	expiry   time.Duration
	members  map[string]*Participant
	timers   map[string]*typingTimer
	token    uint64
	onExpire func(userID string, token uint64)
	now      func() time.Time
}

func NewRoster(roomID string, expiry time.Duration, onExpire func(userID string, token uint64)) *Roster {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if onExpire == nil {
		onExpire = func(string, uint64) {}
	}
	return &Roster{
		roomID:   roomID,
		expiry:   expiry,
		members:  make(map[string]*Participant),
		timers:   make(map[string]*typingTimer),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Upsert inserts or updates a participant. Empty fields of p keep the
// current values.
func (r *Roster) Upsert(p ParticipantPayload) bool {
	if p.ID == "" {
		return false
	}
	now := r.now()
	m, ok := r.members[p.ID]
	if !ok {
		m = &Participant{ID: p.ID, RoomID: r.roomID, JoinedAt: p.JoinedAt}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = now
		}
		r.members[p.ID] = m
	}
	if p.DisplayName != "" {
		m.DisplayName = p.DisplayName
	}
	if m.DisplayName == "" {
		m.DisplayName = p.ID
	}
	m.LastSeen = now
	r.setTyping(m, p.IsTyping)
	return true
}

func (r *Roster) Remove(id string) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	r.stopTimer(id)
	delete(r.members, id)
	return true
}

// SetTyping applies a typing signal. A signal from an unknown user adds them.
func (r *Roster) SetTyping(userID string, typing bool) bool {
	m, ok := r.members[userID]
	if !ok {
		if !typing {
			return false
		}
		return r.Upsert(ParticipantPayload{ID: userID, IsTyping: true})
	}
	m.LastSeen = r.now()
	return r.setTyping(m, typing)
}

func (r *Roster) setTyping(m *Participant, typing bool) bool {
	changed := m.IsTyping != typing
	m.IsTyping = typing
	if !typing {
		r.stopTimer(m.ID)
		return changed
	}

	// a refresh pushes the expiry back
	r.stopTimer(m.ID)
	r.token++
	token, userID := r.token, m.ID
	r.timers[userID] = &typingTimer{
		token: token,
		timer: time.AfterFunc(r.expiry, func() {
			r.onExpire(userID, token)
		}),
	}
	return changed
}

// Expire clears the typing flag if token belongs to the current timer.
func (r *Roster) Expire(userID string, token uint64) bool {
	t, ok := r.timers[userID]
	if !ok || t.token != token {
		return false
	}
	delete(r.timers, userID)
	m, ok := r.members[userID]
	if !ok || !m.IsTyping {
		return false
	}
	m.IsTyping = false
	return true
}

func (r *Roster) stopTimer(userID string) {
	if t, ok := r.timers[userID]; ok {
		t.timer.Stop()
		delete(r.timers, userID)
	}
}

func (r *Roster) Get(id string) (Participant, bool) {
	m, ok := r.members[id]
	if !ok {
		return Participant{}, false
	}
	return *m, true
}

func (r *Roster) Len() int {
	return len(r.members)
}

// Participants returns the roster ordered by join time, then id.
func (r *Roster) Participants() []Participant {
	out := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stop cancels every expiry timer.
func (r *Roster) Stop() {
	for id := range r.timers {
		r.stopTimer(id)
	}
}
