package core

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultMatchWindow = 10 * time.Second

// Timeline is the ordered message list of one room. Messages are kept in
// (SentAt, ID) order and indexed by client id and server id. Reconciling an
// echo updates the existing entry in place and never moves it.
//
// A Timeline is not safe for concurrent use.
type Timeline struct {
	window     time.Duration
	items      []*ChatMessage
	byID       map[string]*ChatMessage
	byServerID map[string]*ChatMessage
	// local messages not yet confirmed, candidates for fuzzy matching
	unconfirmed map[string]*ChatMessage
}

func NewTimeline(window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Timeline{
		window:      window,
		byID:        make(map[string]*ChatMessage),
		byServerID:  make(map[string]*ChatMessage),
		unconfirmed: make(map[string]*ChatMessage),
	}
}

func compareMessages(a, b *ChatMessage) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Add inserts msg at its ordered position. It returns false when a message
// with the same id already exists.
func (t *Timeline) Add(msg ChatMessage) bool {
	if _, ok := t.byID[msg.ID]; ok {
		return false
	}
	m := &msg
	i, _ := slices.BinarySearchFunc(t.items, m, compareMessages)
	t.items = slices.Insert(t.items, i, m)
	t.byID[m.ID] = m
	if m.ServerID != "" {
		t.byServerID[m.ServerID] = m
	}
	if m.State != Confirmed {
		t.unconfirmed[m.ID] = m
	}
	return true
}

func (t *Timeline) Get(id string) (ChatMessage, bool) {
	m, ok := t.byID[id]
	if !ok {
		return ChatMessage{}, false
	}
	return *m, true
}

// Confirm marks the message as confirmed by the server.
func (t *Timeline) Confirm(id, serverID string) bool {
	m, ok := t.byID[id]
	if !ok {
		return false
	}
	return t.confirm(m, serverID)
}

func (t *Timeline) confirm(m *ChatMessage, serverID string) bool {
	changed := false
	if m.State != Confirmed {
		m.State = Confirmed
		delete(t.unconfirmed, m.ID)
		changed = true
	}
	if serverID != "" && m.ServerID == "" {
		m.ServerID = serverID
		t.byServerID[serverID] = m
		changed = true
	}
	return changed
}

// Fail marks a pending message as failed.
func (t *Timeline) Fail(id string) bool {
	m, ok := t.byID[id]
	if !ok || m.State != Pending {
		return false
	}
	m.State = Failed
	return true
}

// Retry moves a failed message back to pending.
func (t *Timeline) Retry(id string) bool {
	m, ok := t.byID[id]
	if !ok || m.State != Failed {
		return false
	}
	m.State = Pending
	return true
}

// Merge reconciles an inbound message with the timeline. It matches, in
// order, by server id, by client message id, and for echoes that carry no
// client id, by author and body among unconfirmed local messages sent within
// the match window. Unmatched messages are inserted as confirmed.
func (t *Timeline) Merge(in MessagePayload) (ChatMessage, bool) {
	var m *ChatMessage
	switch {
	case in.ServerID != "" && t.byServerID[in.ServerID] != nil:
		m = t.byServerID[in.ServerID]
	case in.ClientMessageID != "":
		m = t.byID[in.ClientMessageID]
	default:
		m = t.match(in)
	}
	if m != nil {
		changed := t.confirm(m, in.ServerID)
		return *m, changed
	}

	msg := ChatMessage{
		ID:         in.ClientMessageID,
		RoomID:     in.RoomID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Body:       in.Body,
		SentAt:     in.SentAt,
		State:      Confirmed,
		ServerID:   in.ServerID,
	}
	switch {
	case msg.ID != "":
	case in.ServerID != "":
		msg.ID = "srv:" + in.ServerID
	default:
		msg.ID = uuid.NewString()
	}
	t.Add(msg)
	return msg, true
}

func (t *Timeline) match(in MessagePayload) *ChatMessage {
	var (
		best     *ChatMessage
		bestDiff time.Duration
	)
	for _, m := range t.unconfirmed {
		if m.AuthorID != in.AuthorID || m.Body != in.Body {
			continue
		}
		diff := m.SentAt.Sub(in.SentAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > t.window {
			continue
		}
		if best == nil || diff < bestDiff || (diff == bestDiff && m.ID < best.ID) {
			best, bestDiff = m, diff
		}
	}
	return best
}

func (t *Timeline) Len() int {
	return len(t.items)
}

// Messages returns a copy of the ordered timeline.
func (t *Timeline) Messages() []ChatMessage {
	out := make([]ChatMessage, len(t.items))
	for i, m := range t.items {
		out[i] = *m
	}
	return out
}
