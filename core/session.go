package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/putto11262002/chatsync/pkg/channel"
)

// joinAttempt is one in-flight join. Concurrent joins of the same room wait
// on done and share err.
type joinAttempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (a *joinAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

type session struct {
	roomID string
	state  RoomState
	conn   ConnectionState
	// dropped is set when the handle's transport went away mid-session
	dropped bool
	closed  bool

	handle   channel.Handle
	subs     []*channel.Subscription
	attempt  *joinAttempt
	timeline *Timeline
	roster   *Roster
	typing   *typingSender
	// ids of pending messages waiting for a usable connection
	outbox []string
	logger *slog.Logger
}

func (m *Manager) newSession(roomID string) *session {
	s := &session{
		roomID:   roomID,
		state:    Joining,
		conn:     Connecting,
		timeline: NewTimeline(m.cfg.MatchWindow),
		logger:   m.logger.With(slog.String("room", roomID)),
	}
	s.roster = NewRoster(roomID, m.cfg.TypingExpiry, func(userID string, token uint64) {
		m.post(func() {
			if !s.closed && s.roster.Expire(userID, token) {
				m.publish(s)
			}
		})
	})
	s.typing = newTypingSender(m.cfg.TypingIdle, m.cfg.TypingRefresh,
		func(typing bool) {
			m.sendTyping(s, typing)
		},
		func(token uint64) {
			m.post(func() {
				if !s.closed {
					s.typing.Idle(token)
				}
			})
		})
	return s
}

// sendable reports whether messages can be emitted right now.
func (s *session) sendable() bool {
	return s.state == Joined && s.handle != nil && !s.dropped && s.attempt == nil
}

func (m *Manager) sendTyping(s *session, typing bool) {
	if !s.sendable() {
		return
	}
	err := s.handle.Notify(EventTyping, TypingPayload{
		RoomID:   s.roomID,
		UserID:   m.identity.UserID,
		IsTyping: typing,
	})
	if err != nil {
		s.logger.Warn(fmt.Sprintf("notify typing: %v", err))
	}
}

// subscribe moves the session's handlers onto h.
func (m *Manager) subscribe(s *session, h channel.Handle) {
	m.unsubscribe(s)
	prev := s.handle
	s.handle = h
	s.subs = []*channel.Subscription{
		h.On(EventMessage, m.forward(s, m.onMessage)),
		h.On(EventParticipantUpdate, m.forward(s, m.onParticipantUpdate)),
		h.On(EventParticipantLeft, m.forward(s, m.onParticipantLeft)),
		h.On(EventTyping, m.forward(s, m.onTyping)),
	}
	if prev != h {
		m.release(prev)
	}
}

func (m *Manager) unsubscribe(s *session) {
	if s.handle == nil {
		return
	}
	for _, sub := range s.subs {
		s.handle.Off(sub)
	}
	s.subs = nil
}

// forward runs fn on the loop for as long as the session is alive.
func (m *Manager) forward(s *session, fn func(*session, channel.Event)) channel.Handler {
	return func(e channel.Event) {
		m.post(func() {
			if s.closed {
				return
			}
			fn(s, e)
		})
	}
}

func (m *Manager) onMessage(s *session, e channel.Event) {
	var p MessagePayload
	if err := e.Decode(&p); err != nil {
		s.logger.Error(err.Error())
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	if _, changed := s.timeline.Merge(p); changed {
		m.publish(s)
	}
}

func (m *Manager) onParticipantUpdate(s *session, e channel.Event) {
	var p ParticipantPayload
	if err := e.Decode(&p); err != nil {
		s.logger.Error(err.Error())
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	if s.roster.Upsert(p) {
		m.publish(s)
	}
}

func (m *Manager) onParticipantLeft(s *session, e channel.Event) {
	var p ParticipantLeftPayload
	if err := e.Decode(&p); err != nil {
		s.logger.Error(err.Error())
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	if s.roster.Remove(p.ID) {
		m.publish(s)
	}
}

func (m *Manager) onTyping(s *session, e channel.Event) {
	var p TypingPayload
	if err := e.Decode(&p); err != nil {
		s.logger.Error(err.Error())
		return
	}
	if p.RoomID != s.roomID || p.UserID == m.identity.UserID {
		return
	}
	if s.roster.SetTyping(p.UserID, p.IsTyping) {
		m.publish(s)
	}
}

// leave tears the session down. It runs on the loop.
func (m *Manager) leave(s *session) {
	if s.closed {
		return
	}
	s.state = Leaving
	m.publish(s)

	if s.handle != nil && !s.dropped {
		err := s.handle.Notify(EventLeaveRoom, LeaveRoomPayload{RoomID: s.roomID, UserID: m.identity.UserID})
		if err != nil {
			s.logger.Debug(fmt.Sprintf("notify leave: %v", err))
		}
	}
	m.teardown(s)
}

// teardown releases everything the session holds and removes it.
func (m *Manager) teardown(s *session) {
	s.closed = true
	if a := s.attempt; a != nil {
		s.attempt = nil
		if a.cancel != nil {
			a.cancel()
		}
		a.finish(ErrJoinCancelled)
	}
	m.unsubscribe(s)
	h := s.handle
	s.roster.Stop()
	s.typing.Stop()
	s.timeline = NewTimeline(m.cfg.MatchWindow)
	s.roster = NewRoster(s.roomID, m.cfg.TypingExpiry, nil)
	s.outbox = nil
	s.handle = nil
	s.state = Idle
	s.conn = Disconnected
	if m.sessions[s.roomID] == s {
		delete(m.sessions, s.roomID)
	}
	m.release(h)
	m.publish(s)
	s.logger.Info("session released")
}

func (m *Manager) snapshot(s *session) Snapshot {
	return Snapshot{
		RoomID:       s.roomID,
		State:        s.state,
		Connection:   s.conn,
		Messages:     s.timeline.Messages(),
		Participants: s.roster.Participants(),
		Version:      m.versions[s.roomID],
	}
}

// publish hands the current snapshot to the room's watchers. A watcher that
// has not consumed the previous snapshot only sees the latest one.
func (m *Manager) publish(s *session) {
	m.versions[s.roomID]++
	ws := m.watchers[s.roomID]
	if len(ws) == 0 {
		return
	}
	snap := m.snapshot(s)
	for _, ch := range ws {
		offer(ch, snap)
	}
}

func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

func (m *Manager) idleSnapshot(roomID string) Snapshot {
	return Snapshot{
		RoomID:     roomID,
		State:      Idle,
		Connection: Disconnected,
		Version:    m.versions[roomID],
	}
}

// Snapshot returns the current state of the room. The boolean is false when
// the room has no session.
func (m *Manager) Snapshot(roomID string) (Snapshot, bool) {
	var (
		snap Snapshot
		ok   bool
	)
	err := m.call(func() {
		s := m.sessions[roomID]
		if s == nil {
			snap = m.idleSnapshot(roomID)
			return
		}
		snap, ok = m.snapshot(s), true
	})
	if err != nil {
		return Snapshot{RoomID: roomID, State: Idle, Connection: Disconnected}, false
	}
	return snap, ok
}

// Watch streams snapshots of the room, starting with the current one.
// The stream keeps only the latest snapshot and survives leave and rejoin.
// The returned function stops the stream and closes the channel.
func (m *Manager) Watch(roomID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	var id uint64
	err := m.call(func() {
		m.nextWatch++
		id = m.nextWatch
		if m.watchers[roomID] == nil {
			m.watchers[roomID] = make(map[uint64]chan Snapshot)
		}
		m.watchers[roomID][id] = ch
		if s := m.sessions[roomID]; s != nil {
			ch <- m.snapshot(s)
		} else {
			ch <- m.idleSnapshot(roomID)
		}
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	var stop sync.Once
	return ch, func() {
		stop.Do(func() {
			m.call(func() {
				if ws := m.watchers[roomID]; ws != nil {
					if _, ok := ws[id]; ok {
						delete(ws, id)
						close(ch)
					}
				}
			})
		})
	}
}
