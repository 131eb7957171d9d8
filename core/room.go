package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatsync/pkg/channel"
)

// Room is a handle on a joined room.
type Room struct {
	m  *Manager
	id string
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Send(ctx context.Context, body string) (ChatMessage, error) {
	return r.m.Send(ctx, r.id, body)
}

func (r *Room) Retry(ctx context.Context, messageID string) (ChatMessage, error) {
	return r.m.Retry(ctx, r.id, messageID)
}

func (r *Room) SetTyping(typing bool) error {
	return r.m.SetTyping(r.id, typing)
}

func (r *Room) Leave() error {
	return r.m.Leave(r.id)
}

func (r *Room) Snapshot() (Snapshot, bool) {
	return r.m.Snapshot(r.id)
}

func (r *Room) Watch() (<-chan Snapshot, func()) {
	return r.m.Watch(r.id)
}

// Join enters the room. Joins of a room that is already joining wait for
// that attempt; joins of a connected room return at once. Joining a room
// whose connection is degraded reconnects it.
//
// Join returns within the connect and join timeouts. When the server cannot
// be reached, or does not ack in time, the room is joined in the Degraded
// state. An error is returned only when the server rejects the room, when
// Leave overtakes the join, or when ctx is cancelled.
func (m *Manager) Join(ctx context.Context, roomID string) (*Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}

	var (
		s       *session
		a       *joinAttempt
		waiting bool
		redial  bool
	)
	err := m.call(func() {
		s = m.sessions[roomID]
		switch {
		case s == nil:
			s = m.newSession(roomID)
			m.sessions[roomID] = s
		case s.attempt != nil:
			a, waiting = s.attempt, true
			return
		case s.conn == Connected && !s.dropped:
			return
		case s.conn == Degraded && !s.dropped && m.simulated:
			return
		}
		redial = s.state == Joined
		a = &joinAttempt{done: make(chan struct{})}
		s.attempt = a
		m.publish(s)
	})
	if err != nil {
		return nil, err
	}

	room := &Room{m: m, id: roomID}
	switch {
	case a == nil:
		return room, nil
	case waiting:
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if a.err != nil {
			return nil, a.err
		}
		return room, nil
	}

	if err := m.attach(ctx, s, a, redial); err != nil {
		return nil, err
	}
	return room, nil
}

// attach connects the session to the shared handle and emits joinRoom.
// redial is set when a joined room joins again.
func (m *Manager) attach(ctx context.Context, s *session, a *joinAttempt, redial bool) error {
	h := m.acquire(ctx, redial)

	jctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	stale := false
	err := m.call(func() {
		if s.closed || s.attempt != a {
			stale = true
			return
		}
		a.cancel = cancel
		m.subscribe(s, h)
	})
	if err != nil {
		return err
	}
	if stale {
		return ErrJoinCancelled
	}

	raw, emitErr := h.Emit(jctx, EventJoinRoom, JoinRoomPayload{
		RoomID:      s.roomID,
		UserID:      m.identity.UserID,
		DisplayName: m.identity.DisplayName,
	})

	var result error
	if err := m.call(func() {
		result = m.finishJoin(ctx, s, a, h, raw, emitErr)
	}); err != nil {
		return err
	}
	return result
}

func (m *Manager) finishJoin(ctx context.Context, s *session, a *joinAttempt, h channel.Handle, raw json.RawMessage, emitErr error) (result error) {
	if s.closed || s.attempt != a {
		s.logger.Debug("discarding stale join result")
		return ErrJoinCancelled
	}
	s.attempt = nil
	defer func() {
		a.finish(result)
		m.publish(s)
	}()

	fresh := s.state == Joining
	switch {
	case emitErr == nil:
		var ack JoinRoomAck
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				s.logger.Warn(fmt.Sprintf("decode join ack: %v", err))
			}
		}
		s.state = Joined
		s.dropped = false
		s.conn = Connected
		if h.State() == channel.Degraded {
			s.conn = Degraded
		}
		for _, p := range ack.Participants {
			if p.RoomID == "" {
				p.RoomID = s.roomID
			}
			s.roster.Upsert(p)
		}
		for _, msg := range ack.Messages {
			if msg.RoomID == "" {
				msg.RoomID = s.roomID
			}
			s.timeline.Merge(msg)
		}
		s.logger.Info("joined", slog.String("connection", s.conn.String()))
		m.rememberRoom(s.roomID)
		m.flush(s)
		return nil

	case errors.Is(emitErr, channel.ErrRejected):
		s.logger.Warn(fmt.Sprintf("join rejected: %v", emitErr))
		if fresh {
			m.teardown(s)
		}
		return fmt.Errorf("%w: %v", ErrRoomRejected, emitErr)

	case ctx.Err() != nil:
		if fresh {
			m.teardown(s)
		}
		return ctx.Err()

	default:
		s.logger.Warn(fmt.Sprintf("join: %v, continuing degraded", emitErr))
		s.state = Joined
		s.conn = Degraded
		if errors.Is(emitErr, channel.ErrDisconnected) {
			s.dropped = true
		}
		m.flush(s)
		return nil
	}
}

// Leave leaves the room. Leaving a room that is not joined does nothing.
// Leaving a room that is still joining cancels the join.
func (m *Manager) Leave(roomID string) error {
	err := m.call(func() {
		if s := m.sessions[roomID]; s != nil {
			m.leave(s)
		}
	})
	if errors.Is(err, ErrManagerClosed) {
		return nil
	}
	return err
}

// Send appends a pending message to the room and emits it. The returned
// message is confirmed once acked, failed when the ack errors or times out,
// or still pending when the connection is gone, in which case it is sent
// again after the room reconnects.
//
// The only errors are for sending to a room that is not joined or sending
// an empty body.
func (m *Manager) Send(ctx context.Context, roomID, body string) (ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return ChatMessage{}, ErrEmptyBody
	}

	var (
		msg ChatMessage
		s   *session
		h   channel.Handle
	)
	notJoined := false
	err := m.call(func() {
		s = m.sessions[roomID]
		if s == nil {
			notJoined = true
			return
		}
		msg = ChatMessage{
			ID:         uuid.NewString(),
			RoomID:     roomID,
			AuthorID:   m.identity.UserID,
			AuthorName: m.identity.DisplayName,
			Body:       body,
			SentAt:     time.Now(),
			State:      Pending,
			Local:      true,
		}
		s.timeline.Add(msg)
		if s.sendable() {
			h = s.handle
		} else {
			s.outbox = append(s.outbox, msg.ID)
		}
		m.publish(s)
	})
	if err != nil {
		return ChatMessage{}, err
	}
	if notJoined {
		return ChatMessage{}, fmt.Errorf("send to %s: %w", roomID, ErrNotJoined)
	}
	if h == nil {
		return msg, nil
	}
	return m.deliver(ctx, s, h, msg), nil
}

// Retry sends a failed message again with the same id.
func (m *Manager) Retry(ctx context.Context, roomID, messageID string) (ChatMessage, error) {
	var (
		msg  ChatMessage
		s    *session
		h    channel.Handle
		rerr error
	)
	err := m.call(func() {
		s = m.sessions[roomID]
		if s == nil {
			rerr = fmt.Errorf("retry in %s: %w", roomID, ErrNotJoined)
			return
		}
		var ok bool
		msg, ok = s.timeline.Get(messageID)
		switch {
		case !ok:
			rerr = ErrMessageNotFound
			return
		case !s.timeline.Retry(messageID):
			rerr = ErrNotRetryable
			return
		}
		msg.State = Pending
		if s.sendable() {
			h = s.handle
		} else {
			s.outbox = append(s.outbox, msg.ID)
		}
		m.publish(s)
	})
	if err != nil {
		return ChatMessage{}, err
	}
	if rerr != nil {
		return ChatMessage{}, rerr
	}
	if h == nil {
		return msg, nil
	}
	return m.deliver(ctx, s, h, msg), nil
}

// deliver emits msg on h and applies the outcome on the loop.
func (m *Manager) deliver(ctx context.Context, s *session, h channel.Handle, msg ChatMessage) ChatMessage {
	ectx, cancel := context.WithTimeout(ctx, m.cfg.EmitTimeout)
	defer cancel()
	raw, emitErr := h.Emit(ectx, EventSendMessage, messagePayload(msg))

	out := msg
	m.call(func() {
		out = m.resolveSend(s, msg, raw, emitErr)
	})
	return out
}

func (m *Manager) resolveSend(s *session, msg ChatMessage, raw json.RawMessage, emitErr error) ChatMessage {
	if s.closed {
		s.logger.Debug(fmt.Sprintf("discarding ack for %s after leave", msg.ID))
		return msg
	}
	cur, ok := s.timeline.Get(msg.ID)
	if !ok {
		return msg
	}

	switch {
	case emitErr == nil:
		var ack SendMessageAck
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				s.logger.Warn(fmt.Sprintf("decode send ack: %v", err))
			}
		}
		s.timeline.Confirm(msg.ID, ack.ServerID)
	case errors.Is(emitErr, channel.ErrDisconnected):
		if cur.State == Pending && !slices.Contains(s.outbox, msg.ID) {
			s.outbox = append(s.outbox, msg.ID)
		}
	default:
		s.logger.Warn(fmt.Sprintf("send %s: %v", msg.ID, emitErr))
		s.timeline.Fail(msg.ID)
	}
	m.publish(s)
	out, _ := s.timeline.Get(msg.ID)
	return out
}

// flush sends the queued messages in order on a separate goroutine.
func (m *Manager) flush(s *session) {
	if len(s.outbox) == 0 || !s.sendable() {
		return
	}
	var queued []ChatMessage
	for _, id := range s.outbox {
		if msg, ok := s.timeline.Get(id); ok && msg.State == Pending {
			queued = append(queued, msg)
		}
	}
	s.outbox = nil
	h := s.handle
	s.logger.Info(fmt.Sprintf("flushing %d queued messages", len(queued)))
	go func() {
		for _, msg := range queued {
			m.deliver(context.Background(), s, h, msg)
		}
	}()
}

// SetTyping reports whether the local user is typing in the room.
func (m *Manager) SetTyping(roomID string, typing bool) error {
	var serr error
	err := m.call(func() {
		s := m.sessions[roomID]
		if s == nil {
			serr = fmt.Errorf("typing in %s: %w", roomID, ErrNotJoined)
			return
		}
		s.typing.Set(typing)
	})
	if err != nil {
		return err
	}
	return serr
}
