package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/pkg/channel"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultJoinTimeout = 5 * time.Second
	roomKeyPrefix      = "room:"
	taskQueueSize      = 256
)

type ManagerConfig struct {
	ConnectTimeout time.Duration
	JoinTimeout    time.Duration
	EmitTimeout    time.Duration
	TypingExpiry   time.Duration
	TypingIdle     time.Duration
	TypingRefresh  time.Duration
	MatchWindow    time.Duration
}

var DefaultManagerConfig = ManagerConfig{
	ConnectTimeout: channel.DefaultConnectTimeout,
	JoinTimeout:    DefaultJoinTimeout,
	EmitTimeout:    channel.DefaultEmitTimeout,
	TypingExpiry:   DefaultTypingExpiry,
	TypingIdle:     DefaultTypingIdle,
	TypingRefresh:  DefaultTypingRefresh,
	MatchWindow:    DefaultMatchWindow,
}

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithConfig(cfg ManagerConfig) ManagerOption {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithStore makes the manager remember joined rooms.
func WithStore(kv KeyValueStore) ManagerOption {
	return func(m *Manager) {
		m.store = kv
	}
}

// Manager owns the room sessions of one user. All session state is owned by
// a single goroutine: consumer calls, channel callbacks and timers post tasks
// to it. Network calls run on the caller's goroutine and post their result
// back, where it is discarded if the session has moved on.
type Manager struct {
	dialer    channel.Dialer
	identity  Identity
	cfg       ManagerConfig
	logger    *slog.Logger
	store     KeyValueStore
	simulated bool

	tasks     chan func()
	exit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// the physical connection shared by all rooms
	connMu sync.Mutex
	conn   channel.Handle
	dials  singleflight.Group

	// owned by the loop
	sessions  map[string]*session
	versions  map[string]uint64
	watchers  map[string]map[uint64]chan Snapshot
	nextWatch uint64
}

func NewManager(dialer channel.Dialer, identity Identity, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer:   dialer,
		identity: identity,
		cfg:      DefaultManagerConfig,
		logger:   slog.Default(),
		tasks:    make(chan func(), taskQueueSize),
		exit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*session),
		versions: make(map[string]uint64),
		watchers: make(map[string]map[uint64]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	_, m.simulated = dialer.(*channel.LocalDialer)
	m.logger = m.logger.With(slog.String("user", identity.UserID))

	go m.run()
	return m
}

func (m *Manager) Identity() Identity {
	return m.identity
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case f := <-m.tasks:
			f()
		case <-m.exit:
			return
		}
	}
}

func (m *Manager) post(f func()) bool {
	select {
	case m.tasks <- f:
		return true
	case <-m.exit:
		return false
	}
}

// call runs f on the loop and waits for it to finish.
// It must not be called from the loop.
func (m *Manager) call(f func()) error {
	done := make(chan struct{})
	if !m.post(func() {
		defer close(done)
		f()
	}) {
		return ErrManagerClosed
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrManagerClosed
	}
}

// Close leaves every room and disconnects the shared connection.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.call(func() {
			for _, s := range m.sessions {
				m.leave(s)
			}
			for roomID, ws := range m.watchers {
				for id, ch := range ws {
					close(ch)
					delete(ws, id)
				}
				delete(m.watchers, roomID)
			}
		})
		close(m.exit)
		<-m.stopped

		m.connMu.Lock()
		h := m.conn
		m.conn = nil
		m.connMu.Unlock()
		if h != nil {
			h.Disconnect()
		}
	})
	return nil
}

// Rooms returns the ids of the rooms with an active session.
func (m *Manager) Rooms() []string {
	var rooms []string
	m.call(func() {
		for id := range m.sessions {
			rooms = append(rooms, id)
		}
	})
	slices.Sort(rooms)
	return rooms
}

// reusable reports whether h can serve a join. A degraded handle keeps
// serving new rooms until a joined room asks for a redial.
func (m *Manager) reusable(h channel.Handle, redial bool) bool {
	switch h.State() {
	case channel.Connected:
		return true
	case channel.Degraded:
		return m.simulated || !redial
	default:
		return false
	}
}

// acquire returns the shared connection, dialing a new one when there is
// none or the current one is not usable. Concurrent callers share one dial.
func (m *Manager) acquire(ctx context.Context, redial bool) channel.Handle {
	v, _, _ := m.dials.Do("conn", func() (any, error) {
		m.connMu.Lock()
		h := m.conn
		m.connMu.Unlock()
		if h != nil && m.reusable(h, redial) {
			return h, nil
		}

		next := channel.Connect(ctx, m.dialer,
			channel.WithConnectTimeout(m.cfg.ConnectTimeout),
			channel.WithFallback(Simulate),
			channel.WithFallbackEmitTimeout(m.cfg.EmitTimeout),
			channel.WithLogger(m.logger))
		m.logger.Info(fmt.Sprintf("connection %s: %s", next.ID(), next.State()))

		m.connMu.Lock()
		old := m.conn
		m.conn = next
		m.connMu.Unlock()
		if old != nil && old != next {
			if !m.post(func() { m.replace(old, next) }) {
				old.Disconnect()
			}
		}
		go m.watch(next)
		return next, nil
	})
	return v.(channel.Handle)
}

// replace retires old after next became the shared connection. Rooms on a
// degraded old handle move to a degraded next one and keep their synthetic
// acks. When next is a real connection they stay on old until they join
// again, so old is only disconnected once nothing uses it.
func (m *Manager) replace(old, next channel.Handle) {
	if next.State() == channel.Degraded {
		for _, s := range m.sessions {
			if s.handle != old || s.attempt != nil {
				continue
			}
			m.subscribe(s, next)
			s.dropped = false
			if s.state == Joined {
				s.conn = Degraded
			}
			m.flush(s)
			m.publish(s)
		}
	}
	if old.State() == channel.Degraded {
		m.release(old)
		return
	}
	old.Disconnect()
}

// release disconnects h when it is no longer the shared connection and no
// session uses it.
func (m *Manager) release(h channel.Handle) {
	if h == nil {
		return
	}
	m.connMu.Lock()
	current := m.conn == h
	m.connMu.Unlock()
	if current {
		return
	}
	for _, s := range m.sessions {
		if s.handle == h {
			return
		}
	}
	h.Disconnect()
}

func (m *Manager) watch(h channel.Handle) {
	select {
	case <-h.Done():
		m.post(func() {
			m.handleLost(h)
		})
	case <-m.exit:
	}
}

// handleLost degrades every session that was using h.
func (m *Manager) handleLost(h channel.Handle) {
	m.connMu.Lock()
	if m.conn == h {
		m.conn = nil
	}
	m.connMu.Unlock()

	for _, s := range m.sessions {
		if s.handle != h {
			continue
		}
		s.dropped = true
		if s.state == Joined {
			s.conn = Degraded
		}
		m.logger.Warn("connection lost", slog.String("room", s.roomID))
		m.publish(s)
	}
}

// rememberRoom records the room in the local store without blocking the loop.
func (m *Manager) rememberRoom(roomID string) {
	if m.store == nil {
		return
	}
	meta, err := json.Marshal(RoomMeta{ID: roomID, LastJoinedAt: time.Now()})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EmitTimeout)
		defer cancel()
		if err := m.store.SetItem(ctx, roomKeyPrefix+roomID, string(meta)); err != nil {
			m.logger.Error(fmt.Sprintf("remember room %s: %v", roomID, err))
		}
	}()
}

// RecentRooms lists the rooms remembered in the local store, most recently
// joined first.
func (m *Manager) RecentRooms(ctx context.Context) ([]RoomMeta, error) {
	if m.store == nil {
		return nil, nil
	}
	keys, err := m.store.GetAllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetAllKeys: %w", err)
	}
	var rooms []RoomMeta
	for _, key := range keys {
		if !strings.HasPrefix(key, roomKeyPrefix) {
			continue
		}
		raw, ok, err := m.store.GetItem(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("GetItem(%s): %w", key, err)
		}
		if !ok {
			continue
		}
		var meta RoomMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			m.logger.Warn(fmt.Sprintf("invalid room metadata %s: %v", key, err))
			continue
		}
		rooms = append(rooms, meta)
	}
	slices.SortFunc(rooms, func(a, b RoomMeta) int {
		return b.LastJoinedAt.Compare(a.LastJoinedAt)
	})
	return rooms, nil
}
