package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testManagerConfig = ManagerConfig{
	ConnectTimeout: 100 * time.Millisecond,
	JoinTimeout:    100 * time.Millisecond,
	EmitTimeout:    100 * time.Millisecond,
	TypingExpiry:   50 * time.Millisecond,
	TypingIdle:     50 * time.Millisecond,
	TypingRefresh:  20 * time.Millisecond,
	MatchWindow:    time.Second,
}

var (
	alice = Identity{UserID: "u1", DisplayName: "Alice"}
	bob   = Identity{UserID: "u2", DisplayName: "Bob"}
)

type responder func(ctx context.Context, event string, payload json.RawMessage) (json.RawMessage, error)

type fakeSub struct {
	event   string
	handler channel.Handler
}

type notified struct {
	event   string
	payload any
}

var fakeSeq atomic.Int64

// fakeHandle is a scriptable connected handle. Inbound events are pushed by
// the test with push; emits are answered by respond.
type fakeHandle struct {
	id      string
	state   atomic.Int32
	respond responder

	mu       sync.Mutex
	subs     map[*channel.Subscription]fakeSub
	emits    []string
	notifies []notified
	done     chan struct{}
	once     sync.Once
}

func newFakeHandle(respond responder) *fakeHandle {
	f := &fakeHandle{
		id:      fmt.Sprintf("fake-%d", fakeSeq.Add(1)),
		respond: respond,
		subs:    make(map[*channel.Subscription]fakeSub),
		done:    make(chan struct{}),
	}
	f.state.Store(int32(channel.Connected))
	return f
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) State() channel.State { return channel.State(f.state.Load()) }

func (f *fakeHandle) Done() <-chan struct{} { return f.done }

func (f *fakeHandle) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	select {
	case <-f.done:
		return nil, channel.ErrDisconnected
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.emits = append(f.emits, event)
	f.mu.Unlock()
	if f.respond == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.respond(ctx, event, raw)
}

func (f *fakeHandle) Notify(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, notified{event: event, payload: payload})
	return nil
}

func (f *fakeHandle) On(event string, h channel.Handler) *channel.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &channel.Subscription{}
	f.subs[sub] = fakeSub{event: event, handler: h}
	return sub
}

func (f *fakeHandle) Off(sub *channel.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

func (f *fakeHandle) Disconnect() error {
	f.drop()
	return nil
}

// drop simulates the transport going away.
func (f *fakeHandle) drop() {
	f.once.Do(func() {
		f.state.Store(int32(channel.Disconnected))
		close(f.done)
	})
}

func (f *fakeHandle) push(t *testing.T, event string, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	var handlers []channel.Handler
	for _, s := range f.subs {
		if s.event == event {
			handlers = append(handlers, s.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(channel.Event{Name: event, Payload: raw})
	}
}

func (f *fakeHandle) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeHandle) emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeHandle) typingNotifies() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, n := range f.notifies {
		if p, ok := n.payload.(TypingPayload); ok {
			out = append(out, p.IsTyping)
		}
	}
	return out
}

// fakeDialer hands out the queued handles in order, then keeps returning
// the last one.
type fakeDialer struct {
	mu      sync.Mutex
	handles []channel.Handle
	dials   int
	block   chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context) (channel.Handle, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	h := d.handles[0]
	if len(d.handles) > 1 {
		d.handles = d.handles[1:]
	}
	return h, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// serverResponder acks like the relay: joins with the given participants,
// sends with a server id derived from the client id.
func serverResponder(participants ...ParticipantPayload) responder {
	return func(_ context.Context, event string, payload json.RawMessage) (json.RawMessage, error) {
		switch event {
		case EventJoinRoom:
			var p JoinRoomPayload
			json.Unmarshal(payload, &p)
			return json.Marshal(JoinRoomAck{RoomID: p.RoomID, Participants: participants})
		case EventSendMessage:
			var p SendMessagePayload
			json.Unmarshal(payload, &p)
			return json.Marshal(SendMessageAck{ClientMessageID: p.ClientMessageID, ServerID: "s-" + p.ClientMessageID, SentAt: p.SentAt})
		}
		return json.RawMessage(`{}`), nil
	}
}

func newTestManager(t *testing.T, d channel.Dialer, opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithLogger(testLogger), WithConfig(testManagerConfig)}, opts...)
	m := NewManager(d, alice, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitForSnapshot(t *testing.T, m *Manager, roomID string, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	var (
		mu   sync.Mutex
		last Snapshot
	)
	require.Eventually(t, func() bool {
		snap, _ := m.Snapshot(roomID)
		mu.Lock()
		last = snap
		mu.Unlock()
		return cond(snap)
	}, baseTimeout, baseTimeout/50, msg)
	mu.Lock()
	defer mu.Unlock()
	return last
}

// waitOrTimeout waits for fn to return or fails the test.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}

// tuned returns the test config with mod applied.
func tuned(mod func(*ManagerConfig)) ManagerOption {
	cfg := testManagerConfig
	mod(&cfg)
	return WithConfig(cfg)
}
