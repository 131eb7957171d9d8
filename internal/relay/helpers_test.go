package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePeer struct {
	id   string
	user string
	name string

	mu     sync.Mutex
	events []channel.Event
	full   bool
	closed bool
}

func newFakePeer(id, user string) *fakePeer {
	return &fakePeer{id: id, user: user}
}

func (p *fakePeer) ID() string          { return p.id }
func (p *fakePeer) UserID() string      { return p.user }
func (p *fakePeer) DisplayName() string { return p.name }

func (p *fakePeer) Send(event string, payload json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.events = append(p.events, channel.Event{Name: event, Payload: payload})
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) received(event string) []channel.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []channel.Event
	for _, e := range p.events {
		if e.Name == event {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestHub(t *testing.T, cfg HubConfig, opts ...HubOption) *Hub {
	hub := NewHub(cfg, append([]HubOption{WithLogger(testLogger)}, opts...)...)
	hub.Start()
	t.Cleanup(hub.Close)
	return hub
}

// request dispatches an acked request and waits for the reply.
func request(t *testing.T, hub *Hub, p Peer, event string, payload any) (json.RawMessage, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	type result struct {
		raw json.RawMessage
		err error
	}
	replies := make(chan result, 1)
	ok := hub.Dispatch(&Request{Peer: p, Event: event, Payload: raw, Reply: func(raw json.RawMessage, err error) {
		replies <- result{raw, err}
	}})
	require.True(t, ok, "hub closed")

	select {
	case r := <-replies:
		return r.raw, r.err
	case <-time.After(baseTimeout):
		require.FailNow(t, "no reply")
		return nil, errors.New("unreachable")
	}
}

// notify dispatches a request without an ack and waits for the hub to
// apply it.
func notify(t *testing.T, hub *Hub, p Peer, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.True(t, hub.Dispatch(&Request{Peer: p, Event: event, Payload: raw}))
	require.NoError(t, hub.call(func() {}))
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
