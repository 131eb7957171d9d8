package channel

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const inboxSize = 256

// dispatcher holds the state shared by every handle implementation:
// subscriptions, the inbound queue and its single dispatch goroutine,
// and the done channel.
type dispatcher struct {
	id          string
	logger      *slog.Logger
	emitTimeout time.Duration

	mu      sync.Mutex
	subs    map[string][]*Subscription
	nextSub uint64

	state     atomic.Int32
	inbox     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newDispatcher(id string, logger *slog.Logger, emitTimeout time.Duration, state State) *dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if emitTimeout <= 0 {
		emitTimeout = DefaultEmitTimeout
	}
	d := &dispatcher{
		id:          id,
		logger:      logger.With(slog.String("handle", id)),
		emitTimeout: emitTimeout,
		subs:        make(map[string][]*Subscription),
		inbox:       make(chan Event, inboxSize),
		done:        make(chan struct{}),
	}
	d.state.Store(int32(state))
	go d.dispatchLoop()
	return d
}

func (d *dispatcher) ID() string {
	return d.id
}

func (d *dispatcher) State() State {
	return State(d.state.Load())
}

func (d *dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *dispatcher) On(event string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	sub := &Subscription{id: d.nextSub, event: event, handler: h}
	d.subs[event] = append(d.subs[event], sub)
	return sub
}

func (d *dispatcher) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[sub.event]
	idx := slices.IndexFunc(subs, func(s *Subscription) bool { return s.id == sub.id })
	if idx < 0 {
		return
	}
	subs = slices.Delete(subs, idx, idx+1)
	if len(subs) == 0 {
		delete(d.subs, sub.event)
	} else {
		d.subs[sub.event] = subs
	}
}

// deliver queues an inbound event. It blocks while the inbox is full so a
// slow consumer slows the reader down instead of losing events.
func (d *dispatcher) deliver(e Event) {
	select {
	case d.inbox <- e:
	case <-d.done:
	}
}

func (d *dispatcher) dispatchLoop() {
	for {
		select {
		case e := <-d.inbox:
			d.fire(e)
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) fire(e Event) {
	d.mu.Lock()
	subs := slices.Clone(d.subs[e.Name])
	d.mu.Unlock()
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error(fmt.Sprintf("handler(%s): %v", e.Name, r))
				}
			}()
			sub.handler(e)
		}()
	}
}

// shutdown marks the handle as disconnected, drops every subscription and
// closes done. It reports whether this call did the work.
func (d *dispatcher) shutdown() bool {
	closed := false
	d.closeOnce.Do(func() {
		d.state.Store(int32(Disconnected))
		d.mu.Lock()
		clear(d.subs)
		d.mu.Unlock()
		close(d.done)
		closed = true
	})
	return closed
}

func (d *dispatcher) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
