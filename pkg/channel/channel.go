// Package channel is a transport-agnostic event channel: emit with ack,
// subscribe and unsubscribe by event name, disconnect. It knows nothing about
// rooms or messages.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAckTimeout   = errors.New("ack timeout")
	ErrDisconnected = errors.New("channel disconnected")
	ErrRejected     = errors.New("rejected")
	ErrBufferFull   = errors.New("write buffer full")
	ErrNoResponder  = errors.New("no responder")
)

const (
	DefaultEmitTimeout    = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	// Degraded handles answer locally and never reach a server.
	Degraded
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RejectedError is returned by Emit when the remote side answered the event
// with an error instead of an ack.
type RejectedError struct {
	Event  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

type Event struct {
	Name    string
	Payload json.RawMessage
}

func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

type Handler func(Event)

// Subscription is returned by On and passed to Off.
type Subscription struct {
	id      uint64
	event   string
	handler Handler
}

func (s *Subscription) Event() string {
	return s.event
}

// Handle is a connection to some event transport.
//
// Handlers registered with On are called one at a time, in arrival order,
// on a goroutine owned by the handle.
type Handle interface {
	ID() string
	State() State
	// Emit sends the event and waits for its ack. Without a deadline on ctx
	// the handle's emit timeout applies.
	Emit(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Notify sends the event without waiting for an ack.
	Notify(event string, payload any) error
	On(event string, h Handler) *Subscription
	Off(sub *Subscription)
	// Disconnect is idempotent.
	Disconnect() error
	// Done is closed once the handle is disconnected or the transport drops.
	Done() <-chan struct{}
}

type Dialer interface {
	Dial(ctx context.Context) (Handle, error)
}

func marshalPayload(event string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return b, nil
}

func withEmitTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrAckTimeout
	}
	return err
}
