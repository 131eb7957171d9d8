package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Responder produces the ack for an event emitted on a local handle.
type Responder func(ctx context.Context, event string, payload json.RawMessage) (json.RawMessage, error)

// AckAll acks every event with an empty object.
func AckAll(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

var localSeq atomic.Int64

// LocalDialer builds handles that never leave the process. Emits are answered
// by Responder after Latency.
type LocalDialer struct {
	Responder   Responder
	Latency     time.Duration
	EmitTimeout time.Duration
	Logger      *slog.Logger
}

func (d *LocalDialer) Dial(context.Context) (Handle, error) {
	return NewLocal(d.Responder, d.Latency, d.EmitTimeout, d.Logger), nil
}

type localHandle struct {
	*dispatcher
	respond Responder
	latency time.Duration
}

func NewLocal(respond Responder, latency, emitTimeout time.Duration, logger *slog.Logger) Handle {
	if respond == nil {
		respond = AckAll
	}
	id := fmt.Sprintf("local-%d", localSeq.Add(1))
	return &localHandle{
		dispatcher: newDispatcher(id, logger, emitTimeout, Degraded),
		respond:    respond,
		latency:    latency,
	}
}

func (h *localHandle) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if h.closed() {
		return nil, ErrDisconnected
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withEmitTimeout(ctx, h.emitTimeout)
	defer cancel()

	if h.latency > 0 {
		timer := time.NewTimer(h.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctxError(ctx.Err())
		case <-h.done:
			return nil, ErrDisconnected
		}
	}
	return h.respond(ctx, event, raw)
}

func (h *localHandle) Notify(string, any) error {
	if h.closed() {
		return ErrDisconnected
	}
	return nil
}

// Inject delivers an event to the handle's subscribers as if it had been
// received from a transport.
func (h *localHandle) Inject(event string, payload any) error {
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return err
	}
	h.deliver(Event{Name: event, Payload: raw})
	return nil
}

func (h *localHandle) Disconnect() error {
	if h.shutdown() {
		h.logger.Debug("local handle disconnected")
	}
	return nil
}

// Injector is implemented by local handles.
type Injector interface {
	Inject(event string, payload any) error
}
