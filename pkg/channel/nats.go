package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "chatsync"

// RPCSubject is the subject an emitted event is requested on.
func RPCSubject(prefix, event string) string {
	return prefix + ".rpc." + event
}

// EventSubject is the subject an inbound event is published on.
func EventSubject(prefix, event string) string {
	return prefix + ".events." + event
}

// NATSDialer connects to a NATS server. Emits are requests answered with an
// ack frame; inbound events are read from a single wildcard subscription.
// The connection does not reconnect by itself.
type NATSDialer struct {
	URL         string
	Prefix      string
	Name        string
	Options     []nats.Option
	EmitTimeout time.Duration
	Logger      *slog.Logger
}

var natsSeq atomic.Int64

type natsHandle struct {
	*dispatcher
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
}

func (d *NATSDialer) Dial(ctx context.Context) (Handle, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}
	prefix := d.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	h := &natsHandle{prefix: prefix}
	h.dispatcher = newDispatcher(fmt.Sprintf("nats-%d", natsSeq.Add(1)), d.Logger, d.EmitTimeout, Connected)

	opts := []nats.Option{
		nats.Name(d.Name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) {
			h.shutdown()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				h.logger.Warn(fmt.Sprintf("nats disconnected: %v", err))
			}
			h.shutdown()
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		h.shutdown()
		return nil, fmt.Errorf("nats connect %s: %w", d.URL, err)
	}
	h.nc = nc

	feed := EventSubject(prefix, "")
	sub, err := nc.Subscribe(feed+">", func(msg *nats.Msg) {
		name := strings.TrimPrefix(msg.Subject, feed)
		h.deliver(Event{Name: name, Payload: msg.Data})
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	h.sub = sub
	return h, nil
}

func (h *natsHandle) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if h.closed() {
		return nil, ErrDisconnected
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withEmitTimeout(ctx, h.emitTimeout)
	defer cancel()

	msg, err := h.nc.RequestWithContext(ctx, RPCSubject(h.prefix, event), raw)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		return nil, fmt.Errorf("%s: %w", event, ErrNoResponder)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrAckTimeout
	case errors.Is(err, nats.ErrConnectionClosed), h.closed():
		return nil, ErrDisconnected
	default:
		return nil, fmt.Errorf("nats request: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return ackResult(event, &f)
}

func (h *natsHandle) Notify(event string, payload any) error {
	if h.closed() {
		return ErrDisconnected
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return err
	}
	if err := h.nc.Publish(RPCSubject(h.prefix, event), raw); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (h *natsHandle) Disconnect() error {
	if !h.shutdown() {
		return nil
	}
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
	h.nc.Close()
	return nil
}
