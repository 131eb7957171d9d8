package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type connectOptions struct {
	timeout     time.Duration
	emitTimeout time.Duration
	fallback    Responder
	logger      *slog.Logger
}

type ConnectOption func(*connectOptions)

func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.timeout = d
	}
}

// WithFallback sets the responder of the local handle returned when the
// transport cannot be reached.
func WithFallback(r Responder) ConnectOption {
	return func(o *connectOptions) {
		o.fallback = r
	}
}

func WithFallbackEmitTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.emitTimeout = d
	}
}

func WithLogger(l *slog.Logger) ConnectOption {
	return func(o *connectOptions) {
		o.logger = l
	}
}

type dialResult struct {
	h   Handle
	err error
}

// Connect dials d within the connect timeout. It never fails: when the dial
// errors or does not finish in time a local handle in the Degraded state is
// returned instead. A dial that completes after the timeout is disconnected.
func Connect(ctx context.Context, d Dialer, opts ...ConnectOption) Handle {
	o := connectOptions{
		timeout:  DefaultConnectTimeout,
		fallback: AckAll,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		h, err := d.Dial(dctx)
		results <- dialResult{h: h, err: err}
	}()

	select {
	case r := <-results:
		if r.err == nil {
			return r.h
		}
		o.logger.Warn(fmt.Sprintf("dial: %v, falling back to local handle", r.err))
	case <-dctx.Done():
		o.logger.Warn(fmt.Sprintf("dial: %v, falling back to local handle", dctx.Err()))
		go func() {
			if r := <-results; r.h != nil {
				r.h.Disconnect()
			}
		}()
	}
	return NewLocal(o.fallback, 0, o.emitTimeout, o.logger)
}
