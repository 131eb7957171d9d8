package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const DefaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// CleanUpFuncs are called, in order, once the server has shut down.
	CleanUpFuncs    []func(ctx context.Context)
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Start serves on ln until ctx is done, then shuts down gracefully and runs
// the cleanup funcs. A nil ln listens on Addr.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.Addr, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("graceful shutdown timed out")
		}
		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}
		done <- err
	}()

	logger.Info(fmt.Sprintf("server started at %s", ln.Addr()))

	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
