package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/putto11262002/chatsync/pkg/server"
)

type Config struct {
	Addr           string
	Secret         []byte
	Rooms          []string
	AutoCreate     bool
	History        int
	AllowedOrigins []string
	// NATSURL, when set, also serves the hub over NATS.
	NATSURL    string
	NATSPrefix string
}

// Relay is a reference server for the sync core: one hub served over
// WebSocket and optionally NATS.
type Relay struct {
	cfg     Config
	hub     *Hub
	conns   *ConnManager
	bridge  *NATSBridge
	nc      *nats.Conn
	handler http.Handler
	logger  *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{cfg: cfg, logger: logger}

	r.hub = NewHub(HubConfig{AutoCreate: cfg.AutoCreate, History: cfg.History},
		WithLogger(logger.With(slog.String("component", "hub"))),
		WithRooms(cfg.Rooms...))
	r.hub.Start()

	r.conns = NewConnManager(ctx, r.hub, Authenticator{Secret: cfg.Secret},
		WithAllowedOrigins(cfg.AllowedOrigins),
		WithConnLogger(logger.With(slog.String("component", "ws"))))
	r.handler = NewHandler(r.hub, r.conns, cfg.AllowedOrigins, logger.With(slog.String("component", "api")))

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("chatsync-relay"))
		if err != nil {
			r.hub.Close()
			return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSURL, err)
		}
		r.nc = nc
		r.bridge = NewNATSBridge(r.hub, nc, cfg.NATSPrefix, logger)
		if err := r.bridge.Start(); err != nil {
			nc.Close()
			r.hub.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Relay) Hub() *Hub {
	return r.hub
}

func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Run serves until ctx is done and then closes the relay. A nil ln listens
// on the configured address.
func (r *Relay) Run(ctx context.Context, ln net.Listener) error {
	s := &server.Server{
		Server: &http.Server{Addr: r.cfg.Addr, Handler: r.handler},
		Logger: r.logger,
	}
	s.CleanUpFuncs = append(s.CleanUpFuncs, func(ctx context.Context) {
		r.shutdown(ctx)
	})
	return s.Start(ctx, ln)
}

// Close releases the relay without waiting for connections to drain.
func (r *Relay) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.shutdown(ctx)
}

func (r *Relay) shutdown(ctx context.Context) {
	if r.bridge != nil {
		r.bridge.Close()
	}
	r.hub.Close()
	if err := r.conns.Close(ctx); err != nil {
		r.logger.Warn(fmt.Sprintf("closing connections: %v", err))
	}
	if r.nc != nil {
		r.nc.Close()
	}
}
