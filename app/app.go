package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/relay"
	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/putto11262002/chatsync/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// App wires a sync manager from the configuration: store, identity and
// transport.
type App struct {
	config   *Config
	logger   *slog.Logger
	store    core.KeyValueStore
	identity core.Identity
	manager  *core.Manager

	cleanupFuncs []func(context.Context)
	closeOnce    sync.Once
}

func New(ctx context.Context, config *Config, logs io.Writer) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app := &App{config: config}

	var err error
	app.logger, err = NewLogger(config, logs)
	if err != nil {
		return nil, err
	}

	app.store, err = app.openStore(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	override := core.Identity{UserID: config.Identity.UserID, DisplayName: config.Identity.DisplayName}
	app.identity, err = core.LoadIdentity(ctx, app.store, override)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.manager = core.NewManager(Dialer(config, app.identity, app.logger), app.identity,
		core.WithLogger(app.logger.With(slog.String("component", "sync"))),
		core.WithConfig(config.ManagerConfig()),
		core.WithStore(app.store))
	app.AddCleanupFunc(func(context.Context) {
		app.manager.Close()
	})
	return app, nil
}

func NewLogger(config *Config, w io.Writer) (*slog.Logger, error) {
	return logger.New(w, config.Log.Level, config.Log.Format)
}

func (app *App) openStore(ctx context.Context) (core.KeyValueStore, error) {
	switch app.config.Storage.Driver {
	case StorageSQLite:
		db, err := core.NewSQLiteDB(app.config.Storage.SQLite.File, &core.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		app.AddCleanupFunc(func(context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return core.NewSQLiteKVStore(db.DB), nil
	case StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: app.config.Storage.Redis.Addr})
		app.AddCleanupFunc(func(context.Context) {
			client.Close()
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", app.config.Storage.Redis.Addr, err)
		}
		return core.NewRedisKVStore(client, app.config.Storage.Redis.Prefix), nil
	default:
		return core.NewMemoryKVStore(), nil
	}
}

// Dialer builds the dialer for the configured transport. Without a token the
// WebSocket URL carries the identity in its query string.
func Dialer(config *Config, identity core.Identity, logger *slog.Logger) channel.Dialer {
	switch config.Transport {
	case TransportNATS:
		return &channel.NATSDialer{
			URL:         config.NATS.URL,
			Prefix:      config.NATS.Prefix,
			Name:        "chatsync-" + identity.UserID,
			EmitTimeout: config.Timeouts.Emit,
			Logger:      logger.With(slog.String("component", "nats")),
		}
	case TransportLocal:
		return &channel.LocalDialer{
			Responder:   core.Simulate,
			EmitTimeout: config.Timeouts.Emit,
			Logger:      logger.With(slog.String("component", "local")),
		}
	default:
		return &channel.WSDialer{
			URL:         withIdentity(config.WebSocket.URL, config.WebSocket.Token, identity),
			Token:       config.WebSocket.Token,
			EmitTimeout: config.Timeouts.Emit,
			Logger:      logger.With(slog.String("component", "ws")),
		}
	}
}

func withIdentity(raw, token string, identity core.Identity) string {
	if token != "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("userId", identity.UserID)
	q.Set("name", identity.DisplayName)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewRelay builds the reference relay from the relay section.
func NewRelay(ctx context.Context, config *Config, logger *slog.Logger) (*relay.Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	return relay.New(ctx, relay.Config{
		Addr:           config.Relay.Addr,
		Secret:         config.Relay.Secret,
		Rooms:          config.Relay.Rooms,
		AutoCreate:     config.Relay.AutoCreate,
		History:        config.Relay.History,
		AllowedOrigins: config.Relay.AllowedOrigins,
		NATSURL:        config.Relay.NATS,
		NATSPrefix:     config.NATS.Prefix,
	}, logger)
}

func (app *App) Config() *Config {
	return app.config
}

func (app *App) Logger() *slog.Logger {
	return app.logger
}

func (app *App) Identity() core.Identity {
	return app.identity
}

func (app *App) Store() core.KeyValueStore {
	return app.store
}

func (app *App) Manager() *core.Manager {
	return app.manager
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close runs the cleanup functions in reverse order.
func (app *App) Close(ctx context.Context) {
	app.closeOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
		}
		for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
			app.cleanupFuncs[i](ctx)
		}
		if app.logger != nil {
			app.logger.Debug("app closed")
		}
	})
}
