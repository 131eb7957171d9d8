package chatsync

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/spf13/viper"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportLocal     = "local"

	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

type Config struct {
	// Transport selects the real-time channel: websocket, nats or local.
	// local never leaves the process and every room runs degraded.
	Transport string `validate:"oneof=websocket nats local"`
	WebSocket struct {
		URL   string `validate:"omitempty,url"`
		Token string
	}
	NATS struct {
		URL    string `validate:"omitempty,url"`
		Prefix string `validate:"required"`
	}
	Timeouts struct {
		Connect time.Duration `validate:"gt=0"`
		Join    time.Duration `validate:"gt=0"`
		Emit    time.Duration `validate:"gt=0"`
	}
	Typing struct {
		// Expiry is how long a remote typing indicator stays visible
		// without a refresh.
		Expiry  time.Duration `validate:"gt=0"`
		Idle    time.Duration `validate:"gt=0"`
		Refresh time.Duration `validate:"gt=0"`
	}
	Reconcile struct {
		// Window bounds the sentAt distance for matching an echo without a
		// client message id against a pending message.
		Window time.Duration `validate:"gte=0"`
	}
	Identity struct {
		UserID      string `mapstructure:"user_id"`
		DisplayName string `mapstructure:"display_name"`
	}
	Storage struct {
		Driver string `validate:"oneof=sqlite redis memory"`
		SQLite struct {
			File string
		}
		Redis struct {
			Addr   string `validate:"omitempty,hostname_port"`
			Prefix string
		}
	}
	Relay struct {
		Addr string `validate:"required,hostname_port"`
		// Secret signs connection tokens. It must be base64 encoded. When
		// empty the relay trusts the identity in the query string.
		Secret         Base64Encoded
		Rooms          []string
		AutoCreate     bool `mapstructure:"auto_create"`
		History        int  `validate:"gte=0"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		NATS           string   `validate:"omitempty,url"`
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=text json"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportWebSocket)
	v.SetDefault("websocket.url", "ws://localhost:8080/ws")
	v.SetDefault("websocket.token", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", channel.DefaultSubjectPrefix)

	v.SetDefault("timeouts.connect", channel.DefaultConnectTimeout)
	v.SetDefault("timeouts.join", core.DefaultJoinTimeout)
	v.SetDefault("timeouts.emit", channel.DefaultEmitTimeout)
	v.SetDefault("typing.expiry", core.DefaultTypingExpiry)
	v.SetDefault("typing.idle", core.DefaultTypingIdle)
	v.SetDefault("typing.refresh", core.DefaultTypingRefresh)
	v.SetDefault("reconcile.window", core.DefaultMatchWindow)

	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.display_name", "")

	v.SetDefault("storage.driver", StorageSQLite)
	v.SetDefault("storage.sqlite.file", "./chatsync.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "chatsync:")

	v.SetDefault("relay.addr", "0.0.0.0:8080")
	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.rooms", []string{})
	v.SetDefault("relay.auto_create", true)
	v.SetDefault("relay.history", 100)
	v.SetDefault("relay.allowed_origins", []string{"*"})
	v.SetDefault("relay.nats", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig loads the configuration from .env, an optional config file and
// environment variables. An empty file searches for config.yaml in the working
// directory. CHATSYNC_TIMEOUTS_JOIN overrides timeouts.join and so on.
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("chatsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// ManagerConfig returns the synchronizer timings.
func (c *Config) ManagerConfig() core.ManagerConfig {
	return core.ManagerConfig{
		ConnectTimeout: c.Timeouts.Connect,
		JoinTimeout:    c.Timeouts.Join,
		EmitTimeout:    c.Timeouts.Emit,
		TypingExpiry:   c.Typing.Expiry,
		TypingIdle:     c.Typing.Idle,
		TypingRefresh:  c.Typing.Refresh,
		MatchWindow:    c.Reconcile.Window,
	}
}

// FormatValidationErrors renders validation errors one per line, sorted by
// field. Other errors are returned as is.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
