package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const envPrefix = "ROOMCHAT"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is assembled from built-in defaults, environment (optionally
// read from .env file) and command line flags, in that order of precedence.
type Config struct {
	APIListenAddr string `envconfig:"API_LISTEN_ADDR" default:":8080"`
	WSListenAddr  string `envconfig:"WS_LISTEN_ADDR" default:":8888"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// DatabasePath is sqlite file path. Users are kept in memory when empty.
	DatabasePath string `envconfig:"DATABASE_PATH"`

	TokenSecret string        `envconfig:"TOKEN_SECRET"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	SessionKey  string        `envconfig:"SESSION_KEY"`

	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	MaxMessageSize  int64         `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	MailboxSize     int           `envconfig:"MAILBOX_SIZE" default:"64"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"1s"`
	RateLimit       float64       `envconfig:"RATE_LIMIT" default:"5"`
	RateBurst       int           `envconfig:"RATE_BURST" default:"10"`
}

// Load reads envFile if it exists, then environment, then parses args.
func Load(envFile string, args []string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cannot load env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	flags := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	flags.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	flags.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket listen address")
	flags.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	flags.StringVarP(&cfg.DatabasePath, "db", "d", cfg.DatabasePath, "sqlite database path, users are kept in memory if empty")
	flags.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "token signing secret")
	flags.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "token lifetime")
	flags.StringVar(&cfg.SessionKey, "session-key", cfg.SessionKey, "session cookie authentication key")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "allowed websocket origins, * allows any")
	flags.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "max inbound websocket message size")
	flags.IntVar(&cfg.MailboxSize, "mailbox-size", cfg.MailboxSize, "outbound mailbox size per connection")
	flags.DurationVar(&cfg.DeliveryTimeout, "delivery-timeout", cfg.DeliveryTimeout, "how long to wait for a full mailbox")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "inbound events per second per connection")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "inbound events burst per connection")
	if err := flags.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch {
	case cfg.MaxMessageSize <= 0:
		return errors.New("max message size must be positive")
	case cfg.MailboxSize <= 0:
		return errors.New("mailbox size must be positive")
	case cfg.DeliveryTimeout <= 0:
		return errors.New("delivery timeout must be positive")
	case cfg.TokenTTL <= 0:
		return errors.New("token ttl must be positive")
	case cfg.RateLimit <= 0 || cfg.RateBurst <= 0:
		return errors.New("rate limit and burst must be positive")
	}
	return nil
}

// EnsureSecrets fills empty token secret and session key with random values.
// It reports whether anything was generated.
func (cfg *Config) EnsureSecrets() (bool, error) {
	var generated bool
	for _, secret := range []*string{&cfg.TokenSecret, &cfg.SessionKey} {
		if *secret != "" {
			continue
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return false, err
		}
		*secret = hex.EncodeToString(b)
		generated = true
	}
	return generated, nil
}
