package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/gochat-live/internal/realtime"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `envconfig:"BURST" default:"5"`
	RefillInterval time.Duration `envconfig:"REFILL_INTERVAL" default:"1s"`
}

// Config holds the service configuration. Every field maps to one environment
// variable.
type Config struct {
	Port     string `envconfig:"SERVER_PORT" default:":8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	AllowedOrigins []string        `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize int64           `envconfig:"MAX_MESSAGE_SIZE" default:"8192"`
	RateLimit      RateLimitConfig `envconfig:"RATE_LIMIT"`

	JWTSecret      string `envconfig:"JWT_SECRET"`
	AdminSecretKey string `envconfig:"ADMIN_SECRET_KEY"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"badger"`
	BadgerPath   string `envconfig:"BADGER_PATH" default:"data/badger"`
	RedisURL     string `envconfig:"REDIS_URL"`

	PersistTimeout     time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	ResolveTimeout     time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"2s"`
	PresenceBroadcast  string        `envconfig:"PRESENCE_BROADCAST" default:"on-request"`
	TrustClientMembers bool          `envconfig:"TRUST_CLIENT_MEMBERS" default:"false"`
	HistoryPageSize    int           `envconfig:"HISTORY_PAGE_SIZE" default:"50"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// ErrMissingSecret is returned when JWT_SECRET is not configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return sanitizeConfig(Config{})
}

// LoadConfig reads the configuration from the environment, after loading a .env
// file from the working directory when one exists.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.StoreBackend == store.BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("STORE_BACKEND=%s requires REDIS_URL", c.StoreBackend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// HubOptions maps the realtime settings onto hub options.
func (c Config) HubOptions() realtime.Options {
	return realtime.Options{
		PresencePolicy:     realtime.PresencePolicy(c.PresenceBroadcast),
		TrustClientMembers: c.TrustClientMembers,
		ResolveTimeout:     c.ResolveTimeout,
		PersistTimeout:     c.PersistTimeout,
	}
}

// sanitizeConfig replaces missing or out-of-range values with defaults.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.Env == "" {
		cfg.Env = "development"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = store.BackendBadger
	}

	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 2 * time.Second
	}

	switch realtime.PresencePolicy(cfg.PresenceBroadcast) {
	case realtime.PresenceOnRequest, realtime.PresenceOnConnect:
	default:
		cfg.PresenceBroadcast = string(realtime.PresenceOnRequest)
	}

	if cfg.HistoryPageSize <= 0 || cfg.HistoryPageSize > 500 {
		cfg.HistoryPageSize = 50
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:8080"}
	}
	return cfg
}

func parseOrigins(origins []string) []string {
	parsed := make([]string, 0, len(origins))
	for _, o := range origins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			parsed = append(parsed, trimmed)
		}
	}
	return parsed
}
