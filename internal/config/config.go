package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"

	NotifyDriverRedis = "redis"
	NotifyDriverLocal = "local"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	AppEnv       string `env:"APP_ENV" envDefault:"development"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT"`
	StoreDriver  string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	AutoMigrate  bool   `env:"AUTO_MIGRATE" envDefault:"false"`
	NotifyDriver string `env:"NOTIFY_DRIVER" envDefault:"redis"`
	RedisURL     string `env:"REDIS_URL"`

	ClientTokenSecret        string `env:"CLIENT_TOKEN_SECRET"`
	ClientTokenTTLSeconds    int    `env:"CLIENT_TOKEN_TTL_SECONDS" envDefault:"86400"`
	ClientIdleTimeoutSeconds int    `env:"CLIENT_IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	WaitingTTLSeconds        int    `env:"WAITING_TTL_SECONDS" envDefault:"1800"`
	MatchCandidateLimit      int    `env:"MATCH_CANDIDATE_LIMIT" envDefault:"10"`

	MessageRateLimit int `env:"MESSAGE_RATE_LIMIT" envDefault:"30"`
	MatchRateLimit   int `env:"MATCH_RATE_LIMIT" envDefault:"10"`
	ClientRateLimit  int `env:"CLIENT_RATE_LIMIT" envDefault:"20"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// LogFormatOrDefault is json in production and console elsewhere unless
// LOG_FORMAT says otherwise.
func (c *Config) LogFormatOrDefault() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsProduction() {
		return LogFormatJSON
	}
	return LogFormatConsole
}

func (c *Config) ClientTokenTTL() time.Duration {
	return time.Duration(c.ClientTokenTTLSeconds) * time.Second
}

func (c *Config) ClientIdleTimeout() time.Duration {
	return time.Duration(c.ClientIdleTimeoutSeconds) * time.Second
}

func (c *Config) WaitingTTL() time.Duration {
	return time.Duration(c.WaitingTTLSeconds) * time.Second
}

// MigrateOnStart reports whether the schema is applied when the server
// starts. File and memory stores are always migrated.
func (c *Config) MigrateOnStart() bool {
	return c.AutoMigrate || c.StoreDriver != StoreDriverPostgres
}

// Validate checks driver selection and the settings each driver needs.
func (c *Config) Validate(isProduction bool) error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory (got %q)", c.StoreDriver)
	}

	switch c.NotifyDriver {
	case NotifyDriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for NOTIFY_DRIVER=redis")
		}
	case NotifyDriverLocal:
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be redis or local (got %q)", c.NotifyDriver)
	}

	switch c.LogFormat {
	case "", LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json (got %q)", c.LogFormat)
	}

	if c.ClientTokenTTLSeconds <= 0 {
		return fmt.Errorf("CLIENT_TOKEN_TTL_SECONDS must be positive")
	}
	if c.MatchCandidateLimit <= 0 {
		return fmt.Errorf("MATCH_CANDIDATE_LIMIT must be positive")
	}

	if isProduction {
		if err := validateSecret("CLIENT_TOKEN_SECRET", c.ClientTokenSecret); err != nil {
			return err
		}
		if c.StoreDriver != StoreDriverPostgres {
			log.Warn().Str("driver", c.StoreDriver).Msg("STORE_DRIVER is not postgres in production: sessions are local to this instance")
		}
		if c.NotifyDriver == NotifyDriverLocal {
			log.Warn().Msg("NOTIFY_DRIVER=local in production: notifications do not reach other instances")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	} else if c.ClientTokenSecret == "" {
		log.Warn().Msg("CLIENT_TOKEN_SECRET is empty: using a development secret")
		c.ClientTokenSecret = devTokenSecret
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
