// Package config loads the todo CLI configuration from defaults, an optional
// YAML or TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Client  ClientConfig  `koanf:"client"`
	Sync    SyncConfig    `koanf:"sync"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ServerConfig configures the todo endpoint started by `todo serve`.
type ServerConfig struct {
	Address string        `koanf:"address"`
	Storage StorageConfig `koanf:"storage"`
}

// StorageConfig selects the todo backend.
type StorageConfig struct {
	// Backend is memory, sqlite or redis.
	Backend string      `koanf:"backend"`
	DSN     string      `koanf:"dsn"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig addresses one Redis server.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// ClientConfig configures the query cache.
type ClientConfig struct {
	Endpoint             string         `koanf:"endpoint"`
	KeepUnusedFor        time.Duration  `koanf:"keepUnusedFor"`
	FetchTimeout         time.Duration  `koanf:"fetchTimeout"`
	MaxConcurrentFetches int64          `koanf:"maxConcurrentFetches"`
	IdlePool             IdlePoolConfig `koanf:"idlePool"`
	DebugMode            bool           `koanf:"debugMode"`
}

// IdlePoolConfig bounds entries kept in their grace window.
type IdlePoolConfig struct {
	// Policy is lru or lfu.
	Policy     string `koanf:"policy"`
	MaxEntries int    `koanf:"maxEntries"`
}

// SyncConfig enables cross-instance invalidation over Redis Pub/Sub.
type SyncConfig struct {
	Enabled bool        `koanf:"enabled"`
	Channel string      `koanf:"channel"`
	Redis   RedisConfig `koanf:"redis"`
}

// LoggingConfig shapes the slog handler.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig exposes Prometheus metrics when Address is set.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address: ":4000",
			Storage: StorageConfig{
				Backend: "memory",
				DSN:     "todos.db",
				Redis:   RedisConfig{Address: "localhost:6379", Prefix: "todo"},
			},
		},
		Client: ClientConfig{
			Endpoint:      "http://localhost:4000/",
			KeepUnusedFor: 60 * time.Second,
			FetchTimeout:  30 * time.Second,
			IdlePool:      IdlePoolConfig{Policy: "lru", MaxEntries: 1000},
		},
		Sync: SyncConfig{
			Channel: "querycache:invalidations",
			Redis:   RedisConfig{Address: "localhost:6379"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9090"},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Server.Storage.Backend) {
	case "memory":
	case "sqlite":
		if c.Server.Storage.DSN == "" {
			errs = append(errs, errors.New("server.storage.dsn is required for sqlite"))
		}
	case "redis":
		if c.Server.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("server.storage.redis.address is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.storage.backend %q is not memory, sqlite or redis", c.Server.Storage.Backend))
	}

	if u, err := url.Parse(c.Client.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("client.endpoint %q is not an absolute URL", c.Client.Endpoint))
	}
	if c.Client.KeepUnusedFor < 0 {
		errs = append(errs, errors.New("client.keepUnusedFor must not be negative"))
	}
	if c.Client.FetchTimeout < 0 {
		errs = append(errs, errors.New("client.fetchTimeout must not be negative"))
	}
	if c.Client.MaxConcurrentFetches < 0 {
		errs = append(errs, errors.New("client.maxConcurrentFetches must not be negative"))
	}
	switch strings.ToLower(c.Client.IdlePool.Policy) {
	case "lru", "lfu":
	default:
		errs = append(errs, fmt.Errorf("client.idlePool.policy %q is not lru or lfu", c.Client.IdlePool.Policy))
	}
	if c.Client.IdlePool.MaxEntries <= 0 {
		errs = append(errs, errors.New("client.idlePool.maxEntries must be positive"))
	}

	if c.Sync.Enabled && c.Sync.Redis.Address == "" {
		errs = append(errs, errors.New("sync.redis.address is required when sync is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
