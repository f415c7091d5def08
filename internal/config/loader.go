package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the prefix of environment overrides.
const DefaultEnvPrefix = "QUERYCACHE"

// canonical maps lowercased env keys back to their camelCase config keys.
var canonical = map[string]string{
	"client.keepunusedfor":        "client.keepUnusedFor",
	"client.fetchtimeout":         "client.fetchTimeout",
	"client.maxconcurrentfetches": "client.maxConcurrentFetches",
	"client.debugmode":            "client.debugMode",
	"client.idlepool.policy":      "client.idlePool.policy",
	"client.idlepool.maxentries":  "client.idlePool.maxEntries",
}

// Loader builds a Config with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader. Files are applied in order; an empty
// envPrefix disables environment overrides.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles and validates the configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Config{}, err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores nest (CLIENT__IDLE_POOL__POLICY -> client.idlepool.policy).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: %s: unsupported file type (want .yaml, .yml or .toml)", path)
	}
}

// structToMap converts cfg into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	redis := func(r RedisConfig) map[string]any {
		return map[string]any{
			"address":  r.Address,
			"password": r.Password,
			"db":       r.DB,
			"prefix":   r.Prefix,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"address": cfg.Server.Address,
			"storage": map[string]any{
				"backend": cfg.Server.Storage.Backend,
				"dsn":     cfg.Server.Storage.DSN,
				"redis":   redis(cfg.Server.Storage.Redis),
			},
		},
		"client": map[string]any{
			"endpoint":             cfg.Client.Endpoint,
			"keepUnusedFor":        cfg.Client.KeepUnusedFor,
			"fetchTimeout":         cfg.Client.FetchTimeout,
			"maxConcurrentFetches": cfg.Client.MaxConcurrentFetches,
			"debugMode":            cfg.Client.DebugMode,
			"idlePool": map[string]any{
				"policy":     cfg.Client.IdlePool.Policy,
				"maxEntries": cfg.Client.IdlePool.MaxEntries,
			},
		},
		"sync": map[string]any{
			"enabled": cfg.Sync.Enabled,
			"channel": cfg.Sync.Channel,
			"redis":   redis(cfg.Sync.Redis),
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"address": cfg.Metrics.Address,
		},
	}
}
