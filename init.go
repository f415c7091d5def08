package querycache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/huykn/querycache/cache"
	cachesync "github.com/huykn/querycache/sync"
	"github.com/huykn/querycache/todo"
	"github.com/huykn/querycache/transport"
)

// Config configures a todo client.
type Config struct {
	// InstanceID identifies this client in synchronization events.
	// If empty, a random UUID is used.
	InstanceID string

	// Endpoint is the GraphQL URL every operation is POSTed to.
	Endpoint string

	// Header is added to every request.
	Header http.Header

	// HTTPClient sends requests. If nil, a default client is used.
	HTTPClient *http.Client

	// KeepUnusedFor is how long an entry without subscribers is kept.
	KeepUnusedFor time.Duration

	// FetchTimeout bounds each transport call.
	FetchTimeout time.Duration

	// MaxConcurrentFetches bounds simultaneous query fetches. Zero means unbounded.
	MaxConcurrentFetches int64

	// IdlePoolConfig configures the idle-entry pool.
	IdlePoolConfig IdlePoolConfig

	// IdlePoolFactory is the factory for the idle-entry pool.
	// If nil, defaults to LRU.
	IdlePoolFactory IdlePoolFactory

	// RedisAddr enables cross-instance invalidation over Redis Pub/Sub when set.
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// InvalidationChannel is the Pub/Sub channel for invalidation events.
	InvalidationChannel string

	// Marshaller serializes query arguments into cache keys.
	// If nil, defaults to JSON.
	Marshaller Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives cache activity. Optional.
	Metrics MetricsRecorder

	// OnError is called when an error occurs in background operations.
	// It runs without the store lock held and may call back into the store.
	OnError func(error)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:            "http://localhost:4000/",
		KeepUnusedFor:       60 * time.Second,
		FetchTimeout:        30 * time.Second,
		IdlePoolConfig:      DefaultIdlePoolConfig(),
		InvalidationChannel: cachesync.DefaultChannel,
		IdlePoolFactory:     nil, // Will default to LRU in New()
		Marshaller:          nil, // Will default to JSON in New()
		Logger:              nil, // Will default to no-op in New()
	}
}

// Client is a todo client that owns its cache and, when synchronization is
// enabled, its Redis connection.
type Client struct {
	*todo.Client
	redis *redis.Client
}

// New wires transport, registry, cache and optional synchronization into a
// todo client.
func New(cfg Config) (*Client, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	tr, err := transport.New(transport.Options{
		Endpoint:   cfg.Endpoint,
		HTTPClient: cfg.HTTPClient,
		Header:     cfg.Header,
		Logger:     cfg.Logger,
		DebugMode:  cfg.DebugMode,
	})
	if err != nil {
		return nil, err
	}

	opts := cache.Options{
		InstanceID:           cfg.InstanceID,
		Registry:             todo.NewRegistry(),
		Transport:            tr,
		KeepUnusedFor:        cfg.KeepUnusedFor,
		IdlePoolConfig:       cfg.IdlePoolConfig,
		IdlePoolFactory:      cfg.IdlePoolFactory,
		FetchTimeout:         cfg.FetchTimeout,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		Marshaller:           cfg.Marshaller,
		Metrics:              cfg.Metrics,
		Logger:               cfg.Logger,
		DebugMode:            cfg.DebugMode,
		OnError:              cfg.OnError,
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("querycache: redis %s: %w", cfg.RedisAddr, err)
		}
		ps := cachesync.NewPubSubSynchronizer(rdb, cfg.InvalidationChannel, cfg.InstanceID)
		ps.OnError = cfg.OnError
		opts.Synchronizer = ps
	}

	store, err := cache.New(opts)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}
	return &Client{Client: todo.NewClient(store), redis: rdb}, nil
}

// Close closes the cache and the Redis connection.
func (c *Client) Close() error {
	err := c.Store().Close()
	if c.redis != nil {
		err = errors.Join(err, c.redis.Close())
	}
	return err
}

// Stats returns cache statistics.
func (c *Client) Stats() Stats {
	return c.Store().Stats()
}
