package cache

import (
	"time"
)

// IdlePoolConfig configures the idle-entry pool.
type IdlePoolConfig struct {
	// MaxEntries is the maximum number of unsubscribed entries kept during
	// their grace window (LRU), or the pool's max cost with cost 1 per entry (LFU).
	MaxEntries int

	// NumCounters is the number of counters for the pool (Ristretto only).
	// Recommended: 10 * MaxEntries
	NumCounters int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64
}

// Options configures a Store instance.
type Options struct {
	// InstanceID identifies this client instance in synchronization events.
	// Events sent by the same instance are ignored on receipt.
	InstanceID string

	// Registry holds the operations the store can run. Required.
	Registry *Registry

	// Transport executes operations against the endpoint. Required.
	Transport Transport

	// KeepUnusedFor is the grace window an entry with no subscribers is kept
	// before eviction. Zero evicts as soon as the last subscriber leaves.
	KeepUnusedFor time.Duration

	// IdlePoolConfig configures the idle-entry pool.
	IdlePoolConfig IdlePoolConfig

	// IdlePoolFactory is the factory for the idle-entry pool.
	// If nil, defaults to the LRU factory.
	IdlePoolFactory IdlePoolFactory

	// FetchTimeout bounds each background transport call. Zero means no timeout.
	FetchTimeout time.Duration

	// MaxConcurrentFetches bounds simultaneous transport calls for queries.
	// Zero means unbounded.
	MaxConcurrentFetches int64

	// Marshaller serializes query arguments into cache keys.
	// If nil, defaults to JSON marshaller.
	Marshaller Marshaller

	// Synchronizer broadcasts mutation invalidations to other instances. Optional.
	Synchronizer Synchronizer

	// Metrics receives cache activity. Optional.
	Metrics MetricsRecorder

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when an error occurs in background operations.
	// It runs without the store lock held and may call back into the store.
	OnError func(error)

	// OnTransition is called for every entry state change, under the store
	// lock. It must not call back into the store.
	OnTransition func(t Transition)
}

// DefaultOptions returns default cache options. Registry and Transport must
// still be set by the caller.
func DefaultOptions() Options {
	return Options{
		InstanceID:           "", // Will default to a random UUID in New()
		KeepUnusedFor:        0,  // Evict as soon as unused
		FetchTimeout:         30 * time.Second,
		MaxConcurrentFetches: 0,
		IdlePoolConfig:       DefaultIdlePoolConfig(),
		IdlePoolFactory:      nil, // Will default to LRU in New()
		Marshaller:           nil, // Will default to JSON in New()
		Logger:               nil, // Will default to no-op in New()
		DebugMode:            false,
	}
}

// DefaultIdlePoolConfig returns default idle pool configuration.
func DefaultIdlePoolConfig() IdlePoolConfig {
	return IdlePoolConfig{
		MaxEntries:  1000,
		NumCounters: 1e4,
		BufferItems: 64,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Registry == nil {
		return ErrInvalidConfig
	}
	if o.Transport == nil {
		return ErrInvalidConfig
	}
	if o.KeepUnusedFor < 0 || o.FetchTimeout < 0 {
		return ErrInvalidConfig
	}
	if o.MaxConcurrentFetches < 0 {
		return ErrInvalidConfig
	}
	if o.IdlePoolFactory == nil && o.IdlePoolConfig.MaxEntries <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
