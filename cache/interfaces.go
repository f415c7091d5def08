package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/huykn/querycache/types"
)

// Logger defines the interface for logging in the query cache.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for JSON marshalling/unmarshalling.
// The store uses it to serialize query arguments into cache keys, so Marshal
// must be deterministic for equal inputs.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Transport sends one operation to the remote endpoint.
type Transport interface {
	// Execute performs a single request for op with args and returns the raw
	// "data" object of the response. Failures are reported as *TransportError.
	// Execute never retries and never caches.
	Execute(ctx context.Context, op *Operation, args Args) (json.RawMessage, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, op *Operation, args Args) (json.RawMessage, error)

// Execute calls f.
func (f TransportFunc) Execute(ctx context.Context, op *Operation, args Args) (json.RawMessage, error) {
	return f(ctx, op, args)
}

// IdlePool bounds how many unsubscribed entries are retained while their
// grace window runs. Keys pushed out of the pool are evicted from the store.
type IdlePool interface {
	// Add tracks key as idle and returns the keys the pool pushed out to make room.
	Add(key string) []string

	// Remove stops tracking key.
	Remove(key string)

	// Len returns the number of tracked keys.
	Len() int

	// Clear removes all tracked keys.
	Clear()

	// Close closes the pool.
	Close()

	// Metrics returns pool metrics.
	Metrics() IdlePoolMetrics
}

// IdlePoolMetrics represents idle pool metrics.
type IdlePoolMetrics struct {
	Added     int64
	Evictions int64
	Size      int64
}

// IdlePoolFactory defines the interface for creating idle pool implementations.
type IdlePoolFactory interface {
	// Create creates a new idle pool instance.
	Create() (IdlePool, error)
}

// Synchronizer defines the interface for tag invalidation across client instances.
type Synchronizer interface {
	// Subscribe starts listening for invalidation events.
	Subscribe(ctx context.Context) error

	// Publish publishes an invalidation event.
	Publish(ctx context.Context, event types.InvalidationEvent) error

	// OnInvalidate registers a callback for invalidation events.
	OnInvalidate(callback func(event types.InvalidationEvent))

	// Close closes the synchronizer.
	Close() error
}

// MetricsRecorder receives cache activity. Implementations must be safe for
// concurrent use; the store calls them while holding its lock, so they must
// not call back into the store.
type MetricsRecorder interface {
	// ObserveFetch records a completed transport call for a query.
	ObserveFetch(operation string, outcome FetchOutcome, duration time.Duration)

	// ObserveSubscribe records whether a subscription joined a live entry.
	ObserveSubscribe(operation string, hit bool)

	// ObserveInvalidation records one entry invalidated by tags.
	ObserveInvalidation(operation string)

	// ObserveEviction records one entry removed from the store.
	ObserveEviction(operation string, reason EvictionReason)

	// ObserveMutation records a completed mutation.
	ObserveMutation(operation string, outcome FetchOutcome, duration time.Duration)
}

// FetchOutcome labels the result of a transport call.
type FetchOutcome string

const (
	FetchFulfilled FetchOutcome = "fulfilled"
	FetchFailed    FetchOutcome = "error"
	FetchDiscarded FetchOutcome = "discarded"
)

// EvictionReason labels why an entry left the store.
type EvictionReason string

const (
	EvictUnsubscribed EvictionReason = "unsubscribed"
	EvictExpired      EvictionReason = "expired"
	EvictPool         EvictionReason = "pool"
	EvictInvalidated  EvictionReason = "invalidated"
)

// InvalidationEvent is an alias for types.InvalidationEvent for backward compatibility
type InvalidationEvent = types.InvalidationEvent

// Action is an alias for types.Action for backward compatibility
type Action = types.Action

// Action constants for synchronization events
const (
	ActionInvalidateTags = types.InvalidateTags
	ActionReset          = types.Reset
)

// Tag is an alias for types.Tag.
type Tag = types.Tag

// Stats represents cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Fetches       int64
	Refetches     int64
	Discarded     int64
	Errors        int64
	Invalidations int64
	Evictions     int64
	Mutations     int64
	Entries       int64
	Tags          int64
}
