package querycache

import "github.com/huykn/querycache/cache"

// ErrCacheClosed is returned when operations are performed on a closed client.
var ErrCacheClosed = cache.ErrCacheClosed

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig

// ErrNotCached is returned when refetching a key that is not cached.
var ErrNotCached = cache.ErrNotCached

// ErrSubscriptionClosed is returned when waiting on a closed subscription.
var ErrSubscriptionClosed = cache.ErrSubscriptionClosed

// ValidationError is an alias for cache.ValidationError.
type ValidationError = cache.ValidationError

// TransportError is an alias for cache.TransportError.
type TransportError = cache.TransportError
