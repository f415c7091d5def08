package querycache

import "github.com/huykn/querycache/cache"

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// IdlePool is an alias for cache.IdlePool.
type IdlePool = cache.IdlePool

// IdlePoolFactory is an alias for cache.IdlePoolFactory.
type IdlePoolFactory = cache.IdlePoolFactory

// IdlePoolConfig is an alias for cache.IdlePoolConfig.
type IdlePoolConfig = cache.IdlePoolConfig

// MetricsRecorder is an alias for cache.MetricsRecorder.
type MetricsRecorder = cache.MetricsRecorder

// InvalidationEvent is an alias for cache.InvalidationEvent.
type InvalidationEvent = cache.InvalidationEvent

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// DefaultIdlePoolConfig returns the default idle pool configuration.
func DefaultIdlePoolConfig() IdlePoolConfig {
	return cache.DefaultIdlePoolConfig()
}
