package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUPoolFactory creates LRU idle pool instances.
type LRUPoolFactory struct {
	maxSize int
}

// NewLRUPoolFactory creates a new LRU idle pool factory.
func NewLRUPoolFactory(maxSize int) IdlePoolFactory {
	return &LRUPoolFactory{maxSize: maxSize}
}

// Create creates a new LRU idle pool instance.
func (f *LRUPoolFactory) Create() (IdlePool, error) {
	return NewLRUPool(f.maxSize)
}

// LRUPool keeps the most recently released keys and pushes out the one
// released longest ago once full.
type LRUPool struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, struct{}]
	maxSize   int
	added     int64
	evictions int64
}

// NewLRUPool creates a new LRU-based idle pool.
func NewLRUPool(maxSize int) (*LRUPool, error) {
	cache, err := lru.New[string, struct{}](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUPool{
		cache:   cache,
		maxSize: maxSize,
	}, nil
}

// Add tracks key and returns the key pushed out to make room, if any.
func (p *LRUPool) Add(key string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pushed []string
	if !p.cache.Contains(key) && p.cache.Len() >= p.maxSize {
		if oldest, _, ok := p.cache.RemoveOldest(); ok {
			pushed = append(pushed, oldest)
			atomic.AddInt64(&p.evictions, 1)
		}
	}
	p.cache.Add(key, struct{}{})
	atomic.AddInt64(&p.added, 1)
	return pushed
}

// Remove stops tracking key.
func (p *LRUPool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(key)
}

// Len returns the number of tracked keys.
func (p *LRUPool) Len() int {
	return p.cache.Len()
}

// Clear removes all tracked keys.
func (p *LRUPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

// Close closes the pool.
func (p *LRUPool) Close() {
	p.Clear()
}

// Metrics returns pool metrics.
func (p *LRUPool) Metrics() IdlePoolMetrics {
	return IdlePoolMetrics{
		Added:     atomic.LoadInt64(&p.added),
		Evictions: atomic.LoadInt64(&p.evictions),
		Size:      int64(p.cache.Len()),
	}
}
