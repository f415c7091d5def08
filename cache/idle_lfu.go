package cache

import (
	"sync"
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"
)

// LFUPoolFactory creates Ristretto idle pool instances.
type LFUPoolFactory struct {
	config IdlePoolConfig
}

// NewLFUPoolFactory creates a new Ristretto idle pool factory.
func NewLFUPoolFactory(config IdlePoolConfig) IdlePoolFactory {
	return &LFUPoolFactory{config: config}
}

// Create creates a new Ristretto idle pool instance.
func (f *LFUPoolFactory) Create() (IdlePool, error) {
	return NewLFUPool(f.config)
}

// LFUPool keeps the idle keys Ristretto's admission policy values most.
// Each key costs 1, so MaxEntries bounds the pool size. Ristretto applies
// writes asynchronously; Add waits for them so evictions are reported to the
// caller of the Add that caused them.
type LFUPool struct {
	cache *lfu.Cache

	mu      sync.Mutex
	pushed  []string
	tracked map[string]struct{}

	added     int64
	evictions int64
}

// NewLFUPool creates a new Ristretto-based idle pool.
func NewLFUPool(config IdlePoolConfig) (*LFUPool, error) {
	p := &LFUPool{tracked: make(map[string]struct{})}
	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters: config.NumCounters,
		MaxCost:     int64(config.MaxEntries),
		BufferItems: config.BufferItems,
		// Cost is an entry count, not bytes.
		IgnoreInternalCost: true,
		OnEvict: func(item *lfu.Item) {
			key, ok := item.Value.(string)
			if !ok {
				return
			}
			p.mu.Lock()
			p.pushed = append(p.pushed, key)
			delete(p.tracked, key)
			p.mu.Unlock()
			atomic.AddInt64(&p.evictions, 1)
		},
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// Add tracks key and returns the keys Ristretto evicted while admitting it.
// A key the admission policy rejects is returned as well, so the pool never
// holds more than MaxEntries idle keys.
func (p *LFUPool) Add(key string) []string {
	p.cache.Set(key, key, 1)
	p.cache.Wait()
	_, admitted := p.cache.Get(key)
	atomic.AddInt64(&p.added, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if admitted {
		p.tracked[key] = struct{}{}
	} else {
		p.pushed = append(p.pushed, key)
		atomic.AddInt64(&p.evictions, 1)
	}
	pushed := p.pushed
	p.pushed = nil
	return pushed
}

// Remove stops tracking key.
func (p *LFUPool) Remove(key string) {
	p.cache.Del(key)
	p.cache.Wait()
	p.mu.Lock()
	delete(p.tracked, key)
	p.mu.Unlock()
}

// Len returns the number of tracked keys.
func (p *LFUPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked)
}

// Clear removes all tracked keys.
func (p *LFUPool) Clear() {
	p.cache.Clear()
	p.mu.Lock()
	p.pushed = nil
	p.tracked = make(map[string]struct{})
	p.mu.Unlock()
}

// Close closes the pool.
func (p *LFUPool) Close() {
	p.cache.Close()
}

// Metrics returns pool metrics.
func (p *LFUPool) Metrics() IdlePoolMetrics {
	return IdlePoolMetrics{
		Added:     atomic.LoadInt64(&p.added),
		Evictions: atomic.LoadInt64(&p.evictions),
		Size:      int64(p.Len()),
	}
}
