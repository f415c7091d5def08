package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// invalidationLogSize bounds how many recent invalidations the freshness
// check remembers. Fetches older than the log are treated as outdated.
const invalidationLogSize = 256

type invalidationRecord struct {
	epoch uint64
	tags  []Tag
}

// Store is the query cache: one entry per cache key, a tag index over the
// fulfilled entries, and the fetch lifecycle tying them to the Transport.
// All entry and index changes happen under mu; transport calls do not.
type Store struct {
	registry    *Registry
	transport   Transport
	index       *TagIndex
	pool        IdlePool
	sem         *semaphore.Weighted
	marshaller  Marshaller
	logger      Logger
	options     Options
	invalidator *Invalidator

	mu        sync.Mutex
	entries   map[string]*entry
	epoch     uint64
	invLog    []invalidationRecord
	nextSubID uint64
	queued    []error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed int32
	stats  Stats
}

// New creates a new Store instance.
func New(opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.IdlePoolFactory == nil {
		opts.IdlePoolFactory = NewLRUPoolFactory(opts.IdlePoolConfig.MaxEntries)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	pool, err := opts.IdlePoolFactory.Create()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		registry:   opts.Registry,
		transport:  opts.Transport,
		index:      NewTagIndex(),
		pool:       pool,
		marshaller: opts.Marshaller,
		logger:     opts.Logger,
		options:    opts,
		entries:    make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.MaxConcurrentFetches > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrentFetches)
	}
	s.invalidator = &Invalidator{store: s}

	if opts.Synchronizer != nil {
		opts.Synchronizer.OnInvalidate(s.handleSyncEvent)
		subCtx, subCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer subCancel()
		if err := opts.Synchronizer.Subscribe(subCtx); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Registry returns the operation registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Invalidator returns the coordinator bridging mutations and cached queries.
func (s *Store) Invalidator() *Invalidator {
	return s.invalidator
}

// TagIndex returns the store's tag index. Callers must treat it as read-only.
func (s *Store) TagIndex() *TagIndex {
	return s.index
}

// InstanceID returns the identifier used in synchronization events.
func (s *Store) InstanceID() string {
	return s.options.InstanceID
}

// Key returns the cache key for a query call.
func (s *Store) Key(name string, args Args) (string, error) {
	return KeyFor(s.marshaller, name, args)
}

// KeyFor serializes (name, args) into a cache key. Nil and empty args give
// the same key.
func KeyFor(m Marshaller, name string, args Args) (string, error) {
	if args == nil {
		args = Args{}
	}
	data, err := m.Marshal(map[string]any(args))
	if err != nil {
		return "", &ValidationError{Operation: name, Reason: fmt.Sprintf("arguments not serializable: %v", err)}
	}
	return name + "(" + string(data) + ")", nil
}

// Subscribe attaches a handle to the entry for (name, args), creating the
// entry and starting its fetch when needed. Concurrent subscriptions to the
// same key share one fetch.
func (s *Store) Subscribe(ctx context.Context, name string, args Args) (*Subscription, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, ErrCacheClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op, err := s.resolve(name, KindQuery, args)
	if err != nil {
		return nil, err
	}
	key, err := s.Key(name, args)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.unlock()
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, ErrCacheClosed
	}

	e, found := s.entries[key]
	if !found {
		e = &entry{key: key, op: op, args: cloneArgs(args), subs: make(map[uint64]*Subscription)}
		s.entries[key] = e
	}
	s.cancelIdle(e)

	s.nextSubID++
	sub := &Subscription{
		id:        s.nextSubID,
		key:       key,
		operation: name,
		store:     s,
		updates:   make(chan Snapshot, 1),
	}
	e.subs[sub.id] = sub

	hit := found && (e.status == StatusFulfilled || e.status == StatusPending)
	if hit {
		atomic.AddInt64(&s.stats.Hits, 1)
	} else {
		atomic.AddInt64(&s.stats.Misses, 1)
	}
	if s.options.Metrics != nil {
		s.options.Metrics.ObserveSubscribe(name, hit)
	}
	if s.options.DebugMode {
		s.logger.Debug("Subscribe: attached", "key", key, "status", e.status, "hit", hit, "subscribers", len(e.subs))
	}

	switch e.status {
	case "", StatusError, StatusStale:
		s.startFetch(e)
	default:
		sub.deliver(e.snapshot(s.index.TagsFor(key)))
	}
	return sub, nil
}

// Invalidate marks the entry for key stale. Subscribed entries are refetched
// in place, unsubscribed ones are evicted, and an in-flight fetch is
// restarted so its outdated result is never published. It reports whether an
// entry existed.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.unlock()
	return s.invalidateLocked(key)
}

// InvalidateAll invalidates every entry.
func (s *Store) InvalidateAll() int {
	s.mu.Lock()
	defer s.unlock()
	s.recordInvalidation(nil)
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s.invalidateLocked(key)
	}
	return len(keys)
}

// Refetch starts a new fetch for key unless one is in flight.
func (s *Store) Refetch(key string) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return ErrCacheClosed
	}
	s.mu.Lock()
	defer s.unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("refetch %s: %w", key, ErrNotCached)
	}
	if e.inFlight {
		return nil
	}
	if e.status == StatusFulfilled {
		s.transition(e, StatusStale)
	}
	atomic.AddInt64(&s.stats.Refetches, 1)
	s.startFetch(e)
	return nil
}

// Snapshot returns the current state of key.
func (s *Store) Snapshot(key string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.unlock()
	e, ok := s.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(s.index.TagsFor(key)), true
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Mutate runs a mutation, invalidates the cached queries its result affects
// and returns the result. Invalidation completes before Mutate returns.
// A failed mutation leaves the cache untouched.
func (s *Store) Mutate(ctx context.Context, name string, args Args) (any, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, ErrCacheClosed
	}
	op, err := s.resolve(name, KindMutation, args)
	if err != nil {
		return nil, err
	}

	if s.options.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.execute(ctx, op, args)
	if err != nil {
		if s.options.Metrics != nil {
			s.options.Metrics.ObserveMutation(name, FetchFailed, time.Since(start))
		}
		if s.options.DebugMode {
			s.logger.Error("Mutate: failed", "operation", name, "error", err)
		}
		return nil, err
	}
	atomic.AddInt64(&s.stats.Mutations, 1)
	if s.options.Metrics != nil {
		s.options.Metrics.ObserveMutation(name, FetchFulfilled, time.Since(start))
	}

	tags, err := s.invalidator.OnMutationResult(op, result)
	if err != nil {
		s.reportError(fmt.Errorf("mutation %s: invalidation: %w", name, err))
	}

	if s.options.Synchronizer != nil && len(tags) > 0 {
		event := InvalidationEvent{
			Sender:    s.options.InstanceID,
			Action:    ActionInvalidateTags,
			Tags:      tags,
			Operation: name,
		}
		if err := s.options.Synchronizer.Publish(ctx, event); err != nil {
			s.reportError(err)
			if s.options.DebugMode {
				s.logger.Warn("Mutate: failed to publish invalidation event", "operation", name, "error", err)
			}
		} else if s.options.DebugMode {
			s.logger.Debug("Mutate: published invalidation event", "operation", name, "tags", len(tags))
		}
	}

	return result, nil
}

// Close closes the store, detaches every subscription and waits for
// in-flight fetches to return.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	var errs []error
	if s.options.Synchronizer != nil {
		if err := s.options.Synchronizer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	for _, e := range s.entries {
		s.stopIdleTimer(e)
		for id, sub := range e.subs {
			sub.closed = true
			close(sub.updates)
			delete(e.subs, id)
		}
	}
	s.entries = make(map[string]*entry)
	s.index.Reset()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.pool.Close()

	return errors.Join(errs...)
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := int64(len(s.entries))
	s.mu.Unlock()
	return Stats{
		Hits:          atomic.LoadInt64(&s.stats.Hits),
		Misses:        atomic.LoadInt64(&s.stats.Misses),
		Fetches:       atomic.LoadInt64(&s.stats.Fetches),
		Refetches:     atomic.LoadInt64(&s.stats.Refetches),
		Discarded:     atomic.LoadInt64(&s.stats.Discarded),
		Errors:        atomic.LoadInt64(&s.stats.Errors),
		Invalidations: atomic.LoadInt64(&s.stats.Invalidations),
		Evictions:     atomic.LoadInt64(&s.stats.Evictions),
		Mutations:     atomic.LoadInt64(&s.stats.Mutations),
		Entries:       entries,
		Tags:          int64(s.index.Len()),
	}
}

func (s *Store) resolve(name string, kind Kind, args Args) (*Operation, error) {
	op, err := s.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	if op.Kind != kind {
		return nil, &ValidationError{Operation: name, Reason: fmt.Sprintf("operation is a %s, not a %s", op.Kind, kind)}
	}
	if op.Validate != nil {
		if err := op.Validate(args); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return nil, err
			}
			return nil, &ValidationError{Operation: name, Reason: err.Error()}
		}
	}
	return op, nil
}

func (s *Store) execute(ctx context.Context, op *Operation, args Args) (any, error) {
	raw, err := s.transport.Execute(ctx, op, args)
	if err != nil {
		return nil, err
	}
	return op.Extract(raw)
}

// startFetch moves e to pending and launches a fetch for it. Callers hold mu.
func (s *Store) startFetch(e *entry) {
	e.gen++
	e.startEpoch = s.epoch
	e.inFlight = true
	s.transition(e, StatusPending)
	atomic.AddInt64(&s.stats.Fetches, 1)

	gen := e.gen
	s.wg.Add(1)
	go s.fetch(e, gen)
}

func (s *Store) fetch(e *entry, gen uint64) {
	defer s.wg.Done()

	ctx := s.ctx
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
	}
	if s.options.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.execute(ctx, e.op, e.args)
	var tags []Tag
	if err == nil {
		tags, err = safeTags(e.op.Name, e.op.Provides, result)
	}
	s.settle(e, gen, result, tags, err, time.Since(start))
}

// settle publishes the outcome of fetch gen of e, unless the entry moved on
// while it was in flight.
func (s *Store) settle(e *entry, gen uint64, result any, tags []Tag, err error, took time.Duration) {
	s.mu.Lock()
	defer s.unlock()

	if s.entries[e.key] != e || e.gen != gen {
		atomic.AddInt64(&s.stats.Discarded, 1)
		if s.options.Metrics != nil {
			s.options.Metrics.ObserveFetch(e.op.Name, FetchDiscarded, took)
		}
		if s.options.DebugMode {
			s.logger.Debug("Fetch: discarded superseded result", "key", e.key, "generation", gen)
		}
		return
	}

	if err != nil {
		e.inFlight = false
		e.err = err
		e.updatedAt = time.Now()
		s.transition(e, StatusError)
		atomic.AddInt64(&s.stats.Errors, 1)
		if s.options.Metrics != nil {
			s.options.Metrics.ObserveFetch(e.op.Name, FetchFailed, took)
		}
		s.queueError(fmt.Errorf("fetch %s: %w", e.key, err))
		if s.options.DebugMode {
			s.logger.Error("Fetch: failed", "key", e.key, "error", err)
		}
		s.notify(e)
		if len(e.subs) == 0 {
			s.release(e)
		}
		return
	}

	if s.invalidatedSince(e.startEpoch, tags) {
		// The result may predate a mutation that touched its tags.
		atomic.AddInt64(&s.stats.Discarded, 1)
		if s.options.Metrics != nil {
			s.options.Metrics.ObserveFetch(e.op.Name, FetchDiscarded, took)
		}
		if s.options.DebugMode {
			s.logger.Debug("Fetch: result overtaken by invalidation, refetching", "key", e.key)
		}
		atomic.AddInt64(&s.stats.Refetches, 1)
		s.startFetch(e)
		return
	}

	e.inFlight = false
	e.data = result
	e.hasData = true
	e.err = nil
	e.updatedAt = time.Now()
	s.index.SetTags(e.key, tags)
	s.transition(e, StatusFulfilled)
	if s.options.Metrics != nil {
		s.options.Metrics.ObserveFetch(e.op.Name, FetchFulfilled, took)
	}
	if s.options.DebugMode {
		s.logger.Debug("Fetch: fulfilled", "key", e.key, "tags", len(tags), "subscribers", len(e.subs))
	}
	s.notify(e)
	if len(e.subs) == 0 {
		s.release(e)
	}
}

// invalidatedSince reports whether an invalidation recorded after epoch
// matches tags. When the log no longer reaches back to epoch the answer is
// conservatively yes.
func (s *Store) invalidatedSince(epoch uint64, tags []Tag) bool {
	if s.epoch == epoch {
		return false
	}
	if len(s.invLog) == 0 || s.invLog[0].epoch > epoch+1 {
		return true
	}
	for _, rec := range s.invLog {
		if rec.epoch <= epoch {
			continue
		}
		if rec.tags == nil || tagsOverlap(rec.tags, tags) {
			return true
		}
	}
	return false
}

// recordInvalidation advances the epoch. Nil tags stand for "everything".
func (s *Store) recordInvalidation(tags []Tag) {
	s.epoch++
	s.invLog = append(s.invLog, invalidationRecord{epoch: s.epoch, tags: tags})
	if len(s.invLog) > invalidationLogSize {
		s.invLog = s.invLog[len(s.invLog)-invalidationLogSize:]
	}
}

func (s *Store) invalidateLocked(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	atomic.AddInt64(&s.stats.Invalidations, 1)
	if s.options.Metrics != nil {
		s.options.Metrics.ObserveInvalidation(e.op.Name)
	}
	if s.options.DebugMode {
		s.logger.Debug("Invalidate: entry", "key", key, "status", e.status, "subscribers", len(e.subs))
	}

	switch {
	case e.inFlight:
		atomic.AddInt64(&s.stats.Refetches, 1)
		s.startFetch(e)
	case len(e.subs) > 0:
		if e.status == StatusFulfilled {
			s.transition(e, StatusStale)
		}
		atomic.AddInt64(&s.stats.Refetches, 1)
		s.startFetch(e)
	default:
		if e.status == StatusFulfilled {
			s.transition(e, StatusStale)
		}
		s.evict(e, EvictInvalidated)
	}
	return true
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.updates)

	e, ok := s.entries[sub.key]
	if !ok {
		return
	}
	delete(e.subs, sub.id)
	if s.options.DebugMode {
		s.logger.Debug("Unsubscribe: detached", "key", sub.key, "subscribers", len(e.subs))
	}
	if len(e.subs) == 0 {
		s.release(e)
	}
}

// release applies the idle policy to an entry that lost its last subscriber.
// An entry with a fetch in flight stays until the fetch settles.
func (s *Store) release(e *entry) {
	if e.inFlight {
		return
	}
	if s.options.KeepUnusedFor <= 0 {
		s.evict(e, EvictUnsubscribed)
		return
	}

	e.idleGen++
	idleGen := e.idleGen
	s.stopIdleTimer(e)
	e.idleTimer = time.AfterFunc(s.options.KeepUnusedFor, func() {
		s.expire(e, idleGen)
	})

	e.pooled = true
	for _, key := range s.pool.Add(e.key) {
		pushed, ok := s.entries[key]
		if !ok || len(pushed.subs) > 0 || pushed.inFlight {
			continue
		}
		pushed.pooled = false
		s.evict(pushed, EvictPool)
	}
}

func (s *Store) expire(e *entry, idleGen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if s.entries[e.key] != e || e.idleGen != idleGen || len(e.subs) > 0 || e.inFlight {
		return
	}
	s.evict(e, EvictExpired)
}

func (s *Store) cancelIdle(e *entry) {
	e.idleGen++
	s.stopIdleTimer(e)
	if e.pooled {
		e.pooled = false
		s.pool.Remove(e.key)
	}
}

func (s *Store) stopIdleTimer(e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

// evict removes e from the table and the tag index. Callers hold mu.
func (s *Store) evict(e *entry, reason EvictionReason) {
	s.stopIdleTimer(e)
	e.idleGen++
	if e.pooled {
		e.pooled = false
		s.pool.Remove(e.key)
	}
	delete(s.entries, e.key)
	s.index.Remove(e.key)
	atomic.AddInt64(&s.stats.Evictions, 1)
	if s.options.Metrics != nil {
		s.options.Metrics.ObserveEviction(e.op.Name, reason)
	}
	if s.options.DebugMode {
		s.logger.Debug("Evict: removed entry", "key", e.key, "reason", reason)
	}
}

func (s *Store) transition(e *entry, to Status) {
	from := e.status
	if !isAllowedTransition(from, to) {
		s.queueError(fmt.Errorf("entry %s: disallowed transition %s -> %s", e.key, from, to))
		return
	}
	e.status = to
	if s.options.OnTransition != nil {
		s.options.OnTransition(Transition{Key: e.key, Operation: e.op.Name, From: from, To: to, At: time.Now()})
	}
	if to == StatusStale || to == StatusPending {
		s.notify(e)
	}
}

func (s *Store) notify(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshot(s.index.TagsFor(e.key))
	for _, sub := range e.subs {
		sub.deliver(snap)
	}
}

func (s *Store) handleSyncEvent(event InvalidationEvent) {
	if event.Sender == s.options.InstanceID || atomic.LoadInt32(&s.closed) != 0 {
		return
	}
	if s.options.DebugMode {
		s.logger.Info("Received synchronization event", "action", event.Action, "tags", len(event.Tags), "sender", event.Sender)
	}

	switch event.Action {
	case ActionInvalidateTags:
		if err := s.invalidator.InvalidateTags(event.Tags); err != nil {
			s.reportError(err)
		}
	case ActionReset:
		s.InvalidateAll()
	default:
		if s.options.DebugMode {
			s.logger.Warn("Sync: unknown action", "action", event.Action, "sender", event.Sender)
		}
	}
}

// queueError holds err until mu is released. Callers hold mu.
func (s *Store) queueError(err error) {
	if s.options.OnError != nil {
		s.queued = append(s.queued, err)
	}
}

// unlock releases mu and then reports the errors queued while it was held,
// so OnError may call back into the store.
func (s *Store) unlock() {
	errs := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, err := range errs {
		s.reportError(err)
	}
}

func (s *Store) reportError(err error) {
	if s.options.OnError != nil {
		s.options.OnError(err)
	}
}

func cloneArgs(args Args) Args {
	out := make(Args, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
