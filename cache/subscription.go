package cache

import (
	"context"
)

// Subscription is a handle on one cache entry. It receives a Snapshot each
// time the entry changes. Updates are latest-wins: a slow reader sees the
// newest state, not every intermediate one.
type Subscription struct {
	id        uint64
	key       string
	operation string
	store     *Store
	updates   chan Snapshot

	// closed is guarded by store.mu.
	closed bool
}

// Key returns the cache key the subscription is attached to.
func (sub *Subscription) Key() string {
	return sub.key
}

// Operation returns the query name.
func (sub *Subscription) Operation() string {
	return sub.operation
}

// Updates returns the channel of state changes. It is closed on Unsubscribe.
func (sub *Subscription) Updates() <-chan Snapshot {
	return sub.updates
}

// Current returns the entry's state now.
func (sub *Subscription) Current() Snapshot {
	snap, ok := sub.store.Snapshot(sub.key)
	if !ok {
		return Snapshot{Key: sub.key, Operation: sub.operation}
	}
	return snap
}

// Await blocks until the entry has settled and returns its state. The
// returned error is the entry's error, ctx's error, or ErrSubscriptionClosed.
func (sub *Subscription) Await(ctx context.Context) (Snapshot, error) {
	if sub.isClosed() {
		return sub.Current(), ErrSubscriptionClosed
	}
	for {
		snap := sub.Current()
		if snap.Settled() {
			return snap, snap.Err
		}
		select {
		case _, ok := <-sub.updates:
			if !ok {
				return snap, ErrSubscriptionClosed
			}
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Refetch starts a new fetch for the entry unless one is already in flight.
func (sub *Subscription) Refetch() error {
	return sub.store.Refetch(sub.key)
}

// Unsubscribe detaches the handle. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.store.unsubscribe(sub)
}

func (sub *Subscription) isClosed() bool {
	sub.store.mu.Lock()
	defer sub.store.unlock()
	return sub.closed
}

func (sub *Subscription) deliver(snap Snapshot) {
	select {
	case sub.updates <- snap:
		return
	default:
	}
	select {
	case <-sub.updates:
	default:
	}
	select {
	case sub.updates <- snap:
	default:
	}
}
