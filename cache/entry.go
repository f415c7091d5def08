package cache

import (
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusStale     Status = "stale"
	StatusError     Status = "error"
)

// Transition describes one entry state change.
type Transition struct {
	Key       string
	Operation string
	From      Status
	To        Status
	At        time.Time
}

// isAllowedTransition encodes the entry state machine. The empty status is
// the state of an entry that was just created.
func isAllowedTransition(from, to Status) bool {
	switch from {
	case "":
		return to == StatusPending
	case StatusPending:
		// pending -> pending restarts a fetch whose result is known to be outdated.
		return to == StatusFulfilled || to == StatusError || to == StatusPending
	case StatusFulfilled:
		return to == StatusStale
	case StatusStale, StatusError:
		return to == StatusPending
	default:
		return false
	}
}

// Snapshot is a copy of an entry's observable state.
type Snapshot struct {
	Key       string
	Operation string
	Status    Status
	// Data is the last successful result. It is kept while a refetch is
	// pending and after a failed refetch. Every subscriber of the entry
	// receives the same value, so it must be treated as read-only.
	Data        any
	HasData     bool
	Err         error
	Tags        []Tag
	Subscribers int
	UpdatedAt   time.Time
}

// Settled reports whether the entry finished its latest fetch.
func (s Snapshot) Settled() bool {
	return s.Status == StatusFulfilled || s.Status == StatusError
}

type entry struct {
	key  string
	op   *Operation
	args Args

	status    Status
	data      any
	hasData   bool
	err       error
	updatedAt time.Time

	subs map[uint64]*Subscription

	// gen identifies the current fetch; results of older fetches are dropped.
	gen uint64
	// startEpoch is the store's invalidation epoch when the current fetch began.
	startEpoch uint64
	inFlight   bool

	idleTimer *time.Timer
	idleGen   uint64
	pooled    bool
}

func (e *entry) snapshot(tags []Tag) Snapshot {
	return Snapshot{
		Key:         e.key,
		Operation:   e.op.Name,
		Status:      e.status,
		Data:        e.data,
		HasData:     e.hasData,
		Err:         e.err,
		Tags:        tags,
		Subscribers: len(e.subs),
		UpdatedAt:   e.updatedAt,
	}
}
