package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/huykn/querycache/types"
)

func TestNewRequiresRegistryAndTransport(t *testing.T) {
	if _, err := New(DefaultOptions()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestKeyForIsDeterministic(t *testing.T) {
	m := NewJSONMarshaller()

	a, err := KeyFor(m, "item", Args{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("KeyFor failed: %v", err)
	}
	b, _ := KeyFor(m, "item", Args{"a": "x", "b": 1})
	if a != b {
		t.Fatalf("Expected equal keys, got %s and %s", a, b)
	}
	if a != `item({"a":"x","b":1})` {
		t.Fatalf("Unexpected key %s", a)
	}

	empty, _ := KeyFor(m, "items", nil)
	if empty != "items({})" {
		t.Fatalf("Expected items({}), got %s", empty)
	}
	alsoEmpty, _ := KeyFor(m, "items", Args{})
	if empty != alsoEmpty {
		t.Fatal("Nil and empty args should give the same key")
	}

	if _, err := KeyFor(m, "item", Args{"ch": make(chan int)}); err == nil {
		t.Fatal("Expected error for unserializable args")
	}
}

func TestSubscribeDeduplicatesConcurrentFetches(t *testing.T) {
	b := newFakeBackend()
	release := b.hold("items")
	s := newTestStore(t, b, nil)

	const n = 10
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var args Args
			if i%2 == 0 {
				args = Args{}
			}
			sub, err := s.Subscribe(context.Background(), "items", args)
			if err != nil {
				t.Errorf("Subscribe failed: %v", err)
				return
			}
			subs[i] = sub
		}(i)
	}
	wg.Wait()

	if got := len(s.Keys()); got != 1 {
		t.Fatalf("Expected 1 entry, got %d", got)
	}
	release()

	for _, sub := range subs {
		snap := await(t, sub)
		if snap.Status != StatusFulfilled {
			t.Fatalf("Expected fulfilled, got %s", snap.Status)
		}
	}
	if got := b.callCount("items"); got != 1 {
		t.Fatalf("Expected 1 transport call, got %d", got)
	}
	if snap := subs[0].Current(); snap.Subscribers != n {
		t.Fatalf("Expected %d subscribers, got %d", n, snap.Subscribers)
	}
}

func TestSubscribeJoinsFulfilledEntry(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1", Text: "milk"})
	s := newTestStore(t, b, nil)

	first := subscribe(t, s, "items", nil)
	await(t, first)
	second := subscribe(t, s, "items", nil)
	snap := await(t, second)

	if diff := cmp.Diff([]testItem{{ID: "1", Text: "milk"}}, snap.Data); diff != "" {
		t.Fatalf("Unexpected data (-want +got):\n%s", diff)
	}
	if got := b.callCount("items"); got != 1 {
		t.Fatalf("Expected 1 transport call, got %d", got)
	}
	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("Expected 1 hit and 1 miss, got %+v", stats)
	}

	wantTags := []Tag{types.WildcardTag("Item"), types.TagOf("Item", "1")}
	if diff := cmp.Diff(wantTags, snap.Tags); diff != "" {
		t.Fatalf("Unexpected tags (-want +got):\n%s", diff)
	}
}

func TestAddInvalidatesSubscribedListWithOneRefetch(t *testing.T) {
	b := newFakeBackend()
	log := &transitionLog{}
	s := newTestStore(t, b, func(o *Options) { o.OnTransition = log.record })

	list := subscribe(t, s, "items", nil)
	snap := await(t, list)
	if diff := cmp.Diff([]testItem{}, snap.Data); diff != "" {
		t.Fatalf("Expected empty list (-want +got):\n%s", diff)
	}

	result, err := s.Mutate(context.Background(), "addItem", Args{"text": "buy milk"})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if diff := cmp.Diff(testItem{ID: "1", Text: "buy milk"}, result); diff != "" {
		t.Fatalf("Unexpected mutation result (-want +got):\n%s", diff)
	}

	// Invalidation completed before Mutate returned.
	want := []string{">pending", "pending>fulfilled", "fulfilled>stale", "stale>pending"}
	if diff := cmp.Diff(want, log.forKey(list.Key())[:4]); diff != "" {
		t.Fatalf("Unexpected transitions (-want +got):\n%s", diff)
	}

	snap = await(t, list)
	if diff := cmp.Diff([]testItem{{ID: "1", Text: "buy milk"}}, snap.Data); diff != "" {
		t.Fatalf("Unexpected list after add (-want +got):\n%s", diff)
	}
	if got := b.callCount("items"); got != 2 {
		t.Fatalf("Expected exactly one refetch, got %d calls", got)
	}
}

func TestRefetchKeepsPreviousData(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1", Text: "milk"})
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	await(t, list)

	release := b.hold("items")
	defer release()
	if err := list.Refetch(); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}

	snap := list.Current()
	if snap.Status != StatusPending {
		t.Fatalf("Expected pending, got %s", snap.Status)
	}
	if !snap.HasData {
		t.Fatal("Refetching entry should keep its previous data")
	}
	release()
	await(t, list)
}

func TestUpdateReflectsOnItem(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1", Text: "milk"})
	s := newTestStore(t, b, nil)

	item := subscribe(t, s, "item", Args{"id": "1"})
	if snap := await(t, item); snap.Data.(testItem).Done {
		t.Fatal("Item should start open")
	}

	if _, err := s.Mutate(context.Background(), "setItem", Args{"id": "1", "done": true}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	snap := await(t, item)
	if !snap.Data.(testItem).Done {
		t.Fatal("Item should be closed after refetch")
	}
	if got := b.callCount("item"); got != 2 {
		t.Fatalf("Expected 2 item fetches, got %d", got)
	}
}

func TestSpecificTagOnlyMatchesItsEntry(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1"}, testItem{ID: "2"})
	s := newTestStore(t, b, nil)

	one := subscribe(t, s, "item", Args{"id": "1"})
	two := subscribe(t, s, "item", Args{"id": "2"})
	await(t, one)
	await(t, two)

	if err := s.Invalidator().InvalidateTags([]Tag{types.TagOf("Item", "2")}); err != nil {
		t.Fatalf("InvalidateTags failed: %v", err)
	}
	await(t, two)
	if got := b.callCount("item"); got != 3 {
		t.Fatalf("Expected only item 2 to refetch, got %d calls", got)
	}
}

func TestInvalidateUnknownTagIsNoop(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)

	if err := s.Invalidator().InvalidateTags([]Tag{types.TagOf("Item", "42")}); err != nil {
		t.Fatalf("InvalidateTags failed: %v", err)
	}
	if len(s.Keys()) != 0 || b.totalCalls() != 0 {
		t.Fatal("Invalidating on an empty store should not create entries or fetch")
	}

	list := subscribe(t, s, "items", nil)
	await(t, list)
	before := s.Stats()

	if err := s.Invalidator().InvalidateTags([]Tag{types.TagOf("Project", "1"), types.TagOf("Item", "42")}); err != nil {
		t.Fatalf("InvalidateTags failed: %v", err)
	}
	after := s.Stats()
	if after.Invalidations != before.Invalidations || after.Fetches != before.Fetches {
		t.Fatalf("Expected no invalidations, before %+v after %+v", before, after)
	}
	if snap := list.Current(); snap.Status != StatusFulfilled {
		t.Fatalf("Expected fulfilled, got %s", snap.Status)
	}
}

func TestInvalidTagDoesNotBlockOthers(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	await(t, list)

	err := s.Invalidator().InvalidateTags([]Tag{{Type: "", ID: "1"}, types.WildcardTag("Item")})
	if err == nil {
		t.Fatal("Expected error for invalid tag")
	}
	await(t, list)
	if got := b.callCount("items"); got != 2 {
		t.Fatalf("Expected the valid tag to trigger a refetch, got %d calls", got)
	}
}

func TestUnsubscribeEvictsImmediately(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	await(t, list)
	list.Unsubscribe()
	list.Unsubscribe()

	if keys := s.Keys(); len(keys) != 0 {
		t.Fatalf("Expected no entries, got %v", keys)
	}
	if n := s.TagIndex().Len(); n != 0 {
		t.Fatalf("Expected empty tag index, got %d tags", n)
	}

	again := subscribe(t, s, "items", nil)
	await(t, again)
	if got := b.callCount("items"); got != 2 {
		t.Fatalf("Expected a fresh transport call, got %d calls", got)
	}
}

func TestGraceWindowKeepsUnusedEntry(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, func(o *Options) { o.KeepUnusedFor = time.Hour })

	list := subscribe(t, s, "items", nil)
	await(t, list)
	list.Unsubscribe()

	snap, ok := s.Snapshot(list.Key())
	if !ok || snap.Status != StatusFulfilled || snap.Subscribers != 0 {
		t.Fatalf("Expected idle fulfilled entry, got %+v (found %v)", snap, ok)
	}

	again := subscribe(t, s, "items", nil)
	await(t, again)
	if got := b.callCount("items"); got != 1 {
		t.Fatalf("Expected entry reuse within grace window, got %d calls", got)
	}
}

func TestGraceWindowExpires(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, func(o *Options) { o.KeepUnusedFor = 20 * time.Millisecond })

	list := subscribe(t, s, "items", nil)
	await(t, list)
	list.Unsubscribe()

	eventually(t, "idle entry expiry", func() bool { return len(s.Keys()) == 0 })

	again := subscribe(t, s, "items", nil)
	await(t, again)
	if got := b.callCount("items"); got != 2 {
		t.Fatalf("Expected a fresh fetch after expiry, got %d calls", got)
	}
}

func TestInvalidateIdleEntryEvicts(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, func(o *Options) { o.KeepUnusedFor = time.Hour })

	list := subscribe(t, s, "items", nil)
	await(t, list)
	list.Unsubscribe()

	if !s.Invalidate(list.Key()) {
		t.Fatal("Invalidate should report an existing entry")
	}
	if len(s.Keys()) != 0 {
		t.Fatal("Invalidated idle entry should be evicted")
	}
	if b.callCount("items") != 1 {
		t.Fatal("Invalidated idle entry should not be refetched")
	}
	if s.Invalidate(list.Key()) {
		t.Fatal("Invalidate should report a missing entry")
	}
}

func TestIdlePoolPushesOutOldest(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1"}, testItem{ID: "2"})
	s := newTestStore(t, b, func(o *Options) {
		o.KeepUnusedFor = time.Hour
		o.IdlePoolFactory = NewLRUPoolFactory(1)
	})

	one := subscribe(t, s, "item", Args{"id": "1"})
	two := subscribe(t, s, "item", Args{"id": "2"})
	await(t, one)
	await(t, two)
	one.Unsubscribe()
	two.Unsubscribe()

	if diff := cmp.Diff([]string{two.Key()}, s.Keys()); diff != "" {
		t.Fatalf("Unexpected keys (-want +got):\n%s", diff)
	}
}

func TestInFlightFetchAfterLastUnsubscribe(t *testing.T) {
	t.Run("evicted without grace window", func(t *testing.T) {
		b := newFakeBackend()
		release := b.hold("items")
		s := newTestStore(t, b, nil)

		list := subscribe(t, s, "items", nil)
		waitStarted(t, b, "items")
		list.Unsubscribe()

		snap, ok := s.Snapshot(list.Key())
		if !ok || snap.Status != StatusPending {
			t.Fatalf("Pending entry should stay until its fetch settles, got %+v", snap)
		}
		release()

		eventually(t, "eviction after settle", func() bool { return len(s.Keys()) == 0 })
		for range list.Updates() {
		}
		if got := s.Stats().Evictions; got != 1 {
			t.Fatalf("Expected 1 eviction, got %d", got)
		}
	})

	t.Run("populates entry within grace window", func(t *testing.T) {
		b := newFakeBackend(testItem{ID: "1"})
		release := b.hold("items")
		s := newTestStore(t, b, func(o *Options) { o.KeepUnusedFor = time.Hour })

		list := subscribe(t, s, "items", nil)
		waitStarted(t, b, "items")
		list.Unsubscribe()
		release()

		eventually(t, "idle entry fulfilled", func() bool {
			snap, ok := s.Snapshot(list.Key())
			return ok && snap.Status == StatusFulfilled
		})

		again := subscribe(t, s, "items", nil)
		snap := await(t, again)
		if diff := cmp.Diff([]testItem{{ID: "1"}}, snap.Data); diff != "" {
			t.Fatalf("Unexpected data (-want +got):\n%s", diff)
		}
		if got := b.callCount("items"); got != 1 {
			t.Fatalf("Expected the in-flight result to be reused, got %d calls", got)
		}
	})
}

func TestUnsubscribedHandleReceivesNothing(t *testing.T) {
	b := newFakeBackend()
	release := b.hold("items")
	s := newTestStore(t, b, nil)

	keep := subscribe(t, s, "items", nil)
	gone := subscribe(t, s, "items", nil)
	gone.Unsubscribe()
	release()
	await(t, keep)

	for snap := range gone.Updates() {
		if snap.Status == StatusFulfilled {
			t.Fatal("Closed subscription received a result")
		}
	}
	if _, err := gone.Await(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("Expected ErrSubscriptionClosed, got %v", err)
	}
}

func TestFetchErrorCachedUntilRetry(t *testing.T) {
	b := newFakeBackend()
	b.setFailure("items", &TransportError{Kind: ServerError, Detail: "boom", Status: 500})
	var reported []error
	var mu sync.Mutex
	s := newTestStore(t, b, func(o *Options) {
		o.OnError = func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}
	})

	list := subscribe(t, s, "items", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := list.Await(ctx)
	if !errors.Is(err, &TransportError{Kind: ServerError}) {
		t.Fatalf("Expected server error, got %v", err)
	}
	if snap.Status != StatusError || snap.HasData {
		t.Fatalf("Unexpected snapshot %+v", snap)
	}

	time.Sleep(30 * time.Millisecond)
	if got := b.callCount("items"); got != 1 {
		t.Fatalf("Errors must not be retried automatically, got %d calls", got)
	}
	mu.Lock()
	if len(reported) != 1 {
		t.Fatalf("Expected 1 reported error, got %d", len(reported))
	}
	mu.Unlock()

	b.setFailure("items", nil)
	if err := list.Refetch(); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	snap = await(t, list)
	if snap.Status != StatusFulfilled || snap.Err != nil {
		t.Fatalf("Expected recovery, got %+v", snap)
	}
}

func TestSubscribeRetriesErroredEntry(t *testing.T) {
	b := newFakeBackend()
	b.setFailure("items", &TransportError{Kind: Network, Detail: "refused"})
	s := newTestStore(t, b, nil)

	first := subscribe(t, s, "items", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := first.Await(ctx); err == nil {
		t.Fatal("Expected error")
	}

	b.setFailure("items", nil)
	second := subscribe(t, s, "items", nil)
	await(t, second)
	if snap := first.Current(); snap.Status != StatusFulfilled {
		t.Fatalf("Existing subscriber should see the retry, got %s", snap.Status)
	}
}

func TestMutationErrorLeavesCacheUntouched(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	await(t, list)
	before := s.Stats()

	b.setFailure("addItem", &TransportError{Kind: ServerError, Detail: "rejected"})
	_, err := s.Mutate(context.Background(), "addItem", Args{"text": "x"})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ServerError {
		t.Fatalf("Expected server error, got %v", err)
	}

	after := s.Stats()
	if after.Invalidations != before.Invalidations || after.Mutations != 0 {
		t.Fatalf("Failed mutation changed the cache: %+v", after)
	}
	if snap := list.Current(); snap.Status != StatusFulfilled {
		t.Fatalf("Expected fulfilled, got %s", snap.Status)
	}
	if got := b.callCount("items"); got != 1 {
		t.Fatalf("Expected no refetch, got %d calls", got)
	}
}

func TestValidationHappensBeforeTransport(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)
	ctx := context.Background()

	var verr *ValidationError
	_, err := s.Subscribe(ctx, "item", Args{"id": ""})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "id", verr.Field)

	_, err = s.Subscribe(ctx, "addItem", Args{"text": "x"})
	require.ErrorAs(t, err, &verr)

	_, err = s.Mutate(ctx, "items", nil)
	require.ErrorAs(t, err, &verr)

	_, err = s.Mutate(ctx, "setItem", Args{"done": true})
	require.ErrorAs(t, err, &verr)

	var unknown *UnknownOperationError
	_, err = s.Subscribe(ctx, "nope", nil)
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nope", unknown.Name)

	require.Zero(t, b.totalCalls())
	require.Empty(t, s.Keys())
}

func TestResultOvertakenByMutationIsRefetched(t *testing.T) {
	b := newFakeBackend()
	release := b.hold("items")
	log := &transitionLog{}
	s := newTestStore(t, b, func(o *Options) { o.OnTransition = log.record })

	list := subscribe(t, s, "items", nil)
	// The first response (empty) is computed before the mutation lands.
	waitStarted(t, b, "items")
	if _, err := s.Mutate(context.Background(), "addItem", Args{"text": "bread"}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	release()

	snap := await(t, list)
	if diff := cmp.Diff([]testItem{{ID: "1", Text: "bread"}}, snap.Data); diff != "" {
		t.Fatalf("Read after mutation returned outdated data (-want +got):\n%s", diff)
	}
	if got := s.Stats().Discarded; got != 1 {
		t.Fatalf("Expected 1 discarded result, got %d", got)
	}
	want := []string{">pending", "pending>pending", "pending>fulfilled"}
	if diff := cmp.Diff(want, log.forKey(list.Key())); diff != "" {
		t.Fatalf("Unexpected transitions (-want +got):\n%s", diff)
	}
}

func TestInvalidateRestartsPendingFetch(t *testing.T) {
	b := newFakeBackend()
	release := b.hold("items")
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	waitStarted(t, b, "items")
	s.Invalidate(list.Key())
	release()

	await(t, list)
	if got := b.callCount("items"); got != 2 {
		t.Fatalf("Expected restarted fetch, got %d calls", got)
	}
	eventually(t, "superseded result discarded", func() bool { return s.Stats().Discarded == 1 })
}

func TestTransitionsFollowStateMachine(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1"})
	log := &transitionLog{}
	var reported []error
	var mu sync.Mutex
	s := newTestStore(t, b, func(o *Options) {
		o.OnTransition = log.record
		o.OnError = func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}
	})

	list := subscribe(t, s, "items", nil)
	item := subscribe(t, s, "item", Args{"id": "1"})
	await(t, list)
	await(t, item)
	if _, err := s.Mutate(context.Background(), "setItem", Args{"id": "1", "done": true}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	await(t, list)
	await(t, item)
	s.InvalidateAll()
	await(t, list)
	list.Unsubscribe()
	item.Unsubscribe()

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, tr := range log.all {
		if !isAllowedTransition(tr.From, tr.To) {
			t.Fatalf("Disallowed transition recorded: %+v", tr)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 0 {
		t.Fatalf("Unexpected errors: %v", reported)
	}
}

func TestCloseDetachesSubscriptions(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(t, b, nil)

	list := subscribe(t, s, "items", nil)
	await(t, list)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	for range list.Updates() {
	}
	if _, err := s.Subscribe(context.Background(), "items", nil); !errors.Is(err, ErrCacheClosed) {
		t.Fatalf("Expected ErrCacheClosed, got %v", err)
	}
	if _, err := s.Mutate(context.Background(), "addItem", Args{"text": "x"}); !errors.Is(err, ErrCacheClosed) {
		t.Fatalf("Expected ErrCacheClosed, got %v", err)
	}
	list.Unsubscribe()
}

func TestRefetchUnknownKey(t *testing.T) {
	s := newTestStore(t, newFakeBackend(), nil)
	if err := s.Refetch("items({})"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("Expected ErrNotCached, got %v", err)
	}
}

func TestMaxConcurrentFetchesBoundsTransport(t *testing.T) {
	b := newFakeBackend(testItem{ID: "1"}, testItem{ID: "2"}, testItem{ID: "3"})
	release := b.hold("item")
	s := newTestStore(t, b, func(o *Options) { o.MaxConcurrentFetches = 1 })

	subs := []*Subscription{
		subscribe(t, s, "item", Args{"id": "1"}),
		subscribe(t, s, "item", Args{"id": "2"}),
		subscribe(t, s, "item", Args{"id": "3"}),
	}
	waitStarted(t, b, "item")
	time.Sleep(20 * time.Millisecond)
	if got := b.callCount("item"); got != 1 {
		t.Fatalf("Expected 1 call in flight, got %d", got)
	}
	release()
	for _, sub := range subs {
		await(t, sub)
	}
	if got := b.callCount("item"); got != 3 {
		t.Fatalf("Expected 3 calls, got %d", got)
	}
}

func TestOnErrorMayCallBackIntoStore(t *testing.T) {
	b := newFakeBackend()
	b.setFailure("items", &TransportError{Kind: ServerError, Detail: "boom", Status: 500})
	stats := make(chan Stats, 1)
	var s *Store
	s = newTestStore(t, b, func(o *Options) {
		o.OnError = func(error) {
			select {
			case stats <- s.Stats():
			default:
			}
		}
	})

	list := subscribe(t, s, "items", nil)
	select {
	case got := <-stats:
		if got.Errors != 1 || got.Entries != 1 {
			t.Fatalf("Unexpected stats from OnError: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError did not complete; the store lock was still held")
	}

	if _, ok := s.Snapshot(list.Key()); !ok {
		t.Fatal("Store should stay usable after OnError returned")
	}
}

// orderedSync records whether a callback was registered before Subscribe and
// delivers an event as soon as the subscription is confirmed.
type orderedSync struct {
	mu        sync.Mutex
	callbacks []func(InvalidationEvent)
	early     bool
}

func (o *orderedSync) Subscribe(ctx context.Context) error {
	o.mu.Lock()
	callbacks := append([]func(InvalidationEvent){}, o.callbacks...)
	o.early = len(callbacks) > 0
	o.mu.Unlock()
	for _, cb := range callbacks {
		cb(InvalidationEvent{Sender: "other", Action: ActionInvalidateTags, Tags: []Tag{types.WildcardTag("Item")}})
	}
	return nil
}

func (o *orderedSync) Publish(ctx context.Context, event InvalidationEvent) error { return nil }

func (o *orderedSync) OnInvalidate(cb func(InvalidationEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

func (o *orderedSync) Close() error { return nil }

func TestSyncCallbackRegisteredBeforeSubscribe(t *testing.T) {
	syncer := &orderedSync{}
	newTestStore(t, newFakeBackend(), func(o *Options) {
		o.InstanceID = "self"
		o.Synchronizer = syncer
	})

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if !syncer.early {
		t.Fatal("Events arriving right after the subscription is confirmed would be lost")
	}
}
