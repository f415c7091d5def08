package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/huykn/querycache/types"
)

type testItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// fakeBackend answers the test operations from memory. The response is
// computed when a call starts; a hold delays its return.
type fakeBackend struct {
	mu      sync.Mutex
	items   []testItem
	calls   map[string]int
	fail    map[string]error
	holds   map[string]chan struct{}
	started chan string
}

func newFakeBackend(items ...testItem) *fakeBackend {
	return &fakeBackend{
		items:   items,
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		holds:   make(map[string]chan struct{}),
		started: make(chan string, 128),
	}
}

// hold makes calls to name block until the returned release is called.
func (b *fakeBackend) hold(name string) func() {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[name] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (b *fakeBackend) setFailure(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, name)
		return
	}
	b.fail[name] = err
}

func (b *fakeBackend) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) totalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func (b *fakeBackend) Execute(ctx context.Context, op *Operation, args Args) (json.RawMessage, error) {
	b.mu.Lock()
	b.calls[op.Name]++
	hold := b.holds[op.Name]
	failure := b.fail[op.Name]
	var payload map[string]any
	if failure == nil {
		payload, failure = b.applyLocked(op.Name, args)
	}
	b.mu.Unlock()

	select {
	case b.started <- op.Name:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, &TransportError{Kind: Network, Detail: "request canceled", Err: ctx.Err()}
		}
	}
	if failure != nil {
		return nil, failure
	}
	data, err := json.Marshal(payload)
	return data, err
}

func (b *fakeBackend) applyLocked(name string, args Args) (map[string]any, error) {
	id, _ := args["id"].(string)
	switch name {
	case "items":
		return map[string]any{"items": append([]testItem{}, b.items...)}, nil
	case "item":
		for _, it := range b.items {
			if it.ID == id {
				return map[string]any{"item": it}, nil
			}
		}
	case "addItem":
		text, _ := args["text"].(string)
		it := testItem{ID: strconv.Itoa(len(b.items) + 1), Text: text}
		b.items = append(b.items, it)
		return map[string]any{"addItem": it}, nil
	case "setItem":
		done, _ := args["done"].(bool)
		for i := range b.items {
			if b.items[i].ID == id {
				b.items[i].Done = done
				return map[string]any{"setItem": b.items[i]}, nil
			}
		}
	}
	return nil, &TransportError{Kind: ServerError, Detail: name + ": not found"}
}

func itemTags(result any) []Tag {
	it := result.(testItem)
	return []Tag{types.WildcardTag("Item"), types.TagOf("Item", it.ID)}
}

func requireID(args Args) error {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return &ValidationError{Operation: "item", Field: "id", Reason: "must be a non-empty string"}
	}
	return nil
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(
		Operation{
			Name:    "items",
			Kind:    KindQuery,
			Extract: ExtractField[[]testItem]("items"),
			Provides: func(result any) []Tag {
				tags := []Tag{types.WildcardTag("Item")}
				for _, it := range result.([]testItem) {
					tags = append(tags, types.TagOf("Item", it.ID))
				}
				return tags
			},
		},
		Operation{
			Name:     "item",
			Kind:     KindQuery,
			Validate: requireID,
			Extract:  ExtractField[testItem]("item"),
			Provides: itemTags,
		},
		Operation{
			Name:        "addItem",
			Kind:        KindMutation,
			Extract:     ExtractField[testItem]("addItem"),
			Invalidates: itemTags,
		},
		Operation{
			Name:        "setItem",
			Kind:        KindMutation,
			Validate:    requireID,
			Extract:     ExtractField[testItem]("setItem"),
			Invalidates: itemTags,
		},
	)
	return r
}

func newTestStore(t *testing.T, b *fakeBackend, configure func(*Options)) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.Registry = testRegistry()
	opts.Transport = b
	opts.FetchTimeout = 5 * time.Second
	if configure != nil {
		configure(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func subscribe(t *testing.T, s *Store, name string, args Args) *Subscription {
	t.Helper()
	sub, err := s.Subscribe(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Subscribe %s failed: %v", name, err)
	}
	return sub
}

func await(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := sub.Await(ctx)
	if err != nil {
		t.Fatalf("Await %s failed: %v", sub.Key(), err)
	}
	return snap
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitStarted(t *testing.T, b *fakeBackend, name string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-b.started:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s to reach the transport", name)
		}
	}
}

// transitionLog records transitions reported through Options.OnTransition.
type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) record(tr Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, tr)
}

func (l *transitionLog) forKey(key string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, tr := range l.all {
		if tr.Key == key {
			out = append(out, string(tr.From)+">"+string(tr.To))
		}
	}
	return out
}
