package todo

import (
	"context"
	"fmt"
	"slices"

	"github.com/huykn/querycache/cache"
)

// Client is the UI-facing surface: typed reads backed by the cache and
// writes that invalidate it.
type Client struct {
	store *cache.Store
}

// NewClient wraps store. The store's registry must hold Operations().
func NewClient(store *cache.Store) *Client {
	return &Client{store: store}
}

// Store returns the underlying cache.
func (c *Client) Store() *cache.Store {
	return c.store
}

// SubscribeTodoList subscribes to the full todo list.
func (c *Client) SubscribeTodoList(ctx context.Context) (*Subscription[[]Todo], error) {
	sub, err := c.store.Subscribe(ctx, OpGetTodoList, nil)
	if err != nil {
		return nil, err
	}
	return &Subscription[[]Todo]{sub: sub}, nil
}

// SubscribeTodo subscribes to one todo.
func (c *Client) SubscribeTodo(ctx context.Context, id string) (*Subscription[Todo], error) {
	sub, err := c.store.Subscribe(ctx, OpGetTodo, cache.Args{"id": id})
	if err != nil {
		return nil, err
	}
	return &Subscription[Todo]{sub: sub}, nil
}

// AddTodo creates an open todo.
func (c *Client) AddTodo(ctx context.Context, text string) (Todo, error) {
	return c.mutate(ctx, OpAddTodo, cache.Args{"text": text})
}

// UpdateTodo applies patch to the todo with id.
func (c *Client) UpdateTodo(ctx context.Context, id string, patch Patch) (Todo, error) {
	args := cache.Args{"id": id}
	if patch.Text != nil {
		args["text"] = *patch.Text
	}
	if patch.Status != nil {
		args["status"] = string(*patch.Status)
	}
	return c.mutate(ctx, OpUpdateTodo, args)
}

// ToggleTodo flips the status of t.
func (c *Client) ToggleTodo(ctx context.Context, t Todo) (Todo, error) {
	next := t.Status.Toggled()
	return c.UpdateTodo(ctx, t.ID, Patch{Status: &next})
}

func (c *Client) mutate(ctx context.Context, name string, args cache.Args) (Todo, error) {
	result, err := c.store.Mutate(ctx, name, args)
	if err != nil {
		return Todo{}, err
	}
	t, ok := result.(Todo)
	if !ok {
		return Todo{}, fmt.Errorf("%s: unexpected result type %T", name, result)
	}
	return t, nil
}

// State is a typed view of a cache snapshot.
type State[T any] struct {
	Status cache.Status
	// Data is the subscriber's own copy; changing it leaves the cache intact.
	Data    T
	HasData bool
	Err     error
}

// Loading reports whether no result has arrived yet.
func (s State[T]) Loading() bool {
	return !s.HasData && s.Err == nil
}

// Subscription is a typed cache subscription.
type Subscription[T any] struct {
	sub *cache.Subscription
}

// Key returns the cache key.
func (s *Subscription[T]) Key() string {
	return s.sub.Key()
}

// Current returns the state now.
func (s *Subscription[T]) Current() State[T] {
	return stateOf[T](s.sub.Current())
}

// Await waits for the current fetch to settle.
func (s *Subscription[T]) Await(ctx context.Context) (T, error) {
	snap, err := s.sub.Await(ctx)
	return stateOf[T](snap).Data, err
}

// Next waits for the next state change. It returns cache.ErrSubscriptionClosed
// once the subscription is closed.
func (s *Subscription[T]) Next(ctx context.Context) (State[T], error) {
	select {
	case snap, ok := <-s.sub.Updates():
		if !ok {
			return State[T]{}, cache.ErrSubscriptionClosed
		}
		return stateOf[T](snap), nil
	case <-ctx.Done():
		return State[T]{}, ctx.Err()
	}
}

// Refetch asks for fresh data.
func (s *Subscription[T]) Refetch() error {
	return s.sub.Refetch()
}

// Unsubscribe releases the subscription.
func (s *Subscription[T]) Unsubscribe() {
	s.sub.Unsubscribe()
}

func stateOf[T any](snap cache.Snapshot) State[T] {
	st := State[T]{Status: snap.Status, HasData: snap.HasData, Err: snap.Err}
	if data, ok := snap.Data.(T); ok {
		st.Data = data
	}
	// The cached list is shared by every subscriber of the entry.
	if list, ok := any(st.Data).([]Todo); ok {
		st.Data = any(slices.Clone(list)).(T)
	}
	return st
}
