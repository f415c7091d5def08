package storage

import (
	"context"
	"strconv"
	"sync"

	"github.com/huykn/querycache/todo"
)

// MemoryStore keeps todos in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	todos  []todo.Todo
	nextID int
	now    Clock
}

// NewMemoryStore creates an empty in-memory store. A nil clock uses the
// current UTC time.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = defaultClock
	}
	return &MemoryStore{nextID: 1, now: now}
}

// List returns every todo in creation order.
func (ms *MemoryStore) List(ctx context.Context) ([]todo.Todo, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]todo.Todo{}, ms.todos...), nil
}

// Get returns the todo with id.
func (ms *MemoryStore) Get(ctx context.Context, id string) (todo.Todo, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, t := range ms.todos {
		if t.ID == id {
			return t, nil
		}
	}
	return todo.Todo{}, ErrNotFound
}

// Add creates an open todo.
func (ms *MemoryStore) Add(ctx context.Context, text string) (todo.Todo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	t := todo.Todo{
		ID:        strconv.Itoa(ms.nextID),
		Text:      text,
		Status:    todo.StatusOpen,
		CreatedAt: ms.now(),
	}
	ms.nextID++
	ms.todos = append(ms.todos, t)
	return t, nil
}

// Update applies patch to the todo with id.
func (ms *MemoryStore) Update(ctx context.Context, id string, patch todo.Patch) (todo.Todo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i := range ms.todos {
		if ms.todos[i].ID == id {
			ms.todos[i] = applyPatch(ms.todos[i], patch)
			return ms.todos[i], nil
		}
	}
	return todo.Todo{}, ErrNotFound
}

// Close is a no-op.
func (ms *MemoryStore) Close() error {
	return nil
}
