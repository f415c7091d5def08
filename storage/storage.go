// Package storage holds the todo server's backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/huykn/querycache/todo"
)

// ErrNotFound is returned when no todo has the requested ID.
var ErrNotFound = errors.New("todo not found")

// Store persists todos for the todo server. IDs are assigned by the store
// as increasing decimal strings starting at "1".
type Store interface {
	List(ctx context.Context) ([]todo.Todo, error)
	Get(ctx context.Context, id string) (todo.Todo, error)
	Add(ctx context.Context, text string) (todo.Todo, error)
	Update(ctx context.Context, id string, patch todo.Patch) (todo.Todo, error)
	Close() error
}

// Clock returns the current time. Stores use it to stamp CreatedAt.
type Clock func() time.Time

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func applyPatch(t todo.Todo, patch todo.Patch) todo.Todo {
	if patch.Text != nil {
		t.Text = *patch.Text
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	return t
}
