// Package todo is the todo client: the four todo operations, their tag rules
// and a typed API over the query cache.
package todo

import (
	"time"
)

// Status is the completion state of a todo.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Toggled returns the opposite status.
func (s Status) Toggled() Status {
	if s == StatusClosed {
		return StatusOpen
	}
	return StatusClosed
}

// Todo is one task as the endpoint returns it.
type Todo struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Patch lists the fields of an update. Nil fields are left unchanged.
type Patch struct {
	Text   *string
	Status *Status
}

// Partition splits list into open and closed todos, keeping order.
func Partition(list []Todo) (open, closed []Todo) {
	open = make([]Todo, 0, len(list))
	closed = make([]Todo, 0, len(list))
	for _, t := range list {
		if t.Status == StatusClosed {
			closed = append(closed, t)
		} else {
			open = append(open, t)
		}
	}
	return open, closed
}
