package types

import "strings"

// Wildcard is the tag ID that matches every ID of the same tag type.
const Wildcard = "*"

// Tag names a logical resource that cached query results depend on.
// Queries provide tags, mutations invalidate them.
type Tag struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TagOf returns the specific tag for one resource.
func TagOf(typ, id string) Tag {
	return Tag{Type: typ, ID: id}
}

// WildcardTag returns the tag matching every resource of typ.
func WildcardTag(typ string) Tag {
	return Tag{Type: typ, ID: Wildcard}
}

// IsWildcard reports whether t matches all IDs of its type.
func (t Tag) IsWildcard() bool {
	return t.ID == Wildcard
}

// Valid reports whether t can be stored in a tag index.
func (t Tag) Valid() bool {
	return strings.TrimSpace(t.Type) != "" && t.ID != ""
}

func (t Tag) String() string {
	return t.Type + ":" + t.ID
}

// Action identifies what an InvalidationEvent asks receivers to do.
type Action string

const (
	// InvalidateTags marks every entry providing one of Tags as stale.
	InvalidateTags Action = "invalidate_tags"
	// Reset drops every cached entry.
	Reset Action = "reset"
)

// InvalidationEvent represents a cache synchronization event exchanged between
// client instances sharing one backend.
type InvalidationEvent struct {
	Sender string `json:"sender"`
	Action Action `json:"action"`
	Tags   []Tag  `json:"tags,omitempty"`
	// Operation is the mutation that produced the event, for diagnostics.
	Operation string `json:"operation,omitempty"`
}
