package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/huykn/querycache/document"
)

// Kind distinguishes reads from writes.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Args are the input variables of one operation call.
type Args map[string]any

// Operation is the static descriptor of a named query or mutation.
// It is defined once at startup and never modified after registration.
type Operation struct {
	Name string
	Kind Kind

	// Document is the operation text sent to the endpoint.
	Document string

	// Validate rejects malformed args before any transport call. Optional.
	Validate func(args Args) error

	// Extract maps the raw response data object to the typed result.
	Extract func(data json.RawMessage) (any, error)

	// Provides lists the tags a query result depends on.
	Provides func(result any) []Tag

	// Invalidates lists the tags a mutation result affects.
	Invalidates func(result any) []Tag
}

// Registry holds the operations known to a store.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds op. It fails with *DuplicateOperationError when the name is
// taken and with *ValidationError when op is incomplete or its document does
// not match its kind and name.
func (r *Registry) Register(op Operation) error {
	if err := checkOperation(&op); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name]; exists {
		return &DuplicateOperationError{Name: op.Name}
	}
	r.ops[op.Name] = &op
	return nil
}

// MustRegister registers ops and panics on the first failure.
func (r *Registry) MustRegister(ops ...Operation) {
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the operation registered under name.
func (r *Registry) Resolve(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return nil, &UnknownOperationError{Name: name}
	}
	return op, nil
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkOperation(op *Operation) error {
	invalid := func(reason string) error {
		return &ValidationError{Operation: op.Name, Reason: reason}
	}
	if op.Name == "" {
		return invalid("operation name required")
	}
	if op.Extract == nil {
		return invalid("extract function required")
	}
	switch op.Kind {
	case KindQuery:
		if op.Provides == nil {
			return invalid("query requires a provides rule")
		}
	case KindMutation:
		if op.Invalidates == nil {
			return invalid("mutation requires an invalidates rule")
		}
	default:
		return invalid(fmt.Sprintf("unknown kind %q", op.Kind))
	}
	if op.Document == "" {
		return nil
	}
	doc, err := document.Parse(op.Document)
	if err != nil {
		return invalid(err.Error())
	}
	if doc.Kind() != string(op.Kind) {
		return invalid(fmt.Sprintf("document is a %s, descriptor says %s", doc.Kind(), op.Kind))
	}
	if root := doc.RootField().Name; root != op.Name {
		return invalid(fmt.Sprintf("document root field %q does not match operation name", root))
	}
	return nil
}

// ExtractField returns an Extract function decoding data[field] into T.
func ExtractField[T any](field string) func(json.RawMessage) (any, error) {
	return func(data json.RawMessage) (any, error) {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, &TransportError{Kind: DecodeError, Detail: "data is not an object", Err: err}
		}
		raw, ok := envelope[field]
		if !ok || string(raw) == "null" {
			return nil, &TransportError{Kind: DecodeError, Detail: fmt.Sprintf("data.%s missing", field)}
		}
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &TransportError{Kind: DecodeError, Detail: fmt.Sprintf("data.%s: %v", field, err), Err: err}
		}
		return out, nil
	}
}
