package todo

import (
	"fmt"
	"strings"

	"github.com/huykn/querycache/cache"
	"github.com/huykn/querycache/types"
)

// Operation names.
const (
	OpGetTodoList = "getTodoList"
	OpGetTodo     = "getTodo"
	OpAddTodo     = "addTodo"
	OpUpdateTodo  = "updateTodo"
)

// TagType is the tag type every todo operation provides or invalidates.
const TagType = "Todo"

// Fields is the selection set requested for every todo.
const Fields = "createdAt id status text"

var (
	getTodoListDocument = `query Query { getTodoList { ` + Fields + ` } }`
	getTodoDocument     = `query Query($id: String!) { getTodo(id: $id) { ` + Fields + ` } }`
	addTodoDocument     = `mutation Mutation($text: String!) { addTodo(text: $text) { ` + Fields + ` } }`
	updateTodoDocument  = `mutation UpdateTodo($id: String!, $text: String, $status: TodoStatus) {
  updateTodo(id: $id, text: $text, status: $status) { ` + Fields + ` }
}`
)

// tagRules is the provide/invalidate table, keyed by operation name.
var tagRules = map[string]func(result any) []cache.Tag{
	OpGetTodoList: func(result any) []cache.Tag {
		list := result.([]Todo)
		tags := make([]cache.Tag, 0, len(list)+1)
		tags = append(tags, types.WildcardTag(TagType))
		for _, t := range list {
			tags = append(tags, types.TagOf(TagType, t.ID))
		}
		return tags
	},
	OpGetTodo:    singleTodoTags,
	OpAddTodo:    singleTodoTags,
	OpUpdateTodo: singleTodoTags,
}

func singleTodoTags(result any) []cache.Tag {
	t := result.(Todo)
	return []cache.Tag{types.WildcardTag(TagType), types.TagOf(TagType, t.ID)}
}

// Operations returns the descriptors of the four todo operations.
func Operations() []cache.Operation {
	return []cache.Operation{
		{
			Name:     OpGetTodoList,
			Kind:     cache.KindQuery,
			Document: getTodoListDocument,
			Extract:  cache.ExtractField[[]Todo](OpGetTodoList),
			Provides: tagRules[OpGetTodoList],
		},
		{
			Name:     OpGetTodo,
			Kind:     cache.KindQuery,
			Document: getTodoDocument,
			Validate: validateGetTodo,
			Extract:  cache.ExtractField[Todo](OpGetTodo),
			Provides: tagRules[OpGetTodo],
		},
		{
			Name:        OpAddTodo,
			Kind:        cache.KindMutation,
			Document:    addTodoDocument,
			Validate:    validateAddTodo,
			Extract:     cache.ExtractField[Todo](OpAddTodo),
			Invalidates: tagRules[OpAddTodo],
		},
		{
			Name:        OpUpdateTodo,
			Kind:        cache.KindMutation,
			Document:    updateTodoDocument,
			Validate:    validateUpdateTodo,
			Extract:     cache.ExtractField[Todo](OpUpdateTodo),
			Invalidates: tagRules[OpUpdateTodo],
		},
	}
}

// NewRegistry returns a registry holding the todo operations.
func NewRegistry() *cache.Registry {
	r := cache.NewRegistry()
	r.MustRegister(Operations()...)
	return r
}

func validateGetTodo(args cache.Args) error {
	return requireString(OpGetTodo, args, "id")
}

func validateAddTodo(args cache.Args) error {
	return requireString(OpAddTodo, args, "text")
}

func validateUpdateTodo(args cache.Args) error {
	if err := requireString(OpUpdateTodo, args, "id"); err != nil {
		return err
	}
	_, hasText := args["text"]
	raw, hasStatus := args["status"]
	if !hasText && !hasStatus {
		return &cache.ValidationError{Operation: OpUpdateTodo, Reason: "nothing to update"}
	}
	if hasText {
		if err := requireString(OpUpdateTodo, args, "text"); err != nil {
			return err
		}
	}
	if hasStatus {
		var status Status
		switch v := raw.(type) {
		case Status:
			status = v
		case string:
			status = Status(v)
		}
		if !status.Valid() {
			return &cache.ValidationError{Operation: OpUpdateTodo, Field: "status", Reason: fmt.Sprintf("must be %s or %s", StatusOpen, StatusClosed)}
		}
	}
	return nil
}

func requireString(op string, args cache.Args, field string) error {
	v, ok := args[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return &cache.ValidationError{Operation: op, Field: field, Reason: "must be a non-empty string"}
	}
	return nil
}
