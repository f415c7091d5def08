// Package todoserver serves the todo GraphQL endpoint the client talks to.
// It understands exactly the four todo operations.
package todoserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/huykn/querycache/document"
	"github.com/huykn/querycache/storage"
	"github.com/huykn/querycache/todo"
)

const maxRequestBytes = 1 << 20

// Request is the POST body of one operation.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// ResponseError is one entry of a GraphQL errors payload.
type ResponseError struct {
	Message string `json:"message"`
}

// Response is the body returned for every well-formed request.
type Response struct {
	Data   map[string]any  `json:"data,omitempty"`
	Errors []ResponseError `json:"errors,omitempty"`
}

type resolver func(ctx context.Context, args map[string]any) (any, error)

// Server resolves todo operations against a storage.Store.
type Server struct {
	store     storage.Store
	logger    *slog.Logger
	resolvers map[string]resolver
	observer  Observer
}

// New creates a server backed by store. A nil logger discards logs.
func New(store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{store: store, logger: logger}
	s.resolvers = map[string]resolver{
		todo.OpGetTodoList: s.getTodoList,
		todo.OpGetTodo:     s.getTodo,
		todo.OpAddTodo:     s.addTodo,
		todo.OpUpdateTodo:  s.updateTodo,
	}
	return s
}

// Observer records served operations. *metrics.Recorder implements it.
type Observer interface {
	ObserveRequest(field string, statusCode int, duration time.Duration)
}

// WithObserver sets the request observer and returns s.
func (s *Server) WithObserver(o Observer) *Server {
	s.observer = o
	return s
}

// ServeHTTP handles POST / with a {query, variables} body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	field, status, body := s.handle(r)
	if s.observer != nil {
		s.observer.ObserveRequest(field, status, time.Since(start))
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handle(r *http.Request) (string, int, Response) {
	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return "", http.StatusBadRequest, errorResponse("malformed request body")
	}

	doc, err := document.Parse(req.Query)
	if err != nil {
		return "", http.StatusBadRequest, errorResponse(err.Error())
	}
	root := doc.RootField()
	resolve, ok := s.resolvers[root.Name]
	if !ok {
		return root.Name, http.StatusOK, errorResponse(fmt.Sprintf("unknown field %q", root.Name))
	}
	if want := kindOf(root.Name); doc.Kind() != want {
		return root.Name, http.StatusOK, errorResponse(fmt.Sprintf("%s is a %s", root.Name, want))
	}

	result, err := resolve(r.Context(), doc.Bind(req.Variables))
	if err != nil {
		s.logger.Warn("operation failed", slog.String("field", root.Name), slog.String("error", err.Error()))
		return root.Name, http.StatusOK, errorResponse(err.Error())
	}

	projected, err := project(result, doc.SelectedFields())
	if err != nil {
		s.logger.Error("encode result", slog.String("field", root.Name), slog.String("error", err.Error()))
		return root.Name, http.StatusInternalServerError, errorResponse("internal error")
	}
	s.logger.Debug("operation served", slog.String("field", root.Name), slog.String("kind", doc.Kind()))
	return root.Name, http.StatusOK, Response{Data: map[string]any{root.Name: projected}}
}

func errorResponse(message string) Response {
	return Response{Errors: []ResponseError{{Message: message}}}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response", slog.String("error", err.Error()))
	}
}

func kindOf(field string) string {
	switch field {
	case todo.OpAddTodo, todo.OpUpdateTodo:
		return "mutation"
	default:
		return "query"
	}
}

func (s *Server) getTodoList(ctx context.Context, _ map[string]any) (any, error) {
	return s.store.List(ctx)
}

func (s *Server) getTodo(ctx context.Context, args map[string]any) (any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	return t, notFound(id, err)
}

func (s *Server) addTodo(ctx context.Context, args map[string]any) (any, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}
	return s.store.Add(ctx, text)
}

func (s *Server) updateTodo(ctx context.Context, args map[string]any) (any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	var patch todo.Patch
	if args["text"] != nil {
		text, err := stringArg(args, "text")
		if err != nil {
			return nil, err
		}
		patch.Text = &text
	}
	if args["status"] != nil {
		raw, err := stringArg(args, "status")
		if err != nil {
			return nil, err
		}
		status := todo.Status(raw)
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", raw)
		}
		patch.Status = &status
	}
	t, err := s.store.Update(ctx, id, patch)
	return t, notFound(id, err)
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return v, nil
}

func notFound(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("todo %s not found", id)
	}
	return err
}

// project keeps only the selected fields of a todo or list of todos.
// An empty selection returns result unchanged.
func project(result any, fields []string) (any, error) {
	if len(fields) == 0 {
		return result, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	pick := func(obj map[string]any) map[string]any {
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			out[f] = obj[f]
		}
		return out
	}

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var list []map[string]any
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(list))
		for _, obj := range list {
			out = append(out, pick(obj))
		}
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return pick(obj), nil
}
