// Package transport sends cache operations to a single GraphQL endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/huykn/querycache/cache"
)

// maxResponseBytes bounds how much of a response body is buffered.
const maxResponseBytes = 8 << 20

// Options configures a GraphQL transport.
type Options struct {
	// Endpoint is the URL every request is POSTed to.
	Endpoint string

	// Timeout bounds each call. Zero means the caller's context decides.
	Timeout time.Duration

	// HTTPClient sends the requests. If nil, a client with no timeout is used.
	HTTPClient *http.Client

	// Header is added to every request.
	Header http.Header

	Logger    cache.Logger
	DebugMode bool
}

// GraphQL implements cache.Transport on top of go-graphql-client. It knows
// the request and response envelopes, nothing about operation semantics.
type GraphQL struct {
	client  *graphql.Client
	timeout time.Duration
	logger  cache.Logger
	debug   bool
}

// New creates a GraphQL transport for opts.Endpoint.
func New(opts Options) (*GraphQL, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint required: %w", cache.ErrInvalidConfig)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("transport: negative timeout: %w", cache.ErrInvalidConfig)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}

	doer := &recordingDoer{client: httpClient, header: opts.Header}
	return &GraphQL{
		client:  graphql.NewClient(opts.Endpoint, doer),
		timeout: opts.Timeout,
		logger:  logger,
		debug:   opts.DebugMode,
	}, nil
}

// Execute sends op.Document with args as variables and returns the raw data
// object. It makes exactly one request.
func (g *GraphQL) Execute(ctx context.Context, op *cache.Operation, args cache.Args) (json.RawMessage, error) {
	if op.Document == "" {
		return nil, &cache.ValidationError{Operation: op.Name, Reason: "operation has no document"}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	state := &callState{}
	ctx = context.WithValue(ctx, callStateKey{}, state)

	start := time.Now()
	data, err := g.client.ExecRaw(ctx, op.Document, map[string]any(args))
	if err != nil {
		terr := classify(state, err)
		if g.debug {
			g.logger.Warn("Transport: request failed", "operation", op.Name, "kind", terr.Kind, "status", terr.Status, "duration", time.Since(start))
		}
		return nil, terr
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, &cache.TransportError{Kind: cache.DecodeError, Detail: "response has no data", Status: state.status}
	}
	if g.debug {
		g.logger.Debug("Transport: request completed", "operation", op.Name, "status", state.status, "bytes", len(data), "duration", time.Since(start))
	}
	return json.RawMessage(trimmed), nil
}

type callStateKey struct{}

// callState is what the Doer saw of one request. The graphql client folds
// every failure into its own error list, so classification reads this
// instead.
type callState struct {
	status int
	body   []byte
	err    error
}

type recordingDoer struct {
	client *http.Client
	header http.Header
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	for name, values := range d.header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	state, _ := req.Context().Value(callStateKey{}).(*callState)

	resp, err := d.client.Do(req)
	if err != nil {
		if state != nil {
			state.err = err
		}
		return nil, err
	}
	if state == nil {
		return resp, nil
	}

	state.status = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		state.err = err
		return nil, err
	}
	state.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func classify(state *callState, err error) *cache.TransportError {
	if state.err != nil || state.status == 0 {
		cause := state.err
		if cause == nil {
			cause = err
		}
		return &cache.TransportError{Kind: cache.Network, Detail: cause.Error(), Err: cause}
	}
	if state.status < 200 || state.status > 299 {
		detail := http.StatusText(state.status)
		if msg, _ := errorMessages(state.body); msg != "" {
			detail += ": " + msg
		}
		return &cache.TransportError{Kind: cache.ServerError, Status: state.status, Detail: detail, Err: err}
	}

	msg, jerr := errorMessages(state.body)
	switch {
	case jerr != nil:
		return &cache.TransportError{Kind: cache.DecodeError, Status: state.status, Detail: "malformed response envelope", Err: errors.Join(jerr, err)}
	case msg != "":
		return &cache.TransportError{Kind: cache.ServerError, Status: state.status, Detail: msg, Err: err}
	default:
		return &cache.TransportError{Kind: cache.DecodeError, Status: state.status, Detail: err.Error(), Err: err}
	}
}

// errorMessages joins the messages of a GraphQL errors payload. It fails
// only when body is not a JSON object.
func errorMessages(body []byte) (string, error) {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", err
	}
	msgs := make([]string, 0, len(envelope.Errors))
	for _, e := range envelope.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; "), nil
}
