// Package dispatch routes JSON-RPC requests to registered method handlers.
// It implements the dispatcher seam both transports consume, so the
// connection machinery never needs to know which methods exist.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
)

// HandlerFunc handles a single JSON-RPC request or notification. For
// notifications the returned message is nil.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for dispatch events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry is a concurrency-safe method table. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// NewRegistry creates an empty method registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]HandlerFunc),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs fn as the handler for method, replacing any previous
// registration.
func (r *Registry) Register(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

// Methods returns the sorted set of registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes msg to its method handler. Unknown methods produce a
// JSON-RPC method-not-found response for requests and a silent drop for
// notifications; neither is a transport-level failure. A non-nil error
// means the handler itself failed.
func (r *Registry) Dispatch(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.Kind() == jsonrpc.KindResponse {
		return nil, fmt.Errorf("cannot dispatch a response message")
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   string(msg.Kind()),
	})

	r.mu.RLock()
	fn, ok := r.handlers[msg.Method]
	r.mu.RUnlock()

	if !ok {
		r.log.WarnContext(ctx, "dispatch.miss")
		if msg.Kind() == jsonrpc.KindNotification {
			return nil, nil
		}
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method), nil), nil
	}

	resp, err := fn(ctx, msg)
	if err != nil {
		r.log.ErrorContext(ctx, "dispatch.fail", slog.String("err", err.Error()))
		return nil, err
	}

	r.log.DebugContext(ctx, "dispatch.ok")
	return resp, nil
}
