package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler serves one method. The returned value is encoded as the response.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Router dispatches requests to handlers by method name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous handler.
func (r *Router) Handle(method string, h Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
	return r
}

// HandleFunc registers a typed handler. The request payload is decoded
// into Req before fn runs.
func HandleFunc[Req, Resp any](r *Router, method string, fn func(ctx context.Context, req *Req) (Resp, error)) *Router {
	return r.Handle(method, func(ctx context.Context, data json.RawMessage) (any, error) {
		var req Req
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, Errorf(CodeBadRequest, "decode %s request: %v", method, err)
			}
		}
		return fn(ctx, &req)
	})
}

// Dispatch runs the handler registered for method.
func (r *Router) Dispatch(ctx context.Context, method string, data json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeUnknownMethod, "no handler for %q", method)
	}
	return h(ctx, data)
}

// Methods returns the registered method names, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
