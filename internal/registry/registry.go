// Package registry maps capability names to agent handlers. The registry is
// an explicit constructed object handed to the worker at startup, never a
// package-level singleton, so tests can substitute fake handlers.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

// Result is what a handler returns on success. Output is opaque to the core;
// Detail, when set, is carried into the completed audit event.
type Result struct {
	Output json.RawMessage
	Detail string
}

// Handler executes one class of task. Payload validation is the handler's
// responsibility; the core passes it through untouched.
type Handler interface {
	Description() string
	Handle(ctx context.Context, t store.Task) (Result, error)
}

// HandlerFunc adapts a function to Handler with an empty description.
type HandlerFunc func(ctx context.Context, t store.Task) (Result, error)

func (f HandlerFunc) Description() string { return "" }

func (f HandlerFunc) Handle(ctx context.Context, t store.Task) (Result, error) {
	return f(ctx, t)
}

// Registry holds registered handlers by capability name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h. Later registrations for the same name overwrite
// earlier ones; registration happens once at process start.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for name, or false when none is registered.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns the registered capabilities sorted by name.
func (r *Registry) List() []models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentInfo, 0, len(r.handlers))
	for name, h := range r.handlers {
		out = append(out, models.AgentInfo{Name: name, Description: h.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
