package automation

import (
	"context"
	"fmt"
	"sync"
)

// ActionHandler carries out one action type. Handlers are supplied by the
// embedding process (chat client, persistence layer, HTTP client); the
// engine only defines the contract and the retry wrapper around it.
//
// Handle reports success via its bool return; returning an error (or false)
// makes the attempt count as failed and eligible for retry. Handlers own
// their I/O timeouts; the engine enforces retry counts, not wall clocks.
type ActionHandler interface {
	Handle(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error)
}

// ActionHandlerFunc adapts a function to the ActionHandler interface.
type ActionHandlerFunc func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error)

// Handle calls f.
func (f ActionHandlerFunc) Handle(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
	return f(ctx, params, ectx)
}

// HandlerRegistry maps action types to their handlers. Registration happens
// at startup; lookups at rule-commit time (validation) and execution time.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[ActionType]ActionHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[ActionType]ActionHandler)}
}

// Register binds a handler to an action type, replacing any previous
// binding.
func (r *HandlerRegistry) Register(actionType ActionType, handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = handler
}

// Has reports whether a handler is registered for the action type.
func (r *HandlerRegistry) Has(actionType ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[actionType]
	return ok
}

// Types returns all registered action types.
func (r *HandlerRegistry) Types() []ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch routes one action attempt to its handler. Unknown action types
// are rejected at commit time, so hitting one here means the registry
// changed underneath a committed rule.
func (r *HandlerRegistry) Dispatch(ctx context.Context, actionType ActionType, params map[string]any, ectx *ExecutionContext) (bool, error) {
	r.mu.RLock()
	handler, ok := r.handlers[actionType]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no handler registered for action type %q", actionType)
	}
	return handler.Handle(ctx, params, ectx)
}
