// Package engine executes workflow DAGs: a registry maps node types to
// handlers, the runner walks one execution's graph, and the scheduler
// feeds pending executions to a worker pool.
package engine

import (
	"context"
	"strings"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// HandlerInput is the handler's view of one node invocation. Context is
// read-only from the handler's perspective; mutations happen through the
// returned output that the runner merges.
type HandlerInput struct {
	Node      workflow.Node
	Context   map[string]any
	Execution *execution.Execution
	Step      *execution.Step
}

// Handler executes one node type.
type Handler interface {
	Run(ctx context.Context, in HandlerInput) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in HandlerInput) (map[string]any, error)

func (f HandlerFunc) Run(ctx context.Context, in HandlerInput) (map[string]any, error) {
	return f(ctx, in)
}

// Registry resolves node types to handlers. Exact names win over prefix
// registrations; prefixes serve families like ai_* and connector_*.
type Registry struct {
	exact    map[string]Handler
	prefixes map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]Handler),
		prefixes: make(map[string]Handler),
	}
}

// Register binds a handler to an exact node type.
func (r *Registry) Register(nodeType string, h Handler) {
	r.exact[nodeType] = h
}

// RegisterPrefix binds a handler to every node type sharing a prefix.
func (r *Registry) RegisterPrefix(prefix string, h Handler) {
	r.prefixes[prefix] = h
}

// Resolve returns the handler for a node type.
func (r *Registry) Resolve(nodeType string) (Handler, error) {
	if h, ok := r.exact[nodeType]; ok {
		return h, nil
	}
	for prefix, h := range r.prefixes {
		if strings.HasPrefix(nodeType, prefix) {
			return h, nil
		}
	}
	return nil, apperr.Validation("no handler registered for node type %q", nodeType)
}
