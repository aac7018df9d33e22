// Package tools implements the function orchestrator and the built-in
// external content tools (web search, cafeteria menu, academic calendar,
// shuttle bus).
package tools

import (
	"context"
	"encoding/json"

	"github.com/hallabot/regubot/internal/domain"
)

// Func executes a tool with parsed arguments and returns string output.
// Implementations return errors for the orchestrator to encode; they
// never need to format user-facing error strings themselves.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered callable.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Fn          Func
}

// Registry holds the callable tools by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Later registrations with the same name win.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the provider-neutral tool specs in registration order.
func (r *Registry) Specs() []domain.ToolSpec {
	specs := make([]domain.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
