// Package tools holds the tool table offered to the model and dispatches the
// model's tool calls against a tenant's backend client.
//
// Tools are validated when they are registered, so a malformed schema or a
// missing executor is a startup error rather than a runtime surprise.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nous-labs/analyst/internal/llm"
	"github.com/nous-labs/analyst/pkg/analysis"
	"github.com/nous-labs/analyst/pkg/backend"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 4
)

// ErrInvalidTool is returned by Register for a malformed tool.
var ErrInvalidTool = errors.New("invalid tool")

// Env is what a tool executes against for one request.
type Env struct {
	Client   backend.Client
	Snapshot analysis.Snapshot
	// OnAuthFailure, when set, is called after a tool fails because the
	// platform rejected the tenant secret.
	OnAuthFailure func()
}

// RunFunc executes a tool. input has already been validated against the
// tool's schema. The returned value is JSON-encoded into the tool result.
type RunFunc func(ctx context.Context, env Env, input map[string]any) (any, error)

// Tool is a named capability offered to the model.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Timeout     time.Duration // 0 = registry default
	Run         RunFunc
}

type registered struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Options configures a Registry.
type Options struct {
	Timeout     time.Duration // per tool call
	Concurrency int           // calls of one batch run at most this many at a time
}

// Registry is the set of tools offered to the model.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]*registered
	order       []string
	timeout     time.Duration
	concurrency int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Registry{
		tools:       make(map[string]*registered),
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
	}
}

// Register validates t and adds it to the registry.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if t.Run == nil {
		return fmt.Errorf("%w: %s has no executor", ErrInvalidTool, t.Name)
	}
	if t.Schema == nil {
		t.Schema = &jsonschema.Schema{Type: "object"}
	}
	if t.Schema.Type != "object" {
		return fmt.Errorf("%w: %s schema type is %q, want object", ErrInvalidTool, t.Name, t.Schema.Type)
	}
	for _, req := range t.Schema.Required {
		if _, ok := t.Schema.Properties[req]; !ok {
			return fmt.Errorf("%w: %s requires undeclared property %q", ErrInvalidTool, t.Name, req)
		}
	}
	resolved, err := t.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("%w: %s schema: %v", ErrInvalidTool, t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("%w: duplicate name %s", ErrInvalidTool, t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, resolved: resolved}
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register for static tool tables.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Definitions returns the tool schema set in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}
