// Package executor defines the pluggable step backends and the registry the
// orchestrator dispatches through.
package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskpilot/pkg/task"
)

// Result is the outcome of one step.
type Result struct {
	Success  bool          `json:"success"`
	Output   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor performs one category of step. With dryRun set it must have no
// side effects and describe what it would do instead.
type Executor interface {
	Execute(ctx context.Context, step task.Step, dryRun bool) (Result, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, step task.Step, dryRun bool) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, step task.Step, dryRun bool) (Result, error) {
	return f(ctx, step, dryRun)
}

// Registry maps tool names to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for name.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	r.executors[name] = e
	r.mu.Unlock()
}

// Get returns the executor registered for name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

type invocationKey struct{}

// Invocation identifies the task and principal a step runs for.
type Invocation struct {
	TaskID string
	UserID string
}

// WithInvocation attaches inv to ctx for executors and wrappers that record it.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the Invocation attached to ctx, if any.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}
