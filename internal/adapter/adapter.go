// Package adapter provides the action executor contract and the builtin
// adapters workflows invoke through `uses:` references.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// Request carries one resolved action invocation to an executor. With holds
// the step's parameters after template resolution.
type Request struct {
	RunID    string
	StepID   string
	Uses     string
	Action   string
	With     map[string]interface{}
	Tool     *ast.ToolBinding
	BasePath string
}

// Executor executes all actions of one adapter. Action selects the operation
// for adapters exposing several (e.g. "http.get" yields Action "get").
type Executor interface {
	Name() string
	Execute(ctx context.Context, req *Request) (interface{}, error)
}

// Registry resolves `uses:` references to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Builtin returns a registry with the builtin adapter set registered
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(NewLogExecutor())
	r.Register(NewHTTPExecutor())
	r.Register(NewShellExecutor())
	r.Register(NewTransformExecutor())
	r.Register(NewOpenAIExecutor())
	r.Register(NewAnthropicExecutor())
	return r
}

// Register registers an executor under its name
func (r *Registry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Name()] = executor
}

// Get returns the executor for an adapter name
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[name]
	return executor, ok
}

// Has reports whether a full uses reference resolves to a registered adapter
func (r *Registry) Has(uses string) bool {
	name, _ := SplitUses(uses)
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered adapter names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// Execute resolves the uses reference and runs the matching executor
func (r *Registry) Execute(ctx context.Context, req *Request) (interface{}, error) {
	name, action := SplitUses(req.Uses)
	executor, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown action %q: no adapter registered for %q", req.Uses, name)
	}

	req.Action = action
	return executor.Execute(ctx, req)
}

// SplitUses splits "adapter.action" into its adapter name and action suffix
func SplitUses(uses string) (name, action string) {
	if idx := strings.Index(uses, "."); idx >= 0 {
		return uses[:idx], uses[idx+1:]
	}
	return uses, ""
}
