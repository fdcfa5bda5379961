package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates workflow expressions against a variable environment.
// Compiled programs are cached by expression text; the cache is safe for
// concurrent use across runs.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an expression evaluator with an empty program cache
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (or reuses) the expression and runs it against env.
// Undefined variables evaluate to nil rather than failing compilation.
func (e *Evaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}

	output, err := expr.Run(program, e.runEnv(env))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return output, nil
}

// EvaluateBool evaluates the expression and coerces the result to a
// boolean. An empty expression is true (no condition means always run).
func (e *Evaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	output, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	return ToBool(output), nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// runEnv layers the helper functions under the caller's variables. Caller
// keys win so workflow variables can shadow helpers.
func (e *Evaluator) runEnv(env map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(env)+len(helperFunctions))
	for name, fn := range helperFunctions {
		merged[name] = fn
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}

// ClearCache removes all cached programs
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
