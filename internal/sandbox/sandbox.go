// Package sandbox runs workflow script steps in an isolated interpreter
// process with a read-only snapshot of execution state.
package sandbox

import "context"

// Snapshot is the state handed to a script. Scripts see copies; mutating
// them never leaks back into the run.
type Snapshot struct {
	Variables map[string]interface{} `json:"variables"`
	Inputs    map[string]interface{} `json:"inputs"`
	Steps     map[string]interface{} `json:"steps"`
}

// Runner evaluates script code against a snapshot and returns its result
type Runner interface {
	Run(ctx context.Context, code string, snapshot *Snapshot) (interface{}, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, code string, snapshot *Snapshot) (interface{}, error)

func (f RunnerFunc) Run(ctx context.Context, code string, snapshot *Snapshot) (interface{}, error) {
	return f(ctx, code, snapshot)
}
