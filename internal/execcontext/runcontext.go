package execcontext

import (
	"context"
	"io"
)

// RunContext carries a caller's context and output streams through
// command implementations. Commands print through it instead of touching
// os.Stdout directly, so tests can capture what a command writes.
type RunContext struct {
	Context context.Context
	StdOut  io.Writer
	StdErr  io.Writer
}

// Write sends p to StdOut, letting a RunContext stand in for an
// io.Writer in print helpers.
func (rc RunContext) Write(p []byte) (int, error) {
	return rc.StdOut.Write(p)
}
