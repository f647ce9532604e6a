// Package worker implements the pull-based execution loop that leases
// ready steps from the hub, runs them against a pluggable StepRunner, and
// reports outcomes back through a durable local queue and batching
// drainer.
package worker

import (
	"context"
	"errors"

	"github.com/nevindra/pipeworks/core"
)

// ErrHandledExternally is returned by a StepRunner whose implementation
// reported the step's outcome directly to the hub, bypassing the worker's
// own transaction path. SubprocessRunner returns this on a successful
// child exit.
var ErrHandledExternally = errors.New("worker: step outcome was reported externally")

// StepRunner executes a step's body in-process. parentData holds the
// already-resolved output of every id in step.Parents, keyed by id. The
// worker inspects only Result.Status; Result.Data is persisted to the
// bucket under the step's id when Status is core.ResultSuccess.
type StepRunner interface {
	Run(ctx context.Context, step core.Step, parentData map[string][]byte) (core.Result, error)
}

// StepRunnerFunc adapts a plain function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step core.Step, parentData map[string][]byte) (core.Result, error)

// Run calls f.
func (f StepRunnerFunc) Run(ctx context.Context, step core.Step, parentData map[string][]byte) (core.Result, error) {
	return f(ctx, step, parentData)
}
