package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nevindra/pipeworks/core"
)

// SubprocessRunner launches a step runner binary as a child process instead
// of running the step body in-process. The child is handed the step id and
// the hub/bucket endpoints via the environment and is expected to resolve
// its own parent inputs and report its outcome to the hub directly; Run
// therefore returns ErrHandledExternally on a clean exit so the worker does
// not also enqueue a transaction for it. A failure to spawn, a non-zero
// exit, or a timeout is reported as a normal error instead, since in those
// cases nothing else will have told the hub what happened.
type SubprocessRunner struct {
	Bin  string
	Args []string

	HubAddr    string
	BucketAddr string

	// EnvPassthrough copies the worker process's own environment into the
	// child in addition to the variables below. When false, the child gets
	// only a minimal PATH/HOME/LANG plus the pipeworks variables.
	EnvPassthrough bool
	Env            map[string]string

	// MaxStderr bounds how much of the child's stderr is captured for the
	// error transition if it exits non-zero.
	MaxStderr int
}

var _ StepRunner = (*SubprocessRunner)(nil)

const defaultMaxStderr = 64 * 1024

// Run starts the configured binary with STEP_ID set to step.ID.
func (r *SubprocessRunner) Run(ctx context.Context, step core.Step, parentData map[string][]byte) (core.Result, error) {
	cmd := exec.CommandContext(ctx, r.Bin, r.Args...)
	cmd.Env = r.buildEnv(step)

	max := r.MaxStderr
	if max <= 0 {
		max = defaultMaxStderr
	}
	var stderr strings.Builder
	cmd.Stderr = &stderrWriter{w: &stderr, max: max}

	err := cmd.Run()
	if err == nil {
		return core.Result{}, ErrHandledExternally
	}

	if ctx.Err() != nil {
		return core.Result{}, fmt.Errorf("%w: step %s", core.ErrTimeout, step.ID)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("subprocess exited with status %d", exitErr.ExitCode())
		}
		return core.Result{}, fmt.Errorf("worker: subprocess: %s", msg)
	}
	return core.Result{}, fmt.Errorf("worker: start subprocess: %w", err)
}

func (r *SubprocessRunner) buildEnv(step core.Step) []string {
	var env []string
	if r.EnvPassthrough {
		env = os.Environ()
	} else {
		env = []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
			"LANG=en_US.UTF-8",
		}
	}
	env = append(env, "STEP_ID="+step.ID)
	if r.HubAddr != "" {
		env = append(env, "PIPEWORKS_HUB_ADDR="+r.HubAddr)
	}
	if r.BucketAddr != "" {
		env = append(env, "PIPEWORKS_BUCKET_ADDR="+r.BucketAddr)
	}
	for k, v := range r.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// stderrWriter caps how much of a child's stderr is retained in memory.
type stderrWriter struct {
	w   *strings.Builder
	max int
}

func (sw *stderrWriter) Write(p []byte) (int, error) {
	if sw.w.Len() < sw.max {
		remaining := sw.max - sw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		sw.w.Write(p)
	}
	return len(p), nil
}
