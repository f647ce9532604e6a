package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/pipeworks/core"
)

func TestSubprocessRunnerSuccessIsHandledExternally(t *testing.T) {
	r := &SubprocessRunner{Bin: "sh", Args: []string{"-c", "exit 0"}}
	_, err := r.Run(context.Background(), core.Step{ID: "s1"}, nil)
	if !errors.Is(err, ErrHandledExternally) {
		t.Fatalf("err = %v, want ErrHandledExternally", err)
	}
}

func TestSubprocessRunnerNonZeroExitReportsStderr(t *testing.T) {
	r := &SubprocessRunner{Bin: "sh", Args: []string{"-c", "echo boom 1>&2; exit 3"}}
	_, err := r.Run(context.Background(), core.Step{ID: "s1"}, nil)
	if err == nil || errors.Is(err, ErrHandledExternally) {
		t.Fatalf("err = %v, want non-nil non-ErrHandledExternally", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want it to contain stderr output", err)
	}
}

func TestSubprocessRunnerTimeout(t *testing.T) {
	r := &SubprocessRunner{Bin: "sh", Args: []string{"-c", "sleep 2"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, core.Step{ID: "s1"}, nil)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want core.ErrTimeout", err)
	}
}

func TestSubprocessRunnerSetsStepIDEnv(t *testing.T) {
	r := &SubprocessRunner{Bin: "sh", Args: []string{"-c", `test "$STEP_ID" = "s42"`}}
	_, err := r.Run(context.Background(), core.Step{ID: "s42"}, nil)
	if !errors.Is(err, ErrHandledExternally) {
		t.Fatalf("err = %v, want ErrHandledExternally (STEP_ID was set correctly)", err)
	}
}
