package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type transientErr struct{}

func (transientErr) Error() string { return "transient" }

func alwaysTransient(err error) bool {
	var t transientErr
	return errors.As(err, &t)
}

func TestCallSucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := Call(context.Background(), nil, DefaultMaxAttempts, time.Millisecond, alwaysTransient, "op", func(timeout time.Duration) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || result != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", result, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var timeouts []time.Duration
	result, err := Call(context.Background(), nil, DefaultMaxAttempts, time.Millisecond, alwaysTransient, "op", func(timeout time.Duration) (int, error) {
		calls++
		timeouts = append(timeouts, timeout)
		if calls < 3 {
			return 0, transientErr{}
		}
		return 7, nil
	})
	if err != nil || result != 7 {
		t.Fatalf("got (%d, %v), want (7, nil)", result, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	for i, w := range want {
		if timeouts[i] != w {
			t.Errorf("timeout[%d] = %v, want %v", i, timeouts[i], w)
		}
	}
}

func TestCallExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Call(context.Background(), nil, DefaultMaxAttempts, time.Millisecond, alwaysTransient, "op", func(timeout time.Duration) (int, error) {
		calls++
		return 0, transientErr{}
	})
	if calls != DefaultMaxAttempts {
		t.Errorf("expected %d calls, got %d", DefaultMaxAttempts, calls)
	}
	if !errors.As(err, new(transientErr)) {
		t.Errorf("expected transientErr, got %v", err)
	}
}

func TestCallNonTransientStopsImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	_, err := Call(context.Background(), nil, DefaultMaxAttempts, time.Millisecond, alwaysTransient, "op", func(timeout time.Duration) (int, error) {
		calls++
		return 0, permanent
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestCallRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Call(ctx, nil, DefaultMaxAttempts, time.Millisecond, alwaysTransient, "op", func(timeout time.Duration) (int, error) {
		t.Fatal("fn should not be called after cancellation")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
