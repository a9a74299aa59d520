package proc

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

type flakyRunner struct {
	failures int
	calls    int
	err      error
}

func (f *flakyRunner) Run(context.Context, ...string) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, f.err
	}
	return Result{Stdout: "ok"}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2.0}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	inner := &flakyRunner{failures: 2, err: errors.New("fork: resource temporarily unavailable")}
	r := NewRetryingRunner(inner, fastRetry())

	res, err := r.Run(context.Background(), "sacct")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	inner := &flakyRunner{failures: 100, err: errors.New("transient")}
	r := NewRetryingRunner(inner, fastRetry())

	if _, err := r.Run(context.Background(), "sacct"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 4 {
		t.Errorf("calls = %d, want 4", inner.calls)
	}
}

func TestRetryMissingToolIsPermanent(t *testing.T) {
	inner := &flakyRunner{failures: 100, err: exec.ErrNotFound}
	r := NewRetryingRunner(inner, fastRetry())

	if _, err := r.Run(context.Background(), "sbatch"); !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryNonZeroExitIsAResult(t *testing.T) {
	inner := &flakyRunner{failures: 0}
	r := NewRetryingRunner(inner, fastRetry())
	if _, err := r.Run(context.Background(), "qstat"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}
