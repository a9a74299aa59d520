package proc

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), "sh", "-c", "exit 4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", res.ExitCode)
	}
}

func TestRunMissingTool(t *testing.T) {
	r := NewRunner()
	if _, err := r.Run(context.Background(), "definitely-not-a-real-tool-xyz"); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestRunHonorsContext(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _ = r.Run(ctx, "sleep", "30")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run ignored context cancellation, took %v", elapsed)
	}
}

func TestOutputJoinsStreams(t *testing.T) {
	res := Result{Stdout: "a\n", Stderr: "b\n"}
	out := res.Output()
	if !strings.Contains(out, "a") || !strings.Contains(out, "b") {
		t.Errorf("Output = %q", out)
	}
}
