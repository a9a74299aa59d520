// Package shell runs submission scripts as direct local processes. It is the
// degenerate scheduler: no queue, no native tools, and the baseline the other
// backends' lifecycle contract is checked against.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/script"
)

type Shell struct{}

func New() *Shell { return &Shell{} }

func (s *Shell) Name() string { return "shell" }

// Submit spawns `sh script` in its own process group and reaps it in the
// background. Output routing follows the context: equal output and error
// paths share one file.
func (s *Shell) Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*backend.Handle, error) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		return nil, fmt.Errorf("%w: sh not found on PATH", backend.ErrSubmissionFailed)
	}
	cmd := exec.Command(sh, scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr *os.File
	if sctx != nil && sctx.Output != "" {
		stdout, err = openStream(sctx.Output)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
		}
		cmd.Stdout = stdout
	}
	if sctx != nil && sctx.Error != "" {
		if sctx.JoinOutput() {
			cmd.Stderr = stdout
		} else {
			stderr, err = openStream(sctx.Error)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
			}
			cmd.Stderr = stderr
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
	}
	p := backend.NewProcess(cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		closeAll(stdout, stderr)
		code := 0
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.Finish(code)
	}()

	h := &backend.Handle{
		ID:          strconv.Itoa(cmd.Process.Pid),
		Backend:     s.Name(),
		State:       backend.Running,
		SubmittedAt: time.Now(),
		ScriptPath:  scriptPath,
		Proc:        p,
	}
	log.Debug().Str("job", h.ID).Str("script", scriptPath).Msg("spawned shell batch")
	return h, nil
}

// Poll reflects process liveness.
func (s *Shell) Poll(ctx context.Context, h *backend.Handle) (backend.JobState, error) {
	if h.Proc == nil {
		return backend.Unknown, fmt.Errorf("handle %s has no process record", h.ID)
	}
	code, finished := h.Proc.Status()
	if !finished {
		return backend.Running, nil
	}
	if h.State == backend.Cancelled {
		return backend.Cancelled, nil
	}
	if code == 0 {
		return backend.Completed, nil
	}
	return backend.Failed, nil
}

// Cancel kills the job's whole process group so grandchildren do not
// outlive the batch.
func (s *Shell) Cancel(ctx context.Context, h *backend.Handle) error {
	if h.Proc == nil || h.State.Terminal() {
		return nil
	}
	if _, finished := h.Proc.Status(); finished {
		return nil
	}
	log.Warn().Str("job", h.ID).Msg("cancelling shell batch")
	if err := syscall.Kill(-h.Proc.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: %v", backend.ErrCancelFailed, err)
	}
	select {
	case <-h.Proc.Done():
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-h.Proc.Pid, syscall.SIGKILL)
	}
	h.State = backend.Cancelled
	return nil
}

func openStream(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
