// Package flux submits and tracks jobs through the flux command-line tools.
package flux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/proc"
	"github.com/sandialabs/hpc-connect/internal/script"
)

type Flux struct {
	runner proc.Runner
}

func New(runner proc.Runner) *Flux {
	if runner == nil {
		runner = proc.NewRunner()
	}
	return &Flux{runner: runner}
}

func (f *Flux) Name() string { return "flux" }

// Submit runs `flux batch`, which prints the new job id on stdout.
func (f *Flux) Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*backend.Handle, error) {
	res, err := f.runner.Run(ctx, "flux", "batch", scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: flux batch: %v", backend.ErrSubmissionFailed, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: flux batch exited %d: %s", backend.ErrSubmissionFailed, res.ExitCode, res.Output())
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no job id in flux batch output: %s", backend.ErrSubmissionFailed, res.Output())
	}
	h := &backend.Handle{
		ID:          fields[0],
		Backend:     f.Name(),
		State:       backend.Pending,
		SubmittedAt: time.Now(),
		ScriptPath:  scriptPath,
	}
	log.Debug().Str("job", h.ID).Str("script", scriptPath).Msg("submitted batch script")
	return h, nil
}

// Poll queries `flux jobs` for the job's state and, once inactive, its
// result. Flux's DEPEND and PRIORITY states map to Pending; CLEANUP maps to
// Running until the result is known.
func (f *Flux) Poll(ctx context.Context, h *backend.Handle) (backend.JobState, error) {
	res, err := f.runner.Run(ctx, "flux", "jobs", "--no-header", "-o", "{state}:{result}", h.ID)
	if err != nil || res.ExitCode != 0 {
		return backend.Unknown, fmt.Errorf("flux jobs query failed: %v: %s", err, res.Output())
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return backend.Unknown, fmt.Errorf("no job data for %s", h.ID)
	}
	state, result, _ := strings.Cut(out, ":")
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "DEPEND", "PRIORITY", "SCHED", "S":
		return backend.Pending, nil
	case "RUN", "CLEANUP", "R", "C":
		return backend.Running, nil
	case "INACTIVE", "CD", "F", "CA", "TO":
		switch strings.ToUpper(strings.TrimSpace(result)) {
		case "COMPLETED", "CD":
			return backend.Completed, nil
		case "CANCELED", "CANCELLED", "CA":
			return backend.Cancelled, nil
		default:
			return backend.Failed, nil
		}
	}
	return backend.Unknown, fmt.Errorf("unrecognized flux state %q", state)
}

func (f *Flux) Cancel(ctx context.Context, h *backend.Handle) error {
	if h.State.Terminal() {
		return nil
	}
	log.Warn().Str("job", h.ID).Msg("cancelling flux job")
	res, err := f.runner.Run(ctx, "flux", "cancel", h.ID)
	if err != nil {
		return fmt.Errorf("%w: flux cancel: %v", backend.ErrCancelFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: flux cancel exited %d: %s", backend.ErrCancelFailed, res.ExitCode, res.Output())
	}
	return nil
}
