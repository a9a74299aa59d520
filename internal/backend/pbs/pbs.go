// Package pbs submits and tracks jobs through PBS's command-line tools:
// qsub, qstat and qdel.
package pbs

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

type PBS struct {
	runner proc.Runner
}

func New(runner proc.Runner) *PBS {
	if runner == nil {
		runner = proc.NewRunner()
	}
	return &PBS{runner: runner}
}

func (p *PBS) Name() string { return "pbs" }

// Submit runs qsub, whose entire stdout on success is the job identifier.
func (p *PBS) Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*backend.Handle, error) {
	res, err := p.runner.Run(ctx, "qsub", scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: qsub: %v", backend.ErrSubmissionFailed, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: qsub exited %d: %s", backend.ErrSubmissionFailed, res.ExitCode, res.Output())
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 1 || fields[0] == "" {
		return nil, fmt.Errorf("%w: no job id in qsub output: %s", backend.ErrSubmissionFailed, res.Output())
	}
	h := &backend.Handle{
		ID:          fields[0],
		Backend:     p.Name(),
		State:       backend.Pending,
		SubmittedAt: time.Now(),
		ScriptPath:  scriptPath,
	}
	log.Debug().Str("job", h.ID).Str("script", scriptPath).Msg("submitted batch script")
	return h, nil
}

// Poll scans the qstat queue listing. qstat drops finished jobs, so a job
// absent from the listing reports Completed; whether it actually succeeded
// is not recoverable from qstat and the loss is accepted.
func (p *PBS) Poll(ctx context.Context, h *backend.Handle) (backend.JobState, error) {
	res, err := p.runner.Run(ctx, "qstat")
	if err != nil || res.ExitCode != 0 {
		return backend.Unknown, fmt.Errorf("qstat query failed: %v: %s", err, res.Output())
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		// Job id            Name       User      Time Use S Queue
		// 9932285.string-*  spam.sh    username         0 W serial
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		jid, state := fields[0], fields[4]
		// qstat may truncate long ids, marked with a trailing '*'
		matched := jid == h.ID ||
			(strings.HasSuffix(jid, "*") && strings.HasPrefix(h.ID, strings.TrimSuffix(jid, "*")))
		if !matched {
			continue
		}
		switch state {
		case "Q", "W", "H", "T":
			return backend.Pending, nil
		case "E":
			// exiting still counts as running until the job leaves the queue
			return backend.Running, nil
		default:
			return backend.Running, nil
		}
	}
	return backend.Completed, nil
}

func (p *PBS) Cancel(ctx context.Context, h *backend.Handle) error {
	if h.State.Terminal() {
		return nil
	}
	log.Warn().Str("job", h.ID).Msg("cancelling pbs job")
	res, err := p.runner.Run(ctx, "qdel", h.ID)
	if err != nil {
		return fmt.Errorf("%w: qdel: %v", backend.ErrCancelFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: qdel exited %d: %s", backend.ErrCancelFailed, res.ExitCode, res.Output())
	}
	return nil
}
