// Package slurm submits and tracks jobs through Slurm's command-line tools:
// sbatch, sacct and scancel.
package slurm

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/proc"
	"github.com/sandialabs/hpc-connect/internal/script"
)

type Slurm struct {
	runner proc.Runner
}

func New(runner proc.Runner) *Slurm {
	if runner == nil {
		runner = proc.NewRunner()
	}
	return &Slurm{runner: runner}
}

func (s *Slurm) Name() string { return "slurm" }

var jobidRe = regexp.MustCompile(`Submitted batch job (\S+)`)

func (s *Slurm) Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*backend.Handle, error) {
	res, err := s.runner.Run(ctx, "sbatch", scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: sbatch: %v", backend.ErrSubmissionFailed, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: sbatch exited %d: %s", backend.ErrSubmissionFailed, res.ExitCode, res.Output())
	}
	m := jobidRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return nil, fmt.Errorf("%w: no job id in sbatch output: %s", backend.ErrSubmissionFailed, res.Output())
	}
	h := &backend.Handle{
		ID:          m[1],
		Backend:     s.Name(),
		State:       backend.Pending,
		SubmittedAt: time.Now(),
		ScriptPath:  scriptPath,
	}
	if clusters := parseClusters(scriptPath); clusters != "" {
		h.SetAttr("clusters", clusters)
	}
	log.Debug().Str("job", h.ID).Str("script", scriptPath).Msg("submitted batch script")
	return h, nil
}

// Poll queries sacct once. Slurm's COMPLETING (CG) state maps to Running
// until a terminal code is observed; TIMEOUT maps to Failed since the shared
// vocabulary reserves TimedOut for wait deadlines.
func (s *Slurm) Poll(ctx context.Context, h *backend.Handle) (backend.JobState, error) {
	argv := []string{"sacct", "--noheader", "-j", h.ID, "-p", "-b"}
	if c := h.Attr("clusters"); c != "" {
		argv = append(argv, "--clusters="+c)
	}
	res, err := s.runner.Run(ctx, argv...)
	if err != nil || res.ExitCode != 0 {
		return backend.Unknown, fmt.Errorf("sacct query failed: %v: %s", err, res.Output())
	}
	table := parseSacct(res.Stdout)
	info, ok := table[h.ID]
	if !ok {
		return backend.Unknown, fmt.Errorf("no accounting data for job %s", h.ID)
	}
	switch info.state {
	case "PENDING":
		return backend.Pending, nil
	case "RUNNING", "COMPLETING", "CG", "SUSPENDED":
		return backend.Running, nil
	case "COMPLETED":
		return backend.Completed, nil
	case "CANCELLED":
		return backend.Cancelled, nil
	default:
		// FAILED, TIMEOUT, NODE_FAIL, OUT_OF_MEMORY, PREEMPTED, ...
		return backend.Failed, nil
	}
}

func (s *Slurm) Cancel(ctx context.Context, h *backend.Handle) error {
	if h.State.Terminal() {
		return nil
	}
	log.Warn().Str("job", h.ID).Msg("cancelling slurm job")
	res, err := s.runner.Run(ctx, "scancel", h.ID, "--clusters=all")
	if err != nil {
		return fmt.Errorf("%w: scancel: %v", backend.ErrCancelFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: scancel exited %d: %s", backend.ErrCancelFailed, res.ExitCode, res.Output())
	}
	return nil
}

type acctInfo struct {
	state      string
	returncode int
}

// parseSacct reads sacct -p -b output: "JobID|State|ExitCode|" per line.
// Trailing annotations like "CANCELLED by 1234" or "RUNNING+" are stripped.
func parseSacct(out string) map[string]acctInfo {
	table := map[string]acctInfo{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		words := strings.Fields(fields[1])
		if len(words) == 0 {
			continue
		}
		state := strings.TrimRight(words[0], "+")
		rc := 0
		fmt.Sscanf(strings.Split(fields[2], ":")[0], "%d", &rc)
		table[strings.TrimSpace(fields[0])] = acctInfo{state: state, returncode: rc}
	}
	return table
}

// parseClusters extracts a --clusters directive from the script's #SBATCH
// header; sacct and scancel need it for multi-cluster sites.
func parseClusters(scriptPath string) string {
	f, err := os.Open(scriptPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	re := regexp.MustCompile(`^#SBATCH\s+(?:-M|--clusters?)[=\s]+?(\S+)`)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m := re.FindStringSubmatch(sc.Text()); m != nil {
			return m[1]
		}
	}
	return ""
}
