// Package remote submits shell batches to another host over SSH: the script
// is pushed with SFTP and spawned detached, with liveness and exit status
// read back through single remote commands.
package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/script"
	"github.com/sandialabs/hpc-connect/internal/ssh"
)

// transport is what the backend needs from an SSH connection; ssh.Client
// implements it.
type transport interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
	PushVerified(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
}

type Remote struct {
	host    string
	workdir string
	tr      transport
}

// New builds a backend submitting to host via client. workdir is the remote
// directory scripts and exit-status files land in.
func New(host string, client *ssh.Client, workdir string) *Remote {
	if workdir == "" {
		workdir = ".hpc-connect"
	}
	return &Remote{host: host, workdir: workdir, tr: client}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*backend.Handle, error) {
	base := path.Base(scriptPath)
	remoteScript := path.Join(r.workdir, base)
	if err := r.tr.PushVerified(ctx, scriptPath, remoteScript, 0o755); err != nil {
		return nil, fmt.Errorf("%w: push script: %v", backend.ErrSubmissionFailed, err)
	}

	redir := "> /dev/null 2>&1"
	if sctx != nil && sctx.Output != "" {
		if sctx.JoinOutput() {
			redir = fmt.Sprintf("> %s 2>&1", shquote(sctx.Output))
		} else if sctx.Error != "" {
			redir = fmt.Sprintf("> %s 2> %s", shquote(sctx.Output), shquote(sctx.Error))
		} else {
			redir = fmt.Sprintf("> %s 2>&1", shquote(sctx.Output))
		}
	}
	rcFile := remoteScript + ".rc"
	cmd := fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 & echo $!",
		shquote(fmt.Sprintf("sh %s %s; echo $? > %s", shquote(remoteScript), redir, shquote(rcFile))))
	stdout, stderr, code, err := r.tr.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: remote spawn exited %d: %s", backend.ErrSubmissionFailed, code, stderr)
	}
	pid := strings.TrimSpace(stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		return nil, fmt.Errorf("%w: no pid in remote output: %s", backend.ErrSubmissionFailed, stdout)
	}
	h := &backend.Handle{
		ID:          pid,
		Backend:     r.Name(),
		State:       backend.Running,
		SubmittedAt: time.Now(),
		ScriptPath:  scriptPath,
	}
	h.SetAttr("rcfile", rcFile)
	h.SetAttr("host", r.host)
	log.Debug().Str("job", h.ID).Str("host", r.host).Msg("spawned remote batch")
	return h, nil
}

// Poll issues one remote command covering both liveness and exit status.
func (r *Remote) Poll(ctx context.Context, h *backend.Handle) (backend.JobState, error) {
	rcFile := h.Attr("rcfile")
	if rcFile == "" {
		return backend.Unknown, fmt.Errorf("handle %s has no exit-status file recorded", h.ID)
	}
	cmd := fmt.Sprintf("if kill -0 %s 2>/dev/null; then echo RUNNING; else cat %s 2>/dev/null || echo LOST; fi",
		h.ID, shquote(rcFile))
	stdout, stderr, code, err := r.tr.Run(ctx, cmd)
	if err != nil || code != 0 {
		return backend.Unknown, fmt.Errorf("remote poll failed: %v: %s", err, stderr)
	}
	switch out := strings.TrimSpace(stdout); out {
	case "RUNNING":
		return backend.Running, nil
	case "LOST":
		return backend.Unknown, fmt.Errorf("job %s gone with no recorded exit status", h.ID)
	default:
		rc, convErr := strconv.Atoi(out)
		if convErr != nil {
			return backend.Unknown, fmt.Errorf("unexpected poll output %q", out)
		}
		if h.State == backend.Cancelled {
			return backend.Cancelled, nil
		}
		if rc == 0 {
			return backend.Completed, nil
		}
		return backend.Failed, nil
	}
}

// shquote single-quotes s for a POSIX shell command line.
func shquote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (r *Remote) Cancel(ctx context.Context, h *backend.Handle) error {
	if h.State.Terminal() {
		return nil
	}
	log.Warn().Str("job", h.ID).Str("host", r.host).Msg("cancelling remote batch")
	cmd := fmt.Sprintf("kill %s 2>/dev/null; true", h.ID)
	if _, stderr, code, err := r.tr.Run(ctx, cmd); err != nil || code != 0 {
		return fmt.Errorf("%w: %v: %s", backend.ErrCancelFailed, err, stderr)
	}
	h.State = backend.Cancelled
	return nil
}
