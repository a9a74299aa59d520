package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sandialabs/hpc-connect/internal/script"
)

var (
	// ErrSubmissionFailed reports a native tool rejecting a job. The
	// wrapped message carries the tool's diagnostic output verbatim;
	// submission is never retried.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrCancelFailed reports a native tool rejecting a cancellation. The
	// job's state is left unchanged.
	ErrCancelFailed = errors.New("cancellation failed")
)

// JobState is the shared lifecycle vocabulary. Native scheduler states map
// onto it with accepted loss of fidelity, documented per backend.
type JobState int

const (
	Pending JobState = iota
	Running
	Completed
	Failed
	Cancelled
	TimedOut
	// Unknown is returned, never stored, when the native status query
	// itself is unavailable. Callers re-poll.
	Unknown
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timedout"
	}
	return "unknown"
}

// Terminal reports whether no further state changes can occur.
func (s JobState) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// ParseState is the inverse of String. Unrecognized names map to Unknown.
func ParseState(s string) JobState {
	switch s {
	case "pending":
		return Pending
	case "running":
		return Running
	case "completed":
		return Completed
	case "failed":
		return Failed
	case "cancelled":
		return Cancelled
	case "timedout":
		return TimedOut
	}
	return Unknown
}

// Handle tracks one submitted job. The submitting caller owns the only
// reference; backends never retain handles beyond the call that creates or
// queries them. The mutex serializes operations on a single handle, as
// concurrent polls on one job are undefined.
type Handle struct {
	ID          string
	Backend     string
	State       JobState
	SubmittedAt time.Time
	ScriptPath  string

	mu sync.Mutex

	// Proc is set by backends that spawn a local process rather than
	// queueing through a scheduler daemon.
	Proc *Process

	// scheduler-specific annotations parsed at submit time (e.g. slurm
	// --clusters)
	attrs map[string]string
}

// Lock serializes lifecycle operations on this handle.
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// Attr returns a backend-private annotation recorded at submit time.
func (h *Handle) Attr(key string) string {
	if h.attrs == nil {
		return ""
	}
	return h.attrs[key]
}

// SetAttr records a backend-private annotation on the handle.
func (h *Handle) SetAttr(key, value string) {
	if h.attrs == nil {
		h.attrs = map[string]string{}
	}
	h.attrs[key] = value
}

// Attrs returns a copy of the backend-private annotations, for callers that
// persist handles and rebuild them later.
func (h *Handle) Attrs() map[string]string {
	out := make(map[string]string, len(h.attrs))
	for k, v := range h.attrs {
		out[k] = v
	}
	return out
}

// Backend is one scheduler variant. Submit invokes the scheduler's native
// submission tool with a rendered script, Poll issues exactly one native
// status query, and Cancel is idempotent (a no-op once the job is terminal).
type Backend interface {
	Name() string
	Submit(ctx context.Context, scriptPath string, sctx *script.Context) (*Handle, error)
	Poll(ctx context.Context, h *Handle) (JobState, error)
	Cancel(ctx context.Context, h *Handle) error
}
