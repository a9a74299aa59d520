package backend

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff shapes the polling cadence of Wait. Exponential backoff bounds the
// load on shared scheduler infrastructure.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff polls quickly at first, settling at thirty seconds.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2.0}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = 2.0
	}
	return b
}

// Wait polls h until it reaches a terminal state or timeout elapses. Wait is
// uniform across backends; it is not a primitive of any native tool.
//
// A timeout of zero returns after a single status check; a negative timeout
// sets no deadline and polls until the job is terminal. On timeout the
// result is TimedOut with no error and the job is NOT cancelled: the job may
// still legitimately complete, and cancellation is the caller's decision.
// Cancelling ctx interrupts any backoff sleep and returns the last observed
// state promptly.
func Wait(ctx context.Context, b Backend, h *Handle, timeout time.Duration, backoff Backoff) JobState {
	backoff = backoff.normalized()
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	state := pollOnce(ctx, b, h)
	if state.Terminal() || timeout == 0 {
		return state
	}

	interval := backoff.Initial
	for {
		if ctx.Err() != nil {
			return state
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			log.Debug().Str("job", h.ID).Dur("timeout", timeout).Msg("wait timed out")
			return TimedOut
		}
		sleep := interval
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < sleep {
				sleep = remaining
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return state
		case <-timer.C:
		}

		state = pollOnce(ctx, b, h)
		if state.Terminal() {
			return state
		}
		interval = time.Duration(float64(interval) * backoff.Factor)
		if interval > backoff.Max {
			interval = backoff.Max
		}
	}
}

func pollOnce(ctx context.Context, b Backend, h *Handle) JobState {
	h.Lock()
	defer h.Unlock()
	state, err := b.Poll(ctx, h)
	if err != nil {
		// transient: surface Unknown, let the loop re-poll
		log.Debug().Err(err).Str("job", h.ID).Msg("poll failed")
		return Unknown
	}
	if state != Unknown {
		h.State = state
	}
	return state
}
