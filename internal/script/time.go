package script

import (
	"fmt"
	"math"
)

// DefaultMargin is the multiplicative padding applied to requested walltime.
// Schedulers kill jobs at the wall-clock limit, so the raw estimate gets
// headroom before it becomes a directive.
const DefaultMargin = 1.25

// HHMMSS formats a duration in seconds as HH:MM:SS. Hours do not wrap at 24
// so the result is monotonic in its input.
func HHMMSS(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(math.Ceil(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Pad applies the walltime safety margin. A threshold > 0 exempts estimates
// below it; threshold 0 means the margin always applies.
func Pad(seconds, margin, threshold float64) float64 {
	if margin <= 0 {
		margin = DefaultMargin
	}
	if threshold > 0 && seconds < threshold {
		return seconds
	}
	return seconds * margin
}

// Walltime is the padded HH:MM:SS form consumed by scheduler headers.
func Walltime(seconds, margin, threshold float64) string {
	return HHMMSS(Pad(seconds, margin, threshold))
}
