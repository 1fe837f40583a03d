// Package dunning computes the next retry deadline for recoverable
// payment failures. It is a pure function over a configurable,
// bounded schedule — no I/O, no clock dependency beyond the caller's "now".
package dunning

import (
	"time"

	"github.com/crosslogic/billing-engine/internal/pkgerrors"
)

// DefaultSchedule spans roughly 21 days over 5 attempts: 1 day, 3 days,
// 5 days, 7 days, 5 days.
var DefaultSchedule = []time.Duration{
	24 * time.Hour,
	3 * 24 * time.Hour,
	5 * 24 * time.Hour,
	7 * 24 * time.Hour,
	5 * 24 * time.Hour,
}

// Coordinator applies a fixed interval schedule to compute retry deadlines.
type Coordinator struct {
	schedule []time.Duration
}

// NewCoordinator builds a Coordinator over the given schedule. A nil or
// empty schedule falls back to DefaultSchedule.
func NewCoordinator(schedule []time.Duration) *Coordinator {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Coordinator{schedule: schedule}
}

// MaxAttempts is the schedule length: the attempts count at which the
// schedule is exhausted. An N-entry schedule grants N-1 retries, so the
// Nth failure is the last one.
func (c *Coordinator) MaxAttempts() int {
	return len(c.schedule)
}

// NextRetryAt returns the deadline for the attemptsSoFar-th failure,
// measured from now. attemptsSoFar is the order's attempts counter
// *after* incrementing for this failure (1-indexed: the first failure
// passes 1). Once attemptsSoFar reaches the schedule length,
// ErrDunningExhausted is returned and the caller must move the
// subscription to Unpaid instead of scheduling another retry — this
// boundary must agree with Exhausted.
func (c *Coordinator) NextRetryAt(attemptsSoFar int, now time.Time) (time.Time, error) {
	if attemptsSoFar < 1 || attemptsSoFar >= len(c.schedule) {
		return time.Time{}, pkgerrors.ErrDunningExhausted
	}
	return now.Add(c.schedule[attemptsSoFar-1]), nil
}

// Exhausted reports whether attemptsSoFar has used up every interval in
// the schedule.
func (c *Coordinator) Exhausted(attemptsSoFar int) bool {
	return attemptsSoFar >= len(c.schedule)
}
