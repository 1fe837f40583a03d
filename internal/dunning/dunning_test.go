package dunning

import (
	"errors"
	"testing"
	"time"

	"github.com/crosslogic/billing-engine/internal/pkgerrors"
)

func TestNextRetryAt_FollowsSchedule(t *testing.T) {
	c := NewCoordinator([]time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	want := []time.Time{
		now.Add(time.Hour),
		now.Add(2 * time.Hour),
	}
	for i, w := range want {
		got, err := c.NextRetryAt(i+1, now)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
		if !got.Equal(w) {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}

	// attemptsSoFar reaching the schedule length is the exhaustion
	// boundary, matching Exhausted: a 3-entry schedule grants 2 retries.
	if _, err := c.NextRetryAt(3, now); !errors.Is(err, pkgerrors.ErrDunningExhausted) {
		t.Errorf("expected exhaustion at attempt 3 of a 3-entry schedule, got %v", err)
	}
}

func TestNextRetryAt_Exhausted(t *testing.T) {
	c := NewCoordinator([]time.Duration{time.Hour, time.Hour})
	now := time.Now()

	if _, err := c.NextRetryAt(3, now); !errors.Is(err, pkgerrors.ErrDunningExhausted) {
		t.Errorf("expected ErrDunningExhausted, got %v", err)
	}
	if !c.Exhausted(2) {
		t.Error("expected schedule to be exhausted at attempt 2 of 2")
	}
	if c.Exhausted(1) {
		t.Error("did not expect exhaustion at attempt 1 of 2")
	}
}

func TestDefaultSchedule_FiveAttemptsTwentyOneDays(t *testing.T) {
	c := NewCoordinator(nil)
	if c.MaxAttempts() != 5 {
		t.Fatalf("expected 5 max attempts, got %d", c.MaxAttempts())
	}
	var total time.Duration
	for _, d := range DefaultSchedule {
		total += d
	}
	if total != 21*24*time.Hour {
		t.Errorf("expected schedule to span 21 days, got %v", total)
	}
}
