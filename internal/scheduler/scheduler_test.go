package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memTracker is a minimal in-memory stand-in for pkg/cache.Cache, enough
// to exercise the processed-flag guard without a Redis dependency.
type memTracker struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemTracker() *memTracker { return &memTracker{keys: make(map[string]bool)} }

func (t *memTracker) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[key] = true
	return nil
}

func (t *memTracker) Exists(ctx context.Context, keys ...string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if t.keys[k] {
			return 1, nil
		}
	}
	return 0, nil
}

func TestSetThenFireTwice_EnqueuesExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var enqueued []ChargeMessage
	enqueue := func(ctx context.Context, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		enqueued = append(enqueued, payload.(ChargeMessage))
		return nil
	}

	s := New(enqueue, newMemTracker(), 2, zap.NewNop())
	s.Set(1, "sub-1", 1, time.Now().Add(-time.Millisecond))

	s.mu.Lock()
	entry := s.timers[1]
	s.mu.Unlock()

	// Simulate the timer callback firing twice with the same generation,
	// as could happen if a stale goroutine races a legitimate fire.
	s.Fire(context.Background(), 1, entry.generation, false, 0)
	s.Fire(context.Background(), 1, entry.generation, false, 0)

	mu.Lock()
	defer mu.Unlock()
	if len(enqueued) != 1 {
		t.Fatalf("expected exactly one enqueue, got %d: %+v", len(enqueued), enqueued)
	}
}

func TestUpdate_SupersedesStaleGeneration(t *testing.T) {
	var mu sync.Mutex
	var enqueued []ChargeMessage
	enqueue := func(ctx context.Context, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		enqueued = append(enqueued, payload.(ChargeMessage))
		return nil
	}

	s := New(enqueue, newMemTracker(), 2, zap.NewNop())
	s.Set(2, "sub-2", 5, time.Now().Add(time.Hour))

	s.mu.Lock()
	staleGen := s.timers[2].generation
	s.mu.Unlock()

	// Update reschedules with a new generation; the stale callback must
	// become a no-op rather than enqueueing a second charge.
	s.Update(2, "sub-2", 5, time.Now().Add(-time.Millisecond), 1)

	s.Fire(context.Background(), 2, staleGen, false, 0)

	mu.Lock()
	staleCount := len(enqueued)
	mu.Unlock()
	if staleCount != 0 {
		t.Fatalf("stale generation fire must not enqueue, got %d", staleCount)
	}

	s.mu.Lock()
	freshGen := s.timers[2].generation
	s.mu.Unlock()
	s.Fire(context.Background(), 2, freshGen, true, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(enqueued) != 1 || !enqueued[0].IsRetry || enqueued[0].RetryCount != 1 {
		t.Fatalf("expected exactly one retry enqueue from the fresh generation, got %+v", enqueued)
	}
}

func TestDelete_CancelsTimer(t *testing.T) {
	enqueue := func(ctx context.Context, payload interface{}) error { return nil }
	s := New(enqueue, newMemTracker(), 1, zap.NewNop())
	s.Set(3, "sub-3", 1, time.Now().Add(time.Hour))
	if s.ActiveCount() != 1 {
		t.Fatalf("expected 1 active timer, got %d", s.ActiveCount())
	}
	s.Delete(3)
	if s.ActiveCount() != 0 {
		t.Fatalf("expected 0 active timers after delete, got %d", s.ActiveCount())
	}
}
