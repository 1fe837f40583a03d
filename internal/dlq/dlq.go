// Package dlq is the engine's dead-letter sink: an
// operator-facing surface for inspecting and purging messages whose
// redelivery count was exhausted (webhook deliveries, and the charge
// queue for symmetry). Grounded in the reference repo's
// reconciler/orphan-detection pattern of surfacing stuck state for
// operator action rather than silently dropping it.
package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/billing-engine/internal/queue"
	"go.uber.org/zap"
)

// Entry is a dead-lettered message plus the reason it landed here.
type Entry struct {
	Queue     string
	Message   queue.Message
	Reason    string
	DeadAt    time.Time
}

// Store is an in-memory dead-letter sink. Production deployments would
// back this with the durable order store; the interface is the
// operator contract (List/Purge), not the storage medium.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	logger  *zap.Logger
}

// NewStore builds an empty dead-letter store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// Send implements queue.DeadLetterSink.
func (s *Store) Send(ctx context.Context, msg queue.Message, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Message: msg, Reason: reason, DeadAt: time.Now().UTC()})
	s.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.Attempts),
		zap.String("reason", reason),
	)
	return nil
}

// List returns every currently dead-lettered entry.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Purge clears the dead-letter store and returns how many entries were removed.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = nil
	return n
}
