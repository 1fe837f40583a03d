// Package queue is the at-least-once message queue the scheduler,
// processor, and webhook delivery worker run on top of. It is
// intentionally generic over message type so the same reliable-delivery
// primitive backs both the charge queue and the webhook queue, mirroring
// the reference control-plane's pkg/events.Bus shape but adding the
// redelivery/visibility-timeout discipline this engine requires (the in-memory
// pub/sub bus has none).
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Message wraps an arbitrary payload with the bookkeeping a reliable
// queue needs: a stable id for dedupe/logging and a redelivery counter.
type Message struct {
	ID       string
	Payload  interface{}
	Attempts int
}

// Queue is an at-least-once delivery primitive: Enqueue publishes,
// Consume blocks until a message is visible, the queue is closed, or
// ctx is done, Ack
// removes it permanently, Nack makes it visible again after delay (or
// routes it to deadLetter once MaxRedeliveries is exceeded).
//
// InMemoryQueue below is the only implementation; it is grounded in the
// reference repo's pkg/events.Bus (async dispatch, logged failures) with
// a min-heap added for delayed visibility, the piece the bus lacks.
type Queue interface {
	Enqueue(ctx context.Context, payload interface{}) (Message, error)
	Consume(ctx context.Context) (Message, bool)
	Ack(ctx context.Context, msg Message) error
	Nack(ctx context.Context, msg Message, delay time.Duration) error
}

// DeadLetterSink receives messages whose redelivery count has been
// exhausted.
type DeadLetterSink interface {
	Send(ctx context.Context, msg Message, lastErr string) error
}

type heapItem struct {
	visibleAt time.Time
	msg       Message
	index     int
}

type messageHeap []*heapItem

func (h messageHeap) Len() int            { return len(h) }
func (h messageHeap) Less(i, j int) bool  { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *messageHeap) Push(x interface{}) { item := x.(*heapItem); item.index = len(*h); *h = append(*h, item) }
func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// InMemoryQueue is a process-local reliable queue: a visibility-ordered
// min-heap for pending/delayed messages, a cond variable to wake
// consumers, and a max-redeliveries cutoff that routes to a DeadLetterSink.
type InMemoryQueue struct {
	mu              sync.Mutex
	cond            *sync.Cond
	items           messageHeap
	maxRedeliveries int
	deadLetter      DeadLetterSink
	idSeq           int64
	closed          bool
}

// NewInMemoryQueue builds a queue with the given max-redeliveries cutoff
// and dead-letter sink (required — every queue in this engine has one).
func NewInMemoryQueue(maxRedeliveries int, deadLetter DeadLetterSink) *InMemoryQueue {
	q := &InMemoryQueue{maxRedeliveries: maxRedeliveries, deadLetter: deadLetter}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, payload interface{}) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idSeq++
	msg := Message{ID: idString(q.idSeq), Payload: payload}
	heap.Push(&q.items, &heapItem{visibleAt: time.Now(), msg: msg})
	q.cond.Signal()
	return msg, nil
}

// Consume blocks until a visible message exists or ctx is done.
func (q *InMemoryQueue) Consume(ctx context.Context) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return Message{}, false
		}
		if len(q.items) > 0 {
			next := q.items[0]
			wait := time.Until(next.visibleAt)
			if wait <= 0 {
				heap.Pop(&q.items)
				return next.msg, true
			}
			// Wake up when the earliest item becomes visible, when ctx is
			// done, or when signaled.
			timer := time.AfterFunc(wait, func() {
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
			})
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			})
			q.cond.Wait()
			timer.Stop()
			stop()
		} else {
			done := make(chan struct{})
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				close(done)
			})
			q.cond.Wait()
			stop()
			select {
			case <-done:
				if ctx.Err() != nil {
					return Message{}, false
				}
			default:
			}
		}
		if ctx.Err() != nil {
			return Message{}, false
		}
	}
}

// Ack is a no-op: InMemoryQueue removes messages from its heap at
// Consume time, so acking just means "don't call Nack".
func (q *InMemoryQueue) Ack(ctx context.Context, msg Message) error {
	return nil
}

// Nack makes the message visible again after delay, unless its
// redelivery count is exhausted — then it's routed to the dead-letter
// sink and dropped.
func (q *InMemoryQueue) Nack(ctx context.Context, msg Message, delay time.Duration) error {
	msg.Attempts++
	if msg.Attempts > q.maxRedeliveries {
		if q.deadLetter != nil {
			return q.deadLetter.Send(ctx, msg, "redeliveries exhausted")
		}
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, &heapItem{visibleAt: time.Now().Add(delay), msg: msg})
	q.cond.Signal()
	return nil
}

// Close unblocks any in-flight Consume calls.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of messages currently pending (visible or
// delayed), for gauge reporting.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func idString(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
