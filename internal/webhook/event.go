// Package webhook is the event assembler, signer, and delivery worker
// for the engine's single outbound event type, subscription.updated
// Event bytes are signed exactly once; every retry resends the
// identical payload, grounded in internal/notifications/webhook.go's
// sign()-then-send shape but generalized from a generic adapter into a
// typed event model with a canonical, stable-key-order encoding.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the single logical event the engine emits. Only the
// sub-objects relevant to what happened are populated; Subscription is
// always present. ID lets a receiver dedupe across the at-least-once
// redelivery attempts the same event generates.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      EventData `json:"data"`
}

// NewEventID generates the id a freshly assembled Event carries. It is
// assigned once, at emission time, and resent unchanged on every
// redelivery attempt.
func NewEventID() string {
	return uuid.NewString()
}

// EventData carries the optional sub-objects. Fields are ordered here
// to match the canonical encoding; omitempty keeps absent sub-objects
// out of the signed bytes entirely rather than emitting nulls.
type EventData struct {
	Subscription SubscriptionView  `json:"subscription"`
	Order        *OrderView        `json:"order,omitempty"`
	Transaction  *TransactionView  `json:"transaction,omitempty"`
	Error        *ErrorView        `json:"error,omitempty"`
}

type SubscriptionView struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	PeriodInSeconds int64  `json:"period_in_seconds"`
}

type OrderView struct {
	Number             int64   `json:"number"`
	Type               string  `json:"type"`
	Amount             string  `json:"amount"`
	Status             string  `json:"status"`
	CurrentPeriodStart *int64  `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64  `json:"current_period_end,omitempty"`
	NextRetryAt        *int64  `json:"next_retry_at,omitempty"`
}

type TransactionView struct {
	Hash        string `json:"hash"`
	Amount      string `json:"amount"`
	ProcessedAt int64  `json:"processed_at"`
}

type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal serializes the event to its canonical byte representation.
// encoding/json already emits struct fields in declaration order, which
// is the stable key order the signature is computed over;
// this helper exists so callers never need to think about that
// invariant at the call site.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
