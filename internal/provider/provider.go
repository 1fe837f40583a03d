// Package provider defines the uniform capability the billing engine
// needs from an onchain payment rail: charge a subscription and
// read back its onchain permission status. Implementations translate
// provider-specific wire errors into plain Go errors; the classifier
// package does the semantic mapping from there.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChargeResult is returned on a successful charge.
type ChargeResult struct {
	TransactionHash string
	Success         bool
}

// Status is the discriminated result of GetStatus. When the onchain
// permission is absent, the indexer responds with only IsSubscribed=false
// and RecurringCharge="0" — PermissionExists distinguishes that case from
// "revoked" so the engine can classify accordingly.
type Status struct {
	IsSubscribed           bool
	SubscriptionOwner      string
	RemainingChargeInPeriod decimal.Decimal
	CurrentPeriodStart     int64
	NextPeriodStart        int64
	RecurringCharge        decimal.Decimal
	PeriodInSeconds        int64
	PermissionExists       bool
}

// HasPeriodFields reports whether all period fields the activation
// orchestrator requires are present.
func (s Status) HasPeriodFields() bool {
	return s.PermissionExists && s.NextPeriodStart > 0 && s.PeriodInSeconds > 0
}

// Provider is the capability the engine depends on. Errors are opaque;
// classifier.Classify does the semantic mapping from their text.
type Provider interface {
	Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*ChargeResult, error)
	GetStatus(ctx context.Context, subscriptionID string) (*Status, error)
}
