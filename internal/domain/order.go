package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the first charge of a subscription from every
// charge that follows it.
type OrderType string

const (
	OrderInitial   OrderType = "initial"
	OrderRecurring OrderType = "recurring"
)

// OrderStatus is the lifecycle state of a single charge attempt.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderPaid       OrderStatus = "paid"
	OrderFailed     OrderStatus = "failed"
)

// Order is a single scheduled charge attempt for a subscription. OrderNumber
// is gap-free per subscription, starting at 1.
type Order struct {
	ID                   int64
	SubscriptionID       string
	OrderNumber          int64
	Type                 OrderType
	DueAt                time.Time
	Amount               decimal.Decimal
	PeriodLengthSeconds  int64
	Status               OrderStatus
	Attempts             int
	NextRetryAt          *time.Time
	FailureReason        string
	RawError             string
	TransactionHash      string
	CreatedAt            time.Time
}

// CurrentPeriod computes the just-charged period window for webhook
// payloads, per the Open Question decision in SPEC_FULL.md: the period
// that was charged, not the one coming up.
func (o Order) CurrentPeriod() (start, end time.Time) {
	start = o.DueAt
	end = o.DueAt.Add(time.Duration(o.PeriodLengthSeconds) * time.Second)
	return start, end
}

// OrderDetails joins an order with the subscription it belongs to; this is
// the shape GetOrderDetails returns to the payment processor.
type OrderDetails struct {
	Order              Order
	SubscriptionStatus SubscriptionStatus
	AccountID          string
	Beneficiary        string
	Provider           string
	Testnet            bool
}

// DueOrder is the shape ClaimDueOrders/GetDueRetries return: just enough
// to hand to the provider adapter without a second round-trip.
type DueOrder struct {
	OrderID        int64
	SubscriptionID string
	Provider       string
	Amount         decimal.Decimal
	Attempts       int
	Testnet        bool
}
