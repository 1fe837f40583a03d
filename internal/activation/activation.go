// Package activation is the activation orchestrator: drives the
// first-charge flow for a newly registered subscription synchronously
// up to the point the HTTP caller gets a response, then completes the
// charge itself (this package's Finish is invoked from a goroutine
// spawned by the API handler, not the handler's own goroutine, so the
// HTTP call returns promptly). Grounded in the reference repo's gateway
// request-handling flow (validate, call downstream, translate to a
// typed result).
package activation

import (
	"context"
	"strings"
	"time"

	"github.com/crosslogic/billing-engine/internal/classifier"
	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/crosslogic/billing-engine/internal/provider"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/internal/webhook"
	"go.uber.org/zap"
)

// chargeTimeout bounds the initial provider.Charge call.
const chargeTimeout = 30 * time.Second

// Request is the inbound registration payload (POST /v1/subscriptions).
type Request struct {
	SubscriptionID string
	AccountID      string
	Provider       string
	Testnet        bool
	Beneficiary    string
}

// Orchestrator drives Begin and Finish.
type Orchestrator struct {
	store         store.Store
	provider      provider.Provider
	scheduler     *scheduler.Scheduler
	emitter       *webhook.Emitter
	spenderAddr   string
	logger        *zap.Logger
}

// Config bundles an Orchestrator's collaborators.
type Config struct {
	Store         store.Store
	Provider      provider.Provider
	Scheduler     *scheduler.Scheduler
	Emitter       *webhook.Emitter
	SpenderAddress string
	Logger        *zap.Logger
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store: cfg.Store, provider: cfg.Provider, scheduler: cfg.Scheduler,
		emitter: cfg.Emitter, spenderAddr: cfg.SpenderAddress, logger: cfg.Logger,
	}
}

// ValidateID checks the subscription id format: the
// provider's permission id surfaces as a hex string, 0x-prefixed.
func ValidateID(id string) error {
	if len(id) < 3 || !strings.HasPrefix(id, "0x") {
		return pkgerrors.NewValidationError("subscriptionId", "must be a 0x-prefixed hex permission id")
	}
	return nil
}

// Begin runs synchronously: validate, check onchain status, then create
// the subscription/initial-order row and emit a subscription.updated
// event for the Processing subscription. The status checks run before
// the row is created, since the initial order's amount and period come
// from that status; a rejected registration writes nothing to the
// store. It returns as soon as the caller has enough to
// respond to the HTTP request; Finish (run in the background) completes
// the charge.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (domain.Subscription, domain.Order, error) {
	if err := ValidateID(req.SubscriptionID); err != nil {
		return domain.Subscription{}, domain.Order{}, err
	}

	status, err := o.provider.GetStatus(ctx, req.SubscriptionID)
	if err != nil {
		return domain.Subscription{}, domain.Order{}, err
	}
	if !status.IsSubscribed {
		return domain.Subscription{}, domain.Order{}, pkgerrors.NewValidationError("subscriptionId", "subscription_not_active")
	}
	if !strings.EqualFold(status.SubscriptionOwner, o.spenderAddr) {
		return domain.Subscription{}, domain.Order{}, pkgerrors.NewValidationError("subscriptionId", "forbidden")
	}
	if !status.HasPeriodFields() || status.RemainingChargeInPeriod.IsZero() {
		return domain.Subscription{}, domain.Order{}, pkgerrors.NewValidationError("subscriptionId", "invalid_configuration")
	}

	sub := domain.Subscription{
		ID: req.SubscriptionID, AccountID: req.AccountID, Beneficiary: req.Beneficiary,
		Provider: req.Provider, Testnet: req.Testnet, Status: domain.SubscriptionProcessing,
	}
	order := domain.Order{
		Type: domain.OrderInitial, DueAt: time.Now().UTC(), Amount: status.RemainingChargeInPeriod,
		PeriodLengthSeconds: status.PeriodInSeconds, Status: domain.OrderPending,
	}

	res, err := o.store.CreateSubscriptionWithOrder(ctx, sub, order)
	if err != nil {
		return domain.Subscription{}, domain.Order{}, err
	}
	if !res.Created {
		return domain.Subscription{}, domain.Order{}, pkgerrors.NewValidationError("subscriptionId", "subscription_exists")
	}
	order.ID = res.OrderID
	order.OrderNumber = res.OrderNumber

	o.emitter.Emit(ctx, req.AccountID, webhook.Event{
		Type: "subscription.updated", CreatedAt: webhook.Now(),
		Data: webhook.EventData{
			Subscription: webhook.SubscriptionView{ID: sub.ID, Status: string(domain.SubscriptionProcessing), Amount: order.Amount.String(), PeriodInSeconds: order.PeriodLengthSeconds},
		},
	})

	return sub, order, nil
}

// Finish charges the initial order and branches on
// the outcome. Called from a goroutine the API handler spawns after
// Begin returns, so it must not assume the original request context is
// still live — callers should pass a fresh background context with its
// own timeout.
func (o *Orchestrator) Finish(ctx context.Context, sub domain.Subscription, order domain.Order) {
	callCtx, cancel := context.WithTimeout(ctx, chargeTimeout)
	result, err := o.provider.Charge(callCtx, sub.ID, order.Amount, sub.Beneficiary)
	cancel()

	if err == nil && result != nil {
		o.onSuccess(ctx, sub, order, result.TransactionHash)
		return
	}
	o.onFailure(ctx, sub, order, err)
}

func (o *Orchestrator) onSuccess(ctx context.Context, sub domain.Subscription, order domain.Order, txHash string) {
	status, err := o.provider.GetStatus(ctx, sub.ID)
	if err != nil || !status.HasPeriodFields() {
		o.logger.Error("activation charge succeeded but status re-check failed; subscription left for reconciliation",
			zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}

	nextDue := time.Unix(status.NextPeriodStart, 0).UTC()
	res, err := o.store.ExecuteSubscriptionActivation(ctx, sub.ID, order.ID, txHash, nextDue, status.RecurringCharge, status.PeriodInSeconds)
	if err != nil {
		o.logger.Error("failed to persist activation result", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}
	o.scheduler.Set(res.NextOrderID, sub.ID, order.OrderNumber+1, nextDue)

	start, end := order.CurrentPeriod()
	startU, endU := start.Unix(), end.Unix()
	o.emitter.Emit(ctx, sub.AccountID, webhook.Event{
		Type: "subscription.updated", CreatedAt: webhook.Now(),
		Data: webhook.EventData{
			Subscription: webhook.SubscriptionView{ID: sub.ID, Status: string(domain.SubscriptionActive), Amount: order.Amount.String(), PeriodInSeconds: order.PeriodLengthSeconds},
			Order:        &webhook.OrderView{Number: order.OrderNumber, Type: string(order.Type), Amount: order.Amount.String(), Status: string(domain.OrderPaid), CurrentPeriodStart: &startU, CurrentPeriodEnd: &endU},
			Transaction:  &webhook.TransactionView{Hash: txHash, Amount: order.Amount.String(), ProcessedAt: webhook.Now().Unix()},
		},
	})
}

func (o *Orchestrator) onFailure(ctx context.Context, sub domain.Subscription, order domain.Order, chargeErr error) {
	reason := "activation charge failed"
	var classified *pkgerrors.PaymentError
	if chargeErr != nil {
		classified = classifier.Classify(chargeErr)
		reason = classified.Message
	}
	if err := o.store.MarkSubscriptionIncomplete(ctx, sub.ID, order.ID, reason); err != nil {
		o.logger.Error("failed to mark subscription incomplete", zap.String("subscription_id", sub.ID), zap.Error(err))
	}

	errView := &webhook.ErrorView{Code: "activation_failed", Message: "An internal error occurred"}
	if classified != nil {
		errView = &webhook.ErrorView{Code: classified.Code, Message: classified.Sanitized()}
	}
	o.emitter.Emit(ctx, sub.AccountID, webhook.Event{
		Type: "subscription.updated", CreatedAt: webhook.Now(),
		Data: webhook.EventData{
			Subscription: webhook.SubscriptionView{ID: sub.ID, Status: string(domain.SubscriptionIncomplete), Amount: order.Amount.String(), PeriodInSeconds: order.PeriodLengthSeconds},
			Order:        &webhook.OrderView{Number: order.OrderNumber, Type: string(order.Type), Amount: order.Amount.String(), Status: string(domain.OrderFailed)},
			Error:        errView,
		},
	})
}
