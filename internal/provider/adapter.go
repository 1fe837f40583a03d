package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/billing-engine/internal/classifier"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPAdapter calls an onchain payment indexer/executor over HTTP. It is
// the engine's only implementation of Provider; every provider-specific
// quirk (auth header, wire shapes) lives here, never leaking past the
// Provider interface.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewHTTPAdapter builds an adapter whose Charge/GetStatus calls are
// wrapped by a circuit breaker: after BreakerMaxFails consecutive
// upstream-transient classifications the breaker opens for openWait,
// shedding load from a degraded provider instead of burning through
// queue redeliveries.
func NewHTTPAdapter(baseURL, apiKey string, callTimeout time.Duration, breakerMaxFails uint32, breakerOpenWait time.Duration, logger *zap.Logger) *HTTPAdapter {
	settings := gobreaker.Settings{
		Name:        "provider-adapter",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerOpenWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFails
		},
		// Only upstream-transient errors count as breaker failures; a
		// payment error (revoked, insufficient balance, ...) is the
		// provider answering normally.
		IsSuccessful: func(err error) bool {
			return err == nil || classifier.Classify(err).Category != pkgerrors.CategoryUpstreamTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.ProviderBreakerState.Set(float64(to))
		},
	}

	return &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

type chargeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Amount         string `json:"amount"`
	Recipient      string `json:"recipient"`
}

type chargeResponse struct {
	TransactionHash string `json:"transactionHash"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// Charge implements Provider.
func (a *HTTPAdapter) Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*ChargeResult, error) {
	req := chargeRequest{
		SubscriptionID: subscriptionID,
		Amount:         amount.String(),
		Recipient:      recipient,
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		var resp chargeResponse
		if err := a.post(ctx, "/v1/charge", req, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		if !resp.Success {
			return nil, fmt.Errorf("charge was not successful")
		}
		return &ChargeResult{TransactionHash: resp.TransactionHash, Success: resp.Success}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider temporarily unavailable: %w", err)
		}
		return nil, err
	}
	return result.(*ChargeResult), nil
}

type statusResponse struct {
	IsSubscribed            bool   `json:"isSubscribed"`
	SubscriptionOwner       string `json:"subscriptionOwner,omitempty"`
	RemainingChargeInPeriod string `json:"remainingChargeInPeriod,omitempty"`
	CurrentPeriodStart      int64  `json:"currentPeriodStart,omitempty"`
	NextPeriodStart         int64  `json:"nextPeriodStart,omitempty"`
	RecurringCharge         string `json:"recurringCharge"`
	PeriodInSeconds         int64  `json:"periodInSeconds,omitempty"`
	PermissionExists        bool   `json:"permissionExists"`
}

// GetStatus implements Provider.
func (a *HTTPAdapter) GetStatus(ctx context.Context, subscriptionID string) (*Status, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		var resp statusResponse
		if err := a.get(ctx, "/v1/status/"+subscriptionID, &resp); err != nil {
			return nil, err
		}

		recurring, _ := decimal.NewFromString(resp.RecurringCharge)
		remaining, _ := decimal.NewFromString(resp.RemainingChargeInPeriod)

		return &Status{
			IsSubscribed:            resp.IsSubscribed,
			SubscriptionOwner:       resp.SubscriptionOwner,
			RemainingChargeInPeriod: remaining,
			CurrentPeriodStart:      resp.CurrentPeriodStart,
			NextPeriodStart:         resp.NextPeriodStart,
			RecurringCharge:         recurring,
			PeriodInSeconds:         resp.PeriodInSeconds,
			PermissionExists:        resp.PermissionExists,
		}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider temporarily unavailable: %w", err)
		}
		return nil, err
	}
	return result.(*Status), nil
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return a.do(httpReq, out)
}

func (a *HTTPAdapter) get(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return a.do(httpReq, out)
}

func (a *HTTPAdapter) do(httpReq *http.Request, out interface{}) error {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway timeout: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider gateway error, error code: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider rejected request: %s", string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
