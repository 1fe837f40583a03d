// Package api is the HTTP surface: the three documented endpoints
// behind a thin chi middleware stack (request ID, real IP, panic
// recovery, structured logging, Prometheus instrumentation), the same
// shape as the reference gateway minus its GPU-routing admin surface.
// Authentication is a single pluggable AuthFunc injected at
// construction time, per the engine's Non-goal that API-key issuance
// itself is out of scope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/crosslogic/billing-engine/internal/activation"
	"github.com/crosslogic/billing-engine/internal/dlq"
	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AuthFunc authenticates an inbound request and, on success, returns
// the account id the request is acting as. A permissive pass-through
// implementation is provided for local/dev use; production deployments
// supply their own.
type AuthFunc func(r *http.Request) (accountID string, ok bool)

// PassThroughAuth is a permissive AuthFunc: every request is attributed
// to a fixed account id. It exists purely to document the seam;
// deployments needing real API-key auth must supply their own AuthFunc.
func PassThroughAuth(accountID string) AuthFunc {
	return func(r *http.Request) (string, bool) { return accountID, true }
}

// API wires the three billing endpoints onto a chi.Router.
type API struct {
	store         store.Store
	orchestrator  *activation.Orchestrator
	auth          AuthFunc
	logger        *zap.Logger
	router        *chi.Mux
	activationsWG *sync.WaitGroup
	deadLetter    *dlq.Store
}

// Config bundles an API's collaborators. ActivationsWG, if set, is
// incremented before and decremented after every background activation
// goroutine, so the composition root can drain in-flight activations
// before shutdown. DeadLetter, if set, backs the operator-facing
// /internal/dlq inspection routes; without it those routes are still
// registered and answer 501 Not Implemented.
type Config struct {
	Store         store.Store
	Orchestrator  *activation.Orchestrator
	Auth          AuthFunc
	Logger        *zap.Logger
	ActivationsWG *sync.WaitGroup
	DeadLetter    *dlq.Store
}

// New builds an API and wires its routes.
func New(cfg Config) *API {
	wg := cfg.ActivationsWG
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	a := &API{
		store: cfg.Store, orchestrator: cfg.Orchestrator, auth: cfg.Auth, logger: cfg.Logger,
		router: chi.NewRouter(), activationsWG: wg, deadLetter: cfg.DeadLetter,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(a.loggerMiddleware)
	a.router.Use(a.metricsMiddleware)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(60 * time.Second))
	a.router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	a.router.Get("/health", a.handleHealth)
	a.router.Handle("/metrics", promhttp.Handler())
	a.router.Get("/internal/dlq", a.handleListDLQ)
	a.router.Delete("/internal/dlq", a.handlePurgeDLQ)

	a.router.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Post("/v1/subscriptions", a.handleCreateSubscription)
		r.Delete("/v1/subscriptions/{id}", a.handleCancelSubscription)
		r.Put("/v1/webhook", a.handlePutWebhook)
	})
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

type accountCtxKey struct{}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := a.auth(r)
		if !ok {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), accountCtxKey{}, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePath, strconv.Itoa(ww.Status())).Inc()
	})
}

func (a *API) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleListDLQ implements GET /internal/dlq: the operator surface for
// inspecting exhausted-redelivery messages. Like /metrics, it carries no
// merchant auth — deployments restrict it at the network/proxy layer.
func (a *API) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if a.deadLetter == nil {
		a.writeError(w, http.StatusNotImplemented, "dead-letter inspection not configured")
		return
	}
	a.writeJSON(w, http.StatusOK, a.deadLetter.List())
}

// handlePurgeDLQ implements DELETE /internal/dlq: clears the dead-letter
// store once an operator has triaged its entries.
func (a *API) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	if a.deadLetter == nil {
		a.writeError(w, http.StatusNotImplemented, "dead-letter inspection not configured")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"purged": a.deadLetter.Purge()})
}

type createSubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Provider       string `json:"provider"`
	Testnet        bool   `json:"testnet"`
	Beneficiary    string `json:"beneficiary"`
}

// handleCreateSubscription implements POST /v1/subscriptions:
// Begin runs synchronously and returns "processing" to the caller,
// Finish completes the charge in a detached background goroutine with
// its own context so the HTTP response is never blocked on it.
func (a *API) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value(accountCtxKey{}).(string)

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, order, err := a.orchestrator.Begin(r.Context(), activation.Request{
		SubscriptionID: req.SubscriptionID, AccountID: accountID,
		Provider: req.Provider, Testnet: req.Testnet, Beneficiary: req.Beneficiary,
	})
	if err != nil {
		a.writeOrchestratorError(w, err)
		return
	}

	a.activationsWG.Add(1)
	go func() {
		defer a.activationsWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		a.orchestrator.Finish(ctx, sub, order)
	}()

	a.writeJSON(w, http.StatusCreated, map[string]string{"status": "processing"})
}

// handleCancelSubscription implements DELETE /v1/subscriptions/:id.
func (a *API) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exists, err := a.store.SubscriptionExists(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		a.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err := a.store.CancelSubscription(r.Context(), id); err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to cancel subscription")
		return
	}
	if _, err := a.store.CancelPendingOrders(r.Context(), id); err != nil {
		a.logger.Warn("failed to cancel pending orders", zap.String("subscription_id", id), zap.Error(err))
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.SubscriptionCanceled)})
}

type putWebhookRequest struct {
	URL string `json:"url"`
}

// handlePutWebhook implements PUT /v1/webhook: registers the
// merchant's delivery URL and returns the HMAC secret the merchant
// uses to verify deliveries. Non-HTTPS URLs are rejected.
func (a *API) handlePutWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value(accountCtxKey{}).(string)

	var req putWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URL) < 9 || req.URL[:8] != "https://" {
		a.writeError(w, http.StatusBadRequest, "url must be https")
		return
	}

	secret := generateSecret()
	endpoint := domain.WebhookEndpoint{AccountID: accountID, URL: req.URL, Secret: secret, Enabled: true}
	if err := a.store.PutWebhookEndpoint(r.Context(), endpoint); err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to save webhook endpoint")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (a *API) writeOrchestratorError(w http.ResponseWriter, err error) {
	if ve, ok := err.(*pkgerrors.ValidationError); ok {
		a.writeError(w, http.StatusBadRequest, ve.Reason)
		return
	}
	a.writeError(w, http.StatusBadGateway, "subscription activation could not be started")
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
