// Package http provides the operational HTTP surface: health, metrics,
// gateway webhooks and the admin API.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/domain/usage"
	"github.com/artpar/billingd/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// JobRunner runs a cron entry point by name.
type JobRunner interface {
	Run(ctx context.Context, name string) (app.BatchResult, error)
}

// PaymentAttempter attempts the next scheduled retry of an invoice.
type PaymentAttempter interface {
	AttemptPayment(ctx context.Context, invoiceID string) (retry.Outcome, error)
}

// DocumentProvider returns the document path of an invoice.
type DocumentProvider interface {
	Document(ctx context.Context, invoiceID string) (string, error)
}

// HealthChecker reports backend readiness.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SubscriptionManager applies operator-initiated subscription transitions.
type SubscriptionManager interface {
	Get(ctx context.Context, subID string) (billing.Subscription, error)
	History(ctx context.Context, subID string) ([]billing.HistoryEntry, error)
	ChangePlan(ctx context.Context, subID, planKey string, opts app.ChangePlanOptions) (app.PlanChangeResult, error)
	Pause(ctx context.Context, subID string, opts app.PauseOptions) (billing.Subscription, error)
	Resume(ctx context.Context, subID string, opts app.ResumeOptions) (billing.Subscription, error)
	Cancel(ctx context.Context, subID string, opts app.CancelOptions) (billing.Subscription, error)
	Reactivate(ctx context.Context, subID string, opts app.ReactivateOptions) (billing.Subscription, error)
}

// InvoiceManager creates invoices and records out-of-band payment outcomes.
type InvoiceManager interface {
	Get(ctx context.Context, invoiceID string) (billing.Invoice, error)
	CreateRenewalInvoice(ctx context.Context, subID string, overrides app.InvoiceOverrides) (billing.Invoice, error)
	MarkPaid(ctx context.Context, invoiceID string, payment billing.PaymentData) (billing.Invoice, error)
	MarkFailed(ctx context.Context, invoiceID, message string) (billing.Invoice, error)
	GetOverdue(ctx context.Context, minDays int) ([]billing.Invoice, error)
	GetPending(ctx context.Context, subID string) ([]billing.Invoice, error)
}

// FailureReporter records a failed charge reported outside the retry loop.
type FailureReporter interface {
	HandlePaymentFailure(ctx context.Context, invoiceID string, failure billing.ChargeFailure) error
}

// UsageTracker meters usage.
type UsageTracker interface {
	TrackUsage(ctx context.Context, in app.TrackUsageInput) (usage.Record, error)
	Summary(ctx context.Context, userID string) (usage.Summary, error)
	CalculateOverage(ctx context.Context, userID, usageType string) (usage.Overage, error)
}

// PaymentEventApplier applies a verified gateway notification.
type PaymentEventApplier interface {
	Apply(ctx context.Context, ev ports.PaymentEvent) error
}

// Deps are the collaborators of the ops router.
type Deps struct {
	Jobs          JobRunner
	Retries       PaymentAttempter
	Failures      FailureReporter
	Documents     DocumentProvider
	Subscriptions SubscriptionManager
	Invoices      InvoiceManager
	Usage         UsageTracker
	// Webhooks enables POST /webhooks/{gateway} when set.
	Webhooks      ports.PaymentEventParser
	PaymentEvents PaymentEventApplier
	Health      HealthChecker
	Metrics     http.Handler
	MetricsPath string
	AdminToken  string
	Version     string
	Logger      zerolog.Logger
}

// ErrorBody is the JSON error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttemptResponse is the result of a manual payment attempt.
type AttemptResponse struct {
	InvoiceID     string     `json:"invoice_id"`
	AttemptNumber int        `json:"attempt_number"`
	Success       bool       `json:"success"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Exhausted     bool       `json:"exhausted"`
}

// NewRouter creates the ops router.
func NewRouter(d Deps) chi.Router {
	h := &handler{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", h.liveness)
	r.Get("/readyz", h.readiness)
	r.Get("/version", h.version)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, d.Metrics)
	}

	if d.Webhooks != nil && d.PaymentEvents != nil {
		r.Post("/webhooks/stripe", h.paymentWebhook)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(d.AdminToken))
		r.Post("/jobs/{job}", h.runJob)
		r.Post("/invoices/{id}/attempt", h.attemptPayment)
		r.Get("/invoices/{id}/document", h.document)

		if d.Invoices != nil {
			r.Get("/invoices/overdue", h.overdueInvoices)
			r.Get("/invoices/{id}", h.getInvoice)
			r.Post("/invoices/{id}/paid", h.markPaid)
			r.Post("/invoices/{id}/failed", h.markFailed)
			r.Post("/subscriptions/{id}/invoices", h.createInvoice)
			r.Get("/subscriptions/{id}/invoices", h.pendingInvoices)
		}
		if d.Subscriptions != nil {
			r.Get("/subscriptions/{id}", h.getSubscription)
			r.Get("/subscriptions/{id}/history", h.subscriptionHistory)
			r.Post("/subscriptions/{id}/plan", h.changePlan)
			r.Post("/subscriptions/{id}/pause", h.pause)
			r.Post("/subscriptions/{id}/resume", h.resume)
			r.Post("/subscriptions/{id}/cancel", h.cancel)
			r.Post("/subscriptions/{id}/reactivate", h.reactivate)
		}
		if d.Usage != nil {
			r.Post("/usage", h.trackUsage)
			r.Get("/users/{id}/usage", h.usageSummary)
			r.Get("/users/{id}/usage/{type}/overage", h.usageOverage)
		}
	})

	return r
}

type handler struct {
	deps Deps
}

func (h *handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.deps.Health.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.deps.Version, "service": "billingd"})
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	result, err := h.deps.Jobs.Run(r.Context(), job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) attemptPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.deps.Retries.AttemptPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AttemptResponse{
		InvoiceID:     out.InvoiceID,
		AttemptNumber: out.AttemptNumber,
		Success:       out.Success,
		TransactionID: out.TransactionID,
		ErrorCode:     out.ErrorCode,
		NextRetryAt:   out.NextRetryAt,
		Exhausted:     out.Exhausted,
	})
}

func (h *handler) document(w http.ResponseWriter, r *http.Request) {
	if h.deps.Documents == nil {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: "not_found", Message: "documents disabled"}})
		return
	}
	path, err := h.deps.Documents.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.deps.Logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: err.Error()}})
}

// classify maps service errors to HTTP status codes.
func classify(err error) (int, string) {
	var invalid validator.ValidationErrors
	var proration *billing.ProrationChargeError
	switch {
	case errors.As(err, &invalid), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, app.ErrUnknownCronJob):
		return http.StatusNotFound, "unknown_job"
	case errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrNoActiveSubscription):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &proration):
		return http.StatusPaymentRequired, "proration_charge_failed"
	case errors.Is(err, billing.ErrInvoiceAlreadyPaid),
		errors.Is(err, billing.ErrNoScheduledRetry),
		errors.Is(err, billing.ErrRetryClaimed),
		errors.Is(err, billing.ErrNotDue),
		errors.Is(err, billing.ErrInvalidState),
		errors.Is(err, billing.ErrAlreadyCancelled),
		errors.Is(err, billing.ErrSamePlan),
		errors.Is(err, billing.ErrInvoiceNotPayable),
		errors.Is(err, billing.ErrConcurrentUpdate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, billing.ErrNoPaymentMethod):
		return http.StatusUnprocessableEntity, "no_payment_method"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// bearerAuth requires "Authorization: Bearer <token>". An empty token
// leaves the routes open.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="billingd"`)
				writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{Code: "unauthorized", Message: "missing or invalid admin token"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLoggingMiddleware logs each request at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
