package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/usage"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// defaultActor is recorded in history when a request names no actor.
const defaultActor = "admin"

// SubscriptionResponse is the admin view of a subscription.
type SubscriptionResponse struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	PlanKey            string            `json:"plan_key"`
	Interval           string            `json:"interval"`
	Status             string            `json:"status"`
	NextRenewalAt      time.Time         `json:"next_renewal_at"`
	PausedAt           *time.Time        `json:"paused_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	FailedPaymentCount int               `json:"failed_payment_count"`
	DunningLevel       int               `json:"dunning_level"`
	HasPaymentMethod   bool              `json:"has_payment_method"`
	Currency           string            `json:"currency"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Version            int64             `json:"version"`
}

// InvoiceResponse is the admin view of an invoice.
type InvoiceResponse struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Number         string          `json:"number"`
	Amount         decimal.Decimal `json:"amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	DueDate        time.Time       `json:"due_date"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	Gateway        string          `json:"gateway,omitempty"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// HistoryResponse is one audit entry.
type HistoryResponse struct {
	Action    string            `json:"action"`
	Before    map[string]string `json:"before,omitempty"`
	After     map[string]string `json:"after,omitempty"`
	Proration *ProrationView    `json:"proration,omitempty"`
	Actor     string            `json:"actor"`
	CreatedAt time.Time         `json:"created_at"`
}

// ProrationView is a proration breakdown.
type ProrationView struct {
	DaysRemaining int             `json:"days_remaining"`
	IntervalDays  int             `json:"interval_days"`
	UnusedCredit  decimal.Decimal `json:"unused_credit"`
	NewPlanCharge decimal.Decimal `json:"new_plan_charge"`
	Amount        decimal.Decimal `json:"amount"`
}

// PlanChangeResponse is the result of a plan change request.
type PlanChangeResponse struct {
	Subscription  SubscriptionResponse `json:"subscription"`
	OldPlan       string               `json:"old_plan,omitempty"`
	NewPlan       string               `json:"new_plan"`
	ChangeType    string               `json:"change_type"`
	Proration     *ProrationView       `json:"proration,omitempty"`
	Scheduled     bool                 `json:"scheduled"`
	EffectiveAt   time.Time            `json:"effective_at"`
	TransactionID string               `json:"transaction_id,omitempty"`
}

// UsageSummaryResponse is the usage of the current billing period.
type UsageSummaryResponse struct {
	SubscriptionID string       `json:"subscription_id"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	Totals         []UsageTotal `json:"totals"`
}

// UsageTotal is the aggregate of one usage type.
type UsageTotal struct {
	Type   string          `json:"type"`
	Unit   string          `json:"unit,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// OverageResponse prices usage beyond the plan allowance.
type OverageResponse struct {
	Type         string          `json:"type"`
	Used         decimal.Decimal `json:"used"`
	Included     decimal.Decimal `json:"included"`
	Excess       decimal.Decimal `json:"excess"`
	PerUnitPrice decimal.Decimal `json:"per_unit_price"`
	Charge       decimal.Decimal `json:"charge"`
}

// ChangePlanRequest changes the plan of a subscription.
type ChangePlanRequest struct {
	PlanKey          string `json:"plan_key"`
	ApplyImmediately bool   `json:"apply_immediately"`
	Prorate          *bool  `json:"prorate"`
	SendEmail        bool   `json:"send_email"`
	Actor            string `json:"actor"`
}

// PauseRequest pauses a subscription.
type PauseRequest struct {
	DurationDays int    `json:"duration_days"`
	Reason       string `json:"reason"`
	SendEmail    bool   `json:"send_email"`
	Actor        string `json:"actor"`
}

// CancelRequest cancels a subscription.
type CancelRequest struct {
	Immediately bool   `json:"immediately"`
	Reason      string `json:"reason"`
	SendEmail   bool   `json:"send_email"`
	Actor       string `json:"actor"`
}

// TransitionRequest carries the options shared by resume and reactivate.
type TransitionRequest struct {
	SendEmail bool   `json:"send_email"`
	Actor     string `json:"actor"`
}

// CreateInvoiceRequest overrides the renewal invoice defaults.
type CreateInvoiceRequest struct {
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
	DueDate  *time.Time       `json:"due_date"`
	Notes    string           `json:"notes"`
}

// MarkPaidRequest records an out-of-band payment.
type MarkPaidRequest struct {
	Gateway       string `json:"gateway"`
	PaymentMethod string `json:"payment_method"`
	TransactionID string `json:"transaction_id"`
}

// MarkFailedRequest records a failed payment. A code routes the failure
// through the retry engine; without one the invoice is only marked failed.
type MarkFailedRequest struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	GatewayResponse string `json:"gateway_response"`
}

// TrackUsageRequest records metered usage.
type TrackUsageRequest struct {
	UserID   string            `json:"user_id"`
	Type     string            `json:"type"`
	Amount   decimal.Decimal   `json:"amount"`
	Unit     string            `json:"unit"`
	Metadata map[string]string `json:"metadata"`
}

func (h *handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.deps.Subscriptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *handler) subscriptionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Subscriptions.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			Action:    string(e.Action),
			Before:    e.Before,
			After:     e.After,
			Proration: prorationView(e.Proration),
			Actor:     e.Actor,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (h *handler) changePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PlanKey == "" {
		h.writeError(w, r, fmt.Errorf("%w: plan_key is required", errBadRequest))
		return
	}
	prorate := req.Prorate == nil || *req.Prorate
	result, err := h.deps.Subscriptions.ChangePlan(r.Context(), chi.URLParam(r, "id"), req.PlanKey, app.ChangePlanOptions{
		ApplyImmediately: req.ApplyImmediately,
		Prorate:          prorate,
		SendEmail:        req.SendEmail,
		Actor:            actor(r, req.Actor),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := PlanChangeResponse{
		Subscription:  subscriptionResponse(result.Subscription),
		NewPlan:       result.NewPlan.Key,
		ChangeType:    string(result.ChangeType),
		Proration:     prorationView(result.Proration),
		Scheduled:     result.Scheduled,
		EffectiveAt:   result.EffectiveAt,
		TransactionID: result.TransactionID,
	}
	if result.OldPlan != nil {
		resp.OldPlan = result.OldPlan.Key
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.deps.Subscriptions.Pause(r.Context(), chi.URLParam(r, "id"), app.PauseOptions{
		DurationDays: req.DurationDays,
		Reason:       req.Reason,
		SendEmail:    req.SendEmail,
		Actor:        actor(r, req.Actor),
	})
	h.writeSubscription(w, r, sub, err)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.deps.Subscriptions.Resume(r.Context(), chi.URLParam(r, "id"), app.ResumeOptions{
		SendEmail: req.SendEmail,
		Actor:     actor(r, req.Actor),
	})
	h.writeSubscription(w, r, sub, err)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.deps.Subscriptions.Cancel(r.Context(), chi.URLParam(r, "id"), app.CancelOptions{
		Immediately: req.Immediately,
		Reason:      req.Reason,
		SendEmail:   req.SendEmail,
		Actor:       actor(r, req.Actor),
	})
	h.writeSubscription(w, r, sub, err)
}

func (h *handler) reactivate(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.deps.Subscriptions.Reactivate(r.Context(), chi.URLParam(r, "id"), app.ReactivateOptions{
		SendEmail: req.SendEmail,
		Actor:     actor(r, req.Actor),
	})
	h.writeSubscription(w, r, sub, err)
}

func (h *handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.deps.Invoices.Get(r.Context(), chi.URLParam(r, "id"))
	h.writeInvoice(w, r, http.StatusOK, inv, err)
}

func (h *handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.deps.Invoices.CreateRenewalInvoice(r.Context(), chi.URLParam(r, "id"), app.InvoiceOverrides{
		Amount:   req.Amount,
		Currency: req.Currency,
		DueDate:  req.DueDate,
		Notes:    req.Notes,
	})
	h.writeInvoice(w, r, http.StatusCreated, inv, err)
}

func (h *handler) pendingInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.deps.Invoices.GetPending(r.Context(), chi.URLParam(r, "id"))
	h.writeInvoices(w, r, invoices, err)
}

func (h *handler) overdueInvoices(w http.ResponseWriter, r *http.Request) {
	minDays := 0
	if v := r.URL.Query().Get("min_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, fmt.Errorf("%w: min_days must be a non-negative integer", errBadRequest))
			return
		}
		minDays = n
	}
	invoices, err := h.deps.Invoices.GetOverdue(r.Context(), minDays)
	h.writeInvoices(w, r, invoices, err)
}

func (h *handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Gateway == "" {
		req.Gateway = "manual"
	}
	inv, err := h.deps.Invoices.MarkPaid(r.Context(), chi.URLParam(r, "id"), billing.PaymentData{
		Gateway:       req.Gateway,
		PaymentMethod: req.PaymentMethod,
		TransactionID: req.TransactionID,
	})
	h.writeInvoice(w, r, http.StatusOK, inv, err)
}

func (h *handler) markFailed(w http.ResponseWriter, r *http.Request) {
	var req MarkFailedRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.Code != "" && h.deps.Failures != nil {
		err := h.deps.Failures.HandlePaymentFailure(r.Context(), id, billing.ChargeFailure{
			Code:            req.Code,
			Message:         req.Message,
			GatewayResponse: req.GatewayResponse,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		inv, err := h.deps.Invoices.Get(r.Context(), id)
		h.writeInvoice(w, r, http.StatusOK, inv, err)
		return
	}
	inv, err := h.deps.Invoices.MarkFailed(r.Context(), id, req.Message)
	h.writeInvoice(w, r, http.StatusOK, inv, err)
}

func (h *handler) trackUsage(w http.ResponseWriter, r *http.Request) {
	var req TrackUsageRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.deps.Usage.TrackUsage(r.Context(), app.TrackUsageInput{
		UserID:   req.UserID,
		Type:     req.Type,
		Amount:   req.Amount,
		Unit:     req.Unit,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":              rec.ID,
		"subscription_id": rec.SubscriptionID,
		"recorded_at":     rec.RecordedAt,
		"period_start":    rec.PeriodStart,
		"period_end":      rec.PeriodEnd,
	})
}

func (h *handler) usageSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Usage.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageSummaryResponse(s))
}

func (h *handler) usageOverage(w http.ResponseWriter, r *http.Request) {
	o, err := h.deps.Usage.CalculateOverage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OverageResponse{
		Type:         o.Type,
		Used:         o.Used,
		Included:     o.Included,
		Excess:       o.Excess,
		PerUnitPrice: o.PerUnitPrice,
		Charge:       o.Charge,
	})
}

// decode reads an optional JSON body. An empty body leaves v zero.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: "Invalid JSON body"}})
	return false
}

func (h *handler) writeSubscription(w http.ResponseWriter, r *http.Request, sub billing.Subscription, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *handler) writeInvoice(w http.ResponseWriter, r *http.Request, status int, inv billing.Invoice, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, invoiceResponse(inv))
}

func (h *handler) writeInvoices(w http.ResponseWriter, r *http.Request, invoices []billing.Invoice, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, invoiceResponse(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

// actor prefers the body, then the X-Actor header.
func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return defaultActor
}

func subscriptionResponse(s billing.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                 s.ID,
		UserID:             s.UserID,
		PlanKey:            s.PlanKey,
		Interval:           string(s.Interval),
		Status:             string(s.Status),
		NextRenewalAt:      s.NextRenewalAt,
		PausedAt:           s.PausedAt,
		CancelledAt:        s.CancelledAt,
		ExpiresAt:          s.ExpiresAt,
		FailedPaymentCount: s.FailedPaymentCount,
		DunningLevel:       s.DunningLevel,
		HasPaymentMethod:   s.HasPaymentMethod(),
		Currency:           s.Currency,
		Metadata:           s.Metadata,
		Version:            s.Version,
	}
}

func invoiceResponse(inv billing.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:             inv.ID,
		SubscriptionID: inv.SubscriptionID,
		UserID:         inv.UserID,
		Number:         inv.Number,
		Amount:         inv.Amount,
		TaxAmount:      inv.TaxAmount,
		TotalAmount:    inv.TotalAmount,
		Currency:       inv.Currency,
		Status:         string(inv.Status),
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		DueDate:        inv.DueDate,
		PaidAt:         inv.PaidAt,
		Gateway:        inv.Gateway,
		TransactionID:  inv.TransactionID,
		ErrorMessage:   inv.ErrorMessage,
	}
}

func prorationView(p *billing.Proration) *ProrationView {
	if p == nil {
		return nil
	}
	return &ProrationView{
		DaysRemaining: p.DaysRemaining,
		IntervalDays:  p.IntervalDays,
		UnusedCredit:  p.UnusedCredit,
		NewPlanCharge: p.NewPlanCharge,
		Amount:        p.Amount,
	}
}

func usageSummaryResponse(s usage.Summary) UsageSummaryResponse {
	out := UsageSummaryResponse{
		SubscriptionID: s.SubscriptionID,
		PeriodStart:    s.Period.Start,
		PeriodEnd:      s.Period.End,
		Totals:         make([]UsageTotal, 0, len(s.Totals)),
	}
	for _, t := range s.Totals {
		out.Totals = append(out.Totals, UsageTotal{Type: t.Type, Unit: t.Unit, Amount: t.Amount, Count: t.Count})
	}
	return out
}
