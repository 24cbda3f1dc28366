package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// maxWebhookBody bounds a gateway delivery.
const maxWebhookBody = 1 << 20

// paymentWebhook verifies a gateway delivery and applies it. Deliveries
// that can never succeed are acknowledged with 200 so the gateway stops
// redelivering; store and transient failures answer 500.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("failed to read webhook body")
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: "failed to read body"}})
		return
	}

	ev, err := h.deps.Webhooks.ParseEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ports.ErrInvalidSignature) {
			h.deps.Logger.Warn().Err(err).Msg("invalid webhook signature")
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{Code: "invalid_signature", Message: "invalid signature"}})
			return
		}
		h.deps.Logger.Warn().Err(err).Msg("malformed webhook")
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: err.Error()}})
		return
	}

	h.deps.Logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("invoice_id", ev.InvoiceID).
		Msg("received payment webhook")

	if err := h.deps.PaymentEvents.Apply(r.Context(), ev); err != nil {
		status, _ := classify(err)
		if status >= http.StatusInternalServerError || errors.Is(err, billing.ErrConcurrentUpdate) {
			h.writeError(w, r, err)
			return
		}
		h.deps.Logger.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Msg("payment webhook not applied")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
