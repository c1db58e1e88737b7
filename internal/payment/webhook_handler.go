package payment

import (
	"io"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/transport"
)

const (
	maxWebhookBodyBytes = 1 << 20
	signatureHeader     = "Stripe-Signature"
)

type WebhookHandler struct {
	*transport.BaseHandler
	processor WebhookProcessor
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, processor WebhookProcessor, logger *slog.Logger) *WebhookHandler {
	if baseHandler == nil {
		baseHandler = transport.NewBaseHandler(logger)
	}
	return &WebhookHandler{
		BaseHandler: baseHandler,
		processor:   processor,
	}
}

// HandleWebhook handles POST /api/v1/payments/webhook. The body is read raw because the
// signature covers the exact bytes sent.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.Logger.Error("failed to read webhook body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	result, err := h.processor.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("webhook acknowledged",
		"event_id", result.EventID,
		"event_type", result.EventType,
		"outcome", result.Outcome,
		"payment_id", result.PaymentID)

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  result.Outcome,
	})
}
