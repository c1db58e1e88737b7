package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		Service:     service,
	}
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request, op string) (errors.Identity, bool) {
	identity, ok := errors.IdentityFromContext(r.Context())
	if !ok {
		h.Logger.Error(op+": identity not found in context", "path", r.URL.Path)
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return errors.Identity{}, false
	}
	return identity, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.Logger.Error(op+": invalid request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return false
	}
	return true
}

// CreateIntent handles POST /api/v1/payments/intents
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "CreateIntent")
	if !ok {
		return
	}
	if identity.Role != errors.RoleClient {
		h.HandleError(w, errors.NewForbiddenError("only clients can pay for projects", errors.ErrCodeUnauthorizedAccess))
		return
	}

	var dto CreateIntentDTO
	if !h.decode(w, r, "CreateIntent", &dto) {
		return
	}
	dto.ClientID = identity.UserID

	result, err := h.Service.CreatePaymentIntent(r.Context(), dto)
	if err != nil {
		h.Logger.Error("CreateIntent: service error", "error", err, "project_id", dto.ProjectID, "user_id", identity.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, result)
}

// ConfirmIntent handles POST /api/v1/payments/intents/{intentId}/confirm
func (h *Handler) ConfirmIntent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r, "ConfirmIntent"); !ok {
		return
	}

	var dto ConfirmIntentDTO
	if !h.decode(w, r, "ConfirmIntent", &dto) {
		return
	}

	intentID := chi.URLParam(r, "intentId")
	result, err := h.Service.ConfirmPaymentIntent(r.Context(), intentID, dto)
	if err != nil {
		h.Logger.Error("ConfirmIntent: service error", "error", err, "external_intent_id", intentID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// CreateRefund handles POST /api/v1/payments/{id}/refund
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r, "CreateRefund"); !ok {
		return
	}
	paymentID, appErr := h.ParseIDParam(r, "id")
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	var dto RefundDTO
	if r.ContentLength != 0 {
		if !h.decode(w, r, "CreateRefund", &dto) {
			return
		}
	}

	p, err := h.Service.CreateRefund(r.Context(), paymentID, dto)
	if err != nil {
		h.Logger.Error("CreateRefund: service error", "error", err, "payment_id", paymentID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// UpdatePayoutStatus handles PATCH /api/v1/payments/{id}/payout
func (h *Handler) UpdatePayoutStatus(w http.ResponseWriter, r *http.Request) {
	paymentID, appErr := h.ParseIDParam(r, "id")
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	var dto UpdatePayoutDTO
	if !h.decode(w, r, "UpdatePayoutStatus", &dto) {
		return
	}

	p, err := h.Service.UpdatePayoutStatus(r.Context(), paymentID, dto)
	if err != nil {
		h.Logger.Error("UpdatePayoutStatus: service error", "error", err, "payment_id", paymentID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// GetStats handles GET /api/v1/payments/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "GetStats")
	if !ok {
		return
	}

	stats, err := h.Service.GetPaymentStats(r.Context(), identity.UserID, identity.Role)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

// GetHistory handles GET /api/v1/payments/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "GetHistory")
	if !ok {
		return
	}

	page := h.QueryInt(r, "page", 1)
	limit := h.QueryInt(r, "limit", 20)

	history, err := h.Service.GetPaymentHistory(r.Context(), identity.UserID, identity.Role, page, limit)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, history)
}

// ListPaymentMethods handles GET /api/v1/payments/methods
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "ListPaymentMethods")
	if !ok {
		return
	}

	methods, err := h.Service.ListPaymentMethods(r.Context(), identity.UserID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"payment_methods": methods})
}

// AttachPaymentMethod handles POST /api/v1/payments/methods/{pmId}/attach
func (h *Handler) AttachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "AttachPaymentMethod")
	if !ok {
		return
	}

	pm, err := h.Service.AttachPaymentMethod(r.Context(), identity.UserID, chi.URLParam(r, "pmId"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, pm)
}

// DetachPaymentMethod handles DELETE /api/v1/payments/methods/{pmId}
func (h *Handler) DetachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "DetachPaymentMethod")
	if !ok {
		return
	}

	if err := h.Service.DetachPaymentMethod(r.Context(), identity.UserID, chi.URLParam(r, "pmId")); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateSetupIntent handles POST /api/v1/payments/setup-intents
func (h *Handler) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r, "CreateSetupIntent")
	if !ok {
		return
	}

	si, err := h.Service.CreateSetupIntent(r.Context(), identity.UserID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, si)
}
