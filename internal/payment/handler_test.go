package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/processor"
)

var _ = Describe("Handler", func() {
	var (
		h      *harness
		router chi.Router
	)

	BeforeEach(func() {
		h = newHarness()
		handler := payment.NewHandler(h.service, silentLogger())

		router = chi.NewRouter()
		router.Post("/payments/intents", handler.CreateIntent)
		router.Post("/payments/intents/{intentId}/confirm", handler.ConfirmIntent)
		router.Post("/payments/{id}/refund", handler.CreateRefund)
		router.Patch("/payments/{id}/payout", handler.UpdatePayoutStatus)
		router.Get("/payments/methods", handler.ListPaymentMethods)
		router.Delete("/payments/methods/{pmId}", handler.DetachPaymentMethod)
	})

	do := func(ctx context.Context, method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		if body == nil {
			req.ContentLength = 0
		}
		req = req.WithContext(ctx)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	errorCode := func(rec *httptest.ResponseRecorder) string {
		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		return resp.Error.Code
	}

	Context("CreateIntent", func() {
		It("creates an intent for the authenticated client", func() {
			rec := do(asClient(3), http.MethodPost, "/payments/intents",
				map[string]interface{}{"project_id": 1, "amount_minor_units": 10000, "currency": "usd"})
			Expect(rec.Code).To(Equal(http.StatusCreated))

			var resp struct {
				ClientSecret string          `json:"client_secret"`
				Payment      payment.Payment `json:"payment"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.ClientSecret).NotTo(BeEmpty())
			Expect(resp.Payment.Status).To(Equal(payment.StatusPending))
			Expect(resp.Payment.PlatformFeeMinorUnits).To(Equal(int64(1000)))
		})

		It("returns unauthorized without an identity", func() {
			rec := do(context.Background(), http.MethodPost, "/payments/intents",
				map[string]interface{}{"project_id": 1, "amount_minor_units": 10000, "currency": "usd"})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("forbids experts from paying", func() {
			ctx := errs.ContextWithIdentity(context.Background(), errs.Identity{UserID: 7, Role: errs.RoleExpert})
			rec := do(ctx, http.MethodPost, "/payments/intents",
				map[string]interface{}{"project_id": 1, "amount_minor_units": 10000, "currency": "usd"})
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("returns a validation error for a malformed body", func() {
			req := httptest.NewRequest(http.MethodPost, "/payments/intents", bytes.NewBufferString("{"))
			req = req.WithContext(asClient(3))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown project", func() {
			rec := do(asClient(3), http.MethodPost, "/payments/intents",
				map[string]interface{}{"project_id": 42, "amount_minor_units": 10000, "currency": "usd"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(errorCode(rec)).To(Equal(string(errs.ErrCodeProjectNotFound)))
		})

		It("advertises Retry-After when the processor fails", func() {
			h.processor.intentErr = errors.New("connection reset")
			rec := do(asClient(3), http.MethodPost, "/payments/intents",
				map[string]interface{}{"project_id": 1, "amount_minor_units": 10000, "currency": "usd"})
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(errorCode(rec)).To(Equal(string(errs.ErrCodeProcessorFailed)))
			Expect(rec.Header().Get("Retry-After")).To(Equal("5"))
		})
	})

	Context("ConfirmIntent", func() {
		It("confirms by intent id", func() {
			h.ledger.seed(pendingPayment("pi_abc"))
			rec := do(asClient(3), http.MethodPost, "/payments/intents/pi_abc/confirm",
				map[string]string{"payment_method_id": "pm_card_visa"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"external_intent_id":"pi_abc"`))
		})
	})

	Context("CreateRefund", func() {
		It("refunds in full when no body is sent", func() {
			id := h.ledger.seed(succeededPayment("pi_r"))
			rec := do(asClient(3), http.MethodPost, "/payments/1/refund", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusRefunded))
		})

		It("maps an already refunded payment to 409", func() {
			p := succeededPayment("pi_r")
			p.Status = payment.StatusRefunded
			h.ledger.seed(p)

			rec := do(asClient(3), http.MethodPost, "/payments/1/refund", map[string]int64{"amount_minor_units": 100})
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(errorCode(rec)).To(Equal(string(errs.ErrCodeAlreadyRefunded)))
		})

		It("rejects a non-numeric id", func() {
			rec := do(asClient(3), http.MethodPost, "/payments/abc/refund", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps an unrefundable state to 409", func() {
			h.ledger.seed(pendingPayment("pi_p"))
			rec := do(asClient(3), http.MethodPost, "/payments/1/refund", nil)
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(errorCode(rec)).To(Equal(string(errs.ErrCodeInvalidPaymentState)))
		})

		It("does not advertise Retry-After for a rejected refund", func() {
			h.ledger.seed(succeededPayment("pi_r"))
			h.processor.refundErr = fmt.Errorf("create refund: %w: charge disputed", processor.ErrRejected)

			rec := do(asClient(3), http.MethodPost, "/payments/1/refund", nil)
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(rec.Header().Get("Retry-After")).To(BeEmpty())
		})
	})

	Context("UpdatePayoutStatus", func() {
		It("updates the payout status", func() {
			id := h.ledger.seed(succeededPayment("pi_payout"))
			rec := do(asAdmin(), http.MethodPatch, "/payments/1/payout", map[string]string{"payout_status": "paid"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(h.ledger.get(id).PayoutStatus).To(Equal(payment.PayoutPaid))
		})
	})

	Context("payment methods", func() {
		It("lists methods under a payment_methods key", func() {
			rec := do(asClient(3), http.MethodGet, "/payments/methods", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"payment_methods":[]`))
		})

		It("returns 404 when detaching a method the client does not own", func() {
			rec := do(asClient(3), http.MethodDelete, "/payments/methods/pm_foreign", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})
})
