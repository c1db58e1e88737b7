package payment_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/expert-payments/internal/dedupe"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/processor/stripe"
)

const webhookSecret = "whsec_handler_test"

func stripeSignature(payload []byte, key string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(id, eventType, intentID string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": "2020-08-27",
  "created": 1700000000,
  "type": %q,
  "data": {"object": {"id": %q, "object": "payment_intent", "amount": 10000, "currency": "usd", "status": "succeeded"}}
}`, id, eventType, intentID))
}

var _ = Describe("WebhookHandler", func() {
	var (
		h       *harness
		handler *payment.WebhookHandler
		id      int64
	)

	post := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(body))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		rec := httptest.NewRecorder()
		handler.HandleWebhook(rec, req)
		return rec
	}

	BeforeEach(func() {
		h = newHarness()
		id = h.ledger.seed(pendingPayment("pi_hook"))
		reconciler := payment.NewReconciler(h.ledger, stripe.WebhookVerifier{}, dedupe.NewMemoryStore(), h.queue, h.bus, h.alerts,
			payment.ReconcilerConfig{WebhookSecret: webhookSecret}, silentLogger())
		handler = payment.NewWebhookHandler(nil, reconciler, silentLogger())
	})

	It("acknowledges a signed event and settles the payment", func() {
		body := stripeEvent("evt_hook_1", "payment_intent.succeeded", "pi_hook")

		rec := post(body, stripeSignature(body, webhookSecret))
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["received"]).To(BeTrue())
		Expect(resp["outcome"]).To(Equal(string(payment.OutcomeApplied)))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusSucceeded))
	})

	It("acknowledges a redelivery as a duplicate", func() {
		body := stripeEvent("evt_hook_1", "payment_intent.succeeded", "pi_hook")
		Expect(post(body, stripeSignature(body, webhookSecret)).Code).To(Equal(http.StatusOK))

		rec := post(body, stripeSignature(body, webhookSecret))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"outcome":"duplicate"`))
		Expect(h.projects.outcomeCount()).To(Equal(1))
	})

	It("rejects a tampered payload and leaves the ledger unchanged", func() {
		body := stripeEvent("evt_hook_1", "payment_intent.succeeded", "pi_hook")
		signature := stripeSignature(body, webhookSecret)
		tampered := bytes.Replace(body, []byte("pi_hook"), []byte("pi_evil"), 1)

		rec := post(tampered, signature)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_SIGNATURE"))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
		Expect(h.ledger.get(id).Version).To(Equal(int64(1)))
	})

	It("rejects a payload signed with another secret", func() {
		body := stripeEvent("evt_hook_2", "payment_intent.succeeded", "pi_hook")
		Expect(post(body, stripeSignature(body, "whsec_other")).Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a delivery without a signature header", func() {
		body := stripeEvent("evt_hook_3", "payment_intent.succeeded", "pi_hook")
		Expect(post(body, "").Code).To(Equal(http.StatusBadRequest))
	})

	It("acknowledges event types the ledger ignores", func() {
		body := stripeEvent("evt_hook_4", "charge.succeeded", "pi_hook")
		rec := post(body, stripeSignature(body, webhookSecret))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"outcome":"unhandled"`))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
	})

	It("acknowledges an unknown intent and queues it", func() {
		body := stripeEvent("evt_hook_5", "payment_intent.succeeded", "pi_nowhere")
		rec := post(body, stripeSignature(body, webhookSecret))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"outcome":"deferred"`))
		Expect(h.queue.tasks).To(HaveLen(1))
	})

	It("refuses deliveries when the secret is missing", func() {
		reconciler := payment.NewReconciler(h.ledger, stripe.WebhookVerifier{}, dedupe.NewMemoryStore(), h.queue, h.bus, h.alerts,
			payment.ReconcilerConfig{}, silentLogger())
		handler = payment.NewWebhookHandler(nil, reconciler, silentLogger())

		body := stripeEvent("evt_hook_6", "payment_intent.succeeded", "pi_hook")
		rec := post(body, stripeSignature(body, webhookSecret))
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
	})
})
