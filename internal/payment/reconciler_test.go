package payment_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/dedupe"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/project"
	"github.com/frahmantamala/expert-payments/internal/synctask"
)

// stubVerifier trusts the payload as an encoded processor.Event unless the header says otherwise.
type stubVerifier struct{}

func (stubVerifier) VerifyWebhookSignature(payload []byte, signatureHeader, _ string) (*processor.Event, error) {
	switch signatureHeader {
	case "bad":
		return nil, processor.ErrInvalidSignature
	case "malformed":
		return nil, processor.ErrMalformedEvent
	}
	var event processor.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func delivery(id string, eventType processor.EventType, intentID string) []byte {
	body, err := json.Marshal(processor.Event{ID: id, Type: eventType, RawType: string(eventType), IntentID: intentID})
	Expect(err).NotTo(HaveOccurred())
	return body
}

func newReconciler(h *harness, secret string) *payment.Reconciler {
	return payment.NewReconciler(h.ledger, stubVerifier{}, dedupe.NewMemoryStore(), h.queue, h.bus, h.alerts,
		payment.ReconcilerConfig{WebhookSecret: secret, ConflictBaseBackoff: time.Millisecond}, silentLogger())
}

var _ = Describe("Reconciler", func() {
	var (
		h          *harness
		reconciler *payment.Reconciler
		id         int64
		ctx        context.Context
	)

	BeforeEach(func() {
		h = newHarness()
		reconciler = newReconciler(h, "whsec_test")
		id = h.ledger.seed(pendingPayment("pi_1"))
		ctx = context.Background()
	})

	It("applies a succeeded event and propagates it to the project", func() {
		result, err := reconciler.HandleWebhook(ctx, delivery("evt_1", processor.EventIntentSucceeded, "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeApplied))
		Expect(result.PaymentID).To(Equal(id))

		stored := h.ledger.get(id)
		Expect(stored.Status).To(Equal(payment.StatusSucceeded))
		Expect(stored.AppliedEventIDs).To(Equal([]string{"evt_1"}))
		Expect(stored.Version).To(Equal(int64(2)))

		Expect(h.projects.outcomeCount()).To(Equal(1))
		Expect(h.projects.outcomes[0].Status).To(Equal(project.PaymentStatusPaid))
		Expect(h.projects.outcomes[0].PlatformFee).To(Equal(int64(1000)))
		Expect(h.projects.outcomes[0].ExpertPayout).To(Equal(int64(9000)))
	})

	It("acknowledges a redelivered event without applying it twice", func() {
		body := delivery("evt_1", processor.EventIntentSucceeded, "pi_1")

		_, err := reconciler.HandleWebhook(ctx, body, "ok")
		Expect(err).NotTo(HaveOccurred())
		result, err := reconciler.HandleWebhook(ctx, body, "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeDuplicate))

		Expect(h.ledger.get(id).AppliedEventIDs).To(Equal([]string{"evt_1"}))
		Expect(h.projects.outcomeCount()).To(Equal(1))
	})

	It("falls back to the ledger when the dedupe claim is gone", func() {
		event := processor.Event{ID: "evt_1", Type: processor.EventIntentSucceeded, IntentID: "pi_1"}

		first, err := reconciler.ApplyEvent(ctx, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Outcome).To(Equal(payment.OutcomeApplied))

		second, err := reconciler.ApplyEvent(ctx, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Outcome).To(Equal(payment.OutcomeDuplicate))
		Expect(h.ledger.get(id).Version).To(Equal(int64(2)))
		Expect(h.projects.outcomeCount()).To(Equal(1))
	})

	It("treats a second succeeded event for a succeeded payment as a no-op", func() {
		_, err := reconciler.HandleWebhook(ctx, delivery("evt_1", processor.EventIntentSucceeded, "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())

		result, err := reconciler.HandleWebhook(ctx, delivery("evt_2", processor.EventIntentSucceeded, "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeNoop))
		Expect(h.ledger.get(id).Version).To(Equal(int64(2)))
	})

	It("rejects a cancellation of a succeeded payment and alerts", func() {
		_, err := reconciler.HandleWebhook(ctx, delivery("evt_1", processor.EventIntentSucceeded, "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())

		result, err := reconciler.HandleWebhook(ctx, delivery("evt_2", processor.EventIntentCanceled, "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeRejected))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusSucceeded))
		Expect(h.alerts.kinds()).To(ConsistOf(alert.KindTransitionRejected))
	})

	It("records the failure reason and marks the project failed", func() {
		event := processor.Event{
			ID:             "evt_fail",
			Type:           processor.EventIntentPaymentFailed,
			IntentID:       "pi_1",
			FailureMessage: "card declined",
		}
		result, err := reconciler.ApplyEvent(ctx, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeApplied))

		stored := h.ledger.get(id)
		Expect(stored.Status).To(Equal(payment.StatusFailed))
		Expect(*stored.FailureReason).To(Equal("card declined"))
		Expect(h.projects.outcomes[0].Status).To(Equal(project.PaymentStatusFailed))
	})

	It("never moves a refunded payment", func() {
		refunded := succeededPayment("pi_refunded")
		refunded.Status = payment.StatusRefunded
		refundedID := h.ledger.seed(refunded)

		result, err := reconciler.ApplyEvent(ctx, processor.Event{ID: "evt_x", Type: processor.EventIntentPaymentFailed, IntentID: "pi_refunded"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeRejected))
		Expect(h.ledger.get(refundedID).Status).To(Equal(payment.StatusRefunded))
	})

	It("reloads and retries after a concurrent write", func() {
		conflicts := 0
		h.ledger.casHook = func(next *payment.Payment) error {
			if conflicts == 0 {
				conflicts++
				h.ledger.bumpVersion(next.ID)
				return errs.ErrConcurrencyConflict
			}
			return nil
		}

		result, err := reconciler.ApplyEvent(ctx, processor.Event{ID: "evt_1", Type: processor.EventIntentSucceeded, IntentID: "pi_1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeApplied))
		Expect(h.ledger.casCalls).To(Equal(2))
		Expect(h.ledger.get(id).Version).To(Equal(int64(3)))
	})

	It("defers an event for an unknown intent and alerts", func() {
		body := delivery("evt_orphan", processor.EventIntentSucceeded, "pi_unknown")

		result, err := reconciler.HandleWebhook(ctx, body, "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeDeferred))
		Expect(h.alerts.kinds()).To(ConsistOf(alert.KindOrphanIntent))
		Expect(h.queue.kinds()).To(ConsistOf(synctask.KindWebhookEvent))
		Expect(h.queue.tasks[0].DedupeKey).To(Equal("webhook_event:evt_orphan"))

		result, err = reconciler.HandleWebhook(ctx, body, "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeDeferred))
	})

	It("ignores event types it does not handle", func() {
		result, err := reconciler.HandleWebhook(ctx, delivery("evt_c", "", "pi_1"), "ok")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeUnhandled))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
	})

	It("refuses deliveries when no secret is configured", func() {
		reconciler = newReconciler(h, "")
		_, err := reconciler.HandleWebhook(ctx, delivery("evt_1", processor.EventIntentSucceeded, "pi_1"), "ok")
		Expect(err).To(MatchError(errs.ErrWebhookNotConfigured))
	})

	It("rejects a bad signature without touching the ledger", func() {
		_, err := reconciler.HandleWebhook(ctx, delivery("evt_1", processor.EventIntentSucceeded, "pi_1"), "bad")
		Expect(err).To(MatchError(errs.ErrWebhookSignature))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
		Expect(h.ledger.casCalls).To(BeZero())
	})

	It("acknowledges an authenticated but malformed event", func() {
		result, err := reconciler.HandleWebhook(ctx, []byte(`{}`), "malformed")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeMalformed))
		Expect(h.alerts.kinds()).To(ConsistOf(alert.KindWebhookProcessing))
	})

	It("keeps the ledger change and queues the project update when the project store fails", func() {
		h.projects.setUpdateErr(stderrors.New("projects unavailable"))

		result, err := reconciler.ApplyEvent(ctx, processor.Event{ID: "evt_1", Type: processor.EventIntentSucceeded, IntentID: "pi_1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(payment.OutcomeApplied))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusSucceeded))
		Expect(h.queue.kinds()).To(ConsistOf(synctask.KindProjectPaymentOutcome))
		Expect(h.queue.tasks[0].DedupeKey).To(Equal("project_payment_outcome:1:paid"))
	})

	Describe("task runner", func() {
		It("replays a deferred webhook event once the payment exists", func() {
			payload, err := json.Marshal(processor.Event{ID: "evt_late", Type: processor.EventIntentSucceeded, IntentID: "pi_late"})
			Expect(err).NotTo(HaveOccurred())
			task := synctask.Task{ID: 1, Kind: synctask.KindWebhookEvent, Payload: payload}

			run := payment.NewTaskRunner(h.projects, reconciler)
			err = run(ctx, task)
			Expect(stderrors.Is(err, payment.ErrUnknownIntent)).To(BeTrue())

			lateID := h.ledger.seed(pendingPayment("pi_late"))
			Expect(run(ctx, task)).To(Succeed())
			Expect(h.ledger.get(lateID).Status).To(Equal(payment.StatusSucceeded))
		})

		It("applies a queued project outcome", func() {
			payload, err := json.Marshal(payment.ProjectOutcomeTask{
				PaymentID: id,
				ProjectID: 1,
				Outcome:   project.PaymentOutcome{Status: project.PaymentStatusPaid, AmountMinorUnits: 10000, Currency: "usd"},
			})
			Expect(err).NotTo(HaveOccurred())

			run := payment.NewTaskRunner(h.projects, reconciler)
			Expect(run(ctx, synctask.Task{ID: 2, Kind: synctask.KindProjectPaymentOutcome, Payload: payload})).To(Succeed())
			Expect(h.projects.projects[1].PaymentStatus).To(Equal(project.PaymentStatusPaid))
		})

		It("fails unknown task kinds", func() {
			run := payment.NewTaskRunner(h.projects, reconciler)
			Expect(run(ctx, synctask.Task{ID: 3, Kind: "mystery", Payload: []byte(`{}`)})).NotTo(Succeed())
		})
	})
})
