package payment_test

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/synctask"
)

var _ = Describe("CreateRefund", func() {
	var (
		h  *harness
		id int64
	)

	BeforeEach(func() {
		h = newHarness()
		id = h.ledger.seed(succeededPayment("pi_refund"))
	})

	It("refunds the full amount by default and updates the project", func() {
		refunded, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).NotTo(HaveOccurred())
		Expect(refunded.Status).To(Equal(payment.StatusRefunded))
		Expect(*refunded.RefundAmountMinorUnits).To(Equal(int64(10000)))
		Expect(*refunded.ExternalRefundID).To(Equal("re_refund-1-1"))

		stored := h.ledger.get(id)
		Expect(stored.Status).To(Equal(payment.StatusRefunded))
		Expect(stored.Version).To(Equal(int64(3)))
		Expect(h.processor.refundKeys).To(Equal([]string{"refund-1-1"}))

		h.bus.Wait()
		Expect(h.projects.refundCount()).To(Equal(1))
		Expect(h.projects.refunds[0].AmountMinorUnits).To(Equal(int64(10000)))
	})

	It("refunds a partial amount with a reason", func() {
		refunded, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{
			AmountMinorUnits: int64Ptr(2500),
			Reason:           strPtr("scope reduced"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(*refunded.RefundAmountMinorUnits).To(Equal(int64(2500)))
		Expect(*refunded.RefundReason).To(Equal("scope reduced"))
	})

	It("lets an admin refund any payment", func() {
		_, err := h.service.CreateRefund(asAdmin(), id, payment.RefundDTO{})
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects an amount above the original", func() {
		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{AmountMinorUnits: int64Ptr(10001)})
		Expect(fieldCodes(err)).To(ContainElement(string(errs.ErrCodeRefundAmountExceeded)))
		Expect(h.ledger.get(id).HasRefundClaim()).To(BeFalse())
	})

	It("rejects an overlong reason", func() {
		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{Reason: strPtr(strings.Repeat("x", 501))})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeValidation))
	})

	It("forbids a different client", func() {
		_, err := h.service.CreateRefund(asClient(4), id, payment.RefundDTO{})
		Expect(err).To(MatchError(errs.ErrUnauthorizedAccess))
	})

	It("rejects a payment that has not succeeded", func() {
		pendingID := h.ledger.seed(pendingPayment("pi_pending"))
		_, err := h.service.CreateRefund(asClient(3), pendingID, payment.RefundDTO{})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeInvalidState))
	})

	It("rejects a second refund", func() {
		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).NotTo(HaveOccurred())

		_, err = h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).To(MatchError(errs.ErrAlreadyRefunded))
		_, _, refunds := h.processor.calls()
		Expect(refunds).To(Equal(1))
	})

	It("issues exactly one remote refund for concurrent requests", func() {
		h.processor.refundGate = make(chan struct{})

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []error
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
				mu.Lock()
				results = append(results, err)
				mu.Unlock()
			}()
		}

		Eventually(func() int {
			_, _, refunds := h.processor.calls()
			return refunds
		}).Should(Equal(1))
		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(results)
		}).Should(Equal(1))
		close(h.processor.refundGate)
		wg.Wait()

		var succeeded, conflicted int
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			appErr := appErrorOf(err)
			Expect(appErr.Type).To(Equal(errs.ErrorTypeConflict))
			Expect(appErr.Code).To(BeElementOf(errs.ErrCodeConcurrencyConflict, errs.ErrCodeAlreadyRefunded))
			conflicted++
		}
		Expect(succeeded).To(Equal(1))
		Expect(conflicted).To(Equal(1))

		_, _, refunds := h.processor.calls()
		Expect(refunds).To(Equal(1))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusRefunded))
	})

	It("keeps the claim when the processor times out and resumes under the same key", func() {
		h.processor.refundErr = processor.ErrProcessorTimedOut

		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeExternal))

		claimed := h.ledger.get(id)
		Expect(claimed.Status).To(Equal(payment.StatusSucceeded))
		Expect(claimed.HasRefundClaim()).To(BeTrue())

		_, err = h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).To(MatchError(errs.ErrRefundInProgress))

		h.processor.refundErr = nil
		refunded, err := h.service.ResumeRefund(asAdmin(), claimed)
		Expect(err).NotTo(HaveOccurred())
		Expect(refunded.Status).To(Equal(payment.StatusRefunded))
		Expect(h.processor.refundKeys).To(Equal([]string{"refund-1-1", "refund-1-1"}))
	})

	It("keeps the claim when the processor fails without a definitive answer", func() {
		h.processor.refundErr = stderrors.New("read tcp: connection reset by peer")

		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeExternal))

		claimed := h.ledger.get(id)
		Expect(claimed.HasRefundClaim()).To(BeTrue())
		Expect(*claimed.RefundIdempotencyKey).To(Equal("refund-1-1"))

		h.processor.refundErr = nil
		_, err = h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).To(MatchError(errs.ErrConcurrencyConflict))
		Expect(h.processor.refundKeys).To(Equal([]string{"refund-1-1"}))

		refunded, err := h.service.ResumeRefund(asAdmin(), claimed)
		Expect(err).NotTo(HaveOccurred())
		Expect(refunded.Status).To(Equal(payment.StatusRefunded))
		Expect(h.processor.refundKeys).To(Equal([]string{"refund-1-1", "refund-1-1"}))
	})

	It("releases the claim when the processor rejects the refund", func() {
		h.processor.refundErr = fmt.Errorf("create refund: %w: charge already disputed", processor.ErrRejected)

		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeExternal))

		released := h.ledger.get(id)
		Expect(released.Status).To(Equal(payment.StatusSucceeded))
		Expect(released.HasRefundClaim()).To(BeFalse())
		Expect(released.RefundAmountMinorUnits).To(BeNil())

		h.processor.refundErr = nil
		_, err = h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.processor.refundKeys[1]).To(Equal("refund-1-3"))
	})

	It("alerts when the refund is issued but cannot be recorded", func() {
		h.ledger.casHook = func(next *payment.Payment) error {
			if next.Status == payment.StatusRefunded {
				return stderrors.New("connection reset")
			}
			return nil
		}

		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeInternal))
		Expect(h.alerts.kinds()).To(ContainElement(alert.KindRefundFinalize))
		Expect(h.ledger.get(id).HasRefundClaim()).To(BeTrue())
	})

	It("queues the project update when the project store fails", func() {
		h.projects.setUpdateErr(stderrors.New("projects unavailable"))

		_, err := h.service.CreateRefund(asClient(3), id, payment.RefundDTO{})
		Expect(err).NotTo(HaveOccurred())

		h.bus.Wait()
		Expect(h.queue.kinds()).To(ConsistOf(synctask.KindProjectRefund))
		Expect(h.ledger.get(id).Status).To(Equal(payment.StatusRefunded))
	})
})
