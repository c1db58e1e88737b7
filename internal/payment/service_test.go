package payment_test

import (
	"context"
	stderrors "errors"
	"math"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/processor"
)

func fieldCodes(err error) []string {
	appErr := appErrorOf(err)
	details, ok := appErr.Details.(errs.ValidationErrors)
	if !ok {
		return nil
	}
	codes := make([]string, 0, len(details.Errors))
	for _, d := range details.Errors {
		codes = append(codes, d.Code)
	}
	return codes
}

var _ = Describe("Service", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	Describe("CreatePaymentIntent", func() {
		var req payment.CreateIntentDTO

		BeforeEach(func() {
			req = payment.CreateIntentDTO{ProjectID: 1, ClientID: 3, AmountMinorUnits: 10000, Currency: "USD"}
		})

		It("records a pending payment with the fee split captured at creation", func() {
			result, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ClientSecret).To(Equal("pi_1_secret"))

			p := result.Payment
			Expect(p.ID).To(BeNumerically(">", 0))
			Expect(p.Status).To(Equal(payment.StatusPending))
			Expect(p.Currency).To(Equal("usd"))
			Expect(p.FeeRate).To(Equal("0.1"))
			Expect(p.PlatformFeeMinorUnits).To(Equal(int64(1000)))
			Expect(p.ExpertPayoutMinorUnits).To(Equal(int64(9000)))
			Expect(p.PlatformFeeMinorUnits + p.ExpertPayoutMinorUnits).To(Equal(p.AmountMinorUnits))
			Expect(p.ExpertID).To(Equal(int64(7)))
			Expect(p.PayoutStatus).To(Equal(payment.PayoutPending))
			Expect(p.Version).To(Equal(int64(1)))

			stored := h.ledger.get(p.ID)
			Expect(stored.ExternalIntentID).To(Equal("pi_1"))
			Expect(*stored.ExternalCustomerID).To(Equal("cus_3"))
		})

		It("creates the processor customer once and reuses it", func() {
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.service.CreatePaymentIntent(asClient(3), req)
			Expect(err).NotTo(HaveOccurred())

			customers, intents, _ := h.processor.calls()
			Expect(customers).To(Equal(1))
			Expect(intents).To(Equal(2))
			Expect(*h.users.users[3].ExternalCustomerID).To(Equal("cus_3"))
		})

		It("shares one customer creation between concurrent requests", func() {
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := h.service.CreatePaymentIntent(asClient(3), req)
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			customers, _, _ := h.processor.calls()
			Expect(customers).To(BeNumerically("<=", 5))
			for _, p := range h.ledger.filter(0, math.MaxInt, func(*payment.Payment) bool { return true }) {
				Expect(*p.ExternalCustomerID).To(Equal("cus_3"))
			}
		})

		It("rejects an amount below the minimum", func() {
			req.AmountMinorUnits = 49
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeValidation))
			Expect(fieldCodes(err)).To(ContainElement(string(errs.ErrCodeAmountTooLow)))
		})

		It("rejects an unsupported currency", func() {
			req.Currency = "eur"
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(fieldCodes(err)).To(ContainElement(string(errs.ErrCodeUnsupportedCurrency)))
		})

		It("returns not found for an unknown project", func() {
			req.ProjectID = 99
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(err).To(MatchError(errs.ErrProjectNotFound))
		})

		It("returns not found for an unknown client", func() {
			req.ClientID = 99
			_, err := h.service.CreatePaymentIntent(asClient(99), req)
			Expect(err).To(MatchError(errs.ErrClientNotFound))
		})

		It("rejects a project owned by another client", func() {
			req.ClientID = 4
			_, err := h.service.CreatePaymentIntent(asClient(4), req)
			Expect(appErrorOf(err).Code).To(Equal(errs.ErrCodeProjectOwnership))
		})

		It("rejects a project without an assigned expert", func() {
			req.ProjectID = 2
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(appErrorOf(err).Code).To(Equal(errs.ErrCodeExpertNotAssigned))
		})

		It("leaves the ledger untouched when the processor fails", func() {
			h.processor.intentErr = stderrors.New("card network down")
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeExternal))
			Expect(h.ledger.filter(0, math.MaxInt, func(*payment.Payment) bool { return true })).To(BeEmpty())
		})

		It("alerts when the intent exists but the ledger write fails", func() {
			h.ledger.createErr = stderrors.New("disk full")
			_, err := h.service.CreatePaymentIntent(asClient(3), req)
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeInternal))
			Expect(h.alerts.kinds()).To(ConsistOf(alert.KindLedgerWriteFailed))
		})
	})

	Describe("ConfirmPaymentIntent", func() {
		It("confirms without touching the ledger", func() {
			id := h.ledger.seed(pendingPayment("pi_confirm"))

			result, err := h.service.ConfirmPaymentIntent(asClient(3), "pi_confirm",
				payment.ConfirmIntentDTO{PaymentMethodID: "pm_card_visa"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.PaymentID).To(Equal(id))
			Expect(result.Status).To(Equal(processor.IntentProcessing))
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
			Expect(h.ledger.casCalls).To(BeZero())
		})

		It("requires a payment method", func() {
			h.ledger.seed(pendingPayment("pi_confirm"))
			_, err := h.service.ConfirmPaymentIntent(asClient(3), "pi_confirm", payment.ConfirmIntentDTO{})
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeValidation))
		})

		It("forbids another client", func() {
			h.ledger.seed(pendingPayment("pi_confirm"))
			_, err := h.service.ConfirmPaymentIntent(asClient(4), "pi_confirm",
				payment.ConfirmIntentDTO{PaymentMethodID: "pm_card_visa"})
			Expect(err).To(MatchError(errs.ErrUnauthorizedAccess))
		})

		It("returns not found for an unknown intent", func() {
			_, err := h.service.ConfirmPaymentIntent(asClient(3), "pi_missing",
				payment.ConfirmIntentDTO{PaymentMethodID: "pm_card_visa"})
			Expect(err).To(MatchError(errs.ErrPaymentNotFound))
		})
	})

	Describe("UpdatePayoutStatus", func() {
		It("updates the payout status even after a refund", func() {
			p := succeededPayment("pi_payout")
			p.Status = payment.StatusRefunded
			id := h.ledger.seed(p)

			updated, err := h.service.UpdatePayoutStatus(asAdmin(), id, payment.UpdatePayoutDTO{PayoutStatus: "paid"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.PayoutStatus).To(Equal(payment.PayoutPaid))
			Expect(h.ledger.get(id).PayoutStatus).To(Equal(payment.PayoutPaid))
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusRefunded))
		})

		It("rejects an unknown payout status", func() {
			id := h.ledger.seed(succeededPayment("pi_payout"))
			_, err := h.service.UpdatePayoutStatus(asAdmin(), id, payment.UpdatePayoutDTO{PayoutStatus: "sent"})
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeValidation))
		})

		It("returns not found for an unknown payment", func() {
			_, err := h.service.UpdatePayoutStatus(asAdmin(), 404, payment.UpdatePayoutDTO{PayoutStatus: "paid"})
			Expect(err).To(MatchError(errs.ErrPaymentNotFound))
		})
	})

	Describe("reports", func() {
		var reports *fakeReports

		BeforeEach(func() {
			reports = &fakeReports{}
			h.service = payment.NewService(payment.Deps{Ledger: h.ledger, Reports: reports}, payment.Config{}, silentLogger())
		})

		It("scopes stats to the caller's role", func() {
			_, err := h.service.GetPaymentStats(context.Background(), 3, errs.RoleClient)
			Expect(err).NotTo(HaveOccurred())
			Expect(*reports.lastFilter.ClientID).To(Equal(int64(3)))
			Expect(reports.lastFilter.ExpertID).To(BeNil())

			_, err = h.service.GetPaymentStats(context.Background(), 7, errs.RoleExpert)
			Expect(err).NotTo(HaveOccurred())
			Expect(*reports.lastFilter.ExpertID).To(Equal(int64(7)))
			Expect(reports.lastFilter.ClientID).To(BeNil())

			stats, err := h.service.GetPaymentStats(context.Background(), 1, errs.RoleAdmin)
			Expect(err).NotTo(HaveOccurred())
			Expect(reports.lastFilter).To(Equal(payment.ReportFilter{}))
			Expect(stats.Currencies).NotTo(BeNil())
		})

		It("clamps history paging", func() {
			history, err := h.service.GetPaymentHistory(context.Background(), 3, errs.RoleClient, 0, 500)
			Expect(err).NotTo(HaveOccurred())
			Expect(history.Page).To(Equal(1))
			Expect(history.Limit).To(Equal(100))
			Expect(reports.lastLimit).To(Equal(100))
			Expect(reports.lastOffset).To(Equal(0))

			history, err = h.service.GetPaymentHistory(context.Background(), 3, errs.RoleClient, 3, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(history.Limit).To(Equal(20))
			Expect(reports.lastOffset).To(Equal(40))
			Expect(history.Payments).NotTo(BeNil())
		})
	})

	Describe("payment methods", func() {
		It("lists and attaches through the client's customer", func() {
			pm, err := h.service.AttachPaymentMethod(asClient(3), 3, "pm_card_visa")
			Expect(err).NotTo(HaveOccurred())
			Expect(pm.ID).To(Equal("pm_card_visa"))

			methods, err := h.service.ListPaymentMethods(asClient(3), 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(methods).To(HaveLen(1))
		})

		It("only detaches methods the client owns", func() {
			h.processor.methods = []processor.PaymentMethod{{ID: "pm_owned", Type: "card"}}

			Expect(h.service.DetachPaymentMethod(asClient(3), 3, "pm_owned")).To(Succeed())
			err := h.service.DetachPaymentMethod(asClient(3), 3, "pm_foreign")
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeNotFound))
			Expect(h.processor.detached).To(Equal([]string{"pm_owned"}))
		})

		It("requires a payment method id to attach", func() {
			_, err := h.service.AttachPaymentMethod(asClient(3), 3, " ")
			Expect(appErrorOf(err).Type).To(Equal(errs.ErrorTypeValidation))
		})

		It("creates a setup intent", func() {
			si, err := h.service.CreateSetupIntent(asClient(3), 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(si.ID).To(Equal("seti_cus_3"))
		})
	})
})

type fakeReports struct {
	lastFilter payment.ReportFilter
	lastLimit  int
	lastOffset int
}

func (f *fakeReports) Stats(_ context.Context, filter payment.ReportFilter) ([]payment.CurrencyStats, error) {
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeReports) History(_ context.Context, filter payment.ReportFilter, limit, offset int) ([]payment.HistoryEntry, int64, error) {
	f.lastFilter = filter
	f.lastLimit = limit
	f.lastOffset = offset
	return nil, 0, nil
}
