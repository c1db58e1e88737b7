package payment_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/expert-payments/internal/alert"
	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/expert-payments/internal/dedupe"
	"github.com/frahmantamala/expert-payments/internal/payment"
	paymentpg "github.com/frahmantamala/expert-payments/internal/payment/postgres"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/project"
)

var _ = Describe("Sweeper", func() {
	var (
		h       *harness
		sweeper *payment.Sweeper
		ctx     context.Context
	)

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
		reconciler := payment.NewReconciler(h.ledger, stubVerifier{}, dedupe.NewMemoryStore(), h.queue, h.bus, h.alerts,
			payment.ReconcilerConfig{WebhookSecret: "whsec_test", ConflictBaseBackoff: time.Millisecond}, silentLogger())
		sweeper = payment.NewSweeper(h.ledger, h.projects, h.sync, reconciler, h.service, h.processor, h.alerts,
			payment.SweepConfig{ProcessorTimeout: time.Second}, silentLogger())
	})

	stalePending := func(intentID string) int64 {
		p := pendingPayment(intentID)
		p.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
		return h.ledger.seed(p)
	}

	Describe("RedriveProjects", func() {
		It("pushes a settlement the project missed, once", func() {
			h.ledger.seed(succeededPayment("pi_paid"))

			var report payment.SweepReport
			Expect(sweeper.RedriveProjects(ctx, &report)).To(Succeed())
			Expect(report.ProjectsRedriven).To(Equal(1))
			Expect(h.projects.projects[1].PaymentStatus).To(Equal(project.PaymentStatusPaid))

			report = payment.SweepReport{}
			Expect(sweeper.RedriveProjects(ctx, &report)).To(Succeed())
			Expect(report.ProjectsRedriven).To(BeZero())
			Expect(h.projects.outcomeCount()).To(Equal(1))
		})

		It("pushes a refund the project missed", func() {
			p := succeededPayment("pi_refunded")
			p.Status = payment.StatusRefunded
			p.RefundAmountMinorUnits = int64Ptr(4000)
			p.RefundReason = strPtr("partial delivery")
			h.ledger.seed(p)
			h.projects.projects[1].PaymentStatus = project.PaymentStatusPaid

			var report payment.SweepReport
			Expect(sweeper.RedriveProjects(ctx, &report)).To(Succeed())
			Expect(report.ProjectsRedriven).To(Equal(1))
			Expect(h.projects.refunds).To(HaveLen(1))
			Expect(h.projects.refunds[0].AmountMinorUnits).To(Equal(int64(4000)))
			Expect(h.projects.refunds[0].Reason).To(Equal("partial delivery"))
		})

		It("counts a settled payment whose project is gone as a failure", func() {
			p := succeededPayment("pi_ghost")
			p.ProjectID = 99
			h.ledger.seed(p)

			var report payment.SweepReport
			Expect(sweeper.RedriveProjects(ctx, &report)).To(Succeed())
			Expect(report.Failures).To(Equal(1))
		})
	})

	Describe("ResolveStalePending", func() {
		It("settles a payment whose success webhook was lost", func() {
			id := stalePending("pi_lost")
			h.processor.intents["pi_lost"] = &processor.Intent{ID: "pi_lost", Status: processor.IntentSucceeded}

			var report payment.SweepReport
			Expect(sweeper.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(report.PendingResolved).To(Equal(1))

			stored := h.ledger.get(id)
			Expect(stored.Status).To(Equal(payment.StatusSucceeded))
			Expect(stored.AppliedEventIDs).To(ConsistOf("sweep:pi_lost:succeeded"))
			Expect(h.projects.outcomeCount()).To(Equal(1))
		})

		It("marks a declined intent failed with its reason", func() {
			id := stalePending("pi_declined")
			h.processor.intents["pi_declined"] = &processor.Intent{
				ID:                 "pi_declined",
				Status:             processor.IntentRequiresPaymentMethod,
				LastFailureMessage: "insufficient funds",
			}

			var report payment.SweepReport
			Expect(sweeper.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusFailed))
			Expect(*h.ledger.get(id).FailureReason).To(Equal("insufficient funds"))
		})

		It("leaves an intent that is still in flight alone", func() {
			id := stalePending("pi_busy")
			h.processor.intents["pi_busy"] = &processor.Intent{ID: "pi_busy", Status: processor.IntentProcessing}

			var report payment.SweepReport
			Expect(sweeper.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(report.PendingResolved).To(BeZero())
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
		})

		It("ignores recent pending payments", func() {
			id := h.ledger.seed(pendingPayment("pi_fresh"))
			h.processor.intents["pi_fresh"] = &processor.Intent{ID: "pi_fresh", Status: processor.IntentSucceeded}

			var report payment.SweepReport
			Expect(sweeper.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusPending))
		})

		It("alerts on a pending record the processor does not know", func() {
			stalePending("pi_orphan")

			var report payment.SweepReport
			Expect(sweeper.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(report.Failures).To(Equal(1))
			Expect(h.alerts.kinds()).To(ConsistOf(alert.KindOrphanIntent))
		})
	})

	Describe("ResumeStaleRefunds", func() {
		It("finalises a stale claim under its original key", func() {
			p := succeededPayment("pi_claim")
			key := "refund-1-1"
			requested := time.Now().UTC().Add(-30 * time.Minute)
			p.RefundIdempotencyKey = &key
			p.RefundRequestedAt = &requested
			p.RefundAmountMinorUnits = int64Ptr(10000)
			id := h.ledger.seed(p)

			var report payment.SweepReport
			Expect(sweeper.ResumeStaleRefunds(ctx, &report)).To(Succeed())
			Expect(report.RefundsFinalized).To(Equal(1))
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusRefunded))
			Expect(h.processor.refundKeys).To(Equal([]string{"refund-1-1"}))
		})

		It("drops a stale claim the processor definitively rejects", func() {
			p := succeededPayment("pi_claim")
			key := "refund-1-1"
			requested := time.Now().UTC().Add(-30 * time.Minute)
			p.RefundIdempotencyKey = &key
			p.RefundRequestedAt = &requested
			p.RefundAmountMinorUnits = int64Ptr(10000)
			id := h.ledger.seed(p)
			h.processor.refundErr = processor.ErrRejected

			var report payment.SweepReport
			Expect(sweeper.ResumeStaleRefunds(ctx, &report)).To(Succeed())
			Expect(report.Failures).To(Equal(1))
			Expect(h.ledger.get(id).HasRefundClaim()).To(BeFalse())
		})

		It("leaves a fresh claim to its request", func() {
			p := succeededPayment("pi_claim")
			key := "refund-1-1"
			requested := time.Now().UTC()
			p.RefundIdempotencyKey = &key
			p.RefundRequestedAt = &requested
			p.RefundAmountMinorUnits = int64Ptr(10000)
			id := h.ledger.seed(p)

			var report payment.SweepReport
			Expect(sweeper.ResumeStaleRefunds(ctx, &report)).To(Succeed())
			Expect(report.RefundsFinalized).To(BeZero())
			Expect(h.ledger.get(id).Status).To(Equal(payment.StatusSucceeded))
		})
	})

	It("runs every step in one pass", func() {
		h.ledger.seed(succeededPayment("pi_paid"))
		stalePending("pi_lost")
		h.processor.intents["pi_lost"] = &processor.Intent{ID: "pi_lost", Status: processor.IntentCanceled}

		report, err := sweeper.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.ProjectsRedriven).To(Equal(1))
		Expect(report.PendingResolved).To(Equal(1))
		Expect(report.Failures).To(BeZero())
	})

	Describe("paging through the gorm ledger", func() {
		var (
			ledger *paymentpg.PaymentRepository
			paged  *payment.Sweeper
		)

		BeforeEach(func() {
			db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
				Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			})
			Expect(err).NotTo(HaveOccurred())
			sqlDB, err := db.DB()
			Expect(err).NotTo(HaveOccurred())
			sqlDB.SetMaxOpenConns(1)
			Expect(db.AutoMigrate(&datamodel.Payment{})).To(Succeed())

			ledger = paymentpg.NewPaymentRepository(db)
			reconciler := payment.NewReconciler(ledger, stubVerifier{}, dedupe.NewMemoryStore(), h.queue, h.bus, h.alerts,
				payment.ReconcilerConfig{WebhookSecret: "whsec_test", ConflictBaseBackoff: time.Millisecond}, silentLogger())
			paged = payment.NewSweeper(ledger, h.projects, h.sync, reconciler, h.service, h.processor, h.alerts,
				payment.SweepConfig{ProcessorTimeout: time.Second, BatchSize: 2}, silentLogger())
		})

		create := func(p *payment.Payment) int64 {
			Expect(ledger.Create(ctx, p)).To(Succeed())
			return p.ID
		}

		It("reaches stale pending rows behind a full page of unresolvable ones", func() {
			for _, id := range []string{"pi_abandoned1", "pi_abandoned2", "pi_paid"} {
				p := pendingPayment(id)
				p.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
				create(p)
				h.processor.intents[id] = &processor.Intent{ID: id, Status: processor.IntentRequiresPaymentMethod}
			}
			h.processor.intents["pi_paid"].Status = processor.IntentSucceeded

			var report payment.SweepReport
			Expect(paged.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(report.PendingResolved).To(Equal(1))
			Expect(h.processor.lookups).To(Equal([]string{"pi_abandoned1", "pi_abandoned2", "pi_paid"}))

			stored, err := ledger.GetByExternalIntentID(ctx, "pi_paid")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusSucceeded))
		})

		It("redrives a settlement behind a full page of reflected ones", func() {
			h.projects.projects[5] = &project.Project{ID: 5, ClientID: 3, ExpertID: int64Ptr(7), PaymentStatus: project.PaymentStatusPaid}
			for _, id := range []string{"pi_done1", "pi_done2"} {
				p := succeededPayment(id)
				p.ProjectID = 5
				create(p)
			}
			create(succeededPayment("pi_missed"))

			var report payment.SweepReport
			Expect(paged.RedriveProjects(ctx, &report)).To(Succeed())
			Expect(report.ProjectsRedriven).To(Equal(1))
			Expect(h.projects.projects[1].PaymentStatus).To(Equal(project.PaymentStatusPaid))
		})

		It("stops after an exactly full last page", func() {
			for _, id := range []string{"pi_a", "pi_b"} {
				p := pendingPayment(id)
				p.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
				create(p)
			}

			var report payment.SweepReport
			Expect(paged.ResolveStalePending(ctx, &report)).To(Succeed())
			Expect(h.processor.lookups).To(HaveLen(2))
			Expect(report.Failures).To(Equal(2))
		})
	})
})
