package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/project"
)

type SweepConfig struct {
	Lookback          time.Duration
	StalePendingAfter time.Duration
	StaleRefundClaim  time.Duration
	BatchSize         int
	ProcessorTimeout  time.Duration
}

type SweepReport struct {
	ProjectsRedriven int `json:"projects_redriven"`
	PendingResolved  int `json:"pending_resolved"`
	RefundsFinalized int `json:"refunds_finalized"`
	Failures         int `json:"failures"`
}

// RefundResumer finishes a refund whose claim outlived its request.
type RefundResumer interface {
	ResumeRefund(ctx context.Context, claimed *Payment) (*Payment, error)
}

// Sweeper makes the ledger and its surroundings converge when webhooks or follow-up
// writes were lost.
type Sweeper struct {
	ledger    LedgerRepository
	projects  project.Store
	sync      *ProjectSync
	applier   EventApplier
	refunds   RefundResumer
	processor processor.Client
	alerts    alert.Alerter
	cfg       SweepConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(
	ledger LedgerRepository,
	projects project.Store,
	sync *ProjectSync,
	applier EventApplier,
	refunds RefundResumer,
	client processor.Client,
	alerts alert.Alerter,
	cfg SweepConfig,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = time.Hour
	}
	if cfg.StaleRefundClaim <= 0 {
		cfg.StaleRefundClaim = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		ledger:    ledger,
		projects:  projects,
		sync:      sync,
		applier:   applier,
		refunds:   refunds,
		processor: client,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one full pass. A failing step is logged and the remaining steps still run.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	steps := []struct {
		name string
		fn   func(context.Context, *SweepReport) error
	}{
		{"redrive_projects", s.RedriveProjects},
		{"resolve_stale_pending", s.ResolveStalePending},
		{"resume_stale_refunds", s.ResumeStaleRefunds},
	}
	for _, step := range steps {
		if err := step.fn(ctx, &report); err != nil {
			s.logger.Error("sweep step failed", "step", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	s.logger.Info("reconciliation sweep finished",
		"projects_redriven", report.ProjectsRedriven,
		"pending_resolved", report.PendingResolved,
		"refunds_finalized", report.RefundsFinalized,
		"failures", report.Failures)

	return report, stderrors.Join(errs...)
}

// RunEvery sweeps on a fixed interval until ctx is canceled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation sweep scheduled", "interval", interval.String())
	for {
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("reconciliation sweep completed with errors", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("reconciliation sweep stopped")
			return
		}
	}
}

// RedriveProjects pushes settled and refunded outcomes to projects that do not show them yet.
func (s *Sweeper) RedriveProjects(ctx context.Context, report *SweepReport) error {
	since := s.now().Add(-s.cfg.Lookback)
	list := func(ctx context.Context, afterID int64, limit int) ([]*Payment, error) {
		return s.ledger.ListSettledSince(ctx, since, afterID, limit)
	}
	return s.forEachPage(ctx, list, func(p *Payment) {
		s.redriveProject(ctx, p, report)
	})
}

func (s *Sweeper) redriveProject(ctx context.Context, p *Payment, report *SweepReport) {
	proj, err := s.projects.GetProject(ctx, p.ProjectID)
	if err != nil {
		report.Failures++
		s.logger.Warn("failed to load project during sweep", "error", err, "project_id", p.ProjectID)
		return
	}
	if proj == nil {
		report.Failures++
		s.logger.Warn("settled payment references a missing project", "payment_id", p.ID, "project_id", p.ProjectID)
		return
	}

	switch p.Status {
	case StatusSucceeded:
		if proj.ReflectsPayment(project.PaymentStatusPaid) {
			return
		}
		err = s.sync.SyncPaymentOutcome(ctx, ProjectOutcomeTask{
			PaymentID: p.ID,
			ProjectID: p.ProjectID,
			Outcome: project.PaymentOutcome{
				Status:           project.PaymentStatusPaid,
				AmountMinorUnits: p.AmountMinorUnits,
				Currency:         p.Currency,
				PlatformFee:      p.PlatformFeeMinorUnits,
				ExpertPayout:     p.ExpertPayoutMinorUnits,
				Date:             p.UpdatedAt,
			},
		})
	case StatusRefunded:
		if proj.ReflectsPayment(project.PaymentStatusRefunded) {
			return
		}
		reason := ""
		if p.RefundReason != nil {
			reason = *p.RefundReason
		}
		amount := p.AmountMinorUnits
		if p.RefundAmountMinorUnits != nil {
			amount = *p.RefundAmountMinorUnits
		}
		err = s.sync.SyncRefund(ctx, ProjectRefundTask{
			PaymentID: p.ID,
			ProjectID: p.ProjectID,
			Outcome:   project.RefundOutcome{AmountMinorUnits: amount, Reason: reason, Date: p.UpdatedAt},
		})
	default:
		return
	}

	if err != nil {
		report.Failures++
		s.logger.Error("failed to redrive project update", "error", err, "payment_id", p.ID)
		return
	}
	report.ProjectsRedriven++
}

// ResolveStalePending asks the processor about pending payments whose webhook never arrived
// and feeds the answer through the normal transition path.
func (s *Sweeper) ResolveStalePending(ctx context.Context, report *SweepReport) error {
	before := s.now().Add(-s.cfg.StalePendingAfter)
	list := func(ctx context.Context, afterID int64, limit int) ([]*Payment, error) {
		return s.ledger.ListPendingBefore(ctx, before, afterID, limit)
	}
	return s.forEachPage(ctx, list, func(p *Payment) {
		s.resolvePending(ctx, p, report)
	})
}

func (s *Sweeper) resolvePending(ctx context.Context, p *Payment, report *SweepReport) {
	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	intent, err := s.processor.GetIntent(rctx, p.ExternalIntentID)
	cancel()
	if err != nil {
		report.Failures++
		if stderrors.Is(err, processor.ErrIntentNotFound) {
			s.alerts.Alert(ctx, alert.Alert{
				Kind:             alert.KindOrphanIntent,
				PaymentID:        p.ID,
				ExternalIntentID: p.ExternalIntentID,
				Message:          "pending ledger record has no intent at the processor",
				RaisedAt:         s.now(),
			})
			return
		}
		s.logger.Warn("failed to fetch intent during sweep", "error", err, "payment_id", p.ID)
		return
	}

	event, ok := eventForIntent(intent, s.now())
	if !ok {
		return
	}

	result, err := s.applier.ApplyEvent(ctx, event)
	if err != nil {
		report.Failures++
		s.logger.Error("failed to apply swept intent status", "error", err, "payment_id", p.ID)
		return
	}
	if result.Outcome == OutcomeApplied {
		report.PendingResolved++
	}
}

// eventForIntent synthesises the webhook that would have reported the intent's current status.
// The id is stable per intent and status, so repeated sweeps are deduplicated by the ledger.
func eventForIntent(intent *processor.Intent, now time.Time) (processor.Event, bool) {
	var eventType processor.EventType
	switch {
	case intent.Status == processor.IntentSucceeded:
		eventType = processor.EventIntentSucceeded
	case intent.Status == processor.IntentCanceled:
		eventType = processor.EventIntentCanceled
	case intent.Status == processor.IntentRequiresPaymentMethod && intent.LastFailureMessage != "":
		eventType = processor.EventIntentPaymentFailed
	default:
		return processor.Event{}, false
	}

	return processor.Event{
		ID:             fmt.Sprintf("sweep:%s:%s", intent.ID, intent.Status),
		Type:           eventType,
		RawType:        string(eventType),
		IntentID:       intent.ID,
		FailureMessage: intent.LastFailureMessage,
		Created:        now,
	}, true
}

// ResumeStaleRefunds finalises refunds whose request timed out or whose final write failed.
func (s *Sweeper) ResumeStaleRefunds(ctx context.Context, report *SweepReport) error {
	before := s.now().Add(-s.cfg.StaleRefundClaim)
	list := func(ctx context.Context, afterID int64, limit int) ([]*Payment, error) {
		return s.ledger.ListStaleRefundClaims(ctx, before, afterID, limit)
	}
	return s.forEachPage(ctx, list, func(p *Payment) {
		if _, err := s.refunds.ResumeRefund(ctx, p); err != nil {
			report.Failures++
			s.logger.Error("failed to resume refund", "error", err, "payment_id", p.ID)
			return
		}
		report.RefundsFinalized++
	})
}

type pageFunc func(ctx context.Context, afterID int64, limit int) ([]*Payment, error)

// forEachPage walks the whole window in id order. Rows a step leaves untouched never
// hide newer rows from later pages.
func (s *Sweeper) forEachPage(ctx context.Context, list pageFunc, visit func(*Payment)) error {
	var afterID int64
	for {
		page, err := list(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, p := range page {
			visit(p)
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		afterID = page[len(page)-1].ID
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
