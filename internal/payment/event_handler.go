package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/expert-payments/internal/core/events"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/project"
	"github.com/frahmantamala/expert-payments/internal/synctask"
)

// ProjectOutcomeTask is the queued form of a project settlement update.
type ProjectOutcomeTask struct {
	PaymentID int64                  `json:"payment_id"`
	ProjectID int64                  `json:"project_id"`
	Outcome   project.PaymentOutcome `json:"outcome"`
}

type ProjectRefundTask struct {
	PaymentID int64                 `json:"payment_id"`
	ProjectID int64                 `json:"project_id"`
	Outcome   project.RefundOutcome `json:"outcome"`
}

// ProjectSync propagates ledger outcomes to the project aggregate. The ledger is never
// rolled back: a failed update is handed to the retry queue.
type ProjectSync struct {
	projects project.Store
	tasks    synctask.Enqueuer
	logger   *slog.Logger
}

func NewProjectSync(projects project.Store, tasks synctask.Enqueuer, logger *slog.Logger) *ProjectSync {
	return &ProjectSync{
		projects: projects,
		tasks:    tasks,
		logger:   logger,
	}
}

func (h *ProjectSync) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentSucceeded, h.HandlePaymentSettled)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentSettled)
	eventBus.Subscribe(events.EventTypePaymentRefunded, h.HandlePaymentRefunded)

	h.logger.Info("project sync event handlers registered",
		"handlers", []string{events.EventTypePaymentSucceeded, events.EventTypePaymentFailed, events.EventTypePaymentRefunded})
}

func (h *ProjectSync) HandlePaymentSettled(ctx context.Context, event events.Event) error {
	settled, ok := event.(*events.PaymentSettledEvent)
	if !ok {
		h.logger.Error("invalid event type for payment settled handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentSettledEvent, got %T", event)
	}

	status := project.PaymentStatusPaid
	if settled.Status == string(StatusFailed) {
		status = project.PaymentStatusFailed
	}

	return h.SyncPaymentOutcome(ctx, ProjectOutcomeTask{
		PaymentID: settled.PaymentID,
		ProjectID: settled.ProjectID,
		Outcome: project.PaymentOutcome{
			Status:           status,
			AmountMinorUnits: settled.AmountMinorUnits,
			Currency:         settled.Currency,
			PlatformFee:      settled.PlatformFee,
			ExpertPayout:     settled.ExpertPayout,
			Date:             settled.SettledAt,
		},
	})
}

func (h *ProjectSync) HandlePaymentRefunded(ctx context.Context, event events.Event) error {
	refunded, ok := event.(*events.PaymentRefundedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment refunded handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentRefundedEvent, got %T", event)
	}

	return h.SyncRefund(ctx, ProjectRefundTask{
		PaymentID: refunded.PaymentID,
		ProjectID: refunded.ProjectID,
		Outcome: project.RefundOutcome{
			AmountMinorUnits: refunded.RefundAmountMinorUnits,
			Reason:           refunded.Reason,
			Date:             refunded.RefundedAt,
		},
	})
}

// SyncPaymentOutcome tries the project update once and queues it on failure.
func (h *ProjectSync) SyncPaymentOutcome(ctx context.Context, t ProjectOutcomeTask) error {
	err := h.projects.UpdateProjectPaymentOutcome(ctx, t.ProjectID, t.Outcome)
	if err == nil {
		h.logger.Info("project payment outcome updated",
			"project_id", t.ProjectID,
			"payment_id", t.PaymentID,
			"payment_status", t.Outcome.Status)
		return nil
	}

	h.logger.Warn("project payment outcome update failed, queuing retry",
		"error", err,
		"project_id", t.ProjectID,
		"payment_id", t.PaymentID)
	return h.enqueue(ctx, synctask.KindProjectPaymentOutcome, t.PaymentID, t.Outcome.Status, t)
}

func (h *ProjectSync) SyncRefund(ctx context.Context, t ProjectRefundTask) error {
	err := h.projects.UpdateProjectRefund(ctx, t.ProjectID, t.Outcome)
	if err == nil {
		h.logger.Info("project refund updated",
			"project_id", t.ProjectID,
			"payment_id", t.PaymentID,
			"refund_amount_minor_units", t.Outcome.AmountMinorUnits)
		return nil
	}

	h.logger.Warn("project refund update failed, queuing retry",
		"error", err,
		"project_id", t.ProjectID,
		"payment_id", t.PaymentID)
	return h.enqueue(ctx, synctask.KindProjectRefund, t.PaymentID, project.PaymentStatusRefunded, t)
}

func (h *ProjectSync) enqueue(ctx context.Context, kind synctask.Kind, paymentID int64, status string, payload interface{}) error {
	id := paymentID
	err := h.tasks.Enqueue(ctx, synctask.NewTask{
		Kind:      kind,
		DedupeKey: fmt.Sprintf("%s:%d:%s", kind, paymentID, status),
		PaymentID: &id,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("queue %s for payment %d: %w", kind, paymentID, err)
	}
	return nil
}

// EventApplier replays a processor event against the ledger.
type EventApplier interface {
	ApplyEvent(ctx context.Context, event processor.Event) (*WebhookResult, error)
}

// NewTaskRunner executes queued follow-up work. Project tasks call the store directly so
// that a failure is retried by the queue rather than re-queued.
func NewTaskRunner(projects project.Store, applier EventApplier) synctask.Runner {
	return func(ctx context.Context, t synctask.Task) error {
		switch t.Kind {
		case synctask.KindProjectPaymentOutcome:
			var task ProjectOutcomeTask
			if err := t.Decode(&task); err != nil {
				return err
			}
			return projects.UpdateProjectPaymentOutcome(ctx, task.ProjectID, task.Outcome)
		case synctask.KindProjectRefund:
			var task ProjectRefundTask
			if err := t.Decode(&task); err != nil {
				return err
			}
			return projects.UpdateProjectRefund(ctx, task.ProjectID, task.Outcome)
		case synctask.KindWebhookEvent:
			var event processor.Event
			if err := t.Decode(&event); err != nil {
				return err
			}
			_, err := applier.ApplyEvent(ctx, event)
			return err
		default:
			return fmt.Errorf("unknown sync task kind %q", t.Kind)
		}
	}
}
