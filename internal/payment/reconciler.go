package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/core/events"
	"github.com/frahmantamala/expert-payments/internal/dedupe"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/synctask"
	applog "github.com/frahmantamala/expert-payments/pkg/logger"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoop      Outcome = "noop"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnhandled Outcome = "unhandled"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeMalformed Outcome = "malformed"
)

type WebhookResult struct {
	EventID   string  `json:"event_id,omitempty"`
	EventType string  `json:"event_type,omitempty"`
	Outcome   Outcome `json:"outcome"`
	PaymentID int64   `json:"payment_id,omitempty"`
}

// WebhookProcessor is what the webhook endpoint needs from the reconciler.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error)
}

type ReconcilerConfig struct {
	WebhookSecret       string
	DedupeTTL           time.Duration
	ConflictRetries     uint64
	ConflictBaseBackoff time.Duration
}

type Reconciler struct {
	ledger   LedgerRepository
	verifier processor.WebhookVerifier
	dedupe   dedupe.Store
	tasks    synctask.Enqueuer
	bus      *events.EventBus
	alerts   alert.Alerter
	cfg      ReconcilerConfig
	logger   *slog.Logger
	now      func() time.Time
}

var _ WebhookProcessor = (*Reconciler)(nil)

func NewReconciler(
	ledger LedgerRepository,
	verifier processor.WebhookVerifier,
	dedupeStore dedupe.Store,
	tasks synctask.Enqueuer,
	bus *events.EventBus,
	alerts alert.Alerter,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.ConflictBaseBackoff <= 0 {
		cfg.ConflictBaseBackoff = 20 * time.Millisecond
	}
	return &Reconciler{
		ledger:   ledger,
		verifier: verifier,
		dedupe:   dedupeStore,
		tasks:    tasks,
		bus:      bus,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook authenticates one delivery and applies it. Only authentication failures
// return an error; every other outcome is acknowledged so the processor stops redelivering.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	if r.cfg.WebhookSecret == "" {
		r.logger.Error("webhook received but no webhook secret is configured")
		return nil, errors.ErrWebhookNotConfigured
	}

	event, err := r.verifier.VerifyWebhookSignature(payload, signatureHeader, r.cfg.WebhookSecret)
	if err != nil {
		if stderrors.Is(err, processor.ErrMalformedEvent) {
			r.logger.Error("authenticated webhook could not be parsed", "error", err)
			r.alerts.Alert(ctx, alert.Alert{
				Kind:     alert.KindWebhookProcessing,
				Message:  fmt.Sprintf("malformed webhook payload: %v", err),
				RaisedAt: r.now(),
			})
			return &WebhookResult{Outcome: OutcomeMalformed}, nil
		}
		r.logger.Warn("webhook signature verification failed", "error", err)
		return nil, errors.ErrWebhookSignature.WithCause(err)
	}

	logger := applog.FromOr(ctx, r.logger).With("event_id", event.ID, "event_type", event.RawType, "external_intent_id", event.IntentID)
	result := &WebhookResult{EventID: event.ID, EventType: event.RawType}

	claimed, err := r.dedupe.Claim(ctx, event.ID, r.cfg.DedupeTTL)
	if err != nil {
		logger.Warn("dedupe store unavailable, relying on the ledger event check", "error", err)
		claimed = true
	}
	if !claimed {
		logger.Info("duplicate webhook delivery acknowledged")
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	if !event.Type.Known() {
		logger.Info("ignoring unhandled webhook event type")
		result.Outcome = OutcomeUnhandled
		return result, nil
	}

	applied, err := r.ApplyEvent(ctx, *event)
	if err != nil {
		if relErr := r.dedupe.Release(ctx, event.ID); relErr != nil {
			logger.Warn("failed to release dedupe claim", "error", relErr)
		}
		r.deferEvent(ctx, *event, err)
		result.Outcome = OutcomeDeferred
		return result, nil
	}

	applied.EventType = event.RawType
	return applied, nil
}

// ApplyEvent moves the payment along the transition table and records the event id in the
// same conditional write. It is also the entry point for queued retries and the sweep.
func (r *Reconciler) ApplyEvent(ctx context.Context, event processor.Event) (*WebhookResult, error) {
	result := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if !event.Type.Known() {
		result.Outcome = OutcomeUnhandled
		return result, nil
	}

	var (
		current *Payment
		next    *Payment
	)
	backoff := retry.WithMaxRetries(r.cfg.ConflictRetries, retry.NewExponential(r.cfg.ConflictBaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		current, err = r.ledger.GetByExternalIntentID(ctx, event.IntentID)
		if err != nil {
			return fmt.Errorf("load payment for intent %s: %w", event.IntentID, err)
		}
		if current == nil {
			return fmt.Errorf("%w %s", ErrUnknownIntent, event.IntentID)
		}

		result.Outcome, next = planTransition(current, event)
		if next == nil {
			return nil
		}
		next.UpdatedAt = r.now()

		if err := r.ledger.CompareAndSwap(ctx, next, current.Version); err != nil {
			if stderrors.Is(err, errors.ErrConcurrencyConflict) {
				r.logger.Debug("payment changed concurrently, reloading", "payment_id", current.ID, "event_id", event.ID)
				return retry.RetryableError(err)
			}
			return fmt.Errorf("apply event %s to payment %d: %w", event.ID, current.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.PaymentID = current.ID
	logger := applog.FromOr(ctx, r.logger).With(
		"payment_id", current.ID,
		"event_id", event.ID,
		"event_type", event.Type,
		"current_status", current.Status)

	switch result.Outcome {
	case OutcomeApplied:
		logger.Info("payment status updated", "new_status", next.Status, "version", next.Version)
		r.publishSettlement(ctx, next, event)
	case OutcomeDuplicate:
		logger.Info("webhook event already applied")
	case OutcomeNoop:
		logger.Info("payment already in target state")
	case OutcomeRejected:
		logger.Warn("webhook event does not match an allowed transition, ignoring")
		r.alerts.Alert(ctx, alert.Alert{
			Kind:             alert.KindTransitionRejected,
			PaymentID:        current.ID,
			ExternalIntentID: current.ExternalIntentID,
			EventID:          event.ID,
			Message:          fmt.Sprintf("%s received while payment is %s", event.Type, current.Status),
			RaisedAt:         r.now(),
		})
	}
	return result, nil
}

// planTransition returns the mutation an event calls for, or nil when nothing changes.
func planTransition(current *Payment, event processor.Event) (Outcome, *Payment) {
	if current.HasApplied(event.ID) {
		return OutcomeDuplicate, nil
	}

	var target Status
	switch event.Type {
	case processor.EventIntentSucceeded:
		target = StatusSucceeded
	case processor.EventIntentPaymentFailed:
		target = StatusFailed
	case processor.EventIntentCanceled:
		target = StatusCanceled
	default:
		return OutcomeUnhandled, nil
	}

	if current.Status == target {
		return OutcomeNoop, nil
	}
	if !current.Status.CanTransitionTo(target) {
		return OutcomeRejected, nil
	}

	next := current.Clone()
	next.Status = target
	next.AppliedEventIDs = append(next.AppliedEventIDs, event.ID)
	if target == StatusFailed && event.FailureMessage != "" {
		msg := event.FailureMessage
		next.FailureReason = &msg
	}
	return OutcomeApplied, next
}

func (r *Reconciler) publishSettlement(ctx context.Context, p *Payment, event processor.Event) {
	var eventType string
	switch p.Status {
	case StatusSucceeded:
		eventType = events.EventTypePaymentSucceeded
	case StatusFailed:
		eventType = events.EventTypePaymentFailed
	default:
		return
	}

	settled := events.NewPaymentSettledEvent(eventType,
		p.ID, p.ProjectID, p.ExternalIntentID, string(p.Status),
		p.AmountMinorUnits, p.Currency, p.PlatformFeeMinorUnits, p.ExpertPayoutMinorUnits,
		p.UpdatedAt, event.ID, string(event.Type))

	if err := r.bus.PublishSync(ctx, settled); err != nil {
		r.logger.Error("project propagation failed after settlement",
			"error", err,
			"payment_id", p.ID,
			"project_id", p.ProjectID)
		r.alerts.Alert(ctx, alert.Alert{
			Kind:             alert.KindProjectSyncDead,
			PaymentID:        p.ID,
			ExternalIntentID: p.ExternalIntentID,
			EventID:          event.ID,
			Message:          fmt.Sprintf("project %d not updated after %s: %v", p.ProjectID, p.Status, err),
			RaisedAt:         r.now(),
		})
	}
}

// deferEvent hands an event that could not be applied to the durable retry queue.
func (r *Reconciler) deferEvent(ctx context.Context, event processor.Event, cause error) {
	r.logger.Error("webhook processing failed, queued for retry",
		"error", cause,
		"event_id", event.ID,
		"external_intent_id", event.IntentID)

	kind := alert.KindWebhookProcessing
	if stderrors.Is(cause, ErrUnknownIntent) {
		// The intent-creation write may still be in flight; the queued retry settles it either way.
		kind = alert.KindOrphanIntent
	}
	r.alerts.Alert(ctx, alert.Alert{
		Kind:             kind,
		ExternalIntentID: event.IntentID,
		EventID:          event.ID,
		Message:          cause.Error(),
		RaisedAt:         r.now(),
	})

	err := r.tasks.Enqueue(ctx, synctask.NewTask{
		Kind:      synctask.KindWebhookEvent,
		DedupeKey: fmt.Sprintf("%s:%s", synctask.KindWebhookEvent, event.ID),
		Payload:   event,
	})
	if err != nil {
		r.logger.Error("failed to queue webhook event for retry", "error", err, "event_id", event.ID)
	}
}
