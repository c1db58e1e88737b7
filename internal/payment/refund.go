package payment

import (
	"context"
	stderrors "errors"
	"fmt"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/core/events"
	"github.com/frahmantamala/expert-payments/internal/processor"
)

// CreateRefund claims the payment, issues the remote refund under the claim's idempotency key
// and finalises the record. Only the caller that wins the claim talks to the processor.
func (s *Service) CreateRefund(ctx context.Context, paymentID int64, req RefundDTO) (*Payment, error) {
	current, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, current); err != nil {
		return nil, err
	}

	switch {
	case current.Status == StatusRefunded:
		return nil, errors.ErrAlreadyRefunded
	case current.Status != StatusSucceeded:
		return nil, errors.ErrInvalidPaymentState.WithMessage(
			fmt.Sprintf("payment is %s; only succeeded payments can be refunded", current.Status))
	case current.HasRefundClaim():
		return nil, errors.ErrRefundInProgress
	}

	if err := req.Validate(current.AmountMinorUnits); err != nil {
		return nil, err
	}
	amount := current.AmountMinorUnits
	if req.AmountMinorUnits != nil {
		amount = *req.AmountMinorUnits
	}

	claimed, err := s.claimRefund(ctx, current, amount, req.Reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund claimed",
		"payment_id", claimed.ID,
		"refund_amount_minor_units", amount,
		"idempotency_key", *claimed.RefundIdempotencyKey)

	refund, err := s.submitRefund(ctx, claimed)
	if err != nil {
		if stderrors.Is(err, processor.ErrRejected) {
			s.releaseRefundClaim(ctx, claimed)
			appErr := errors.NewExternalProcessorError("refund was rejected by the processor", err)
			appErr.Retryable = false
			return nil, appErr
		}
		// The refund may exist remotely; the sweep resubmits under the same key.
		s.logger.Warn("refund outcome unknown, claim left for the reconciliation sweep",
			"payment_id", claimed.ID,
			"timed_out", isTimeout(err),
			"error", err)
		return nil, errors.NewExternalProcessorError("refund outcome is unknown and will be reconciled", err)
	}

	return s.finalizeRefund(ctx, claimed, refund)
}

// ResumeRefund re-submits a stale claim with its original idempotency key and finalises it.
// The processor returns the existing refund if the first attempt went through.
func (s *Service) ResumeRefund(ctx context.Context, claimed *Payment) (*Payment, error) {
	if !claimed.HasRefundClaim() {
		return nil, fmt.Errorf("payment %d has no live refund claim", claimed.ID)
	}
	refund, err := s.submitRefund(ctx, claimed)
	if err != nil {
		if stderrors.Is(err, processor.ErrRejected) {
			s.releaseRefundClaim(ctx, claimed)
		}
		return nil, err
	}
	return s.finalizeRefund(ctx, claimed, refund)
}

func (s *Service) claimRefund(ctx context.Context, current *Payment, amount int64, reason *string) (*Payment, error) {
	now := s.now()
	key := fmt.Sprintf("refund-%d-%d", current.ID, current.Version)

	claimed := current.Clone()
	claimed.RefundIdempotencyKey = &key
	claimed.RefundRequestedAt = &now
	claimed.RefundAmountMinorUnits = &amount
	claimed.RefundReason = cloneString(reason)
	claimed.UpdatedAt = now

	if err := s.ledger.CompareAndSwap(ctx, claimed, current.Version); err != nil {
		if stderrors.Is(err, errors.ErrConcurrencyConflict) {
			return nil, s.lostClaim(ctx, current.ID)
		}
		return nil, errors.NewInternalError("failed to claim refund", err)
	}
	return claimed, nil
}

// lostClaim explains why another writer won the race. A competing claim is reported as a
// concurrency conflict.
func (s *Service) lostClaim(ctx context.Context, id int64) error {
	latest, err := s.ledger.GetByID(ctx, id)
	if err == nil && latest != nil {
		if latest.Status == StatusRefunded {
			return errors.ErrAlreadyRefunded
		}
		if latest.HasRefundClaim() {
			return errors.ErrRefundInProgress
		}
	}
	return errors.ErrConcurrencyConflict
}

func (s *Service) submitRefund(ctx context.Context, claimed *Payment) (*processor.Refund, error) {
	reason := ""
	if claimed.RefundReason != nil {
		reason = *claimed.RefundReason
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	return s.processor.CreateRefund(rctx, processor.CreateRefundRequest{
		IntentID:         claimed.ExternalIntentID,
		AmountMinorUnits: *claimed.RefundAmountMinorUnits,
		Reason:           reason,
		IdempotencyKey:   *claimed.RefundIdempotencyKey,
	})
}

func (s *Service) releaseRefundClaim(ctx context.Context, claimed *Payment) {
	released := claimed.Clone()
	released.RefundIdempotencyKey = nil
	released.RefundRequestedAt = nil
	released.RefundAmountMinorUnits = nil
	released.RefundReason = nil
	released.UpdatedAt = s.now()

	if err := s.ledger.CompareAndSwap(ctx, released, claimed.Version); err != nil {
		// A claim left in place is re-submitted by the sweep under the same key.
		s.logger.Error("failed to release refund claim", "error", err, "payment_id", claimed.ID)
	}
}

func (s *Service) finalizeRefund(ctx context.Context, claimed *Payment, refund *processor.Refund) (*Payment, error) {
	if !claimed.Status.CanTransitionTo(StatusRefunded) {
		return nil, errors.ErrInvalidPaymentState
	}

	now := s.now()
	final := claimed.Clone()
	final.Status = StatusRefunded
	final.ExternalRefundID = &refund.ID
	final.UpdatedAt = now

	if err := s.ledger.CompareAndSwap(ctx, final, claimed.Version); err != nil {
		s.logger.Error("refund issued but ledger finalisation failed",
			"error", err,
			"payment_id", claimed.ID,
			"external_refund_id", refund.ID)
		s.alerts.Alert(ctx, alert.Alert{
			Kind:             alert.KindRefundFinalize,
			PaymentID:        claimed.ID,
			ExternalIntentID: claimed.ExternalIntentID,
			Message:          fmt.Sprintf("refund %s issued but not recorded: %v", refund.ID, err),
			RaisedAt:         now,
		})
		return nil, errors.NewInternalError("refund was issued but could not be recorded; it will be reconciled", err)
	}

	s.logger.Info("payment refunded",
		"payment_id", final.ID,
		"external_refund_id", refund.ID,
		"refund_amount_minor_units", *final.RefundAmountMinorUnits)

	reason := ""
	if final.RefundReason != nil {
		reason = *final.RefundReason
	}
	event := events.NewPaymentRefundedEvent(final.ID, final.ProjectID, refund.ID, *final.RefundAmountMinorUnits, reason, now)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish payment refunded event", "error", err, "payment_id", final.ID)
	}

	return final, nil
}

func isTimeout(err error) bool {
	return stderrors.Is(err, processor.ErrProcessorTimedOut) || stderrors.Is(err, context.DeadlineExceeded)
}
