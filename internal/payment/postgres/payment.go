package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	errors "github.com/frahmantamala/expert-payments/internal"
	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/expert-payments/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ payment.LedgerRepository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	row := payment.ToDataModel(p)
	row.Version = 1
	if row.AppliedEventIDs == nil {
		row.AppliedEventIDs = datamodel.EventIDs{}
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create payment for intent %s: %w", p.ExternalIntentID, err)
	}
	p.ID = row.ID
	p.Version = row.Version
	p.CreatedAt = row.CreatedAt
	p.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*payment.Payment, error) {
	var row datamodel.Payment
	err := r.db.WithContext(ctx).First(&row, id).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment %d: %w", id, err)
	}
	return payment.FromDataModel(&row), nil
}

func (r *PaymentRepository) GetByExternalIntentID(ctx context.Context, intentID string) (*payment.Payment, error) {
	var row datamodel.Payment
	err := r.db.WithContext(ctx).Where("external_intent_id = ?", intentID).First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment by intent %s: %w", intentID, err)
	}
	return payment.FromDataModel(&row), nil
}

// CompareAndSwap writes every mutable column of next in one conditional UPDATE.
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, next *payment.Payment, expectedVersion int64) error {
	row := payment.ToDataModel(next)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}

	res := r.db.WithContext(ctx).Model(&datamodel.Payment{}).
		Where("id = ? AND version = ? AND status <> ?", row.ID, expectedVersion, string(payment.StatusRefunded)).
		Updates(map[string]interface{}{
			"status":                    row.Status,
			"external_customer_id":      row.ExternalCustomerID,
			"refund_amount_minor_units": row.RefundAmountMinorUnits,
			"refund_reason":             row.RefundReason,
			"external_refund_id":        row.ExternalRefundID,
			"refund_idempotency_key":    row.RefundIdempotencyKey,
			"refund_requested_at":       row.RefundRequestedAt,
			"failure_reason":            row.FailureReason,
			"applied_event_ids":         row.AppliedEventIDs,
			"version":                   expectedVersion + 1,
			"updated_at":                row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update payment %d: %w", row.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrConcurrencyConflict
	}

	next.Version = expectedVersion + 1
	next.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *PaymentRepository) UpdatePayoutStatus(ctx context.Context, id int64, status payment.PayoutStatus) error {
	res := r.db.WithContext(ctx).Model(&datamodel.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payout_status": string(status),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update payout status for payment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrPaymentNotFound
	}
	return nil
}

// ListSettledSince and the other sweep listings page in id order; afterID is the
// last id of the previous page.
func (r *PaymentRepository) ListSettledSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]*payment.Payment, error) {
	return r.list(ctx, afterID, limit, "status IN ? AND updated_at >= ?",
		[]string{string(payment.StatusSucceeded), string(payment.StatusRefunded)}, since)
}

func (r *PaymentRepository) ListPendingBefore(ctx context.Context, before time.Time, afterID int64, limit int) ([]*payment.Payment, error) {
	return r.list(ctx, afterID, limit, "status = ? AND created_at < ?", string(payment.StatusPending), before)
}

func (r *PaymentRepository) ListStaleRefundClaims(ctx context.Context, before time.Time, afterID int64, limit int) ([]*payment.Payment, error) {
	return r.list(ctx, afterID, limit, "status = ? AND refund_idempotency_key IS NOT NULL AND refund_requested_at < ?",
		string(payment.StatusSucceeded), before)
}

func (r *PaymentRepository) list(ctx context.Context, afterID int64, limit int, query string, args ...interface{}) ([]*payment.Payment, error) {
	var rows []datamodel.Payment
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	payments := make([]*payment.Payment, 0, len(rows))
	for i := range rows {
		payments = append(payments, payment.FromDataModel(&rows[i]))
	}
	return payments, nil
}
