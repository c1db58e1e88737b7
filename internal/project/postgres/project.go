package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	errs "github.com/frahmantamala/expert-payments/internal"
	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/expert-payments/internal/project"
)

type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

var _ project.Store = (*ProjectRepository)(nil)

func (r *ProjectRepository) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	var row datamodel.Project
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return fromDataModel(&row), nil
}

// UpdateProjectPaymentOutcome is a no-op when the project already carries a status that outranks outcome.
func (r *ProjectRepository) UpdateProjectPaymentOutcome(ctx context.Context, id int64, outcome project.PaymentOutcome) error {
	updates := map[string]interface{}{
		"payment_status": outcome.Status,
		"updated_at":     time.Now().UTC(),
	}
	if outcome.Status == project.PaymentStatusPaid {
		updates["paid_amount_minor_units"] = outcome.AmountMinorUnits
		updates["currency"] = outcome.Currency
		updates["platform_fee_minor_units"] = outcome.PlatformFee
		updates["expert_payout_minor_units"] = outcome.ExpertPayout
		updates["paid_at"] = outcome.Date
	}

	q := r.db.WithContext(ctx).Model(&datamodel.Project{})
	if blocking := project.BlockingStatuses(outcome.Status); len(blocking) > 0 {
		q = q.Where("id = ? AND (payment_status IS NULL OR payment_status NOT IN ?)", id, blocking)
	} else {
		q = q.Where("id = ?", id)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update project %d payment outcome: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *ProjectRepository) UpdateProjectRefund(ctx context.Context, id int64, outcome project.RefundOutcome) error {
	res := r.db.WithContext(ctx).Model(&datamodel.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payment_status":            project.PaymentStatusRefunded,
			"refund_amount_minor_units": outcome.AmountMinorUnits,
			"refund_reason":             outcome.Reason,
			"refunded_at":               outcome.Date,
			"updated_at":                time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update project %d refund: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *ProjectRepository) ensureExists(ctx context.Context, id int64) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&datamodel.Project{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check project %d: %w", id, err)
	}
	if count == 0 {
		return errs.ErrProjectNotFound
	}
	return nil
}

func fromDataModel(row *datamodel.Project) *project.Project {
	p := &project.Project{
		ID:                     row.ID,
		ClientID:               row.ClientID,
		ExpertID:               row.ExpertID,
		Title:                  row.Title,
		PaidAmountMinorUnits:   row.PaidAmountMinorUnits,
		PlatformFeeMinorUnits:  row.PlatformFeeMinorUnits,
		ExpertPayoutMinorUnits: row.ExpertPayoutMinorUnits,
		PaidAt:                 row.PaidAt,
		RefundAmountMinorUnits: row.RefundAmountMinorUnits,
		RefundedAt:             row.RefundedAt,
	}
	if row.PaymentStatus != nil {
		p.PaymentStatus = *row.PaymentStatus
	}
	if row.Currency != nil {
		p.Currency = *row.Currency
	}
	if row.RefundReason != nil {
		p.RefundReason = *row.RefundReason
	}
	return p
}
