package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/expert-payments/internal/payment"
)

// ReportRepository serves the read-only reporting queries with plain SQL.
type ReportRepository struct {
	db *sqlx.DB
}

func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

var _ payment.ReportRepository = (*ReportRepository)(nil)

const statsQuery = `
SELECT
	currency,
	COUNT(*) AS total_payments,
	COUNT(*) FILTER (WHERE status = 'pending') AS pending_count,
	COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded_count,
	COUNT(*) FILTER (WHERE status = 'failed') AS failed_count,
	COUNT(*) FILTER (WHERE status = 'canceled') AS canceled_count,
	COUNT(*) FILTER (WHERE status = 'refunded') AS refunded_count,
	CAST(COALESCE(SUM(amount_minor_units) FILTER (WHERE status IN ('succeeded', 'refunded')), 0) AS BIGINT) AS collected_minor_units,
	CAST(COALESCE(SUM(platform_fee_minor_units) FILTER (WHERE status = 'succeeded'), 0) AS BIGINT) AS platform_fee_minor_units,
	CAST(COALESCE(SUM(expert_payout_minor_units) FILTER (WHERE status = 'succeeded'), 0) AS BIGINT) AS expert_payout_minor_units,
	CAST(COALESCE(SUM(refund_amount_minor_units) FILTER (WHERE status = 'refunded'), 0) AS BIGINT) AS refunded_minor_units
FROM payments
%s
GROUP BY currency
ORDER BY currency`

type statsRow struct {
	Currency               string `db:"currency"`
	TotalPayments          int64  `db:"total_payments"`
	PendingCount           int64  `db:"pending_count"`
	SucceededCount         int64  `db:"succeeded_count"`
	FailedCount            int64  `db:"failed_count"`
	CanceledCount          int64  `db:"canceled_count"`
	RefundedCount          int64  `db:"refunded_count"`
	CollectedMinorUnits    int64  `db:"collected_minor_units"`
	PlatformFeeMinorUnits  int64  `db:"platform_fee_minor_units"`
	ExpertPayoutMinorUnits int64  `db:"expert_payout_minor_units"`
	RefundedMinorUnits     int64  `db:"refunded_minor_units"`
}

func (r *ReportRepository) Stats(ctx context.Context, filter payment.ReportFilter) ([]payment.CurrencyStats, error) {
	where, args := whereClause(filter)

	var rows []statsRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(fmt.Sprintf(statsQuery, where)), args...); err != nil {
		return nil, fmt.Errorf("query payment stats: %w", err)
	}

	stats := make([]payment.CurrencyStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, payment.CurrencyStats(row))
	}
	return stats, nil
}

type historyRow struct {
	ID                     int64     `db:"id"`
	ExternalIntentID       string    `db:"external_intent_id"`
	ProjectID              int64     `db:"project_id"`
	ClientID               int64     `db:"client_id"`
	ExpertID               int64     `db:"expert_id"`
	AmountMinorUnits       int64     `db:"amount_minor_units"`
	Currency               string    `db:"currency"`
	Status                 string    `db:"status"`
	PlatformFeeMinorUnits  int64     `db:"platform_fee_minor_units"`
	ExpertPayoutMinorUnits int64     `db:"expert_payout_minor_units"`
	RefundAmountMinorUnits *int64    `db:"refund_amount_minor_units"`
	PayoutStatus           string    `db:"payout_status"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r *ReportRepository) History(ctx context.Context, filter payment.ReportFilter, limit, offset int) ([]payment.HistoryEntry, int64, error) {
	where, args := whereClause(filter)

	var total int64
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM payments "+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count payment history: %w", err)
	}

	query := `
SELECT id, external_intent_id, project_id, client_id, expert_id, amount_minor_units, currency, status,
	platform_fee_minor_units, expert_payout_minor_units, refund_amount_minor_units, payout_status,
	created_at, updated_at
FROM payments ` + where + `
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`

	var rows []historyRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("query payment history: %w", err)
	}

	entries := make([]payment.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, payment.HistoryEntry{
			ID:                     row.ID,
			ExternalIntentID:       row.ExternalIntentID,
			ProjectID:              row.ProjectID,
			ClientID:               row.ClientID,
			ExpertID:               row.ExpertID,
			AmountMinorUnits:       row.AmountMinorUnits,
			Currency:               row.Currency,
			Status:                 payment.Status(row.Status),
			PlatformFeeMinorUnits:  row.PlatformFeeMinorUnits,
			ExpertPayoutMinorUnits: row.ExpertPayoutMinorUnits,
			RefundAmountMinorUnits: row.RefundAmountMinorUnits,
			PayoutStatus:           payment.PayoutStatus(row.PayoutStatus),
			CreatedAt:              row.CreatedAt,
			UpdatedAt:              row.UpdatedAt,
		})
	}
	return entries, total, nil
}

func whereClause(filter payment.ReportFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.ClientID != nil {
		conds = append(conds, "client_id = ?")
		args = append(args, *filter.ClientID)
	}
	if filter.ExpertID != nil {
		conds = append(conds, "expert_id = ?")
		args = append(args, *filter.ExpertID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
