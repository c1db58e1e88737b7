// Package project exposes the slice of the project aggregate that settlements write to.
package project

import (
	"context"
	"time"
)

const (
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

type Project struct {
	ID                     int64      `json:"id"`
	ClientID               int64      `json:"client_id"`
	ExpertID               *int64     `json:"expert_id,omitempty"`
	Title                  string     `json:"title"`
	PaymentStatus          string     `json:"payment_status,omitempty"`
	PaidAmountMinorUnits   *int64     `json:"paid_amount_minor_units,omitempty"`
	Currency               string     `json:"currency,omitempty"`
	PlatformFeeMinorUnits  *int64     `json:"platform_fee_minor_units,omitempty"`
	ExpertPayoutMinorUnits *int64     `json:"expert_payout_minor_units,omitempty"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
	RefundAmountMinorUnits *int64     `json:"refund_amount_minor_units,omitempty"`
	RefundReason           string     `json:"refund_reason,omitempty"`
	RefundedAt             *time.Time `json:"refunded_at,omitempty"`
}

// HasExpert reports whether an expert has been assigned.
func (p *Project) HasExpert() bool {
	return p.ExpertID != nil && *p.ExpertID > 0
}

// PaymentOutcome is written when a payment for the project settles.
type PaymentOutcome struct {
	Status           string    `json:"status"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	PlatformFee      int64     `json:"platform_fee"`
	ExpertPayout     int64     `json:"expert_payout"`
	Date             time.Time `json:"date"`
}

type RefundOutcome struct {
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Reason           string    `json:"reason"`
	Date             time.Time `json:"date"`
}

// Store is implemented by the postgres and mongo adapters.
// GetProject returns nil, nil when the project does not exist.
type Store interface {
	GetProject(ctx context.Context, id int64) (*Project, error)
	UpdateProjectPaymentOutcome(ctx context.Context, id int64, outcome PaymentOutcome) error
	UpdateProjectRefund(ctx context.Context, id int64, outcome RefundOutcome) error
}

// BlockingStatuses lists the current statuses that must not be overwritten by next.
// A late failure never hides a payment, and nothing overwrites a refund.
func BlockingStatuses(next string) []string {
	switch next {
	case PaymentStatusFailed:
		return []string{PaymentStatusPaid, PaymentStatusRefunded}
	case PaymentStatusPaid:
		return []string{PaymentStatusRefunded}
	}
	return nil
}

// ReflectsPayment reports whether the project already shows the given ledger outcome.
func (p *Project) ReflectsPayment(status string) bool {
	switch status {
	case PaymentStatusPaid:
		return p.PaymentStatus == PaymentStatusPaid || p.PaymentStatus == PaymentStatusRefunded
	case PaymentStatusRefunded:
		return p.PaymentStatus == PaymentStatusRefunded && p.RefundAmountMinorUnits != nil
	}
	return p.PaymentStatus == status
}
