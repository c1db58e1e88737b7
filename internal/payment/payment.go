package payment

import (
	"errors"
	"time"

	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/payment"
)

// ErrUnknownIntent means the ledger has no record for the processor intent an event refers to.
var ErrUnknownIntent = errors.New("no payment record for intent")

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusRefunded  Status = "refunded"
)

// transitions is the closed set of allowed edges. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded: {StatusRefunded},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

func (p PayoutStatus) Valid() bool {
	switch p {
	case PayoutPending, PayoutPaid, PayoutFailed:
		return true
	}
	return false
}

// Payment is one ledger record per processor intent.
type Payment struct {
	ID                     int64        `json:"id"`
	ExternalIntentID       string       `json:"external_intent_id"`
	ExternalCustomerID     *string      `json:"external_customer_id,omitempty"`
	ProjectID              int64        `json:"project_id"`
	ClientID               int64        `json:"client_id"`
	ExpertID               int64        `json:"expert_id"`
	AmountMinorUnits       int64        `json:"amount_minor_units"`
	Currency               string       `json:"currency"`
	Status                 Status       `json:"status"`
	FeeRate                string       `json:"fee_rate"`
	PlatformFeeMinorUnits  int64        `json:"platform_fee_minor_units"`
	ExpertPayoutMinorUnits int64        `json:"expert_payout_minor_units"`
	RefundAmountMinorUnits *int64       `json:"refund_amount_minor_units,omitempty"`
	RefundReason           *string      `json:"refund_reason,omitempty"`
	ExternalRefundID       *string      `json:"external_refund_id,omitempty"`
	RefundIdempotencyKey   *string      `json:"-"`
	RefundRequestedAt      *time.Time   `json:"refund_requested_at,omitempty"`
	FailureReason          *string      `json:"failure_reason,omitempty"`
	PayoutStatus           PayoutStatus `json:"payout_status"`
	AppliedEventIDs        []string     `json:"-"`
	Version                int64        `json:"version"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// HasApplied reports whether the webhook event was already recorded against this payment.
func (p *Payment) HasApplied(eventID string) bool {
	for _, id := range p.AppliedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// HasRefundClaim reports whether a refund was started but not yet finalised.
func (p *Payment) HasRefundClaim() bool {
	return p.Status == StatusSucceeded && p.RefundIdempotencyKey != nil
}

// Clone returns a deep copy so a mutation can be prepared without touching the loaded record.
func (p *Payment) Clone() *Payment {
	cp := *p
	cp.ExternalCustomerID = cloneString(p.ExternalCustomerID)
	cp.RefundReason = cloneString(p.RefundReason)
	cp.ExternalRefundID = cloneString(p.ExternalRefundID)
	cp.RefundIdempotencyKey = cloneString(p.RefundIdempotencyKey)
	cp.FailureReason = cloneString(p.FailureReason)
	if p.RefundAmountMinorUnits != nil {
		v := *p.RefundAmountMinorUnits
		cp.RefundAmountMinorUnits = &v
	}
	if p.RefundRequestedAt != nil {
		v := *p.RefundRequestedAt
		cp.RefundRequestedAt = &v
	}
	cp.AppliedEventIDs = append([]string(nil), p.AppliedEventIDs...)
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func FromDataModel(row *datamodel.Payment) *Payment {
	return &Payment{
		ID:                     row.ID,
		ExternalIntentID:       row.ExternalIntentID,
		ExternalCustomerID:     row.ExternalCustomerID,
		ProjectID:              row.ProjectID,
		ClientID:               row.ClientID,
		ExpertID:               row.ExpertID,
		AmountMinorUnits:       row.AmountMinorUnits,
		Currency:               row.Currency,
		Status:                 Status(row.Status),
		FeeRate:                row.FeeRate,
		PlatformFeeMinorUnits:  row.PlatformFeeMinorUnits,
		ExpertPayoutMinorUnits: row.ExpertPayoutMinorUnits,
		RefundAmountMinorUnits: row.RefundAmountMinorUnits,
		RefundReason:           row.RefundReason,
		ExternalRefundID:       row.ExternalRefundID,
		RefundIdempotencyKey:   row.RefundIdempotencyKey,
		RefundRequestedAt:      row.RefundRequestedAt,
		FailureReason:          row.FailureReason,
		PayoutStatus:           PayoutStatus(row.PayoutStatus),
		AppliedEventIDs:        []string(row.AppliedEventIDs),
		Version:                row.Version,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}
}

func ToDataModel(p *Payment) *datamodel.Payment {
	return &datamodel.Payment{
		ID:                     p.ID,
		ExternalIntentID:       p.ExternalIntentID,
		ExternalCustomerID:     p.ExternalCustomerID,
		ProjectID:              p.ProjectID,
		ClientID:               p.ClientID,
		ExpertID:               p.ExpertID,
		AmountMinorUnits:       p.AmountMinorUnits,
		Currency:               p.Currency,
		Status:                 string(p.Status),
		FeeRate:                p.FeeRate,
		PlatformFeeMinorUnits:  p.PlatformFeeMinorUnits,
		ExpertPayoutMinorUnits: p.ExpertPayoutMinorUnits,
		RefundAmountMinorUnits: p.RefundAmountMinorUnits,
		RefundReason:           p.RefundReason,
		ExternalRefundID:       p.ExternalRefundID,
		RefundIdempotencyKey:   p.RefundIdempotencyKey,
		RefundRequestedAt:      p.RefundRequestedAt,
		FailureReason:          p.FailureReason,
		PayoutStatus:           string(p.PayoutStatus),
		AppliedEventIDs:        datamodel.EventIDs(p.AppliedEventIDs),
		Version:                p.Version,
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
}
