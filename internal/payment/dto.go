package payment

import (
	"strings"
	"time"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/core/common/validation"
	"github.com/frahmantamala/expert-payments/internal/processor"
)

const maxRefundReasonLength = 500

type CreateIntentDTO struct {
	ProjectID        int64  `json:"project_id"`
	ClientID         int64  `json:"-"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
}

func (d *CreateIntentDTO) Validate(minAmount int64, currencies []string) error {
	validator := validation.NewValidator()

	validator.Field("project_id", d.ProjectID).Required().Positive(errors.ErrCodeValidationFailed)
	validator.Field("client_id", d.ClientID).Required().Positive(errors.ErrCodeValidationFailed)
	validator.Field("amount_minor_units", d.AmountMinorUnits).
		Positive(errors.ErrCodeInvalidAmount).
		MinInt(minAmount, errors.ErrCodeAmountTooLow)
	validator.Field("currency", d.Currency).Required().OneOf(currencies, errors.ErrCodeUnsupportedCurrency)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	d.Currency = strings.ToLower(strings.TrimSpace(d.Currency))
	return nil
}

type IntentResult struct {
	ClientSecret string   `json:"client_secret"`
	Payment      *Payment `json:"payment"`
}

type ConfirmIntentDTO struct {
	PaymentMethodID string `json:"payment_method_id"`
}

func (d *ConfirmIntentDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("payment_method_id", d.PaymentMethodID).Required()
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type ConfirmResult struct {
	PaymentID        int64                  `json:"payment_id"`
	ExternalIntentID string                 `json:"external_intent_id"`
	Status           processor.IntentStatus `json:"status"`
}

// RefundDTO defaults to a full refund when AmountMinorUnits is nil.
type RefundDTO struct {
	AmountMinorUnits *int64  `json:"amount_minor_units,omitempty"`
	Reason           *string `json:"reason,omitempty"`
}

func (d *RefundDTO) Validate(originalAmount int64) error {
	validator := validation.NewValidator()
	if d.AmountMinorUnits != nil {
		validator.Field("amount_minor_units", *d.AmountMinorUnits).
			Positive(errors.ErrCodeInvalidAmount).
			MaxInt(originalAmount, errors.ErrCodeRefundAmountExceeded)
	}
	validator.Field("reason", d.Reason).MaxLength(maxRefundReasonLength)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type UpdatePayoutDTO struct {
	PayoutStatus string `json:"payout_status"`
}

func (d *UpdatePayoutDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("payout_status", d.PayoutStatus).Required().
		OneOf([]string{string(PayoutPending), string(PayoutPaid), string(PayoutFailed)}, errors.ErrCodeValidationFailed)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// ReportFilter scopes reporting queries. A nil id means no restriction on that column.
type ReportFilter struct {
	ClientID *int64
	ExpertID *int64
}

type CurrencyStats struct {
	Currency               string `json:"currency"`
	TotalPayments          int64  `json:"total_payments"`
	PendingCount           int64  `json:"pending_count"`
	SucceededCount         int64  `json:"succeeded_count"`
	FailedCount            int64  `json:"failed_count"`
	CanceledCount          int64  `json:"canceled_count"`
	RefundedCount          int64  `json:"refunded_count"`
	CollectedMinorUnits    int64  `json:"collected_minor_units"`
	PlatformFeeMinorUnits  int64  `json:"platform_fee_minor_units"`
	ExpertPayoutMinorUnits int64  `json:"expert_payout_minor_units"`
	RefundedMinorUnits     int64  `json:"refunded_minor_units"`
}

type StatsResponse struct {
	Currencies []CurrencyStats `json:"currencies"`
}

type HistoryEntry struct {
	ID                     int64        `json:"id"`
	ExternalIntentID       string       `json:"external_intent_id"`
	ProjectID              int64        `json:"project_id"`
	ClientID               int64        `json:"client_id"`
	ExpertID               int64        `json:"expert_id"`
	AmountMinorUnits       int64        `json:"amount_minor_units"`
	Currency               string       `json:"currency"`
	Status                 Status       `json:"status"`
	PlatformFeeMinorUnits  int64        `json:"platform_fee_minor_units"`
	ExpertPayoutMinorUnits int64        `json:"expert_payout_minor_units"`
	RefundAmountMinorUnits *int64       `json:"refund_amount_minor_units,omitempty"`
	PayoutStatus           PayoutStatus `json:"payout_status"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

type HistoryResponse struct {
	Payments []HistoryEntry `json:"payments"`
	Page     int            `json:"page"`
	Limit    int            `json:"limit"`
	Total    int64          `json:"total"`
}
