package payment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Payment struct {
	ID                     int64      `gorm:"primaryKey"`
	ExternalIntentID       string     `gorm:"column:external_intent_id;not null;uniqueIndex"`
	ExternalCustomerID     *string    `gorm:"column:external_customer_id"`
	ProjectID              int64      `gorm:"column:project_id;not null;index"`
	ClientID               int64      `gorm:"column:client_id;not null;index"`
	ExpertID               int64      `gorm:"column:expert_id;not null;index"`
	AmountMinorUnits       int64      `gorm:"column:amount_minor_units;not null"`
	Currency               string     `gorm:"column:currency;not null"`
	Status                 string     `gorm:"column:status;not null;index"`
	FeeRate                string     `gorm:"column:fee_rate;not null"`
	PlatformFeeMinorUnits  int64      `gorm:"column:platform_fee_minor_units;not null"`
	ExpertPayoutMinorUnits int64      `gorm:"column:expert_payout_minor_units;not null"`
	RefundAmountMinorUnits *int64     `gorm:"column:refund_amount_minor_units"`
	RefundReason           *string    `gorm:"column:refund_reason"`
	ExternalRefundID       *string    `gorm:"column:external_refund_id"`
	RefundIdempotencyKey   *string    `gorm:"column:refund_idempotency_key"`
	RefundRequestedAt      *time.Time `gorm:"column:refund_requested_at"`
	FailureReason          *string    `gorm:"column:failure_reason"`
	PayoutStatus           string     `gorm:"column:payout_status;not null;index"`
	AppliedEventIDs        EventIDs   `gorm:"column:applied_event_ids;not null"`
	Version                int64      `gorm:"column:version;not null"`
	CreatedAt              time.Time  `gorm:"column:created_at;index"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// EventIDs is stored as a JSON array.
type EventIDs []string

func (e EventIDs) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(e))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *EventIDs) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*e = EventIDs{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for applied_event_ids", src)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("decode applied_event_ids: %w", err)
	}
	*e = ids
	return nil
}

func (EventIDs) GormDataType() string {
	return "text"
}
