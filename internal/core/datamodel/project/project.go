package project

import "time"

type Project struct {
	ID                     int64      `gorm:"primaryKey"`
	ClientID               int64      `gorm:"column:client_id;not null;index"`
	ExpertID               *int64     `gorm:"column:expert_id;index"`
	Title                  string     `gorm:"column:title;not null"`
	PaymentStatus          *string    `gorm:"column:payment_status"`
	PaidAmountMinorUnits   *int64     `gorm:"column:paid_amount_minor_units"`
	Currency               *string    `gorm:"column:currency"`
	PlatformFeeMinorUnits  *int64     `gorm:"column:platform_fee_minor_units"`
	ExpertPayoutMinorUnits *int64     `gorm:"column:expert_payout_minor_units"`
	PaidAt                 *time.Time `gorm:"column:paid_at"`
	RefundAmountMinorUnits *int64     `gorm:"column:refund_amount_minor_units"`
	RefundReason           *string    `gorm:"column:refund_reason"`
	RefundedAt             *time.Time `gorm:"column:refunded_at"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

func (Project) TableName() string {
	return "projects"
}
