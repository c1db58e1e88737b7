package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
)

// PaymentSettledEvent is published once a webhook moves a payment to succeeded or failed.
type PaymentSettledEvent struct {
	BaseEvent
	PaymentID          int64     `json:"payment_id"`
	ProjectID          int64     `json:"project_id"`
	ExternalIntentID   string    `json:"external_intent_id"`
	Status             string    `json:"status"`
	AmountMinorUnits   int64     `json:"amount_minor_units"`
	Currency           string    `json:"currency"`
	PlatformFee        int64     `json:"platform_fee"`
	ExpertPayout       int64     `json:"expert_payout"`
	SettledAt          time.Time `json:"settled_at"`
	ProcessorEventID   string    `json:"processor_event_id"`
	ProcessorEventType string    `json:"processor_event_type"`
}

func NewPaymentSettledEvent(eventType string, paymentID, projectID int64, intentID, status string, amount int64, currency string, platformFee, expertPayout int64, settledAt time.Time, processorEventID, processorEventType string) *PaymentSettledEvent {
	return &PaymentSettledEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":         paymentID,
				"project_id":         projectID,
				"external_intent_id": intentID,
				"status":             status,
				"amount_minor_units": amount,
				"currency":           currency,
				"processor_event_id": processorEventID,
			},
		},
		PaymentID:          paymentID,
		ProjectID:          projectID,
		ExternalIntentID:   intentID,
		Status:             status,
		AmountMinorUnits:   amount,
		Currency:           currency,
		PlatformFee:        platformFee,
		ExpertPayout:       expertPayout,
		SettledAt:          settledAt,
		ProcessorEventID:   processorEventID,
		ProcessorEventType: processorEventType,
	}
}

type PaymentRefundedEvent struct {
	BaseEvent
	PaymentID              int64     `json:"payment_id"`
	ProjectID              int64     `json:"project_id"`
	ExternalRefundID       string    `json:"external_refund_id"`
	RefundAmountMinorUnits int64     `json:"refund_amount_minor_units"`
	Reason                 string    `json:"reason"`
	RefundedAt             time.Time `json:"refunded_at"`
}

func NewPaymentRefundedEvent(paymentID, projectID int64, externalRefundID string, amount int64, reason string, refundedAt time.Time) *PaymentRefundedEvent {
	return &PaymentRefundedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentRefunded,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":                paymentID,
				"project_id":                projectID,
				"external_refund_id":        externalRefundID,
				"refund_amount_minor_units": amount,
				"reason":                    reason,
			},
		},
		PaymentID:              paymentID,
		ProjectID:              projectID,
		ExternalRefundID:       externalRefundID,
		RefundAmountMinorUnits: amount,
		Reason:                 reason,
		RefundedAt:             refundedAt,
	}
}
