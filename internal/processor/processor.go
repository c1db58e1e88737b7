// Package processor describes the external payment processor the ledger reconciles against.
package processor

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSignature  = errors.New("processor: invalid webhook signature")
	ErrMalformedEvent    = errors.New("processor: malformed webhook event")
	ErrIntentNotFound    = errors.New("processor: intent not found")
	ErrProcessorTimedOut = errors.New("processor: request timed out")
	// ErrRejected marks a definitive refusal: the processor did not act on the request.
	// Any other failure may have taken effect remotely.
	ErrRejected = errors.New("processor: request rejected")
)

// EventType is the processor-neutral name of a webhook event.
type EventType string

const (
	EventIntentSucceeded     EventType = "intent.succeeded"
	EventIntentPaymentFailed EventType = "intent.payment_failed"
	EventIntentCanceled      EventType = "intent.canceled"
)

func (t EventType) Known() bool {
	switch t {
	case EventIntentSucceeded, EventIntentPaymentFailed, EventIntentCanceled:
		return true
	}
	return false
}

// Event is a verified webhook delivery. RawType keeps the processor's own name for logging.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	RawType        string    `json:"raw_type"`
	IntentID       string    `json:"intent_id"`
	FailureMessage string    `json:"failure_message,omitempty"`
	Created        time.Time `json:"created"`
}

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

type CreateCustomerRequest struct {
	ClientID       int64
	Email          string
	Name           string
	IdempotencyKey string
}

type CreateIntentRequest struct {
	AmountMinorUnits int64
	Currency         string
	CustomerID       string
	Metadata         map[string]string
	IdempotencyKey   string
}

type Intent struct {
	ID                 string
	ClientSecret       string
	Status             IntentStatus
	AmountMinorUnits   int64
	Currency           string
	LastFailureMessage string
}

type CreateRefundRequest struct {
	IntentID         string
	AmountMinorUnits int64
	Reason           string
	IdempotencyKey   string
}

type Refund struct {
	ID               string
	Status           string
	AmountMinorUnits int64
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int64  `json:"exp_month,omitempty"`
	ExpYear  int64  `json:"exp_year,omitempty"`
}

type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Client is every call the ledger makes to the processor. Implementations honour ctx deadlines.
type Client interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error)
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (*Intent, error)
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*Refund, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
}

// WebhookVerifier authenticates a raw delivery and normalises it into an Event.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*Event, error)
}
