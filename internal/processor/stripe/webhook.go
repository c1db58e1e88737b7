package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/frahmantamala/expert-payments/internal/processor"
)

var eventTypes = map[string]processor.EventType{
	"payment_intent.succeeded":      processor.EventIntentSucceeded,
	"payment_intent.payment_failed": processor.EventIntentPaymentFailed,
	"payment_intent.canceled":       processor.EventIntentCanceled,
}

// WebhookVerifier checks the Stripe-Signature header and maps payment intent events.
type WebhookVerifier struct{}

var _ processor.WebhookVerifier = WebhookVerifier{}

// VerifyWebhookSignature returns an Event with an empty Type for event kinds the ledger ignores.
func (WebhookVerifier) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*processor.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidSignature, err)
	}

	out := &processor.Event{
		ID:      event.ID,
		RawType: string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	mapped, ok := eventTypes[string(event.Type)]
	if !ok {
		return out, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", processor.ErrMalformedEvent, event.ID)
	}

	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", processor.ErrMalformedEvent, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: %s has no payment intent id", processor.ErrMalformedEvent, event.ID)
	}

	out.Type = mapped
	out.IntentID = pi.ID
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}
