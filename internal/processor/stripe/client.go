// Package stripe implements processor.Client on top of stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	stripeapi "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/frahmantamala/expert-payments/internal/processor"
)

type Config struct {
	APIKey string
	// BaseURL points the client at another API host, e.g. stripe-mock.
	BaseURL           string
	MaxNetworkRetries *int64
}

type Client struct {
	api    *client.API
	logger *slog.Logger
}

var _ processor.Client = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	var backends *stripeapi.Backends
	if cfg.BaseURL != "" || cfg.MaxNetworkRetries != nil {
		bc := &stripeapi.BackendConfig{MaxNetworkRetries: cfg.MaxNetworkRetries}
		if cfg.BaseURL != "" {
			bc.URL = stripeapi.String(cfg.BaseURL)
		}
		backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, bc)
		backends = &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	return &Client{
		api:    client.New(cfg.APIKey, backends),
		logger: logger,
	}
}

func (c *Client) CreateCustomer(ctx context.Context, req processor.CreateCustomerRequest) (string, error) {
	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(req.Email),
		Name:  stripeapi.String(req.Name),
	}
	params.Context = ctx
	params.AddMetadata("client_id", strconv.FormatInt(req.ClientID, 10))
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", c.wrap(ctx, "create customer", err)
	}

	c.logger.Info("stripe customer created", "client_id", req.ClientID, "customer_id", cus.ID)
	return cus.ID, nil
}

func (c *Client) CreateIntent(ctx context.Context, req processor.CreateIntentRequest) (*processor.Intent, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(req.AmountMinorUnits),
		Currency: stripeapi.String(req.Currency),
		Customer: stripeapi.String(req.CustomerID),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, c.wrap(ctx, "create payment intent", err)
	}
	return toIntent(pi), nil
}

func (c *Client) GetIntent(ctx context.Context, intentID string) (*processor.Intent, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, c.wrap(ctx, "get payment intent", err)
	}
	return toIntent(pi), nil
}

func (c *Client) ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (*processor.Intent, error) {
	params := &stripeapi.PaymentIntentConfirmParams{}
	if paymentMethodID != "" {
		params.PaymentMethod = stripeapi.String(paymentMethodID)
	}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Confirm(intentID, params)
	if err != nil {
		return nil, c.wrap(ctx, "confirm payment intent", err)
	}
	return toIntent(pi), nil
}

// CreateRefund keeps the free-text reason in metadata; Stripe's reason field only takes enum values.
func (c *Client) CreateRefund(ctx context.Context, req processor.CreateRefundRequest) (*processor.Refund, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.IntentID),
		Amount:        stripeapi.Int64(req.AmountMinorUnits),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, c.wrap(ctx, "create refund", err)
	}

	c.logger.Info("stripe refund created", "intent_id", req.IntentID, "refund_id", r.ID, "status", r.Status)
	return &processor.Refund{
		ID:               r.ID,
		Status:           string(r.Status),
		AmountMinorUnits: r.Amount,
	}, nil
}

func (c *Client) ListPaymentMethods(ctx context.Context, customerID string) ([]processor.PaymentMethod, error) {
	params := &stripeapi.PaymentMethodListParams{
		Customer: stripeapi.String(customerID),
		Type:     stripeapi.String("card"),
	}
	params.Context = ctx

	var methods []processor.PaymentMethod
	it := c.api.PaymentMethods.List(params)
	for it.Next() {
		methods = append(methods, toPaymentMethod(it.PaymentMethod()))
	}
	if err := it.Err(); err != nil {
		return nil, c.wrap(ctx, "list payment methods", err)
	}
	return methods, nil
}

func (c *Client) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*processor.PaymentMethod, error) {
	params := &stripeapi.PaymentMethodAttachParams{
		Customer: stripeapi.String(customerID),
	}
	params.Context = ctx

	pm, err := c.api.PaymentMethods.Attach(paymentMethodID, params)
	if err != nil {
		return nil, c.wrap(ctx, "attach payment method", err)
	}
	out := toPaymentMethod(pm)
	return &out, nil
}

func (c *Client) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	params := &stripeapi.PaymentMethodDetachParams{}
	params.Context = ctx

	if _, err := c.api.PaymentMethods.Detach(paymentMethodID, params); err != nil {
		return c.wrap(ctx, "detach payment method", err)
	}
	return nil
}

func (c *Client) CreateSetupIntent(ctx context.Context, customerID string) (*processor.SetupIntent, error) {
	params := &stripeapi.SetupIntentParams{
		Customer:           stripeapi.String(customerID),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
	}
	params.Context = ctx

	si, err := c.api.SetupIntents.New(params)
	if err != nil {
		return nil, c.wrap(ctx, "create setup intent", err)
	}
	return &processor.SetupIntent{
		ID:           si.ID,
		ClientSecret: si.ClientSecret,
		Status:       string(si.Status),
	}, nil
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("stripe call timed out", "operation", op, "error", err)
		return fmt.Errorf("%s: %w: %v", op, processor.ErrProcessorTimedOut, err)
	}

	var se *stripeapi.Error
	if errors.As(err, &se) {
		c.logger.Warn("stripe call failed",
			"operation", op,
			"http_status", se.HTTPStatusCode,
			"code", se.Code,
			"message", se.Msg)
		if se.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %w", op, processor.ErrIntentNotFound, processor.ErrRejected)
		}
		if rejected(se.HTTPStatusCode) {
			return fmt.Errorf("%s: %w: %w", op, processor.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rejected reports whether a status means Stripe refused the request without acting on it.
// 409 (idempotency conflict) and 429 are excluded: the original request may still be in flight.
func rejected(status int) bool {
	if status == http.StatusConflict || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func toIntent(pi *stripeapi.PaymentIntent) *processor.Intent {
	in := &processor.Intent{
		ID:               pi.ID,
		ClientSecret:     pi.ClientSecret,
		Status:           processor.IntentStatus(pi.Status),
		AmountMinorUnits: pi.Amount,
		Currency:         string(pi.Currency),
	}
	if pi.LastPaymentError != nil {
		in.LastFailureMessage = pi.LastPaymentError.Msg
	}
	return in
}

func toPaymentMethod(pm *stripeapi.PaymentMethod) processor.PaymentMethod {
	out := processor.PaymentMethod{
		ID:   pm.ID,
		Type: string(pm.Type),
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int64(pm.Card.ExpMonth)
		out.ExpYear = int64(pm.Card.ExpYear)
	}
	return out
}
