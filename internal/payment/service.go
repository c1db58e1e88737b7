package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/core/events"
	"github.com/frahmantamala/expert-payments/internal/fee"
	"github.com/frahmantamala/expert-payments/internal/processor"
	"github.com/frahmantamala/expert-payments/internal/project"
	"github.com/frahmantamala/expert-payments/internal/user"
)

// LedgerRepository is the system of record for payments. Every mutation after Create goes
// through CompareAndSwap except the payout status, which stays writable after a refund.
type LedgerRepository interface {
	Create(ctx context.Context, p *Payment) error
	// GetByID and GetByExternalIntentID return nil, nil when nothing matches.
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetByExternalIntentID(ctx context.Context, intentID string) (*Payment, error)
	// CompareAndSwap persists next only if the stored version still equals expectedVersion
	// and the record is not refunded. On success next.Version is advanced.
	// A lost race returns errors.ErrConcurrencyConflict.
	CompareAndSwap(ctx context.Context, next *Payment, expectedVersion int64) error
	UpdatePayoutStatus(ctx context.Context, id int64, status PayoutStatus) error
	ListSettledSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]*Payment, error)
	ListPendingBefore(ctx context.Context, before time.Time, afterID int64, limit int) ([]*Payment, error)
	ListStaleRefundClaims(ctx context.Context, before time.Time, afterID int64, limit int) ([]*Payment, error)
}

type ReportRepository interface {
	Stats(ctx context.Context, filter ReportFilter) ([]CurrencyStats, error)
	History(ctx context.Context, filter ReportFilter, limit, offset int) ([]HistoryEntry, int64, error)
}

type ServiceAPI interface {
	CreatePaymentIntent(ctx context.Context, req CreateIntentDTO) (*IntentResult, error)
	ConfirmPaymentIntent(ctx context.Context, intentID string, req ConfirmIntentDTO) (*ConfirmResult, error)
	CreateRefund(ctx context.Context, paymentID int64, req RefundDTO) (*Payment, error)
	UpdatePayoutStatus(ctx context.Context, paymentID int64, req UpdatePayoutDTO) (*Payment, error)
	GetPaymentStats(ctx context.Context, userID int64, role errors.Role) (*StatsResponse, error)
	GetPaymentHistory(ctx context.Context, userID int64, role errors.Role, page, limit int) (*HistoryResponse, error)
	ListPaymentMethods(ctx context.Context, userID int64) ([]processor.PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, userID int64, paymentMethodID string) (*processor.PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, userID int64, paymentMethodID string) error
	CreateSetupIntent(ctx context.Context, userID int64) (*processor.SetupIntent, error)
}

type Config struct {
	MinAmountMinorUnits int64
	SupportedCurrencies []string
	ProcessorTimeout    time.Duration
}

type Deps struct {
	Ledger    LedgerRepository
	Reports   ReportRepository
	Projects  project.Store
	Users     user.Store
	Processor processor.Client
	Fees      *fee.Calculator
	EventBus  *events.EventBus
	Alerts    alert.Alerter
}

type Service struct {
	ledger    LedgerRepository
	reports   ReportRepository
	projects  project.Store
	users     user.Store
	processor processor.Client
	fees      *fee.Calculator
	bus       *events.EventBus
	alerts    alert.Alerter
	cfg       Config
	logger    *slog.Logger
	customers singleflight.Group
	now       func() time.Time
}

var _ ServiceAPI = (*Service)(nil)

func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MinAmountMinorUnits <= 0 {
		cfg.MinAmountMinorUnits = 50
	}
	if len(cfg.SupportedCurrencies) == 0 {
		cfg.SupportedCurrencies = []string{"usd"}
	}
	return &Service{
		ledger:    deps.Ledger,
		reports:   deps.Reports,
		projects:  deps.Projects,
		users:     deps.Users,
		processor: deps.Processor,
		fees:      deps.Fees,
		bus:       deps.EventBus,
		alerts:    deps.Alerts,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreatePaymentIntent creates the processor intent first and records the pending payment after.
// A remote failure leaves the ledger untouched.
func (s *Service) CreatePaymentIntent(ctx context.Context, req CreateIntentDTO) (*IntentResult, error) {
	if err := req.Validate(s.cfg.MinAmountMinorUnits, s.cfg.SupportedCurrencies); err != nil {
		return nil, err
	}

	proj, err := s.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load project", err)
	}
	if proj == nil {
		return nil, errors.ErrProjectNotFound
	}

	client, err := s.users.GetUser(ctx, req.ClientID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load client", err)
	}
	if client == nil {
		return nil, errors.ErrClientNotFound
	}

	if proj.ClientID != client.ID {
		return nil, errors.NewValidationError("project does not belong to the client", errors.ErrCodeProjectOwnership)
	}
	if !proj.HasExpert() {
		return nil, errors.NewValidationError("project has no assigned expert", errors.ErrCodeExpertNotAssigned)
	}

	customerID, err := s.resolveCustomer(ctx, client)
	if err != nil {
		return nil, err
	}

	split, err := s.fees.Split(req.AmountMinorUnits)
	if err != nil {
		return nil, errors.NewValidationError(err.Error(), errors.ErrCodeInvalidAmount)
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	intent, err := s.processor.CreateIntent(rctx, processor.CreateIntentRequest{
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		CustomerID:       customerID,
		IdempotencyKey:   "intent-" + uuid.New().String(),
		Metadata: map[string]string{
			"project_id":    strconv.FormatInt(proj.ID, 10),
			"client_id":     strconv.FormatInt(client.ID, 10),
			"expert_id":     strconv.FormatInt(*proj.ExpertID, 10),
			"platform_fee":  strconv.FormatInt(split.PlatformFee, 10),
			"expert_payout": strconv.FormatInt(split.ExpertPayout, 10),
		},
	})
	cancel()
	if err != nil {
		s.logger.Error("failed to create payment intent",
			"error", err,
			"project_id", proj.ID,
			"client_id", client.ID)
		return nil, errors.NewExternalProcessorError("failed to create payment intent", err)
	}

	now := s.now()
	p := &Payment{
		ExternalIntentID:       intent.ID,
		ExternalCustomerID:     &customerID,
		ProjectID:              proj.ID,
		ClientID:               client.ID,
		ExpertID:               *proj.ExpertID,
		AmountMinorUnits:       req.AmountMinorUnits,
		Currency:               req.Currency,
		Status:                 StatusPending,
		FeeRate:                split.Rate.String(),
		PlatformFeeMinorUnits:  split.PlatformFee,
		ExpertPayoutMinorUnits: split.ExpertPayout,
		PayoutStatus:           PayoutPending,
		AppliedEventIDs:        []string{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.ledger.Create(ctx, p); err != nil {
		s.logger.Error("payment intent created but ledger write failed",
			"error", err,
			"external_intent_id", intent.ID,
			"project_id", proj.ID)
		s.alerts.Alert(ctx, alert.Alert{
			Kind:             alert.KindLedgerWriteFailed,
			ExternalIntentID: intent.ID,
			Message:          fmt.Sprintf("intent for project %d has no ledger record: %v", proj.ID, err),
			RaisedAt:         now,
		})
		return nil, errors.NewInternalError("failed to record payment", err)
	}

	s.logger.Info("payment intent created",
		"payment_id", p.ID,
		"external_intent_id", p.ExternalIntentID,
		"project_id", p.ProjectID,
		"amount_minor_units", p.AmountMinorUnits,
		"currency", p.Currency,
		"platform_fee", p.PlatformFeeMinorUnits,
		"expert_payout", p.ExpertPayoutMinorUnits)

	return &IntentResult{ClientSecret: intent.ClientSecret, Payment: p}, nil
}

// ConfirmPaymentIntent only reads the ledger. The outcome arrives later through the webhook.
func (s *Service) ConfirmPaymentIntent(ctx context.Context, intentID string, req ConfirmIntentDTO) (*ConfirmResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := s.ledger.GetByExternalIntentID(ctx, intentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load payment", err)
	}
	if p == nil {
		return nil, errors.ErrPaymentNotFound
	}
	if err := authorize(ctx, p); err != nil {
		return nil, err
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	intent, err := s.processor.ConfirmIntent(rctx, intentID, req.PaymentMethodID)
	if err != nil {
		s.logger.Error("failed to confirm payment intent", "error", err, "external_intent_id", intentID)
		return nil, errors.NewExternalProcessorError("failed to confirm payment intent", err)
	}

	s.logger.Info("payment intent confirmed",
		"payment_id", p.ID,
		"external_intent_id", intentID,
		"intent_status", intent.Status)

	return &ConfirmResult{
		PaymentID:        p.ID,
		ExternalIntentID: intent.ID,
		Status:           intent.Status,
	}, nil
}

// UpdatePayoutStatus is the only write allowed once a payment is refunded.
func (s *Service) UpdatePayoutStatus(ctx context.Context, paymentID int64, req UpdatePayoutDTO) (*Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	status := PayoutStatus(req.PayoutStatus)
	if err := s.ledger.UpdatePayoutStatus(ctx, p.ID, status); err != nil {
		return nil, errors.NewInternalError("failed to update payout status", err)
	}

	s.logger.Info("payout status updated",
		"payment_id", p.ID,
		"old_payout_status", p.PayoutStatus,
		"new_payout_status", status)

	p.PayoutStatus = status
	return p, nil
}

func (s *Service) GetPaymentStats(ctx context.Context, userID int64, role errors.Role) (*StatsResponse, error) {
	stats, err := s.reports.Stats(ctx, reportFilter(userID, role))
	if err != nil {
		return nil, errors.NewInternalError("failed to load payment stats", err)
	}
	if stats == nil {
		stats = []CurrencyStats{}
	}
	return &StatsResponse{Currencies: stats}, nil
}

func (s *Service) GetPaymentHistory(ctx context.Context, userID int64, role errors.Role, page, limit int) (*HistoryResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	entries, total, err := s.reports.History(ctx, reportFilter(userID, role), limit, (page-1)*limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to load payment history", err)
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return &HistoryResponse{Payments: entries, Page: page, Limit: limit, Total: total}, nil
}

func reportFilter(userID int64, role errors.Role) ReportFilter {
	switch role {
	case errors.RoleAdmin:
		return ReportFilter{}
	case errors.RoleExpert:
		return ReportFilter{ExpertID: &userID}
	default:
		return ReportFilter{ClientID: &userID}
	}
}

func (s *Service) loadPayment(ctx context.Context, id int64) (*Payment, error) {
	p, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, errors.NewInternalError("failed to load payment", err)
	}
	if p == nil {
		return nil, errors.ErrPaymentNotFound
	}
	return p, nil
}

// authorize lets admins and the paying client through. Calls without an identity come from
// internal callers such as the sweep and are not restricted.
func authorize(ctx context.Context, p *Payment) error {
	identity, ok := errors.IdentityFromContext(ctx)
	if !ok || identity.IsAdmin() {
		return nil
	}
	if identity.UserID != p.ClientID {
		return errors.ErrUnauthorizedAccess
	}
	return nil
}

// resolveCustomer returns the client's processor customer, creating it at most once.
// Concurrent callers in this process share one creation; across processes the
// conditional store write decides the winner.
func (s *Service) resolveCustomer(ctx context.Context, client *user.User) (string, error) {
	if client.HasCustomer() {
		return *client.ExternalCustomerID, nil
	}

	v, err, _ := s.customers.Do(strconv.FormatInt(client.ID, 10), func() (interface{}, error) {
		fresh, err := s.users.GetUser(ctx, client.ID)
		if err != nil {
			return "", errors.NewInternalError("failed to load client", err)
		}
		if fresh == nil {
			return "", errors.ErrClientNotFound
		}
		if fresh.HasCustomer() {
			return *fresh.ExternalCustomerID, nil
		}

		rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
		defer cancel()
		created, err := s.processor.CreateCustomer(rctx, processor.CreateCustomerRequest{
			ClientID:       client.ID,
			Email:          client.Email,
			Name:           client.Name,
			IdempotencyKey: fmt.Sprintf("customer-%d", client.ID),
		})
		if err != nil {
			s.logger.Error("failed to create processor customer", "error", err, "client_id", client.ID)
			return "", errors.NewExternalProcessorError("failed to create customer", err)
		}

		winner, err := s.users.SetExternalCustomerID(ctx, client.ID, created)
		if err != nil {
			return "", errors.NewInternalError("failed to store customer id", err)
		}
		if winner != created {
			s.logger.Warn("customer already stored by a concurrent request, using stored value",
				"client_id", client.ID,
				"created_customer_id", created,
				"stored_customer_id", winner)
		}
		return winner, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
