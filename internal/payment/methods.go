package payment

import (
	"context"
	"strings"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/processor"
)

func (s *Service) customerFor(ctx context.Context, userID int64) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", errors.NewInternalError("failed to load client", err)
	}
	if u == nil {
		return "", errors.ErrClientNotFound
	}
	return s.resolveCustomer(ctx, u)
}

func (s *Service) ListPaymentMethods(ctx context.Context, userID int64) ([]processor.PaymentMethod, error) {
	customerID, err := s.customerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	methods, err := s.processor.ListPaymentMethods(rctx, customerID)
	if err != nil {
		return nil, errors.NewExternalProcessorError("failed to list payment methods", err)
	}
	if methods == nil {
		methods = []processor.PaymentMethod{}
	}
	return methods, nil
}

func (s *Service) AttachPaymentMethod(ctx context.Context, userID int64, paymentMethodID string) (*processor.PaymentMethod, error) {
	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, errors.NewValidationFieldError("payment_method_id", "payment_method_id is required", errors.ErrCodeValidationFailed)
	}
	customerID, err := s.customerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	pm, err := s.processor.AttachPaymentMethod(rctx, customerID, paymentMethodID)
	if err != nil {
		return nil, errors.NewExternalProcessorError("failed to attach payment method", err)
	}

	s.logger.Info("payment method attached", "user_id", userID, "payment_method_id", pm.ID)
	return pm, nil
}

// DetachPaymentMethod only detaches methods that belong to the caller's customer.
func (s *Service) DetachPaymentMethod(ctx context.Context, userID int64, paymentMethodID string) error {
	methods, err := s.ListPaymentMethods(ctx, userID)
	if err != nil {
		return err
	}

	owned := false
	for _, m := range methods {
		if m.ID == paymentMethodID {
			owned = true
			break
		}
	}
	if !owned {
		return errors.NewNotFoundError("payment method not found", errors.ErrCodePaymentNotFound)
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	if err := s.processor.DetachPaymentMethod(rctx, paymentMethodID); err != nil {
		return errors.NewExternalProcessorError("failed to detach payment method", err)
	}

	s.logger.Info("payment method detached", "user_id", userID, "payment_method_id", paymentMethodID)
	return nil
}

func (s *Service) CreateSetupIntent(ctx context.Context, userID int64) (*processor.SetupIntent, error) {
	customerID, err := s.customerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	rctx, cancel := errors.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	si, err := s.processor.CreateSetupIntent(rctx, customerID)
	if err != nil {
		return nil, errors.NewExternalProcessorError("failed to create setup intent", err)
	}
	return si, nil
}
