// Package fee splits a gross payment into the platform fee and the expert payout.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultRate is the platform commission applied when none is configured.
var DefaultRate = decimal.RequireFromString("0.10")

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidRate    = errors.New("fee rate must be within [0, 1]")
)

// Breakdown is the result of a split. PlatformFee + ExpertPayout always equals the gross amount.
type Breakdown struct {
	Rate         decimal.Decimal
	PlatformFee  int64
	ExpertPayout int64
}

// Split computes round_half_up(amount * rate) as the platform fee and gives the remainder to the expert.
func Split(amountMinorUnits int64, rate decimal.Decimal) (Breakdown, error) {
	if amountMinorUnits < 0 {
		return Breakdown{}, ErrNegativeAmount
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}

	// amount and rate are non-negative, so Round's half-away-from-zero is half-up here.
	platformFee := decimal.NewFromInt(amountMinorUnits).Mul(rate).Round(0).IntPart()

	return Breakdown{
		Rate:         rate,
		PlatformFee:  platformFee,
		ExpertPayout: amountMinorUnits - platformFee,
	}, nil
}

// Calculator holds the currently configured rate. Callers capture Rate() on each new payment.
type Calculator struct {
	rate decimal.Decimal
}

func NewCalculator(rate decimal.Decimal) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return &Calculator{rate: rate}, nil
}

func (c *Calculator) Rate() decimal.Decimal {
	return c.rate
}

func (c *Calculator) Split(amountMinorUnits int64) (Breakdown, error) {
	return Split(amountMinorUnits, c.rate)
}
