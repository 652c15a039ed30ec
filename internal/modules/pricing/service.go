// README: Money calculators: tax, platform fee, and urgent price quotes.
package pricing

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidInput = errors.New("invalid pricing input")

// ComputeTaxCents applies rate_bps to amount_cents with half-up rounding.
func ComputeTaxCents(amountCents, rateBps int64) (int64, error) {
	if amountCents < 0 || rateBps < 0 {
		return 0, ErrInvalidInput
	}
	return (amountCents*rateBps + 5000) / 10000, nil
}

// ComputeFeeCents evaluates a fee rule against a subtotal.
func ComputeFeeCents(subtotalCents int64, rule FeeRule) (int64, error) {
	if subtotalCents < 0 {
		return 0, ErrInvalidInput
	}
	switch rule.Model {
	case FeeModelPercentage:
		if rule.ValueBps < 0 {
			return 0, ErrInvalidInput
		}
		return (subtotalCents*rule.ValueBps + 5000) / 10000, nil
	case FeeModelFixed:
		if rule.ValueCents < 0 {
			return 0, ErrInvalidInput
		}
		return rule.ValueCents, nil
	}
	return 0, ErrInvalidInput
}

type UrgentFeeType string

const (
	UrgentFeeNone    UrgentFeeType = "none"
	UrgentFeeFixed   UrgentFeeType = "fixed"
	UrgentFeePercent UrgentFeeType = "percent"
)

// ComputeUrgentPrice returns (total, fee) for an urgent quote. Percent fees
// are expressed in basis points of the base price, half-up rounded.
func ComputeUrgentPrice(baseCents int64, feeType UrgentFeeType, feeValue int64) (int64, int64, error) {
	if baseCents < 0 || feeValue < 0 {
		return 0, 0, ErrInvalidInput
	}
	var fee int64
	switch feeType {
	case UrgentFeeNone, "":
		fee = 0
	case UrgentFeeFixed:
		fee = feeValue
	case UrgentFeePercent:
		fee = (baseCents*feeValue + 5000) / 10000
	default:
		return 0, 0, ErrInvalidInput
	}
	return baseCents + fee, fee, nil
}

// FeeDescription renders the audit description stored on fee lines.
func FeeDescription(region string, rule FeeRule) string {
	if rule.Model == FeeModelFixed {
		return fmt.Sprintf("ON_DEMAND fee | region=%s | model=%s | payer=%s | cents=%d",
			NormalizeRegion(region), rule.Model, rule.Payer, rule.ValueCents)
	}
	return fmt.Sprintf("ON_DEMAND fee | region=%s | model=%s | payer=%s | bps=%d",
		NormalizeRegion(region), rule.Model, rule.Payer, rule.ValueBps)
}

// Service resolves rules with DB overrides when a store is attached.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) FeeRule(ctx context.Context, region string) FeeRule {
	if s != nil && s.store != nil {
		if r, ok, err := s.store.GetFeeRule(ctx, NormalizeRegion(region)); err == nil && ok {
			return r
		}
	}
	return FeeRuleForRegion(region)
}

func (s *Service) TaxRate(ctx context.Context, region string) int64 {
	if s != nil && s.store != nil {
		if r, ok, err := s.store.GetTaxRule(ctx, NormalizeRegion(region)); err == nil && ok {
			return r.RateBps
		}
	}
	return TaxRuleForRegion(region).RateBps
}
