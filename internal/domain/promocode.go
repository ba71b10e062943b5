package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
)

var hundred = decimal.NewFromInt(100)

type PromoterCode struct {
	ID            uuid.UUID       `json:"id"`
	Code          string          `json:"code"`
	DiscountType  DiscountType    `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	MaxUses       *int32          `json:"max_uses,omitempty"`
	CurrentUses   int32           `json:"current_uses"`
	PromoterID    uuid.UUID       `json:"promoter_id"`
}

// NewPromoterCode validates the discount definition. Percentage values are
// capped at 100 so a discounted amount can never go negative.
func NewPromoterCode(code string, dt DiscountType, value decimal.Decimal, start, end time.Time, maxUses *int32, promoterID uuid.UUID) (PromoterCode, error) {
	if code == "" {
		return PromoterCode{}, errors.Wrap(ErrInvalidInput, "empty code")
	}
	if value.IsNegative() {
		return PromoterCode{}, errors.Wrap(ErrInvalidInput, "negative discount value")
	}
	if dt == DiscountPercentage && value.GreaterThan(hundred) {
		return PromoterCode{}, errors.Wrap(ErrInvalidInput, "percentage discount above 100")
	}
	if dt != DiscountPercentage && dt != DiscountFixedAmount {
		return PromoterCode{}, errors.Wrapf(ErrInvalidInput, "unknown discount type %q", dt)
	}
	if end.Before(start) {
		return PromoterCode{}, errors.Wrap(ErrInvalidInput, "end date before start date")
	}
	if maxUses != nil && *maxUses <= 0 {
		return PromoterCode{}, errors.Wrap(ErrInvalidInput, "max uses must be positive")
	}
	return PromoterCode{
		ID:            uuid.New(),
		Code:          code,
		DiscountType:  dt,
		DiscountValue: value,
		StartDate:     start,
		EndDate:       end,
		MaxUses:       maxUses,
		PromoterID:    promoterID,
	}, nil
}

// Usable reports whether the code can be applied at the given instant.
func (c PromoterCode) Usable(at time.Time) error {
	if at.Before(c.StartDate) || at.After(c.EndDate) {
		return errors.Wrapf(ErrCodeExpired, "code %s valid %s..%s", c.Code, c.StartDate.Format(time.RFC3339), c.EndDate.Format(time.RFC3339))
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return errors.Wrapf(ErrCodeExhausted, "code %s used %d of %d", c.Code, c.CurrentUses, *c.MaxUses)
	}
	return nil
}

// ApplyDiscount returns the discounted amount. The result is clamped at
// zero, also for legacy percentage rows above 100.
func (c PromoterCode) ApplyDiscount(base decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if err := c.Usable(at); err != nil {
		return decimal.Zero, err
	}
	var out decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		out = base.Mul(hundred.Sub(c.DiscountValue)).Div(hundred)
	case DiscountFixedAmount:
		out = base.Sub(c.DiscountValue)
	default:
		return decimal.Zero, errors.Wrapf(ErrInvalidInput, "unknown discount type %q", c.DiscountType)
	}
	if out.IsNegative() {
		out = decimal.Zero
	}
	return out, nil
}
