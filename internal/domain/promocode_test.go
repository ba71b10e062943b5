package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCode(t *testing.T, dt DiscountType, value string) PromoterCode {
	t.Helper()
	v, err := decimal.NewFromString(value)
	require.NoError(t, err)
	code, err := NewPromoterCode("PROMO10", dt, v, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil, uuid.New())
	require.NoError(t, err)
	return code
}

func TestApplyDiscount_Percentage(t *testing.T) {
	code := validCode(t, DiscountPercentage, "20")

	got, err := code.ApplyDiscount(decimal.RequireFromString("100.00"), time.Now())
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("80")), "got %s", got)
}

func TestApplyDiscount_FixedAmountNeverNegative(t *testing.T) {
	code := validCode(t, DiscountFixedAmount, "30")

	got, err := code.ApplyDiscount(decimal.RequireFromString("20.00"), time.Now())
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "got %s", got)
}

func TestApplyDiscount_Expired(t *testing.T) {
	code := validCode(t, DiscountPercentage, "20")
	code.EndDate = time.Now().Add(-time.Minute)

	_, err := code.ApplyDiscount(decimal.RequireFromString("100"), time.Now())
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestApplyDiscount_NotYetValid(t *testing.T) {
	code := validCode(t, DiscountPercentage, "20")
	code.StartDate = time.Now().Add(time.Hour)
	code.EndDate = time.Now().Add(2 * time.Hour)

	_, err := code.ApplyDiscount(decimal.RequireFromString("100"), time.Now())
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestApplyDiscount_Exhausted(t *testing.T) {
	code := validCode(t, DiscountPercentage, "20")
	max := int32(1)
	code.MaxUses = &max
	code.CurrentUses = 1

	_, err := code.ApplyDiscount(decimal.RequireFromString("100"), time.Now())
	assert.ErrorIs(t, err, ErrCodeExhausted)
}

func TestApplyDiscount_LegacyPercentageAbove100Clamps(t *testing.T) {
	// Rows created before the cap existed can still carry values above 100.
	code := validCode(t, DiscountPercentage, "50")
	code.DiscountValue = decimal.RequireFromString("150")

	got, err := code.ApplyDiscount(decimal.RequireFromString("40"), time.Now())
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "got %s", got)
}

func TestNewPromoterCode_Validation(t *testing.T) {
	now := time.Now()
	promoter := uuid.New()

	_, err := NewPromoterCode("X", DiscountPercentage, decimal.RequireFromString("120"), now, now.Add(time.Hour), nil, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "percentage above 100")

	_, err = NewPromoterCode("X", DiscountFixedAmount, decimal.RequireFromString("-1"), now, now.Add(time.Hour), nil, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "negative value")

	_, err = NewPromoterCode("", DiscountFixedAmount, decimal.RequireFromString("1"), now, now.Add(time.Hour), nil, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "empty code")

	_, err = NewPromoterCode("X", DiscountFixedAmount, decimal.RequireFromString("1"), now.Add(time.Hour), now, nil, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "inverted window")

	zero := int32(0)
	_, err = NewPromoterCode("X", DiscountFixedAmount, decimal.RequireFromString("1"), now, now.Add(time.Hour), &zero, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "zero max uses")

	_, err = NewPromoterCode("X", "SOMETHING", decimal.RequireFromString("1"), now, now.Add(time.Hour), nil, promoter)
	assert.ErrorIs(t, err, ErrInvalidInput, "unknown type")
}
