package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported discount strategies. Campaigns reuse
// the same two kinds.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

var (
	// ErrInvalidCoupon is returned when a coupon code is not found or inactive.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned when a coupon is outside its valid time window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponUsageLimitReached is returned when a coupon has exhausted its allowed uses.
	ErrCouponUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrMinimumNotMet is returned when the cart subtotal is below the coupon minimum.
	ErrMinimumNotMet = errors.New("order amount below coupon minimum")
)

// Rule defines a coupon's discount behaviour and eligibility constraints.
// Codes are unique case-insensitively; Code holds the stored spelling.
type Rule struct {
	Code           string
	DiscountType   DiscountType
	Value          decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	MinOrderAmount decimal.NullDecimal
	Description    string
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	MaxUses        int
	Uses           int
}

// Repository provides lookup of coupon rules by code.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
}
