package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validator resolves a user-entered code into an applicable Rule.
type Validator interface {
	Validate(ctx context.Context, code string, subtotal decimal.Decimal) (*Rule, error)
}

// RepoValidator implements Validator by looking up coupon rules from a
// Repository and checking their eligibility constraints. It does not compute
// the discount and does not consume a use: the order transaction does that.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate looks up the coupon rule for the given code and checks temporal
// validity, usage limits and the minimum order amount.
func (v *RepoValidator) Validate(ctx context.Context, code string, subtotal decimal.Decimal) (*Rule, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCoupon
	}

	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()

	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, ErrCouponExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, ErrCouponExpired
	}

	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return nil, ErrCouponUsageLimitReached
	}

	if rule.MinOrderAmount.Valid && subtotal.LessThan(rule.MinOrderAmount.Decimal) {
		return nil, ErrMinimumNotMet
	}

	if !rule.DiscountType.Valid() {
		return nil, errors.Errorf("coupon %s: unsupported discount type %q", rule.Code, rule.DiscountType)
	}

	return rule, nil
}
