// Package campaign models automatically applied sales campaigns.
package campaign

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/domain/coupon"
)

// Scope selects which carts a campaign applies to.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeCategories Scope = "categories"
	ScopeProducts   Scope = "products"
)

// Campaign is an automatically applied, time-boxed promotion. CurrentOrders
// is an advisory marketing counter and never affects eligibility.
type Campaign struct {
	ID             string
	Name           string
	DiscountType   coupon.DiscountType
	Value          decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	MinOrderAmount decimal.NullDecimal
	StartDate      time.Time
	EndDate        *time.Time
	IsActive       bool
	AppliesTo      Scope
	Targets        []string
	CurrentOrders  int64
}

// Line is the part of a cart line a campaign scope looks at.
type Line struct {
	ProductID string
	Category  string
}

// ActiveAt reports whether the campaign is switched on and inside its window.
func (c *Campaign) ActiveAt(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.StartDate.After(now) {
		return false
	}
	return c.EndDate == nil || c.EndDate.After(now)
}

// Covers reports whether any cart line falls into the campaign scope.
func (c *Campaign) Covers(lines []Line) bool {
	switch c.AppliesTo {
	case ScopeAll, "":
		return true
	case ScopeCategories:
		return slices.ContainsFunc(lines, func(l Line) bool {
			return slices.Contains(c.Targets, l.Category)
		})
	case ScopeProducts:
		return slices.ContainsFunc(lines, func(l Line) bool {
			return slices.Contains(c.Targets, l.ProductID)
		})
	default:
		return false
	}
}

// Repository provides campaign reads and the advisory usage counter.
type Repository interface {
	// ListActive returns campaigns flagged active whose window contains now.
	ListActive(ctx context.Context, now time.Time) ([]Campaign, error)
	// IncrementOrders bumps current_orders. Lost updates are acceptable.
	IncrementOrders(ctx context.Context, id string) error
}
