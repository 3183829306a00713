// Package discount computes the chargeable amount for a cart.
//
// Compute is pure: coupon lookup and campaign loading happen elsewhere and
// the results are passed in. The coupon discount and the single best
// campaign discount are both taken from the original subtotal and added
// together; neither is applied to the other's remainder.
package discount

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
)

var hundred = decimal.NewFromInt(100)

// Input holds everything the engine looks at.
type Input struct {
	Subtotal  decimal.Decimal
	Lines     []campaign.Line
	Coupon    *coupon.Rule
	Campaigns []campaign.Campaign
	Now       time.Time
}

// Breakdown is the engine output frozen onto the order at checkout.
type Breakdown struct {
	Subtotal         decimal.Decimal
	CouponCode       string
	CouponDiscount   decimal.Decimal
	Campaign         *campaign.Campaign
	CampaignDiscount decimal.Decimal
	FinalAmount      decimal.Decimal
}

// TotalDiscount returns the sum of both discount components.
func (b Breakdown) TotalDiscount() decimal.Decimal {
	return b.CouponDiscount.Add(b.CampaignDiscount)
}

// IsFree reports whether nothing is left to charge.
func (b Breakdown) IsFree() bool {
	return b.FinalAmount.IsZero()
}

// Compute applies the coupon (if any) and the best eligible campaign.
func Compute(in Input) Breakdown {
	subtotal := floorAtZero(in.Subtotal)
	b := Breakdown{
		Subtotal:         subtotal,
		CouponDiscount:   decimal.Zero,
		CampaignDiscount: decimal.Zero,
	}

	if in.Coupon != nil {
		b.CouponCode = in.Coupon.Code
		b.CouponDiscount = Amount(in.Coupon.DiscountType, in.Coupon.Value, in.Coupon.MaxDiscount, subtotal)
	}

	if best, amount, ok := SelectCampaign(in.Campaigns, subtotal, in.Lines, in.Now); ok {
		b.Campaign = &best
		b.CampaignDiscount = amount
	}

	b.FinalAmount = floorAtZero(subtotal.Sub(b.CouponDiscount).Sub(b.CampaignDiscount)).Round(2)
	return b
}

// SelectCampaign picks the eligible campaign with the largest discount.
// Ties go to the larger configured value, then to the earlier campaign.
func SelectCampaign(
	campaigns []campaign.Campaign,
	subtotal decimal.Decimal,
	lines []campaign.Line,
	now time.Time,
) (campaign.Campaign, decimal.Decimal, bool) {
	var (
		best       campaign.Campaign
		bestAmount decimal.Decimal
		found      bool
	)
	for _, c := range campaigns {
		if !eligible(&c, subtotal, lines, now) {
			continue
		}
		amount := Amount(c.DiscountType, c.Value, c.MaxDiscount, subtotal)
		switch {
		case !found,
			amount.GreaterThan(bestAmount),
			amount.Equal(bestAmount) && c.Value.GreaterThan(best.Value):
			best, bestAmount, found = c, amount, true
		}
	}
	return best, bestAmount, found
}

func eligible(c *campaign.Campaign, subtotal decimal.Decimal, lines []campaign.Line, now time.Time) bool {
	if !c.ActiveAt(now) {
		return false
	}
	if c.MinOrderAmount.Valid && subtotal.LessThan(c.MinOrderAmount.Decimal) {
		return false
	}
	return c.Covers(lines)
}

// Amount computes one rule's discount against subtotal. Unknown types yield
// zero.
func Amount(kind coupon.DiscountType, value decimal.Decimal, maxDiscount decimal.NullDecimal, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch kind {
	case coupon.DiscountPercentage:
		amount = subtotal.Mul(value).Div(hundred)
		if maxDiscount.Valid && amount.GreaterThan(maxDiscount.Decimal) {
			amount = maxDiscount.Decimal
		}
	case coupon.DiscountFixed:
		amount = decimal.Min(value, subtotal)
	default:
		return decimal.Zero
	}
	return floorAtZero(amount).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
