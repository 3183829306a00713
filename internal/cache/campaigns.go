// Package cache keeps hot, loss-tolerant data in Redis: the active campaign
// list and customers' saved carts.
package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
)

const activeCampaignsKey = "orders:campaigns:active"

var _ campaign.Repository = (*Campaigns)(nil)

// Campaigns caches the active campaign list in front of a repository.
// Cached entries are re-checked with ActiveAt on every read, so a campaign
// that ends is dropped immediately; one that starts shows up within ttl.
type Campaigns struct {
	next   campaign.Repository
	client redis.Cmdable
	ttl    time.Duration
}

// NewCampaigns wraps next.
func NewCampaigns(next campaign.Repository, client redis.Cmdable, ttl time.Duration) *Campaigns {
	return &Campaigns{next: next, client: client, ttl: ttl}
}

// ListActive serves from Redis when possible. Cache failures fall through
// to the repository.
func (c *Campaigns) ListActive(ctx context.Context, now time.Time) ([]campaign.Campaign, error) {
	lg := zctx.From(ctx)

	raw, err := c.client.Get(ctx, activeCampaignsKey).Bytes()
	switch {
	case err == nil:
		list, derr := decodeCampaigns(raw)
		if derr == nil {
			return filterActive(list, now), nil
		}
		lg.Warn("Dropping undecodable campaign cache entry", zap.Error(derr))
	case !errors.Is(err, redis.Nil):
		lg.Warn("Campaign cache read failed", zap.Error(err))
	}

	list, err := c.next.ListActive(ctx, now)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, activeCampaignsKey, encodeCampaigns(list), c.ttl).Err(); err != nil {
		lg.Warn("Campaign cache write failed", zap.Error(err))
	}
	return list, nil
}

// IncrementOrders goes straight to the repository. The counter is not
// cached because eligibility never reads it.
func (c *Campaigns) IncrementOrders(ctx context.Context, id string) error {
	return c.next.IncrementOrders(ctx, id)
}

// Invalidate drops the cached list, e.g. after seeding.
func (c *Campaigns) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, activeCampaignsKey).Err()
}

func filterActive(list []campaign.Campaign, now time.Time) []campaign.Campaign {
	out := list[:0]
	for _, c := range list {
		if c.ActiveAt(now) {
			out = append(out, c)
		}
	}
	return out
}

func encodeCampaigns(list []campaign.Campaign) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, c := range list {
		encodeCampaign(&e, c)
	}
	e.ArrEnd()
	return e.Bytes()
}

func encodeCampaign(e *jx.Encoder, c campaign.Campaign) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("name")
	e.Str(c.Name)
	e.FieldStart("discount_type")
	e.Str(string(c.DiscountType))
	e.FieldStart("value")
	e.Str(c.Value.String())
	if c.MaxDiscount.Valid {
		e.FieldStart("max_discount")
		e.Str(c.MaxDiscount.Decimal.String())
	}
	if c.MinOrderAmount.Valid {
		e.FieldStart("min_order_amount")
		e.Str(c.MinOrderAmount.Decimal.String())
	}
	e.FieldStart("start_date")
	e.Str(c.StartDate.Format(time.RFC3339Nano))
	if c.EndDate != nil {
		e.FieldStart("end_date")
		e.Str(c.EndDate.Format(time.RFC3339Nano))
	}
	e.FieldStart("is_active")
	e.Bool(c.IsActive)
	e.FieldStart("applies_to")
	e.Str(string(c.AppliesTo))
	e.FieldStart("targets")
	e.ArrStart()
	for _, t := range c.Targets {
		e.Str(t)
	}
	e.ArrEnd()
	e.FieldStart("current_orders")
	e.Int64(c.CurrentOrders)
	e.ObjEnd()
}

func decodeCampaigns(raw []byte) ([]campaign.Campaign, error) {
	var list []campaign.Campaign
	err := jx.DecodeBytes(raw).Arr(func(d *jx.Decoder) error {
		c, err := decodeCampaign(d)
		if err != nil {
			return err
		}
		list = append(list, c)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode campaigns")
	}
	return list, nil
}

func decodeCampaign(d *jx.Decoder) (campaign.Campaign, error) {
	var c campaign.Campaign
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "name":
			c.Name, err = d.Str()
		case "discount_type":
			var v string
			v, err = d.Str()
			c.DiscountType = coupon.DiscountType(v)
		case "value":
			c.Value, err = decodeDecimal(d)
		case "max_discount":
			c.MaxDiscount.Decimal, err = decodeDecimal(d)
			c.MaxDiscount.Valid = err == nil
		case "min_order_amount":
			c.MinOrderAmount.Decimal, err = decodeDecimal(d)
			c.MinOrderAmount.Valid = err == nil
		case "start_date":
			c.StartDate, err = decodeTime(d)
		case "end_date":
			var t time.Time
			t, err = decodeTime(d)
			c.EndDate = &t
		case "is_active":
			c.IsActive, err = d.Bool()
		case "applies_to":
			var v string
			v, err = d.Str()
			c.AppliesTo = campaign.Scope(v)
		case "targets":
			err = d.Arr(func(d *jx.Decoder) error {
				t, err := d.Str()
				c.Targets = append(c.Targets, t)
				return err
			})
		case "current_orders":
			c.CurrentOrders, err = d.Int64()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %s", key)
		}
		return nil
	})
	return c, err
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
