package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
)

const (
	listActiveCampaignsSQL = `SELECT id, name, discount_type, value, max_discount, min_order_amount,
		start_date, end_date, is_active, applies_to, targets, current_orders
		FROM campaigns
		WHERE is_active = TRUE AND start_date <= $1 AND (end_date IS NULL OR end_date > $1)
		ORDER BY id`

	incrementCampaignOrdersSQL = `UPDATE campaigns SET current_orders = current_orders + 1 WHERE id = $1`
)

var _ campaign.Repository = (*CampaignRepository)(nil)

// CampaignRepository implements campaign.Repository backed by PostgreSQL.
type CampaignRepository struct {
	pool *pgxpool.Pool
}

// NewCampaignRepository returns a CampaignRepository that uses the given pool.
func NewCampaignRepository(pool *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{pool: pool}
}

// ListActive returns campaigns running at now, ordered by id so selection
// tie-breaks are stable.
func (r *CampaignRepository) ListActive(ctx context.Context, now time.Time) ([]campaign.Campaign, error) {
	rows, err := r.pool.Query(ctx, listActiveCampaignsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active campaigns: %w", err)
	}
	return pgx.CollectRows(rows, scanCampaign)
}

// IncrementOrders bumps the advisory counter.
func (r *CampaignRepository) IncrementOrders(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, incrementCampaignOrdersSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing orders for campaign %q: %w", id, err)
	}
	return nil
}

func scanCampaign(row pgx.CollectableRow) (campaign.Campaign, error) {
	var (
		c            campaign.Campaign
		discountType string
		appliesTo    string
	)
	err := row.Scan(
		&c.ID, &c.Name, &discountType, &c.Value, &c.MaxDiscount, &c.MinOrderAmount,
		&c.StartDate, &c.EndDate, &c.IsActive, &appliesTo, &c.Targets, &c.CurrentOrders,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.AppliesTo = campaign.Scope(appliesTo)
	return c, err
}
