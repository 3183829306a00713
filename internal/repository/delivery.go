package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-lifecycle/internal/domain/delivery"
)

const attemptColumns = `order_id, attempt_number, scheduled_date, status, failure_reason, notes, attempted_at, created_at`

var _ delivery.Repository = (*DeliveryRepository)(nil)

// DeliveryRepository stores delivery attempts.
type DeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewDeliveryRepository returns a DeliveryRepository that uses the given pool.
func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

// List returns an order's attempts by ascending number.
func (r *DeliveryRepository) List(ctx context.Context, orderID string) ([]delivery.Attempt, error) {
	return listAttempts(ctx, r.pool, orderID)
}

// InTx runs fn in a transaction.
func (r *DeliveryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx delivery.Tx) error) error {
	return inTx(ctx, r.pool, func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

func scanAttempt(row pgx.CollectableRow) (delivery.Attempt, error) {
	var (
		a      delivery.Attempt
		number int32
		status string
	)
	err := row.Scan(&a.OrderID, &number, &a.ScheduledDate, &status, &a.FailureReason, &a.Notes, &a.AttemptedAt, &a.CreatedAt)
	a.Number = int(number)
	a.Status = delivery.Status(status)
	return a, err
}
