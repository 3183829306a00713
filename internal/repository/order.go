package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-lifecycle/internal/domain/coupon"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

const (
	orderColumns = `id, customer_id, contact_name, contact_email, contact_phone, shipping_address, items,
		subtotal, coupon_code, coupon_discount, campaign_id, campaign_discount, total_amount,
		payment_method, payment_status, order_status,
		tracking_number, tracking_provider, shipped_at, delivered_at, cancelled_at, cancel_reason,
		returning_to_provider, return_reason, version, created_at, updated_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`

	// consumeCouponUseSQL only succeeds while the coupon has uses left, so
	// concurrent checkouts cannot overrun max_uses.
	consumeCouponUseSQL = `UPDATE coupons SET uses = uses + 1
		WHERE UPPER(code) = UPPER($1) AND active = TRUE AND (max_uses = 0 OR uses < max_uses)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_id = $1 ORDER BY created_at DESC`

	listTransitionsSQL = `SELECT id, order_id, command, from_status, to_status, from_payment, to_payment,
		actor_id, actor_role, override, reason, trace_id, span_id, created_at
		FROM order_transitions WHERE order_id = $1 ORDER BY id`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. When the order carries a coupon, one use is
// consumed in the same transaction; an exhausted coupon rolls the order back
// with coupon.ErrCouponUsageLimitReached.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	return inTx(ctx, r.pool, func(tx *Tx) error {
		_, err := tx.q.Exec(ctx, createOrderSQL,
			o.ID, o.CustomerID, o.Contact.Name, o.Contact.Email, o.Contact.Phone, o.ShippingAddress, itemsJSON,
			o.Subtotal, o.CouponCode, o.CouponDiscount, o.CampaignID, o.CampaignDiscount, o.TotalAmount,
			string(o.PaymentMethod), string(o.PaymentStatus), string(o.Status),
			o.TrackingNumber, o.TrackingProvider, o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.CancelReason,
			o.ReturningToProvider, o.ReturnReason, o.Version, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		if o.CouponCode == "" {
			return nil
		}
		tag, err := tx.q.Exec(ctx, consumeCouponUseSQL, o.CouponCode)
		if err != nil {
			return fmt.Errorf("consuming coupon %q: %w", o.CouponCode, err)
		}
		if tag.RowsAffected() == 0 {
			return coupon.ErrCouponUsageLimitReached
		}
		return nil
	})
}

// Get returns the order with the given id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// ListByCustomer returns the customer's orders, newest first.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByCustomerSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for customer %q: %w", customerID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// ListTransitions returns the audit trail of an order in write order.
func (r *OrderRepository) ListTransitions(ctx context.Context, orderID string) ([]order.Transition, error) {
	rows, err := r.pool.Query(ctx, listTransitionsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions for order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanTransition)
}

// InTx runs fn in a transaction.
func (r *OrderRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return inTx(ctx, r.pool, func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		items         []byte
		paymentMethod string
		paymentStatus string
		status        string
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.Contact.Name, &o.Contact.Email, &o.Contact.Phone, &o.ShippingAddress, &items,
		&o.Subtotal, &o.CouponCode, &o.CouponDiscount, &o.CampaignID, &o.CampaignDiscount, &o.TotalAmount,
		&paymentMethod, &paymentStatus, &status,
		&o.TrackingNumber, &o.TrackingProvider, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.CancelReason,
		&o.ReturningToProvider, &o.ReturnReason, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.PaymentMethod = order.PaymentMethod(paymentMethod)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.Status = order.Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling items of order %q: %w", o.ID, err)
	}
	return o, nil
}

func scanTransition(row pgx.CollectableRow) (order.Transition, error) {
	var (
		t                    order.Transition
		fromStatus, toStatus string
		fromPayment          string
		toPayment            string
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.Command, &fromStatus, &toStatus, &fromPayment, &toPayment,
		&t.ActorID, &t.ActorRole, &t.Override, &t.Reason, &t.TraceID, &t.SpanID, &t.CreatedAt,
	)
	t.FromStatus = order.Status(fromStatus)
	t.ToStatus = order.Status(toStatus)
	t.FromPayment = order.PaymentStatus(fromPayment)
	t.ToPayment = order.PaymentStatus(toPayment)
	return t, err
}
