package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

const (
	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	saveOrderSQL = `UPDATE orders SET
		payment_method = $2, payment_status = $3, order_status = $4,
		tracking_number = $5, tracking_provider = $6,
		shipped_at = $7, delivered_at = $8, cancelled_at = $9, cancel_reason = $10,
		returning_to_provider = $11, return_reason = $12,
		version = $13, updated_at = $14
		WHERE id = $1`

	appendTransitionSQL = `INSERT INTO order_transitions (order_id, command, from_status, to_status,
		from_payment, to_payment, actor_id, actor_role, override, reason, trace_id, span_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	enqueueSQL = `INSERT INTO outbox (id, topic, dedupe_key, payload, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), COALESCE($6, NOW()))
		ON CONFLICT (dedupe_key) DO NOTHING`

	lockTransactionSQL = `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE txn_id = $1 FOR UPDATE`

	latestTransactionSQL = `SELECT ` + transactionColumns + ` FROM payment_transactions
		WHERE order_id = $1 ORDER BY created_at DESC, txn_id DESC LIMIT 1`

	updateTransactionSQL = `UPDATE payment_transactions
		SET status = $2, gateway_hash = $3, gateway_message = $4, updated_at = $5
		WHERE txn_id = $1`

	listAttemptsSQL = `SELECT ` + attemptColumns + ` FROM delivery_attempts
		WHERE order_id = $1 ORDER BY attempt_number`

	insertAttemptSQL = `INSERT INTO delivery_attempts (order_id, attempt_number, scheduled_date, status,
		failure_reason, notes, attempted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	updateAttemptSQL = `UPDATE delivery_attempts
		SET status = $3, failure_reason = $4, notes = $5, attempted_at = $6
		WHERE order_id = $1 AND attempt_number = $2`
)

var (
	_ order.Tx    = (*Tx)(nil)
	_ payment.Tx  = (*Tx)(nil)
	_ delivery.Tx = (*Tx)(nil)
)

// Tx is an open database transaction. It implements the transactional
// surface of every domain package so one row lock can span order, payment
// and delivery writes.
type Tx struct {
	q querier
}

// Lock loads an order and holds its row lock until the transaction ends.
func (t *Tx) Lock(ctx context.Context, id string) (*order.Order, error) {
	rows, err := t.q.Query(ctx, lockOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("locking order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("locking order %q: %w", id, err)
	}
	return &o, nil
}

// Save writes the mutable fields of o.
func (t *Tx) Save(ctx context.Context, o *order.Order) error {
	tag, err := t.q.Exec(ctx, saveOrderSQL,
		o.ID, string(o.PaymentMethod), string(o.PaymentStatus), string(o.Status),
		o.TrackingNumber, o.TrackingProvider,
		o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.CancelReason,
		o.ReturningToProvider, o.ReturnReason,
		o.Version, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// AppendTransition inserts an audit row and sets tr.ID.
func (t *Tx) AppendTransition(ctx context.Context, tr *order.Transition) error {
	err := t.q.QueryRow(ctx, appendTransitionSQL,
		tr.OrderID, tr.Command, string(tr.FromStatus), string(tr.ToStatus),
		string(tr.FromPayment), string(tr.ToPayment), tr.ActorID, tr.ActorRole,
		tr.Override, tr.Reason, tr.TraceID, tr.SpanID, tr.CreatedAt,
	).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("appending transition for order %q: %w", tr.OrderID, err)
	}
	return nil
}

// Enqueue writes outbox rows in the current transaction. Messages whose
// dedupe key already exists are skipped.
func (t *Tx) Enqueue(ctx context.Context, msgs ...notify.Message) error {
	return enqueue(ctx, t.q, msgs)
}

func enqueue(ctx context.Context, q querier, msgs []notify.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(enqueueSQL,
			m.ID, string(m.Topic), m.DedupeKey, notify.MarshalPayload(m.Payload),
			optionalTime(m.NextAttemptAt), optionalTime(m.CreatedAt),
		)
	}
	br := q.SendBatch(ctx, batch)
	for _, m := range msgs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("enqueueing %s: %w", m.DedupeKey, err)
		}
	}
	return br.Close()
}

// LockTransaction loads a gateway attempt and holds its row lock.
func (t *Tx) LockTransaction(ctx context.Context, txnID string) (*payment.Transaction, error) {
	rows, err := t.q.Query(ctx, lockTransactionSQL, txnID)
	if err != nil {
		return nil, fmt.Errorf("locking transaction %q: %w", txnID, err)
	}
	txn, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrUnknownOrder
		}
		return nil, fmt.Errorf("locking transaction %q: %w", txnID, err)
	}
	return &txn, nil
}

// UpdateTransaction records the gateway verdict for an attempt.
func (t *Tx) UpdateTransaction(ctx context.Context, txn *payment.Transaction) error {
	_, err := t.q.Exec(ctx, updateTransactionSQL,
		txn.TxnID, string(txn.Status), txn.GatewayHash, txn.GatewayMessage, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating transaction %q: %w", txn.TxnID, err)
	}
	return nil
}

// LatestTransaction returns the order's most recent gateway attempt.
func (t *Tx) LatestTransaction(ctx context.Context, orderID string) (*payment.Transaction, error) {
	rows, err := t.q.Query(ctx, latestTransactionSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("latest transaction for order %q: %w", orderID, err)
	}
	txn, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrUnknownOrder
		}
		return nil, fmt.Errorf("latest transaction for order %q: %w", orderID, err)
	}
	return &txn, nil
}

// ListAttempts returns the order's delivery attempts by ascending number.
func (t *Tx) ListAttempts(ctx context.Context, orderID string) ([]delivery.Attempt, error) {
	return listAttempts(ctx, t.q, orderID)
}

func listAttempts(ctx context.Context, q querier, orderID string) ([]delivery.Attempt, error) {
	rows, err := q.Query(ctx, listAttemptsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanAttempt)
}

// InsertAttempt adds a delivery attempt. The primary key on
// (order_id, attempt_number) rejects duplicate numbers.
func (t *Tx) InsertAttempt(ctx context.Context, a *delivery.Attempt) error {
	_, err := t.q.Exec(ctx, insertAttemptSQL,
		a.OrderID, a.Number, a.ScheduledDate, string(a.Status),
		a.FailureReason, a.Notes, a.AttemptedAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %d for order %q: %w", a.Number, a.OrderID, err)
	}
	return nil
}

// UpdateAttempt records an attempt outcome.
func (t *Tx) UpdateAttempt(ctx context.Context, a *delivery.Attempt) error {
	tag, err := t.q.Exec(ctx, updateAttemptSQL,
		a.OrderID, a.Number, string(a.Status), a.FailureReason, a.Notes, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("updating attempt %d for order %q: %w", a.Number, a.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrAttemptNotFound
	}
	return nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
