package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

const (
	transactionColumns = `txn_id, order_id, amount, status, gateway_hash, gateway_message, created_at, updated_at`

	createTransactionSQL = `INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	listTransactionsSQL = `SELECT ` + transactionColumns + ` FROM payment_transactions
		WHERE order_id = $1 ORDER BY created_at`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository stores gateway attempts.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// CreateTransaction records a new gateway attempt.
func (r *PaymentRepository) CreateTransaction(ctx context.Context, t *payment.Transaction) error {
	_, err := r.pool.Exec(ctx, createTransactionSQL,
		t.TxnID, t.OrderID, t.Amount, string(t.Status), t.GatewayHash, t.GatewayMessage, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating transaction %q: %w", t.TxnID, err)
	}
	return nil
}

// ListTransactions returns an order's gateway attempts, oldest first.
func (r *PaymentRepository) ListTransactions(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, listTransactionsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// InTx runs fn in a transaction.
func (r *PaymentRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	return inTx(ctx, r.pool, func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

func scanTransaction(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		t      payment.Transaction
		status string
	)
	err := row.Scan(&t.TxnID, &t.OrderID, &t.Amount, &status, &t.GatewayHash, &t.GatewayMessage, &t.CreatedAt, &t.UpdatedAt)
	t.Status = payment.TxnStatus(status)
	return t, err
}
