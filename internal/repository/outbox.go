package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-lifecycle/internal/domain/notify"
)

const (
	// claimOutboxSQL leases due rows by pushing next_attempt_at forward.
	// SKIP LOCKED lets several workers drain the table without contention.
	claimOutboxSQL = `UPDATE outbox SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, dedupe_key, payload, attempts, next_attempt_at, last_error, created_at`

	markDeliveredSQL = `UPDATE outbox SET delivered_at = $2, attempts = attempts + 1, last_error = '' WHERE id = $1`

	markRetrySQL = `UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`

	markDeadSQL = `UPDATE outbox SET attempts = $2, dead_at = $3, last_error = $4 WHERE id = $1`

	outboxBacklogSQL = `SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL AND dead_at IS NULL`
)

var _ notify.Outbox = (*OutboxRepository)(nil)

// OutboxRepository is the durable side-effect queue.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Enqueue inserts messages outside any order transaction.
func (r *OutboxRepository) Enqueue(ctx context.Context, msgs ...notify.Message) error {
	return enqueue(ctx, r.pool, msgs)
}

// Claim leases up to limit due messages until now+lease.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]notify.Message, error) {
	rows, err := r.pool.Query(ctx, claimOutboxSQL, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}
	return pgx.CollectRows(rows, scanMessage)
}

// MarkDelivered finalizes a message.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "marking delivered", markDeliveredSQL, id, at)
}

// MarkRetry schedules the next attempt.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.exec(ctx, "scheduling retry", markRetrySQL, id, attempts, next, lastErr)
}

// MarkDead parks a message that will not be retried.
func (r *OutboxRepository) MarkDead(ctx context.Context, id string, attempts int, at time.Time, lastErr string) error {
	return r.exec(ctx, "marking dead", markDeadSQL, id, attempts, at, lastErr)
}

// Backlog counts live undelivered messages.
func (r *OutboxRepository) Backlog(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, outboxBacklogSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}
	return n, nil
}

func (r *OutboxRepository) exec(ctx context.Context, op, sql string, id string, args ...any) error {
	if _, err := r.pool.Exec(ctx, sql, append([]any{id}, args...)...); err != nil {
		return fmt.Errorf("%s outbox message %q: %w", op, id, err)
	}
	return nil
}

func scanMessage(row pgx.CollectableRow) (notify.Message, error) {
	var (
		m        notify.Message
		topic    string
		payload  []byte
		attempts int32
	)
	if err := row.Scan(&m.ID, &topic, &m.DedupeKey, &payload, &attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Topic = notify.Topic(topic)
	m.Attempts = int(attempts)
	p, err := notify.UnmarshalPayload(payload)
	if err != nil {
		return m, fmt.Errorf("decoding payload of %q: %w", m.ID, err)
	}
	m.Payload = p
	return m, nil
}
