// Package delivery tracks physical delivery attempts for shipped orders and
// escalates an order to returning-to-provider after repeated failures.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

// DefaultFailureThreshold is the number of consecutive failed attempts that
// sends an order back to the provider.
const DefaultFailureThreshold = 3

var (
	ErrNotShipped          = errors.New("order is not shipped")
	ErrAlreadyDelivered    = errors.New("order already delivered")
	ErrReturningToProvider = errors.New("order is returning to provider")
	ErrAttemptNotFound     = errors.New("delivery attempt not found")
	ErrAttemptClosed       = errors.New("delivery attempt already recorded")
	ErrInvalidOutcome      = errors.New("outcome must be delivered or failed")
	ErrInvalidDate         = errors.New("scheduled date required")
)

// Status is the state of one attempt.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Attempt is one physical delivery attempt. Numbers start at 1 and have no
// gaps within an order.
type Attempt struct {
	OrderID       string
	Number        int
	ScheduledDate time.Time
	Status        Status
	FailureReason string
	Notes         string
	AttemptedAt   *time.Time
	CreatedAt     time.Time
}

// Tx extends the order transaction with attempt rows.
type Tx interface {
	order.Tx
	// ListAttempts returns the order's attempts by ascending number.
	ListAttempts(ctx context.Context, orderID string) ([]Attempt, error)
	InsertAttempt(ctx context.Context, a *Attempt) error
	UpdateAttempt(ctx context.Context, a *Attempt) error
}

// Repository persists delivery attempts.
type Repository interface {
	List(ctx context.Context, orderID string) ([]Attempt, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tracker schedules and records attempts.
type Tracker struct {
	repo      Repository
	orders    *order.Service
	threshold int
	now       func() time.Time
}

// NewTracker creates a Tracker. A non-positive threshold falls back to
// DefaultFailureThreshold.
func NewTracker(repo Repository, orders *order.Service, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{repo: repo, orders: orders, threshold: threshold, now: time.Now}
}

// List returns attempts by ascending number.
func (t *Tracker) List(ctx context.Context, orderID string) ([]Attempt, error) {
	return t.repo.List(ctx, orderID)
}

// Schedule adds the next attempt for a shipped order.
func (t *Tracker) Schedule(ctx context.Context, orderID string, date time.Time) (*Attempt, error) {
	if date.IsZero() {
		return nil, ErrInvalidDate
	}

	var attempt *Attempt
	err := t.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Lock(ctx, orderID)
		if err != nil {
			return err
		}
		switch {
		case o.ReturningToProvider:
			return ErrReturningToProvider
		case o.Status == order.StatusDelivered:
			return ErrAlreadyDelivered
		case o.Status != order.StatusShipped:
			return errors.Wrapf(ErrNotShipped, "status %s", o.Status)
		}

		attempts, err := tx.ListAttempts(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "list attempts")
		}
		next := 1
		for _, a := range attempts {
			if a.Number >= next {
				next = a.Number + 1
			}
		}

		attempt = &Attempt{
			OrderID:       orderID,
			Number:        next,
			ScheduledDate: date,
			Status:        StatusScheduled,
			CreatedAt:     t.now().UTC(),
		}
		return tx.InsertAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Delivery attempt scheduled",
		zap.String("order_id", orderID),
		zap.Int("attempt", attempt.Number),
		zap.Time("date", date),
	)
	return attempt, nil
}

// RecordRequest is the outcome of one attempt.
type RecordRequest struct {
	OrderID string
	Number  int
	Outcome Status
	Reason  string
	Notes   string
}

// Record stores the outcome of a scheduled attempt. Recording the outcome an
// attempt already has is a no-op. A delivered outcome delivers the order; the
// threshold-th consecutive failure flags it as returning to provider.
func (t *Tracker) Record(ctx context.Context, actor auth.Actor, req RecordRequest) (*Attempt, error) {
	if req.Outcome != StatusDelivered && req.Outcome != StatusFailed {
		return nil, ErrInvalidOutcome
	}

	var (
		attempt   *Attempt
		escalated bool
	)
	err := t.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Lock(ctx, req.OrderID)
		if err != nil {
			return err
		}
		attempts, err := tx.ListAttempts(ctx, req.OrderID)
		if err != nil {
			return errors.Wrap(err, "list attempts")
		}

		idx := -1
		for i := range attempts {
			if attempts[i].Number == req.Number {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrAttemptNotFound
		}
		a := &attempts[idx]
		attempt = a
		if a.Status == req.Outcome {
			return nil
		}
		if a.Status != StatusScheduled {
			return errors.Wrapf(ErrAttemptClosed, "attempt %d is %s", a.Number, a.Status)
		}

		now := t.now().UTC()
		a.Status = req.Outcome
		a.FailureReason = req.Reason
		a.Notes = req.Notes
		a.AttemptedAt = &now
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return errors.Wrap(err, "update attempt")
		}

		if req.Outcome == StatusDelivered {
			_, err := t.orders.ApplyLocked(ctx, tx, o, actor, order.MarkDelivered{})
			return err
		}

		failures := trailingFailures(attempts)
		if failures < t.threshold || o.ReturningToProvider {
			return nil
		}
		escalated = true
		_, err = t.orders.ApplyLocked(ctx, tx, o, auth.System, order.MarkReturning{
			Reason: fmt.Sprintf("%d consecutive failed delivery attempts", failures),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	lg := zctx.From(ctx)
	lg.Info("Delivery attempt recorded",
		zap.String("order_id", req.OrderID),
		zap.Int("attempt", attempt.Number),
		zap.String("outcome", string(attempt.Status)),
	)
	if escalated {
		lg.Warn("Order returning to provider", zap.String("order_id", req.OrderID))
	}
	return attempt, nil
}

// trailingFailures counts failed outcomes at the end of the recorded
// sequence. Attempts still scheduled are ignored.
func trailingFailures(attempts []Attempt) int {
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		switch attempts[i].Status {
		case StatusScheduled:
			continue
		case StatusFailed:
			n++
		default:
			return n
		}
	}
	return n
}
