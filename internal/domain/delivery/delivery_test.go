package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

var (
	day1     = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	operator = auth.Actor{ID: "key-ops", Role: auth.RoleAdmin}
)

type memStore struct {
	orders      map[string]order.Order
	attempts    map[string][]Attempt
	transitions []order.Transition
	outbox      []notify.Message
}

func newMemStore(orders ...*order.Order) *memStore {
	s := &memStore{orders: map[string]order.Order{}, attempts: map[string][]Attempt{}}
	for _, o := range orders {
		s.orders[o.ID] = *o
	}
	return s
}

func (s *memStore) List(_ context.Context, orderID string) ([]Attempt, error) {
	return append([]Attempt(nil), s.attempts[orderID]...), nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{store: s, orders: map[string]order.Order{}, attempts: map[string][]Attempt{}}
	for id, as := range s.attempts {
		tx.attempts[id] = append([]Attempt(nil), as...)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.attempts = tx.attempts
	s.transitions = append(s.transitions, tx.transitions...)
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

type memTx struct {
	store       *memStore
	orders      map[string]order.Order
	attempts    map[string][]Attempt
	transitions []order.Transition
	outbox      []notify.Message
}

func (t *memTx) Lock(_ context.Context, id string) (*order.Order, error) {
	o, ok := t.store.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) Save(_ context.Context, o *order.Order) error {
	t.orders[o.ID] = *o
	return nil
}

func (t *memTx) AppendTransition(_ context.Context, tr *order.Transition) error {
	t.transitions = append(t.transitions, *tr)
	return nil
}

func (t *memTx) Enqueue(_ context.Context, msgs ...notify.Message) error {
	t.outbox = append(t.outbox, msgs...)
	return nil
}

func (t *memTx) ListAttempts(_ context.Context, orderID string) ([]Attempt, error) {
	return append([]Attempt(nil), t.attempts[orderID]...), nil
}

func (t *memTx) InsertAttempt(_ context.Context, a *Attempt) error {
	t.attempts[a.OrderID] = append(t.attempts[a.OrderID], *a)
	return nil
}

func (t *memTx) UpdateAttempt(_ context.Context, a *Attempt) error {
	list := t.attempts[a.OrderID]
	for i := range list {
		if list[i].Number == a.Number {
			list[i] = *a
		}
	}
	return nil
}

func shippedOrder() *order.Order {
	return &order.Order{
		ID:            "ord-7",
		CustomerID:    "cust-7",
		PaymentMethod: order.MethodCashOnDelivery,
		PaymentStatus: order.PaymentPending,
		Status:        order.StatusShipped,
		Version:       5,
	}
}

func newTestTracker(store *memStore, threshold int) *Tracker {
	tr := NewTracker(store, order.NewService(nil), threshold)
	tr.now = func() time.Time { return day1.Add(10 * time.Hour) }
	return tr
}

func TestTracker_ScheduleNumbersAreGapFree(t *testing.T) {
	store := newMemStore(shippedOrder())
	tr := newTestTracker(store, 0)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		a, err := tr.Schedule(ctx, "ord-7", day1.AddDate(0, 0, i))
		require.NoError(t, err)
		assert.Equal(t, i, a.Number)
		assert.Equal(t, StatusScheduled, a.Status)
	}

	got, err := tr.List(ctx, "ord-7")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, a := range got {
		assert.Equal(t, i+1, a.Number)
	}
}

func TestTracker_ScheduleRequiresShipped(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(o *order.Order)
		wantErr error
	}{
		{name: "processing", mutate: func(o *order.Order) { o.Status = order.StatusProcessing }, wantErr: ErrNotShipped},
		{name: "cancelled", mutate: func(o *order.Order) { o.Status = order.StatusCancelled }, wantErr: ErrNotShipped},
		{name: "delivered", mutate: func(o *order.Order) { o.Status = order.StatusDelivered }, wantErr: ErrAlreadyDelivered},
		{name: "returning", mutate: func(o *order.Order) { o.ReturningToProvider = true }, wantErr: ErrReturningToProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := shippedOrder()
			tt.mutate(o)
			store := newMemStore(o)

			_, err := newTestTracker(store, 0).Schedule(ctx, "ord-7", day1)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, store.attempts["ord-7"])
		})
	}

	t.Run("unknown order", func(t *testing.T) {
		_, err := newTestTracker(newMemStore(), 0).Schedule(ctx, "nope", day1)
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("zero date", func(t *testing.T) {
		_, err := newTestTracker(newMemStore(shippedOrder()), 0).Schedule(ctx, "ord-7", time.Time{})
		require.ErrorIs(t, err, ErrInvalidDate)
	})
}

func TestTracker_ThreeFailuresEscalate(t *testing.T) {
	store := newMemStore(shippedOrder())
	tr := newTestTracker(store, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := tr.Schedule(ctx, "ord-7", day1.AddDate(0, 0, i))
		require.NoError(t, err)
		_, err = tr.Record(ctx, operator, RecordRequest{
			OrderID: "ord-7", Number: i, Outcome: StatusFailed, Reason: "customer not home",
		})
		require.NoError(t, err)

		returning := store.orders["ord-7"].ReturningToProvider
		assert.Equal(t, i == 3, returning, "after attempt %d", i)
	}

	o := store.orders["ord-7"]
	assert.Equal(t, "3 consecutive failed delivery attempts", o.ReturnReason)
	assert.Equal(t, order.StatusShipped, o.Status)

	require.Len(t, store.transitions, 1)
	assert.Equal(t, "mark_returning", store.transitions[0].Command)
	assert.Equal(t, "system", store.transitions[0].ActorID)
	require.Len(t, store.outbox, 1)
	assert.Equal(t, notify.TopicOrderReturning, store.outbox[0].Topic)

	_, err := tr.Schedule(ctx, "ord-7", day1.AddDate(0, 0, 4))
	require.ErrorIs(t, err, ErrReturningToProvider)
	assert.Len(t, store.attempts["ord-7"], 3)
}

func TestTracker_SuccessResetsFailureRun(t *testing.T) {
	assert.Equal(t, 0, trailingFailures(nil))
	assert.Equal(t, 2, trailingFailures([]Attempt{
		{Status: StatusFailed}, {Status: StatusFailed},
	}))
	assert.Equal(t, 1, trailingFailures([]Attempt{
		{Status: StatusFailed}, {Status: StatusFailed}, {Status: StatusDelivered}, {Status: StatusFailed},
	}))
	assert.Equal(t, 2, trailingFailures([]Attempt{
		{Status: StatusFailed}, {Status: StatusFailed}, {Status: StatusScheduled},
	}))
}

func TestTracker_DeliveredOutcomeDeliversOrder(t *testing.T) {
	store := newMemStore(shippedOrder())
	tr := newTestTracker(store, 3)
	ctx := context.Background()

	_, err := tr.Schedule(ctx, "ord-7", day1)
	require.NoError(t, err)
	_, err = tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 1, Outcome: StatusFailed})
	require.NoError(t, err)
	_, err = tr.Schedule(ctx, "ord-7", day1.AddDate(0, 0, 1))
	require.NoError(t, err)

	a, err := tr.Record(ctx, operator, RecordRequest{
		OrderID: "ord-7", Number: 2, Outcome: StatusDelivered, Notes: "left with guard",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, a.Status)
	require.NotNil(t, a.AttemptedAt)

	o := store.orders["ord-7"]
	assert.Equal(t, order.StatusDelivered, o.Status)
	require.NotNil(t, o.DeliveredAt)
	assert.Equal(t, "key-ops", store.transitions[0].ActorID)

	_, err = tr.Schedule(ctx, "ord-7", day1.AddDate(0, 0, 2))
	require.ErrorIs(t, err, ErrAlreadyDelivered)
}

func TestTracker_RecordIdempotencyAndErrors(t *testing.T) {
	store := newMemStore(shippedOrder())
	tr := newTestTracker(store, 3)
	ctx := context.Background()

	_, err := tr.Schedule(ctx, "ord-7", day1)
	require.NoError(t, err)
	_, err = tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 1, Outcome: StatusFailed, Reason: "closed"})
	require.NoError(t, err)

	again, err := tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 1, Outcome: StatusFailed, Reason: "other"})
	require.NoError(t, err)
	assert.Equal(t, "closed", again.FailureReason, "repeat recording is a no-op")

	_, err = tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 1, Outcome: StatusDelivered})
	require.ErrorIs(t, err, ErrAttemptClosed)

	_, err = tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 9, Outcome: StatusFailed})
	require.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = tr.Record(ctx, operator, RecordRequest{OrderID: "ord-7", Number: 1, Outcome: StatusScheduled})
	require.ErrorIs(t, err, ErrInvalidOutcome)

	assert.Equal(t, order.StatusShipped, store.orders["ord-7"].Status)
	assert.False(t, store.orders["ord-7"].ReturningToProvider)
}
