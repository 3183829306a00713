//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

var (
	testPool   *pgxpool.Pool
	adminActor = auth.Admin(&auth.APIKeyInfo{ID: "key-it", Name: "integration"})
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "orders",
				"POSTGRES_PASSWORD": "orders",
				"POSTGRES_DB":       "orders",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	host, err := pg.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		return 1
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "port: %v\n", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://orders:orders@%s:%s/orders?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(couponCode string) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &order.Order{
		ID:              uuid.NewString(),
		CustomerID:      "cust-it",
		Contact:         order.Contact{Name: "Asha", Email: "asha@example.com", Phone: "9000000000"},
		ShippingAddress: "1, Lane, Pune, Maharashtra - 411001",
		Items: []order.Item{
			{ProductID: "p1", Name: "Lamp", UnitPrice: dec("400.00"), Quantity: 2},
		},
		Subtotal:       dec("800.00"),
		CouponCode:     couponCode,
		CouponDiscount: dec("80.00"),
		TotalAmount:    dec("720.00"),
		PaymentMethod:  order.MethodCashOnDelivery,
		PaymentStatus:  order.PaymentPending,
		Status:         order.StatusConfirmed,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestOrderRepository_CreateConsumesCoupon(t *testing.T) {
	ctx := context.Background()
	code := "IT" + uuid.NewString()[:8]
	_, err := testPool.Exec(ctx, `INSERT INTO coupons (code, discount_type, value, max_uses) VALUES ($1, 'percentage', 10, 1)`, code)
	require.NoError(t, err)

	orders := NewOrderRepository(testPool)
	first := newOrder(code)
	require.NoError(t, orders.Create(ctx, first))

	got, err := orders.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, dec("720").Equal(got.TotalAmount))
	assert.Equal(t, first.Items[0].Name, got.Items[0].Name)
	assert.True(t, dec("400").Equal(got.Items[0].UnitPrice))
	assert.Equal(t, order.StatusConfirmed, got.Status)

	second := newOrder(code)
	err = orders.Create(ctx, second)
	require.ErrorIs(t, err, coupon.ErrCouponUsageLimitReached)

	_, err = orders.Get(ctx, second.ID)
	require.ErrorIs(t, err, order.ErrNotFound, "order must roll back with the coupon")

	rule, err := NewCouponRepository(testPool).FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Uses)
}

func TestOrderRepository_TransactionalMutation(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(testPool)
	o := newOrder("")
	require.NoError(t, orders.Create(ctx, o))

	svc := order.NewService(orders)
	admin := order.Override{Target: order.StatusCancelled, Reason: "fraud check"}
	_, _, err := svc.Mutate(ctx, o.ID, adminActor, admin)
	require.NoError(t, err)

	got, err := orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.CancelledAt)

	trs, err := orders.ListTransitions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.True(t, trs[0].Override)
	assert.Equal(t, order.StatusConfirmed, trs[0].FromStatus)

	var n int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE dedupe_key LIKE '%' || $1`, o.ID).Scan(&n))
	assert.Equal(t, 2, n, "cancel notification and inventory release")
}

func TestOutboxRepository_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutboxRepository(testPool)
	_, err := testPool.Exec(ctx, `DELETE FROM outbox`)
	require.NoError(t, err)

	p := notify.Payload{OrderID: uuid.NewString(), Email: "x@example.com", Amount: "10.00"}
	msg := notify.NewMessage(notify.TopicOrderPlaced, p, 1)
	require.NoError(t, outbox.Enqueue(ctx, msg))
	require.NoError(t, outbox.Enqueue(ctx, notify.NewMessage(notify.TopicOrderPlaced, p, 2)), "duplicate key is ignored")

	backlog, err := outbox.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)

	now := time.Now().Add(time.Second)
	claimed, err := outbox.Claim(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, p, claimed[0].Payload)

	again, err := outbox.Claim(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows are not claimed twice")

	require.NoError(t, outbox.MarkRetry(ctx, msg.ID, 1, now, "502"))
	claimed, err = outbox.Claim(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "502", claimed[0].LastError)

	require.NoError(t, outbox.MarkDelivered(ctx, msg.ID, now))
	backlog, err = outbox.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestDeliveryRepository_AttemptNumbersUnique(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(testPool)
	o := newOrder("")
	o.Status = order.StatusShipped
	require.NoError(t, orders.Create(ctx, o))

	deliveries := NewDeliveryRepository(testPool)
	tracker := delivery.NewTracker(deliveries, order.NewService(orders), 3)

	for i := 1; i <= 3; i++ {
		a, err := tracker.Schedule(ctx, o.ID, time.Now().AddDate(0, 0, i))
		require.NoError(t, err)
		assert.Equal(t, i, a.Number)
		_, err = tracker.Record(ctx, adminActor, delivery.RecordRequest{
			OrderID: o.ID, Number: i, Outcome: delivery.StatusFailed, Reason: "door locked",
		})
		require.NoError(t, err)
	}

	got, err := orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.ReturningToProvider)

	err = deliveries.InTx(ctx, func(ctx context.Context, tx delivery.Tx) error {
		return tx.InsertAttempt(ctx, &delivery.Attempt{
			OrderID: o.ID, Number: 2, ScheduledDate: time.Now(), Status: delivery.StatusScheduled, CreatedAt: time.Now(),
		})
	})
	require.Error(t, err)
}

func TestPaymentRepository_LockUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	payments := NewPaymentRepository(testPool)

	err := payments.InTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		_, err := tx.LockTransaction(ctx, "missing")
		return err
	})
	require.ErrorIs(t, err, payment.ErrUnknownOrder)

	o := newOrder("")
	require.NoError(t, NewOrderRepository(testPool).Create(ctx, o))
	now := time.Now().UTC().Truncate(time.Microsecond)
	txn := &payment.Transaction{
		TxnID: uuid.NewString(), OrderID: o.ID, Amount: dec("720.00"),
		Status: payment.TxnInitiated, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, payments.CreateTransaction(ctx, txn))

	err = payments.InTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		locked, err := tx.LockTransaction(ctx, txn.TxnID)
		if err != nil {
			return err
		}
		locked.Status = payment.TxnSuccess
		locked.GatewayMessage = "ok"
		return tx.UpdateTransaction(ctx, locked)
	})
	require.NoError(t, err)

	list, err := payments.ListTransactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, payment.TxnSuccess, list[0].Status)
	assert.True(t, dec("720").Equal(list[0].Amount))
}

func TestPaymentRepository_LatestTransaction(t *testing.T) {
	ctx := context.Background()
	payments := NewPaymentRepository(testPool)

	o := newOrder("")
	require.NoError(t, NewOrderRepository(testPool).Create(ctx, o))
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &payment.Transaction{
		TxnID: uuid.NewString(), OrderID: o.ID, Amount: dec("720.00"),
		Status: payment.TxnFailed, CreatedAt: now, UpdatedAt: now,
	}
	second := &payment.Transaction{
		TxnID: uuid.NewString(), OrderID: o.ID, Amount: dec("720.00"),
		Status: payment.TxnInitiated, CreatedAt: now.Add(time.Minute), UpdatedAt: now.Add(time.Minute),
	}
	require.NoError(t, payments.CreateTransaction(ctx, first))
	require.NoError(t, payments.CreateTransaction(ctx, second))

	err := payments.InTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		latest, err := tx.LatestTransaction(ctx, o.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, second.TxnID, latest.TxnID)

		_, err = tx.LatestTransaction(ctx, "no-such-order")
		assert.ErrorIs(t, err, payment.ErrUnknownOrder)
		return nil
	})
	require.NoError(t, err)
}
