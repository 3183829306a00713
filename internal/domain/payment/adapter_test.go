package payment

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

var testNow = time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)

type mockSigner struct {
	signed  [][]string
	signErr error
	valid   bool
}

func (m *mockSigner) Sign(_ context.Context, values []string) (string, error) {
	m.signed = append(m.signed, values)
	if m.signErr != nil {
		return "", m.signErr
	}
	return "sig:" + strings.Join(values, "|"), nil
}

func (m *mockSigner) Verify(_ context.Context, _ []string, hash string) (bool, error) {
	return m.valid && hash != "", nil
}

type mockCarts struct {
	cleared []string
}

func (m *mockCarts) Clear(_ context.Context, customerID string) error {
	m.cleared = append(m.cleared, customerID)
	return nil
}

type memStore struct {
	orders      map[string]order.Order
	txns        map[string]Transaction
	transitions []order.Transition
	outbox      []notify.Message
}

func newMemStore(orders ...*order.Order) *memStore {
	s := &memStore{orders: make(map[string]order.Order), txns: make(map[string]Transaction)}
	for _, o := range orders {
		s.orders[o.ID] = *o
	}
	return s
}

func (s *memStore) CreateTransaction(_ context.Context, t *Transaction) error {
	s.txns[t.TxnID] = *t
	return nil
}

func (s *memStore) ListTransactions(_ context.Context, orderID string) ([]Transaction, error) {
	var out []Transaction
	for _, t := range s.txns {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{store: s, orders: map[string]order.Order{}, txns: map[string]Transaction{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, t := range tx.txns {
		s.txns[id] = t
	}
	s.transitions = append(s.transitions, tx.transitions...)
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

type memTx struct {
	store       *memStore
	orders      map[string]order.Order
	txns        map[string]Transaction
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

func (t *memTx) LockTransaction(_ context.Context, txnID string) (*Transaction, error) {
	tr, ok := t.store.txns[txnID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	return &tr, nil
}

func (t *memTx) UpdateTransaction(_ context.Context, tr *Transaction) error {
	t.txns[tr.TxnID] = *tr
	return nil
}

func (t *memTx) LatestTransaction(_ context.Context, orderID string) (*Transaction, error) {
	var latest *Transaction
	for _, tr := range t.store.txns {
		if tr.OrderID != orderID {
			continue
		}
		if latest == nil || tr.CreatedAt.After(latest.CreatedAt) {
			c := tr
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrUnknownOrder
	}
	return latest, nil
}

func testConfig() Config {
	return Config{
		Key:            "merchant",
		ActionURL:      "https://gateway.example.com/_payment",
		SuccessURL:     "https://api.example.com/api/payment/success",
		FailureURL:     "https://api.example.com/api/payment/failure",
		ReturnURL:      "https://shop.example.com/payment/return",
		StorefrontURL:  "https://shop.example.com/",
		CallbackSecret: "s3cret",
		ProductInfo:    "Order",
	}
}

func awaitingOrder() *order.Order {
	return &order.Order{
		ID:            "ord-9",
		CustomerID:    "cust-9",
		Contact:       order.Contact{Name: "Ravi Kumar", Email: "ravi@example.com", Phone: "9123456780"},
		TotalAmount:   decimal.RequireFromString("750"),
		PaymentMethod: order.MethodOnline,
		PaymentStatus: order.PaymentAwaiting,
		Status:        order.StatusPending,
		Version:       1,
	}
}

type fixture struct {
	adapter *Adapter
	store   *memStore
	signer  *mockSigner
	carts   *mockCarts
}

func newFixture(orders ...*order.Order) *fixture {
	f := &fixture{
		store:  newMemStore(orders...),
		signer: &mockSigner{valid: true},
		carts:  &mockCarts{},
	}
	// Only ApplyLocked is used, which runs on the adapter's transaction.
	svc := order.NewService(nil)
	f.adapter = NewAdapter(testConfig(), f.signer, f.store, svc, f.carts)
	// Every attempt gets a distinct creation time.
	clock := testNow
	f.adapter.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return f
}

func TestAdapter_Initiate(t *testing.T) {
	f := newFixture()
	o := awaitingOrder()

	p, err := f.adapter.Initiate(context.Background(), o)
	require.NoError(t, err)

	names := make([]string, len(p.Fields))
	for i, fl := range p.Fields {
		names[i] = fl.Name
	}
	assert.Equal(t, []string{
		"key", "txnid", "amount", "productinfo", "firstname", "email", "phone", "surl", "furl", "hash",
	}, names)
	assert.Equal(t, "https://gateway.example.com/_payment", p.Action)
	assert.Equal(t, "750.00", p.Get("amount"))
	assert.Equal(t, "Ravi", p.Get("firstname"))
	assert.Equal(t, "Order ord-9", p.Get("productinfo"))

	require.Len(t, f.signer.signed, 1)
	assert.Equal(t, []string{"merchant", p.TxnID, "750.00", "Order ord-9", "Ravi", "ravi@example.com"}, f.signer.signed[0])
	assert.Equal(t, "sig:"+strings.Join(f.signer.signed[0], "|"), p.Get("hash"))

	stored, ok := f.store.txns[p.TxnID]
	require.True(t, ok)
	assert.Equal(t, TxnInitiated, stored.Status)
	assert.Equal(t, "ord-9", stored.OrderID)
	assert.True(t, stored.Amount.Equal(o.TotalAmount))
}

func TestAdapter_InitiateNewTxnPerAttempt(t *testing.T) {
	f := newFixture()
	o := awaitingOrder()

	p1, err := f.adapter.Initiate(context.Background(), o)
	require.NoError(t, err)
	p2, err := f.adapter.Initiate(context.Background(), o)
	require.NoError(t, err)

	assert.NotEqual(t, p1.TxnID, p2.TxnID)
	assert.Len(t, f.store.txns, 2)
}

func TestAdapter_InitiateErrors(t *testing.T) {
	t.Run("zero amount", func(t *testing.T) {
		o := awaitingOrder()
		o.TotalAmount = decimal.Zero
		_, err := newFixture().adapter.Initiate(context.Background(), o)
		require.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("sub-paisa amount", func(t *testing.T) {
		o := awaitingOrder()
		o.TotalAmount = decimal.RequireFromString("10.005")
		_, err := newFixture().adapter.Initiate(context.Background(), o)
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("not configured", func(t *testing.T) {
		f := newFixture()
		f.adapter.cfg.Key = ""
		_, err := f.adapter.Initiate(context.Background(), awaitingOrder())
		require.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("cash order", func(t *testing.T) {
		o := awaitingOrder()
		o.PaymentMethod = order.MethodCashOnDelivery
		o.PaymentStatus = order.PaymentPending
		_, err := newFixture().adapter.Initiate(context.Background(), o)
		require.ErrorIs(t, err, ErrNotAwaiting)
	})

	t.Run("signer down stores nothing", func(t *testing.T) {
		f := newFixture()
		f.signer.signErr = errors.New("connection refused")
		_, err := f.adapter.Initiate(context.Background(), awaitingOrder())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sign payment request")
		assert.Empty(t, f.store.txns)
	})
}

func successForm(p *RedirectPayload) ReturnForm {
	return ReturnForm{
		Key:         p.Get("key"),
		TxnID:       p.TxnID,
		Status:      "success",
		Amount:      p.Get("amount"),
		ProductInfo: p.Get("productinfo"),
		FirstName:   p.Get("firstname"),
		Email:       p.Get("email"),
		Hash:        "gateway-hash",
	}
}

func TestAdapter_HandleReturnSuccess(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()
	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)

	res, err := f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(p))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, order.PaymentPaid, res.PaymentStatus)

	stored := f.store.orders["ord-9"]
	assert.Equal(t, order.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, TxnSuccess, f.store.txns[p.TxnID].Status)
	assert.Equal(t, []string{"cust-9"}, f.carts.cleared)

	topics := make([]notify.Topic, 0, len(f.store.outbox))
	for _, m := range f.store.outbox {
		topics = append(topics, m.Topic)
	}
	assert.Contains(t, topics, notify.TopicOrderConfirmed)
	assert.Contains(t, topics, notify.TopicShippingLabel)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", u.Host)
	q := u.Query()
	assert.Equal(t, "success", q.Get("status"))
	assert.Equal(t, "ord-9", q.Get("order_id"))
	assert.Equal(t, p.TxnID, q.Get("txnid"))

	// The storefront relays the query back; the replay changes nothing.
	again, err := f.adapter.VerifyCallback(ctx, callbackFrom(t, res.RedirectURL))
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, order.PaymentPaid, again.PaymentStatus)
	assert.Equal(t, "https://shop.example.com/orders/ord-9/payment-confirmed", again.RedirectURL)
	assert.Len(t, f.carts.cleared, 1)
}

func TestAdapter_HandleReturnRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("bad hash", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		p, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)
		f.signer.valid = false

		_, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(p))
		require.ErrorIs(t, err, ErrCallbackIntegrity)
		assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-9"].PaymentStatus)
	})

	t.Run("foreign key", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		p, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)
		form := successForm(p)
		form.Key = "someone-else"

		_, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, form)
		require.ErrorIs(t, err, ErrCallbackIntegrity)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		p, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)
		form := successForm(p)
		form.Amount = "1.00"

		_, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, form)
		require.ErrorIs(t, err, ErrCallbackIntegrity)
		assert.Equal(t, TxnInitiated, f.store.txns[p.TxnID].Status)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		form := successForm(&RedirectPayload{TxnID: "nope", Fields: []Field{{Name: "key", Value: "merchant"}}})
		form.Amount = "750.00"

		_, err := f.adapter.HandleReturn(ctx, OutcomeSuccess, form)
		require.ErrorIs(t, err, ErrUnknownOrder)
	})
}

func TestAdapter_HandleReturnFailure(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()
	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)

	form := successForm(p)
	form.Status = "failure"
	form.Message = "card declined"

	res, err := f.adapter.HandleReturn(ctx, OutcomeFailed, form)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, order.PaymentFailed, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, order.StatusPending, f.store.orders["ord-9"].Status)
	assert.Equal(t, TxnFailed, f.store.txns[p.TxnID].Status)
	assert.Equal(t, "card declined", f.store.txns[p.TxnID].GatewayMessage)
	assert.Empty(t, f.carts.cleared)
	assert.Contains(t, res.RedirectURL, "message=card+declined")
}

func TestAdapter_SuccessStatusOnFailureEndpoint(t *testing.T) {
	assert.Equal(t, OutcomeFailed, returnOutcome(OutcomeFailed, "success"))
	assert.Equal(t, OutcomeSuccess, returnOutcome(OutcomeSuccess, "SUCCESS"))
	assert.Equal(t, OutcomePending, returnOutcome(OutcomeSuccess, "pending"))
	assert.Equal(t, OutcomeFailed, returnOutcome(OutcomeSuccess, "failure"))
}


func failureForm(p *RedirectPayload) ReturnForm {
	form := successForm(p)
	form.Status = "failure"
	form.Message = "card declined"
	return form
}

func callbackFrom(t *testing.T, redirect string) CallbackParams {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	return CallbackParams{
		Status:           q.Get("status"),
		OrderID:          q.Get("order_id"),
		TxnID:            q.Get("txnid"),
		Message:          q.Get("message"),
		PaymentStatus:    q.Get("payment_status"),
		VerificationCode: q.Get("verification_code"),
	}
}

// switchToOnline does what RetryPayment does to the order before a new
// attempt is initiated.
func switchToOnline(t *testing.T, f *fixture) *order.Order {
	t.Helper()
	o := f.store.orders["ord-9"]
	customer := auth.Actor{ID: o.CustomerID, Role: auth.RoleCustomer}
	_, err := order.Apply(&o, order.SwitchPaymentMethod{Method: order.MethodOnline}, customer, testNow)
	require.NoError(t, err)
	f.store.orders[o.ID] = o
	return &o
}

func signed(a *Adapter, p CallbackParams) CallbackParams {
	p.VerificationCode = a.SignCallback(p.OrderID, p.TxnID, p.Status, p.PaymentStatus)
	return p
}

func TestAdapter_ConcurrentAttempts(t *testing.T) {
	ctx := context.Background()

	t.Run("earlier attempt fails, later succeeds", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		a, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)
		b, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)

		res, err := f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(a))
		require.NoError(t, err)
		assert.False(t, res.Applied, "a newer attempt is still open")
		assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-9"].PaymentStatus)
		assert.Equal(t, TxnFailed, f.store.txns[a.TxnID].Status)

		res, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(b))
		require.NoError(t, err)
		assert.True(t, res.Applied)

		stored := f.store.orders["ord-9"]
		assert.Equal(t, order.PaymentPaid, stored.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, stored.Status)
		assert.Equal(t, TxnSuccess, f.store.txns[b.TxnID].Status)
		assert.Equal(t, []string{"cust-9"}, f.carts.cleared)
	})

	t.Run("latest attempt fails, earlier succeeds", func(t *testing.T) {
		f := newFixture(awaitingOrder())
		a, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)
		b, err := f.adapter.Initiate(ctx, awaitingOrder())
		require.NoError(t, err)

		res, err := f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(b))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, order.PaymentFailed, f.store.orders["ord-9"].PaymentStatus)

		res, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(a))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, order.PaymentPaid, res.PaymentStatus)

		stored := f.store.orders["ord-9"]
		assert.Equal(t, order.PaymentPaid, stored.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, stored.Status)
		assert.Equal(t, TxnSuccess, f.store.txns[a.TxnID].Status)
		assert.Equal(t, TxnFailed, f.store.txns[b.TxnID].Status)
		assert.Equal(t, []string{"cust-9"}, f.carts.cleared)
	})
}

func TestAdapter_FailureThenSuccessForOneAttempt(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()
	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)

	_, err = f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(p))
	require.NoError(t, err)
	require.Equal(t, order.PaymentFailed, f.store.orders["ord-9"].PaymentStatus)

	res, err := f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(p))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored := f.store.orders["ord-9"]
	assert.Equal(t, order.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, TxnSuccess, f.store.txns[p.TxnID].Status)

	// A repeated failure post cannot undo it.
	res, err = f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(p))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, order.PaymentPaid, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, TxnSuccess, f.store.txns[p.TxnID].Status)
}

func TestAdapter_FailedCallbackReplayAfterRetry(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()

	a, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)
	failed, err := f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(a))
	require.NoError(t, err)
	require.Equal(t, order.PaymentFailed, f.store.orders["ord-9"].PaymentStatus)
	stale := callbackFrom(t, failed.RedirectURL)
	assert.Equal(t, a.TxnID, stale.TxnID)

	retried := switchToOnline(t, f)
	b, err := f.adapter.Initiate(ctx, retried)
	require.NoError(t, err)
	transitions := len(f.store.transitions)

	res, err := f.adapter.VerifyCallback(ctx, stale)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-9"].PaymentStatus)
	assert.Len(t, f.store.transitions, transitions)
	assert.Equal(t, TxnInitiated, f.store.txns[b.TxnID].Status)

	// The old code cannot be moved onto the new attempt.
	moved := stale
	moved.TxnID = b.TxnID
	_, err = f.adapter.VerifyCallback(ctx, moved)
	require.ErrorIs(t, err, ErrCallbackIntegrity)

	res, err = f.adapter.HandleReturn(ctx, OutcomeSuccess, successForm(b))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, order.PaymentPaid, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, f.store.orders["ord-9"].Status)
}

func TestAdapter_FailedCallbackReplayAfterSwitchToCash(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()

	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)
	failed, err := f.adapter.HandleReturn(ctx, OutcomeFailed, failureForm(p))
	require.NoError(t, err)

	o := f.store.orders["ord-9"]
	customer := auth.Actor{ID: o.CustomerID, Role: auth.RoleCustomer}
	_, err = order.Apply(&o, order.SwitchPaymentMethod{Method: order.MethodCashOnDelivery}, customer, testNow)
	require.NoError(t, err)
	f.store.orders[o.ID] = o

	res, err := f.adapter.VerifyCallback(ctx, callbackFrom(t, failed.RedirectURL))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, order.PaymentPending, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, order.MethodCashOnDelivery, f.store.orders["ord-9"].PaymentMethod)
}

func TestAdapter_VerifyCallbackTwiceIsPaidOnce(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()
	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)
	params := signed(f.adapter, CallbackParams{Status: "success", OrderID: "ord-9", TxnID: p.TxnID})

	first, err := f.adapter.VerifyCallback(ctx, params)
	require.NoError(t, err)
	second, err := f.adapter.VerifyCallback(ctx, params)
	require.NoError(t, err)

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.Equal(t, order.PaymentPaid, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, TxnSuccess, f.store.txns[p.TxnID].Status)
	assert.Len(t, f.store.transitions, 2, "payment update and confirm, once")
	assert.Equal(t, int64(2), f.store.orders["ord-9"].Version)
	assert.Equal(t, []string{"cust-9"}, f.carts.cleared)
}

func TestAdapter_VerifyCallbackLateFailureKeepsPaid(t *testing.T) {
	paid := awaitingOrder()
	paid.PaymentStatus = order.PaymentPaid
	paid.Status = order.StatusConfirmed
	f := newFixture(paid)
	f.store.txns["txn-open"] = Transaction{
		TxnID: "txn-open", OrderID: "ord-9", Amount: paid.TotalAmount, Status: TxnInitiated, CreatedAt: testNow,
	}

	res, err := f.adapter.VerifyCallback(context.Background(),
		signed(f.adapter, CallbackParams{Status: "failed", OrderID: "ord-9", TxnID: "txn-open"}))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, order.PaymentPaid, f.store.orders["ord-9"].PaymentStatus)
	assert.Empty(t, f.store.transitions)
}

func TestAdapter_VerifyCallbackPending(t *testing.T) {
	f := newFixture(awaitingOrder())
	p, err := f.adapter.Initiate(context.Background(), awaitingOrder())
	require.NoError(t, err)

	res, err := f.adapter.VerifyCallback(context.Background(),
		signed(f.adapter, CallbackParams{Status: "failed", OrderID: "ord-9", TxnID: p.TxnID, PaymentStatus: "pending"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.False(t, res.Applied)
	assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, TxnInitiated, f.store.txns[p.TxnID].Status)
	assert.Equal(t, "https://shop.example.com/orders/ord-9/payment-hold", res.RedirectURL)
}

func TestAdapter_VerifyCallbackFailed(t *testing.T) {
	f := newFixture(awaitingOrder())
	p, err := f.adapter.Initiate(context.Background(), awaitingOrder())
	require.NoError(t, err)

	res, err := f.adapter.VerifyCallback(context.Background(),
		signed(f.adapter, CallbackParams{Status: "failed", OrderID: "ord-9", TxnID: p.TxnID, Message: "timeout"}))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, order.PaymentFailed, f.store.orders["ord-9"].PaymentStatus)
	assert.Equal(t, TxnFailed, f.store.txns[p.TxnID].Status)
	assert.Equal(t, "https://shop.example.com/orders/ord-9/payment-retry", res.RedirectURL)
}

func TestAdapter_VerifyCallbackRejections(t *testing.T) {
	f := newFixture(awaitingOrder())
	ctx := context.Background()
	p, err := f.adapter.Initiate(ctx, awaitingOrder())
	require.NoError(t, err)
	f.store.orders["ord-other"] = order.Order{ID: "ord-other", CustomerID: "cust-1", PaymentMethod: order.MethodOnline, PaymentStatus: order.PaymentAwaiting}

	tests := []struct {
		name    string
		params  CallbackParams
		wantErr error
	}{
		{
			name:    "bad code",
			params:  CallbackParams{Status: "success", OrderID: "ord-9", TxnID: p.TxnID, VerificationCode: "deadbeef"},
			wantErr: ErrCallbackIntegrity,
		},
		{
			name: "code for another status",
			params: func() CallbackParams {
				cp := signed(f.adapter, CallbackParams{Status: "failed", OrderID: "ord-9", TxnID: p.TxnID})
				cp.Status = "success"
				return cp
			}(),
			wantErr: ErrCallbackIntegrity,
		},
		{
			name:    "missing txn id",
			params:  signed(f.adapter, CallbackParams{Status: "success", OrderID: "ord-9"}),
			wantErr: ErrCallbackIntegrity,
		},
		{
			name:    "txn of another order",
			params:  signed(f.adapter, CallbackParams{Status: "success", OrderID: "ord-other", TxnID: p.TxnID}),
			wantErr: ErrCallbackIntegrity,
		},
		{
			name:    "unknown status",
			params:  signed(f.adapter, CallbackParams{Status: "maybe", OrderID: "ord-9", TxnID: p.TxnID}),
			wantErr: ErrCallbackIntegrity,
		},
		{
			name:    "unknown transaction",
			params:  signed(f.adapter, CallbackParams{Status: "success", OrderID: "ord-404", TxnID: "nope"}),
			wantErr: ErrUnknownOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.adapter.VerifyCallback(ctx, tt.params)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-9"].PaymentStatus)
			assert.Equal(t, order.PaymentAwaiting, f.store.orders["ord-other"].PaymentStatus)
			assert.Equal(t, TxnInitiated, f.store.txns[p.TxnID].Status)
		})
	}
}
