package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

// ReturnForm is what the gateway posts to surl or furl.
type ReturnForm struct {
	Key         string
	TxnID       string
	Status      string
	Amount      string
	ProductInfo string
	FirstName   string
	Email       string
	Hash        string
	Message     string
}

// CallbackParams arrive from the storefront as query parameters.
type CallbackParams struct {
	Status           string
	OrderID          string
	TxnID            string
	Message          string
	PaymentStatus    string
	VerificationCode string
}

// Result describes a processed gateway response.
type Result struct {
	OrderID       string
	TxnID         string
	Outcome       Outcome
	PaymentStatus order.PaymentStatus
	Message       string
	// Applied is false when the order already reflected the outcome.
	Applied bool
	// RedirectURL is where the browser goes next.
	RedirectURL string
}

// Adapter implements the gateway flow.
type Adapter struct {
	cfg    Config
	signer Signer
	repo   Repository
	orders *order.Service
	carts  CartStore
	now    func() time.Time
}

// NewAdapter creates an Adapter.
func NewAdapter(cfg Config, signer Signer, repo Repository, orders *order.Service, carts CartStore) *Adapter {
	return &Adapter{
		cfg:    cfg,
		signer: signer,
		repo:   repo,
		orders: orders,
		carts:  carts,
		now:    time.Now,
	}
}

// Preflight checks that an amount can be sent through the gateway. It runs
// before any order is persisted.
func (a *Adapter) Preflight(amount decimal.Decimal) error {
	if !a.cfg.Configured() {
		return ErrNotConfigured
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if !amount.Round(2).Equal(amount) || !amount.LessThan(maxAmount) {
		return errors.Wrapf(ErrInvalidAmount, "%s", amount)
	}
	return nil
}

// Initiate signs a new attempt for o and stores it.
func (a *Adapter) Initiate(ctx context.Context, o *order.Order) (*RedirectPayload, error) {
	if err := a.Preflight(o.TotalAmount); err != nil {
		return nil, err
	}
	if o.PaymentMethod != order.MethodOnline || o.PaymentStatus != order.PaymentAwaiting {
		return nil, ErrNotAwaiting
	}

	var (
		txnID       = strings.ReplaceAll(uuid.NewString(), "-", "")
		amount      = o.TotalAmount.StringFixed(2)
		productInfo = a.cfg.ProductInfo + " " + o.ID
		firstName   = firstWord(o.Contact.Name)
	)
	hash, err := a.signer.Sign(ctx, []string{
		a.cfg.Key, txnID, amount, productInfo, firstName, o.Contact.Email,
	})
	if err != nil {
		return nil, errors.Wrap(err, "sign payment request")
	}

	now := a.now().UTC()
	t := &Transaction{
		TxnID:       txnID,
		OrderID:     o.ID,
		Amount:      o.TotalAmount,
		Status:      TxnInitiated,
		GatewayHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.repo.CreateTransaction(ctx, t); err != nil {
		return nil, errors.Wrap(err, "store transaction")
	}

	zctx.From(ctx).Info("Payment initiated",
		zap.String("order_id", o.ID),
		zap.String("txn_id", txnID),
		zap.String("amount", amount),
	)

	return &RedirectPayload{
		Action: a.cfg.ActionURL,
		TxnID:  txnID,
		Fields: []Field{
			{Name: "key", Value: a.cfg.Key},
			{Name: "txnid", Value: txnID},
			{Name: "amount", Value: amount},
			{Name: "productinfo", Value: productInfo},
			{Name: "firstname", Value: firstName},
			{Name: "email", Value: o.Contact.Email},
			{Name: "phone", Value: o.Contact.Phone},
			{Name: "surl", Value: a.cfg.SuccessURL},
			{Name: "furl", Value: a.cfg.FailureURL},
			{Name: "hash", Value: hash},
		},
	}, nil
}

// HandleReturn processes the gateway's server-to-browser POST to surl or
// furl. The response hash is verified over status|email|firstname|
// productinfo|amount|txnid|key before anything is touched.
func (a *Adapter) HandleReturn(ctx context.Context, endpoint Outcome, form ReturnForm) (*Result, error) {
	lg := zctx.From(ctx).With(zap.String("txn_id", form.TxnID))

	if form.Key != a.cfg.Key || form.TxnID == "" || form.Hash == "" {
		lg.Warn("Rejected gateway return", zap.String("reason", "missing or foreign fields"))
		return nil, ErrCallbackIntegrity
	}
	ok, err := a.signer.Verify(ctx, []string{
		form.Status, form.Email, form.FirstName, form.ProductInfo, form.Amount, form.TxnID, form.Key,
	}, form.Hash)
	if err != nil {
		return nil, errors.Wrap(err, "verify gateway hash")
	}
	if !ok {
		lg.Warn("Rejected gateway return", zap.String("reason", "hash mismatch"))
		return nil, ErrCallbackIntegrity
	}

	outcome := returnOutcome(endpoint, form.Status)

	var (
		res      *Result
		customer string
	)
	err = a.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.LockTransaction(ctx, form.TxnID)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(form.Amount)
		if err != nil || !amount.Equal(t.Amount) {
			lg.Warn("Rejected gateway return", zap.String("reason", "amount mismatch"),
				zap.String("amount", form.Amount))
			return ErrCallbackIntegrity
		}

		o, err := tx.Lock(ctx, t.OrderID)
		if err != nil {
			return err
		}
		customer = o.CustomerID

		applied, err := a.settle(ctx, tx, t, o, outcome, form.Message)
		if err != nil {
			return err
		}
		res = &Result{
			OrderID:       o.ID,
			TxnID:         t.TxnID,
			Outcome:       outcome,
			PaymentStatus: o.PaymentStatus,
			Message:       form.Message,
			Applied:       applied,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, order.ErrNotFound) || errors.Is(err, ErrUnknownOrder) {
			lg.Warn("Rejected gateway return", zap.String("reason", "unknown transaction"))
			return nil, ErrUnknownOrder
		}
		return nil, err
	}

	a.afterOutcome(ctx, res, customer)
	res.RedirectURL = a.returnURL(res)
	return res, nil
}

// VerifyCallback checks the verification code the storefront relays and
// applies the outcome to the attempt it names. The code binds the txn id,
// so a replay finds the attempt already settled and changes nothing.
func (a *Adapter) VerifyCallback(ctx context.Context, p CallbackParams) (*Result, error) {
	lg := zctx.From(ctx).With(zap.String("order_id", p.OrderID))

	if a.cfg.CallbackSecret == "" {
		return nil, ErrNotConfigured
	}
	if p.OrderID == "" || p.TxnID == "" || (p.Status != string(OutcomeSuccess) && p.Status != string(OutcomeFailed)) {
		lg.Warn("Rejected payment callback", zap.String("reason", "malformed parameters"))
		return nil, ErrCallbackIntegrity
	}
	expected := a.SignCallback(p.OrderID, p.TxnID, p.Status, p.PaymentStatus)
	if !hmac.Equal([]byte(expected), []byte(p.VerificationCode)) {
		lg.Warn("Rejected payment callback", zap.String("reason", "bad verification code"))
		return nil, ErrCallbackIntegrity
	}

	outcome := Outcome(p.Status)
	if p.PaymentStatus == string(OutcomePending) {
		outcome = OutcomePending
	}

	var (
		res      *Result
		customer string
	)
	err := a.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.LockTransaction(ctx, p.TxnID)
		if err != nil {
			return err
		}
		if t.OrderID != p.OrderID {
			lg.Warn("Rejected payment callback", zap.String("reason", "transaction of another order"),
				zap.String("txn_id", p.TxnID))
			return ErrCallbackIntegrity
		}
		o, err := tx.Lock(ctx, t.OrderID)
		if err != nil {
			return err
		}
		customer = o.CustomerID
		applied, err := a.settle(ctx, tx, t, o, outcome, p.Message)
		if err != nil {
			return err
		}
		res = &Result{
			OrderID:       o.ID,
			TxnID:         t.TxnID,
			Outcome:       outcome,
			PaymentStatus: o.PaymentStatus,
			Message:       p.Message,
			Applied:       applied,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, order.ErrNotFound) || errors.Is(err, ErrUnknownOrder) {
			lg.Warn("Rejected payment callback", zap.String("reason", "unknown order or transaction"))
			return nil, ErrUnknownOrder
		}
		return nil, err
	}

	a.afterOutcome(ctx, res, customer)
	res.RedirectURL = a.ResultPage(res.OrderID, outcome)
	return res, nil
}

// SignCallback returns the verification code for a storefront callback:
// hex HMAC-SHA256 over order_id|txnid|status|payment_status.
func (a *Adapter) SignCallback(orderID, txnID, status, paymentStatus string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.CallbackSecret))
	mac.Write([]byte(orderID + "|" + txnID + "|" + status + "|" + paymentStatus))
	return hex.EncodeToString(mac.Sum(nil))
}

// ResultPage is the clean storefront path for an outcome, free of query
// parameters.
func (a *Adapter) ResultPage(orderID string, outcome Outcome) string {
	return strings.TrimRight(a.cfg.StorefrontURL, "/") + "/orders/" + url.PathEscape(orderID) + "/payment-" + outcome.View()
}

// settle records the gateway verdict on attempt t and applies it to o.
// A verified success always lands, even on an attempt the gateway first
// reported as failed. A failure moves the order only while its attempt is
// still open and is the order's latest one.
func (a *Adapter) settle(ctx context.Context, tx Tx, t *Transaction, o *order.Order, outcome Outcome, message string) (bool, error) {
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("txn_id", t.TxnID))
	switch {
	case outcome == OutcomePending:
		return false, nil
	case t.Status == TxnSuccess, t.Status == TxnFailed && outcome != OutcomeSuccess:
		lg.Debug("Attempt already settled", zap.String("txn_status", string(t.Status)))
		return false, nil
	}

	superseded := false
	if outcome != OutcomeSuccess {
		latest, err := tx.LatestTransaction(ctx, o.ID)
		if err != nil {
			return false, errors.Wrap(err, "latest transaction")
		}
		superseded = latest.TxnID != t.TxnID
	}

	t.Status = TxnFailed
	if outcome == OutcomeSuccess {
		t.Status = TxnSuccess
	}
	t.GatewayMessage = message
	t.UpdatedAt = a.now().UTC()
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return false, errors.Wrap(err, "update transaction")
	}

	if superseded {
		lg.Info("Ignored failure of superseded attempt")
		return false, nil
	}
	return a.applyOutcome(ctx, tx, o, outcome)
}

// applyOutcome moves the payment axis. Paid or refunded orders are never
// touched again, so duplicate and late callbacks are silent no-ops. A
// failure never touches an order that switched to cash on delivery.
func (a *Adapter) applyOutcome(ctx context.Context, tx Tx, o *order.Order, outcome Outcome) (bool, error) {
	if o.PaymentStatus == order.PaymentPaid || o.PaymentStatus == order.PaymentRefunded {
		return false, nil
	}
	if outcome != OutcomeSuccess && o.PaymentMethod != order.MethodOnline {
		return false, nil
	}

	var cmds []order.Command
	switch outcome {
	case OutcomeSuccess:
		cmds = append(cmds, order.UpdatePaymentStatus{Status: order.PaymentPaid})
		if o.Status == order.StatusPending {
			cmds = append(cmds, order.Confirm{})
		}
	case OutcomeFailed:
		cmds = append(cmds, order.UpdatePaymentStatus{Status: order.PaymentFailed})
	default:
		return false, nil
	}

	changes, err := a.orders.ApplyLocked(ctx, tx, o, auth.Gateway, cmds...)
	if err != nil {
		return false, errors.Wrap(err, "apply payment outcome")
	}
	for _, ch := range changes {
		if !ch.Noop {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) afterOutcome(ctx context.Context, res *Result, customerID string) {
	lg := zctx.From(ctx)
	lg.Info("Payment outcome",
		zap.String("order_id", res.OrderID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("payment_status", string(res.PaymentStatus)),
		zap.Bool("applied", res.Applied),
	)
	if !res.Applied || res.Outcome != OutcomeSuccess || a.carts == nil {
		return
	}
	if err := a.carts.Clear(ctx, customerID); err != nil {
		lg.Warn("Clear cart failed", zap.String("customer_id", customerID), zap.Error(err))
	}
}

func (a *Adapter) returnURL(res *Result) string {
	paymentStatus := ""
	status := string(res.Outcome)
	if res.Outcome == OutcomePending {
		status = string(OutcomeFailed)
		paymentStatus = string(OutcomePending)
	}
	q := url.Values{}
	q.Set("status", status)
	q.Set("order_id", res.OrderID)
	q.Set("txnid", res.TxnID)
	if res.Message != "" {
		q.Set("message", res.Message)
	}
	if paymentStatus != "" {
		q.Set("payment_status", paymentStatus)
	}
	q.Set("verification_code", a.SignCallback(res.OrderID, res.TxnID, status, paymentStatus))
	return a.cfg.ReturnURL + "?" + q.Encode()
}

// returnOutcome combines the endpoint the gateway chose with the status it
// reported. Only a success status on the success endpoint counts as paid.
func returnOutcome(endpoint Outcome, status string) Outcome {
	switch strings.ToLower(status) {
	case "success":
		if endpoint == OutcomeSuccess {
			return OutcomeSuccess
		}
		return OutcomeFailed
	case "pending":
		return OutcomePending
	default:
		return OutcomeFailed
	}
}

func firstWord(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
