// Package payment drives the hosted gateway redirect flow.
//
// Initiate builds the signed form the browser posts to the gateway. The
// gateway posts back to our success or failure endpoint (HandleReturn),
// which forwards the browser to the storefront with a verification code the
// storefront hands to VerifyCallback. Both entry points are idempotent.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/domain/order"
)

var (
	// ErrNotConfigured is returned when gateway settings are incomplete.
	ErrNotConfigured = errors.New("payment gateway not configured")
	// ErrZeroAmount is returned for orders with nothing to charge.
	ErrZeroAmount = errors.New("zero amount orders bypass the gateway")
	// ErrInvalidAmount is returned for amounts the gateway cannot represent.
	ErrInvalidAmount = errors.New("amount not representable")
	// ErrNotAwaiting is returned when initiating payment for an order that
	// is not waiting for an online payment.
	ErrNotAwaiting = errors.New("order is not awaiting online payment")
	// ErrCallbackIntegrity is returned when a gateway response or callback
	// fails verification.
	ErrCallbackIntegrity = errors.New("callback integrity check failed")
	// ErrUnknownOrder is returned when a callback names no known order or
	// transaction.
	ErrUnknownOrder = errors.New("unknown order")
)

// maxAmount is the largest charge accepted, exclusive.
var maxAmount = decimal.New(1, 10)

// TxnStatus is the state of one gateway attempt.
type TxnStatus string

const (
	TxnInitiated TxnStatus = "initiated"
	TxnSuccess   TxnStatus = "success"
	TxnFailed    TxnStatus = "failed"
)

// Transaction is one outbound gateway attempt. Retries get a new TxnID.
type Transaction struct {
	TxnID          string
	OrderID        string
	Amount         decimal.Decimal
	Status         TxnStatus
	GatewayHash    string
	GatewayMessage string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outcome is what the gateway reported.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// View is the storefront page the customer should see for an outcome.
func (o Outcome) View() string {
	switch o {
	case OutcomeSuccess:
		return "confirmed"
	case OutcomeFailed:
		return "retry"
	default:
		return "hold"
	}
}

// Field is one form field of the redirect payload.
type Field struct {
	Name  string
	Value string
}

// RedirectPayload is posted by the browser to Action.
type RedirectPayload struct {
	Action string
	TxnID  string
	Fields []Field
}

// Get returns the value of the named field.
func (p *RedirectPayload) Get(name string) string {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Signer is the trusted collaborator holding the gateway salt. Values are
// passed in the documented field order; the hash is opaque to us.
type Signer interface {
	Sign(ctx context.Context, values []string) (string, error)
	Verify(ctx context.Context, values []string, hash string) (bool, error)
}

// CartStore clears a customer's saved cart once payment lands.
type CartStore interface {
	Clear(ctx context.Context, customerID string) error
}

// Tx extends the order transaction with payment attempt rows.
type Tx interface {
	order.Tx
	// LockTransaction loads the attempt with SELECT ... FOR UPDATE.
	LockTransaction(ctx context.Context, txnID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
	// LatestTransaction returns the most recently initiated attempt for
	// the order.
	LatestTransaction(ctx context.Context, orderID string) (*Transaction, error)
}

// Repository persists payment attempts.
type Repository interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, orderID string) ([]Transaction, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Config holds gateway settings.
type Config struct {
	Key            string `usage:"Gateway merchant key"`
	ActionURL      string `usage:"Gateway hosted checkout URL" flag:"gateway-action-url"`
	SuccessURL     string `usage:"Our success return endpoint (surl)" flag:"gateway-success-url"`
	FailureURL     string `usage:"Our failure return endpoint (furl)" flag:"gateway-failure-url"`
	ReturnURL      string `usage:"Storefront page receiving the payment result" flag:"gateway-return-url"`
	StorefrontURL  string `usage:"Storefront base URL for clean result pages" flag:"storefront-url"`
	CallbackSecret string `usage:"HMAC secret for callback verification codes"`
	ProductInfo    string `default:"Order" usage:"Product description prefix sent to the gateway"`
}

// Configured reports whether every setting online payment needs is set.
func (c Config) Configured() bool {
	return c.Key != "" && c.ActionURL != "" && c.SuccessURL != "" &&
		c.FailureURL != "" && c.ReturnURL != "" && c.CallbackSecret != ""
}
