// Package order owns the order aggregate and its lifecycle.
//
// All status mutations go through Apply, which validates one Command
// against the current state. Service runs commands under a row lock and
// records an audit Transition for every command it applies.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/domain/notify"
)

// Status is the fulfillment axis of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no forward transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// PaymentStatus is the payment axis, independent of Status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentAwaiting PaymentStatus = "awaiting"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentAwaiting, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	MethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	MethodOnline         PaymentMethod = "online_gateway"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == MethodCashOnDelivery || m == MethodOnline
}

var (
	// ErrNotFound is returned when an order does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition is wrapped by TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidCommand is returned for commands missing required data.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrForbidden is returned when the actor may not issue the command.
	ErrForbidden = errors.New("command not allowed for actor")
)

// Contact is the customer contact snapshot taken at checkout.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Item is a priced cart line frozen onto the order.
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// LineTotal returns unit price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the aggregate root. Monetary fields are the discount breakdown
// frozen at checkout; TotalAmount is never recomputed from Items.
type Order struct {
	ID              string
	CustomerID      string
	Contact         Contact
	ShippingAddress string
	Items           []Item

	Subtotal         decimal.Decimal
	CouponCode       string
	CouponDiscount   decimal.Decimal
	CampaignID       string
	CampaignDiscount decimal.Decimal
	TotalAmount      decimal.Decimal

	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Status        Status

	TrackingNumber      string
	TrackingProvider    string
	ShippedAt           *time.Time
	DeliveredAt         *time.Time
	CancelledAt         *time.Time
	CancelReason        string
	ReturningToProvider bool
	ReturnReason        string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload returns the side-effect body describing o.
func (o *Order) Payload() notify.Payload {
	return notify.Payload{
		OrderID:          o.ID,
		CustomerID:       o.CustomerID,
		Name:             o.Contact.Name,
		Email:            o.Contact.Email,
		Phone:            o.Contact.Phone,
		Status:           string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		Amount:           o.TotalAmount.StringFixed(2),
		TrackingNumber:   o.TrackingNumber,
		TrackingProvider: o.TrackingProvider,
	}
}

// Transition is an append-only audit row written for each applied command.
type Transition struct {
	ID          int64
	OrderID     string
	Command     string
	FromStatus  Status
	ToStatus    Status
	FromPayment PaymentStatus
	ToPayment   PaymentStatus
	ActorID     string
	ActorRole   string
	Override    bool
	Reason      string
	TraceID     string
	SpanID      string
	CreatedAt   time.Time
}

// Tx is the transactional surface used while an order row is locked.
type Tx interface {
	// Lock loads the order with SELECT ... FOR UPDATE.
	Lock(ctx context.Context, id string) (*Order, error)
	// Save writes the mutable fields of o.
	Save(ctx context.Context, o *Order) error
	AppendTransition(ctx context.Context, t *Transition) error
	Enqueue(ctx context.Context, msgs ...notify.Message) error
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts o and, when o carries a coupon, consumes one coupon use
	// in the same transaction.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
	ListTransitions(ctx context.Context, orderID string) ([]Transition, error)
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
