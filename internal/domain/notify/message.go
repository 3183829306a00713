// Package notify carries order side effects to external collaborators.
//
// Messages are written to a durable outbox and drained by a Worker that
// routes each topic to a Sink. Producers never wait on the collaborator.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
)

// Topic names a kind of side effect.
type Topic string

const (
	TopicOrderPlaced      Topic = "order.placed"
	TopicOrderConfirmed   Topic = "order.confirmed"
	TopicOrderShipped     Topic = "order.shipped"
	TopicOrderDelivered   Topic = "order.delivered"
	TopicOrderCancelled   Topic = "order.cancelled"
	TopicOrderReturning   Topic = "order.returning"
	TopicPaymentReceived  Topic = "payment.received"
	TopicPaymentFailed    Topic = "payment.failed"
	TopicShippingLabel    Topic = "shipping.label"
	TopicInventoryRelease Topic = "inventory.release"
)

// Repeatable reports whether the topic may fire more than once per order.
func (t Topic) Repeatable() bool {
	return t == TopicPaymentFailed
}

// Payload is the body delivered to sinks. Empty fields are omitted on the
// wire.
type Payload struct {
	OrderID          string
	CustomerID       string
	Name             string
	Email            string
	Phone            string
	Status           string
	PaymentStatus    string
	Amount           string
	TrackingNumber   string
	TrackingProvider string
	Reason           string
}

// Encode writes p as a JSON object.
func (p Payload) Encode(e *jx.Encoder) {
	e.ObjStart()
	field := func(name, v string) {
		if v == "" {
			return
		}
		e.FieldStart(name)
		e.Str(v)
	}
	field("order_id", p.OrderID)
	field("customer_id", p.CustomerID)
	field("name", p.Name)
	field("email", p.Email)
	field("phone", p.Phone)
	field("status", p.Status)
	field("payment_status", p.PaymentStatus)
	field("amount", p.Amount)
	field("tracking_number", p.TrackingNumber)
	field("tracking_provider", p.TrackingProvider)
	field("reason", p.Reason)
	e.ObjEnd()
}

// Decode reads a JSON object written by Encode. Unknown fields are skipped.
func (p *Payload) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "order_id":
			dst = &p.OrderID
		case "customer_id":
			dst = &p.CustomerID
		case "name":
			dst = &p.Name
		case "email":
			dst = &p.Email
		case "phone":
			dst = &p.Phone
		case "status":
			dst = &p.Status
		case "payment_status":
			dst = &p.PaymentStatus
		case "amount":
			dst = &p.Amount
		case "tracking_number":
			dst = &p.TrackingNumber
		case "tracking_provider":
			dst = &p.TrackingProvider
		case "reason":
			dst = &p.Reason
		default:
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		*dst = v
		return nil
	})
}

// MarshalPayload encodes p into a fresh byte slice.
func MarshalPayload(p Payload) []byte {
	var e jx.Encoder
	p.Encode(&e)
	return e.Bytes()
}

// UnmarshalPayload decodes data produced by MarshalPayload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if err := p.Decode(jx.DecodeBytes(data)); err != nil {
		return Payload{}, errors.Wrap(err, "decode payload")
	}
	return p, nil
}

// Message is one outbox row.
type Message struct {
	ID            string
	Topic         Topic
	DedupeKey     string
	Payload       Payload
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// NewMessage builds a message for topic. The dedupe key makes one-shot
// topics fire at most once per order; repeatable topics are keyed by seq.
func NewMessage(topic Topic, p Payload, seq int64) Message {
	key := fmt.Sprintf("%s:%s", topic, p.OrderID)
	if topic.Repeatable() {
		key = fmt.Sprintf("%s:%d", key, seq)
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		DedupeKey: key,
		Payload:   p,
	}
}

// Outbox is the durable queue.
type Outbox interface {
	// Enqueue inserts messages, ignoring ones whose dedupe key already exists.
	Enqueue(ctx context.Context, msgs ...Message) error
	// Claim leases up to limit due messages until now+lease.
	Claim(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, at time.Time, lastErr string) error
	// Backlog counts undelivered, live messages.
	Backlog(ctx context.Context) (int64, error)
}
