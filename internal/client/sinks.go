package client

import (
	"context"

	"github.com/go-faster/jx"

	"github.com/xenking/order-lifecycle/internal/domain/notify"
)

// Shipping requests labels for confirmed orders.
type Shipping struct {
	base
}

// NewShipping creates a Shipping client.
func NewShipping(cfg Config) *Shipping {
	return &Shipping{base: newBase(cfg)}
}

// Deliver posts a label request for the message's order.
func (s *Shipping) Deliver(ctx context.Context, m notify.Message) error {
	_, err := s.post(ctx, "request label", "/labels", m.DedupeKey, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("order_id")
		e.Str(m.Payload.OrderID)
		e.FieldStart("name")
		e.Str(m.Payload.Name)
		e.FieldStart("phone")
		e.Str(m.Payload.Phone)
		e.ObjEnd()
	})
	return err
}

// Notifier forwards customer-facing events to the notification service.
type Notifier struct {
	base
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg Config) *Notifier {
	return &Notifier{base: newBase(cfg)}
}

// Deliver posts the event with its full payload.
func (n *Notifier) Deliver(ctx context.Context, m notify.Message) error {
	_, err := n.post(ctx, "send notification", "/events", m.DedupeKey, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(m.ID)
		e.FieldStart("topic")
		e.Str(string(m.Topic))
		e.FieldStart("payload")
		m.Payload.Encode(e)
		e.ObjEnd()
	})
	return err
}

// Inventory releases reserved stock of cancelled orders.
type Inventory struct {
	base
}

// NewInventory creates an Inventory client.
func NewInventory(cfg Config) *Inventory {
	return &Inventory{base: newBase(cfg)}
}

// Deliver posts a release for the message's order.
func (i *Inventory) Deliver(ctx context.Context, m notify.Message) error {
	_, err := i.post(ctx, "release inventory", "/releases", m.DedupeKey, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("order_id")
		e.Str(m.Payload.OrderID)
		e.ObjEnd()
	})
	return err
}

// Routes maps every topic to the collaborator that handles it.
func Routes(shipping *Shipping, notifier *Notifier, inventory *Inventory) notify.Router {
	return notify.Router{
		notify.TopicOrderPlaced:      notifier,
		notify.TopicOrderConfirmed:   notifier,
		notify.TopicOrderShipped:     notifier,
		notify.TopicOrderDelivered:   notifier,
		notify.TopicOrderCancelled:   notifier,
		notify.TopicOrderReturning:   notifier,
		notify.TopicPaymentReceived:  notifier,
		notify.TopicPaymentFailed:    notifier,
		notify.TopicShippingLabel:    shipping,
		notify.TopicInventoryRelease: inventory,
	}
}
