package order

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
)

// Command is one of the closed set of order mutations.
type Command interface {
	Name() string
	command()
}

type (
	// Confirm moves pending to confirmed. Online orders must be paid first.
	Confirm struct{}
	// StartProcessing moves confirmed to processing.
	StartProcessing struct{}
	// MarkShipped moves processing to shipped.
	MarkShipped struct {
		TrackingNumber      string
		TrackingProvider    string
		TrackingUnavailable bool
	}
	// MarkDelivered moves shipped to delivered.
	MarkDelivered struct{}
	// Cancel ends the order from pending, confirmed or processing.
	Cancel struct {
		Reason string
	}
	// UpdatePaymentStatus moves the payment axis.
	UpdatePaymentStatus struct {
		Status PaymentStatus
	}
	// SwitchPaymentMethod changes how a pending order will be paid.
	SwitchPaymentMethod struct {
		Method PaymentMethod
	}
	// MarkReturning flags a shipped order as going back to the provider.
	MarkReturning struct {
		Reason string
	}
	// Override sets any status. Admin only.
	Override struct {
		Target Status
		Reason string
	}
)

func (Confirm) Name() string             { return "confirm" }
func (StartProcessing) Name() string     { return "start_processing" }
func (MarkShipped) Name() string         { return "mark_shipped" }
func (MarkDelivered) Name() string       { return "mark_delivered" }
func (Cancel) Name() string              { return "cancel" }
func (UpdatePaymentStatus) Name() string { return "update_payment_status" }
func (SwitchPaymentMethod) Name() string { return "switch_payment_method" }
func (MarkReturning) Name() string       { return "mark_returning" }
func (Override) Name() string            { return "override" }

func (Confirm) command()             {}
func (StartProcessing) command()     {}
func (MarkShipped) command()         {}
func (MarkDelivered) command()       {}
func (Cancel) command()              {}
func (UpdatePaymentStatus) command() {}
func (SwitchPaymentMethod) command() {}
func (MarkReturning) command()       {}
func (Override) command()            {}

// TransitionError describes a command rejected in the current state.
type TransitionError struct {
	OrderID       string
	Command       string
	Status        Status
	PaymentStatus PaymentStatus
	Reason        string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("order %s: cannot %s from %s/%s", e.OrderID, e.Command, e.Status, e.PaymentStatus)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Change describes the effect of one Apply call.
type Change struct {
	Command     string
	FromStatus  Status
	ToStatus    Status
	FromPayment PaymentStatus
	ToPayment   PaymentStatus
	Override    bool
	Reason      string
	// Noop is set when the order already was in the command's target state.
	Noop bool
	// Topics lists side effects the change triggers.
	Topics []notify.Topic
}

var forward = map[Status]Status{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusProcessing,
	StatusProcessing: StatusShipped,
	StatusShipped:    StatusDelivered,
}

var paymentMoves = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPaid, PaymentFailed},
	PaymentAwaiting: {PaymentPaid, PaymentFailed},
	PaymentFailed:   {PaymentAwaiting, PaymentPending, PaymentPaid},
	PaymentPaid:     {PaymentRefunded},
}

// Apply validates cmd against o and, when legal, mutates o in place. On
// error o is left untouched. A command whose target already holds returns
// a Change with Noop set.
func Apply(o *Order, cmd Command, actor auth.Actor, now time.Time) (Change, error) {
	next := *o
	ch := Change{
		Command:     cmd.Name(),
		FromStatus:  o.Status,
		FromPayment: o.PaymentStatus,
	}
	reject := func(reason string) error {
		return &TransitionError{
			OrderID:       o.ID,
			Command:       cmd.Name(),
			Status:        o.Status,
			PaymentStatus: o.PaymentStatus,
			Reason:        reason,
		}
	}

	switch c := cmd.(type) {
	case Confirm:
		if o.Status == StatusConfirmed {
			ch.Noop = true
			break
		}
		if forward[o.Status] != StatusConfirmed {
			return Change{}, reject("")
		}
		if o.PaymentMethod == MethodOnline && o.PaymentStatus != PaymentPaid {
			return Change{}, reject("online payment not completed")
		}
		next.Status = StatusConfirmed
		ch.Topics = []notify.Topic{notify.TopicOrderConfirmed, notify.TopicShippingLabel}

	case StartProcessing:
		if o.Status == StatusProcessing {
			ch.Noop = true
			break
		}
		if forward[o.Status] != StatusProcessing {
			return Change{}, reject("")
		}
		next.Status = StatusProcessing

	case MarkShipped:
		if o.Status == StatusShipped {
			ch.Noop = true
			break
		}
		if forward[o.Status] != StatusShipped {
			return Change{}, reject("")
		}
		if c.TrackingNumber == "" && !c.TrackingUnavailable {
			return Change{}, errors.Wrap(ErrInvalidCommand, "tracking number required unless marked unavailable")
		}
		next.Status = StatusShipped
		next.TrackingNumber = c.TrackingNumber
		next.TrackingProvider = c.TrackingProvider
		next.ShippedAt = &now
		ch.Topics = []notify.Topic{notify.TopicOrderShipped}

	case MarkDelivered:
		if o.Status == StatusDelivered {
			ch.Noop = true
			break
		}
		if forward[o.Status] != StatusDelivered {
			return Change{}, reject("")
		}
		if o.ReturningToProvider {
			return Change{}, reject("order is returning to provider")
		}
		next.Status = StatusDelivered
		next.DeliveredAt = &now
		ch.Topics = []notify.Topic{notify.TopicOrderDelivered}

	case Cancel:
		if o.Status == StatusCancelled {
			ch.Noop = true
			break
		}
		if o.Status.Terminal() {
			return Change{}, reject("order is closed")
		}
		if o.Status == StatusShipped {
			return Change{}, reject("order already shipped")
		}
		next.Status = StatusCancelled
		next.CancelledAt = &now
		next.CancelReason = c.Reason
		ch.Reason = c.Reason
		ch.Topics = cancelTopics(o.Status)

	case UpdatePaymentStatus:
		if !c.Status.Valid() {
			return Change{}, errors.Wrapf(ErrInvalidCommand, "unknown payment status %q", c.Status)
		}
		if o.PaymentStatus == c.Status {
			ch.Noop = true
			break
		}
		if !allowedPayment(o.PaymentStatus, c.Status) {
			return Change{}, reject("")
		}
		next.PaymentStatus = c.Status
		switch c.Status {
		case PaymentPaid:
			ch.Topics = []notify.Topic{notify.TopicPaymentReceived}
		case PaymentFailed:
			ch.Topics = []notify.Topic{notify.TopicPaymentFailed}
		}

	case SwitchPaymentMethod:
		if !c.Method.Valid() {
			return Change{}, errors.Wrapf(ErrInvalidCommand, "unknown payment method %q", c.Method)
		}
		target := PaymentAwaiting
		if c.Method == MethodCashOnDelivery {
			target = PaymentPending
		}
		if o.PaymentMethod == c.Method && o.PaymentStatus == target {
			ch.Noop = true
			break
		}
		if o.Status != StatusPending {
			return Change{}, reject("order is no longer pending")
		}
		switch o.PaymentStatus {
		case PaymentPending, PaymentAwaiting, PaymentFailed:
		default:
			return Change{}, reject("payment already settled")
		}
		next.PaymentMethod = c.Method
		next.PaymentStatus = target

	case MarkReturning:
		if o.ReturningToProvider {
			ch.Noop = true
			break
		}
		if o.Status != StatusShipped {
			return Change{}, reject("")
		}
		next.ReturningToProvider = true
		next.ReturnReason = c.Reason
		ch.Reason = c.Reason
		ch.Topics = []notify.Topic{notify.TopicOrderReturning}

	case Override:
		if actor.Role != auth.RoleAdmin {
			return Change{}, ErrForbidden
		}
		if !c.Target.Valid() {
			return Change{}, errors.Wrapf(ErrInvalidCommand, "unknown status %q", c.Target)
		}
		if c.Reason == "" {
			return Change{}, errors.Wrap(ErrInvalidCommand, "override reason required")
		}
		if o.Status == c.Target {
			ch.Noop = true
			break
		}
		next.Status = c.Target
		switch c.Target {
		case StatusShipped:
			if next.ShippedAt == nil {
				next.ShippedAt = &now
			}
		case StatusDelivered:
			if next.DeliveredAt == nil {
				next.DeliveredAt = &now
			}
		case StatusCancelled:
			next.CancelledAt = &now
			next.CancelReason = c.Reason
			ch.Topics = cancelTopics(o.Status)
		}
		ch.Override = true
		ch.Reason = c.Reason

	default:
		return Change{}, errors.Wrapf(ErrInvalidCommand, "unsupported command %T", cmd)
	}

	ch.ToStatus = next.Status
	ch.ToPayment = next.PaymentStatus
	*o = next
	return ch, nil
}

func allowedPayment(from, to PaymentStatus) bool {
	return slices.Contains(paymentMoves[from], to)
}

// cancelTopics returns the side effects of cancelling from status. Stock is
// only reserved once an order is confirmed.
func cancelTopics(from Status) []notify.Topic {
	topics := []notify.Topic{notify.TopicOrderCancelled}
	if from == StatusConfirmed || from == StatusProcessing {
		topics = append(topics, notify.TopicInventoryRelease)
	}
	return topics
}
