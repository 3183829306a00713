package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
)

var tracer = otel.Tracer("github.com/xenking/order-lifecycle/internal/domain/order")

// Service reads orders and applies commands to them.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an order Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Get returns any order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// GetForCustomer returns the order only when it belongs to customerID.
func (s *Service) GetForCustomer(ctx context.Context, customerID, id string) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListForCustomer returns the customer's orders, newest first.
func (s *Service) ListForCustomer(ctx context.Context, customerID string) ([]Order, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// Transitions returns the audit trail of an order.
func (s *Service) Transitions(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, id)
}

// Mutate locks the order and applies cmds in order. Either every command is
// applied or none is.
func (s *Service) Mutate(ctx context.Context, id string, actor auth.Actor, cmds ...Command) (*Order, []Change, error) {
	ctx, span := tracer.Start(ctx, "order.Mutate", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var (
		result  *Order
		changes []Change
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		changes, err = s.ApplyLocked(ctx, tx, o, actor, cmds...)
		if err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	return result, changes, nil
}

// ApplyLocked applies cmds to o, which tx must already hold locked, and
// persists the result together with audit rows and side-effect messages.
func (s *Service) ApplyLocked(ctx context.Context, tx Tx, o *Order, actor auth.Actor, cmds ...Command) ([]Change, error) {
	now := s.now().UTC()
	sc := trace.SpanContextFromContext(ctx)

	var (
		changes []Change
		msgs    []notify.Message
		applied int
	)
	for _, cmd := range cmds {
		ch, err := Apply(o, cmd, actor, now)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
		if ch.Noop {
			continue
		}
		applied++

		t := &Transition{
			OrderID:     o.ID,
			Command:     ch.Command,
			FromStatus:  ch.FromStatus,
			ToStatus:    ch.ToStatus,
			FromPayment: ch.FromPayment,
			ToPayment:   ch.ToPayment,
			ActorID:     actor.ID,
			ActorRole:   string(actor.Role),
			Override:    ch.Override,
			Reason:      ch.Reason,
			CreatedAt:   now,
		}
		if sc.HasTraceID() {
			t.TraceID = sc.TraceID().String()
		}
		if sc.HasSpanID() {
			t.SpanID = sc.SpanID().String()
		}
		if err := tx.AppendTransition(ctx, t); err != nil {
			return nil, errors.Wrap(err, "append transition")
		}

		payload := o.Payload()
		payload.Reason = ch.Reason
		for _, topic := range ch.Topics {
			msgs = append(msgs, notify.NewMessage(topic, payload, o.Version+1))
		}

		zctx.From(ctx).Info("Order transition",
			zap.String("order_id", o.ID),
			zap.String("command", ch.Command),
			zap.String("from", string(ch.FromStatus)),
			zap.String("to", string(ch.ToStatus)),
			zap.String("payment_from", string(ch.FromPayment)),
			zap.String("payment_to", string(ch.ToPayment)),
			zap.String("actor", actor.ID),
			zap.Bool("override", ch.Override),
		)
	}
	if applied == 0 {
		return changes, nil
	}

	o.Version++
	o.UpdatedAt = now
	if err := tx.Save(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save order")
	}
	if len(msgs) > 0 {
		if err := tx.Enqueue(ctx, msgs...); err != nil {
			return nil, errors.Wrap(err, "enqueue side effects")
		}
	}
	return changes, nil
}
