// Package checkout turns a cart into a persisted order and picks the
// payment path.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
	"github.com/xenking/order-lifecycle/internal/domain/discount"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
	"github.com/xenking/order-lifecycle/internal/domain/product"
)

// Gateway is the part of the payment adapter checkout needs.
type Gateway interface {
	Preflight(amount decimal.Decimal) error
	Initiate(ctx context.Context, o *order.Order) (*payment.RedirectPayload, error)
}

// Emitter fires best-effort side effects.
type Emitter interface {
	Emit(ctx context.Context, msgs ...notify.Message)
}

// Result is a successful submission.
type Result struct {
	Order     *order.Order
	Breakdown *discount.Breakdown
	// Redirect is set for online payments.
	Redirect *payment.RedirectPayload
}

// Orchestrator runs checkout.
type Orchestrator struct {
	products  product.Repository
	coupons   coupon.Validator
	campaigns campaign.Repository
	orders    order.Repository
	service   *order.Service
	gateway   Gateway
	emitter   Emitter
	validate  *validator.Validate
	now       func() time.Time
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(
	products product.Repository,
	coupons coupon.Validator,
	campaigns campaign.Repository,
	orders order.Repository,
	service *order.Service,
	gateway Gateway,
	emitter Emitter,
) *Orchestrator {
	return &Orchestrator{
		products:  products,
		coupons:   coupons,
		campaigns: campaigns,
		orders:    orders,
		service:   service,
		gateway:   gateway,
		emitter:   emitter,
		validate:  newValidator(),
		now:       time.Now,
	}
}

// Submit validates req, prices the cart, persists the order and starts
// payment. A *ValidationError or a pre-persistence *PaymentInitError means
// no order exists.
func (c *Orchestrator) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.CustomerID == "" {
		return nil, ErrUnauthenticated
	}
	req.CouponCode = strings.TrimSpace(req.CouponCode)
	req.Shipping.trim()

	verr, err := validateRequest(c.validate, &req)
	if err != nil {
		return nil, err
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	items, lines, err := c.price(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal())
	}

	var rule *coupon.Rule
	if req.CouponCode != "" {
		rule, err = c.coupons.Validate(ctx, req.CouponCode, subtotal)
		if err != nil {
			if isCouponRejection(err) {
				verr.add("coupon_code", err.Error())
				return nil, verr
			}
			return nil, errors.Wrap(err, "validate coupon")
		}
	}

	active, err := c.campaigns.ListActive(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "load campaigns")
	}

	breakdown := discount.Compute(discount.Input{
		Subtotal:  subtotal,
		Lines:     lines,
		Coupon:    rule,
		Campaigns: active,
		Now:       now,
	})

	o := &order.Order{
		ID:         uuid.NewString(),
		CustomerID: req.CustomerID,
		Contact: order.Contact{
			Name:  req.Shipping.Name,
			Email: req.Shipping.Email,
			Phone: req.Shipping.Phone,
		},
		ShippingAddress:  req.Shipping.Address(),
		Items:            items,
		Subtotal:         breakdown.Subtotal,
		CouponCode:       breakdown.CouponCode,
		CouponDiscount:   breakdown.CouponDiscount,
		CampaignDiscount: breakdown.CampaignDiscount,
		TotalAmount:      breakdown.FinalAmount,
		PaymentMethod:    req.PaymentMethod,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if breakdown.Campaign != nil {
		o.CampaignID = breakdown.Campaign.ID
	}

	online := false
	switch {
	case breakdown.IsFree():
		o.PaymentStatus = order.PaymentPaid
		o.Status = order.StatusConfirmed
	case req.PaymentMethod == order.MethodCashOnDelivery:
		o.PaymentStatus = order.PaymentPending
		o.Status = order.StatusConfirmed
	default:
		if err := c.gateway.Preflight(o.TotalAmount); err != nil {
			return nil, &PaymentInitError{Err: err}
		}
		online = true
		o.PaymentStatus = order.PaymentAwaiting
		o.Status = order.StatusPending
	}

	if err := c.orders.Create(ctx, o); err != nil {
		if errors.Is(err, coupon.ErrCouponUsageLimitReached) {
			verr.add("coupon_code", err.Error())
			return nil, verr
		}
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order placed",
		zap.String("customer_id", o.CustomerID),
		zap.String("payment_method", string(o.PaymentMethod)),
		zap.String("status", string(o.Status)),
		zap.String("total", o.TotalAmount.StringFixed(2)),
	)

	if o.CampaignID != "" {
		if err := c.campaigns.IncrementOrders(ctx, o.CampaignID); err != nil {
			lg.Warn("Campaign counter increment failed", zap.String("campaign_id", o.CampaignID), zap.Error(err))
		}
	}

	msgs := []notify.Message{notify.NewMessage(notify.TopicOrderPlaced, o.Payload(), o.Version)}
	if o.Status == order.StatusConfirmed {
		msgs = append(msgs,
			notify.NewMessage(notify.TopicOrderConfirmed, o.Payload(), o.Version),
			notify.NewMessage(notify.TopicShippingLabel, o.Payload(), o.Version),
		)
	}
	c.emitter.Emit(ctx, msgs...)

	res := &Result{Order: o, Breakdown: &breakdown}
	if !online {
		return res, nil
	}
	redirect, err := c.gateway.Initiate(ctx, o)
	if err != nil {
		lg.Error("Payment initiation failed after order persisted", zap.Error(err))
		return nil, &PaymentInitError{OrderID: o.ID, Err: err}
	}
	res.Redirect = redirect
	return res, nil
}

// RetryPayment starts a new gateway attempt for an order whose online
// payment is awaiting or failed, or switches it to cash on delivery, which
// confirms it.
func (c *Orchestrator) RetryPayment(ctx context.Context, customerID, orderID string, method order.PaymentMethod) (*Result, error) {
	if customerID == "" {
		return nil, ErrUnauthenticated
	}
	if !method.Valid() {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:   "payment_method",
			Message: "must be one of: cash_on_delivery, online_gateway",
		}}}
	}

	o, err := c.service.GetForCustomer(ctx, customerID, orderID)
	if err != nil {
		return nil, err
	}
	actor := auth.Actor{ID: customerID, Role: auth.RoleCustomer}

	if method == order.MethodCashOnDelivery {
		o, _, err = c.service.Mutate(ctx, orderID, actor,
			order.SwitchPaymentMethod{Method: order.MethodCashOnDelivery},
			order.Confirm{},
		)
		if err != nil {
			return nil, err
		}
		return &Result{Order: o}, nil
	}

	if err := c.gateway.Preflight(o.TotalAmount); err != nil {
		return nil, &PaymentInitError{OrderID: o.ID, Err: err}
	}
	o, _, err = c.service.Mutate(ctx, orderID, actor, order.SwitchPaymentMethod{Method: order.MethodOnline})
	if err != nil {
		return nil, err
	}
	redirect, err := c.gateway.Initiate(ctx, o)
	if err != nil {
		return nil, &PaymentInitError{OrderID: o.ID, Err: err}
	}
	return &Result{Order: o, Redirect: redirect}, nil
}

// price snapshots catalog prices. Unknown and unavailable products are
// reported per line.
func (c *Orchestrator) price(ctx context.Context, cart []CartLine) ([]order.Item, []campaign.Line, error) {
	ids := make([]string, len(cart))
	for i, l := range cart {
		ids[i] = l.ProductID
	}
	found, err := c.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}

	verr := &ValidationError{}
	items := make([]order.Item, 0, len(cart))
	lines := make([]campaign.Line, 0, len(cart))
	for i, l := range cart {
		field := fmt.Sprintf("items[%d].product_id", i)
		p, ok := byID[l.ProductID]
		switch {
		case !ok:
			verr.add(field, "unknown product "+l.ProductID)
			continue
		case !p.Available:
			verr.add(field, "product "+l.ProductID+" is unavailable")
			continue
		}
		items = append(items, order.Item{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
		})
		lines = append(lines, campaign.Line{ProductID: p.ID, Category: p.Category})
	}
	if err := verr.orNil(); err != nil {
		return nil, nil, err
	}
	return items, lines, nil
}

func isCouponRejection(err error) bool {
	return errors.Is(err, coupon.ErrInvalidCoupon) ||
		errors.Is(err, coupon.ErrCouponExpired) ||
		errors.Is(err, coupon.ErrCouponUsageLimitReached) ||
		errors.Is(err, coupon.ErrMinimumNotMet)
}
