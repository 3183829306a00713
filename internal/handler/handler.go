// Package handler exposes the order lifecycle over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
	"github.com/xenking/order-lifecycle/pkg/httpmiddleware"
)

// Checkout places orders and restarts payments.
type Checkout interface {
	Submit(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	RetryPayment(ctx context.Context, customerID, orderID string, method order.PaymentMethod) (*checkout.Result, error)
}

// Orders reads and mutates orders.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	GetForCustomer(ctx context.Context, customerID, id string) (*order.Order, error)
	ListForCustomer(ctx context.Context, customerID string) ([]order.Order, error)
	Transitions(ctx context.Context, id string) ([]order.Transition, error)
	Mutate(ctx context.Context, id string, actor auth.Actor, cmds ...order.Command) (*order.Order, []order.Change, error)
}

// Payments handles gateway responses.
type Payments interface {
	HandleReturn(ctx context.Context, endpoint payment.Outcome, form payment.ReturnForm) (*payment.Result, error)
	VerifyCallback(ctx context.Context, p payment.CallbackParams) (*payment.Result, error)
}

// Transactions lists gateway attempts for operators.
type Transactions interface {
	ListTransactions(ctx context.Context, orderID string) ([]payment.Transaction, error)
}

// Deliveries tracks delivery attempts.
type Deliveries interface {
	List(ctx context.Context, orderID string) ([]delivery.Attempt, error)
	Schedule(ctx context.Context, orderID string, date time.Time) (*delivery.Attempt, error)
	Record(ctx context.Context, actor auth.Actor, req delivery.RecordRequest) (*delivery.Attempt, error)
}

// Carts stores a customer's cart between visits.
type Carts interface {
	Get(ctx context.Context, customerID string) ([]checkout.CartLine, error)
	Put(ctx context.Context, customerID string, lines []checkout.CartLine) error
}

// Handler serves the API.
type Handler struct {
	checkout     Checkout
	orders       Orders
	payments     Payments
	transactions Transactions
	deliveries   Deliveries
	carts        Carts
	auth         *Authenticator
	now          func() time.Time
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Checkout     Checkout
	Orders       Orders
	Payments     Payments
	Transactions Transactions
	Deliveries   Deliveries
	Carts        Carts
	Auth         *Authenticator
}

// New constructs a Handler.
func New(d Deps) *Handler {
	return &Handler{
		checkout:     d.Checkout,
		orders:       d.Orders,
		payments:     d.Payments,
		transactions: d.Transactions,
		deliveries:   d.Deliveries,
		carts:        d.Carts,
		auth:         d.Auth,
		now:          time.Now,
	}
}

// Router returns the chi router mounted under /api.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests())

	r.Route("/api", func(r chi.Router) {
		// Gateway and storefront redirects carry their own integrity checks.
		r.Post("/payment/success", h.paymentReturn(payment.OutcomeSuccess))
		r.Post("/payment/failure", h.paymentReturn(payment.OutcomeFailed))
		r.Get("/payment/callback", h.paymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Customer)
			r.Post("/checkout", h.placeOrder)
			r.Get("/orders", h.listOrders)
			r.Get("/orders/{id}", h.getOrder)
			r.Post("/orders/{id}/payment", h.retryPayment)
			r.Get("/cart", h.getCart)
			r.Put("/cart", h.putCart)
		})

		r.Route("/admin/orders/{id}", func(r chi.Router) {
			r.Use(h.auth.APIKey)
			r.With(h.auth.RequireScope(ScopeRead)).Get("/", h.adminGetOrder)
			r.With(h.auth.RequireScope(ScopeRead)).Get("/transitions", h.listTransitions)
			r.With(h.auth.RequireScope(ScopeWrite)).Post("/transitions", h.applyTransition)
			r.With(h.auth.RequireScope(ScopeRead)).Get("/deliveries", h.listDeliveries)
			r.With(h.auth.RequireScope(ScopeWrite)).Post("/deliveries", h.scheduleDelivery)
			r.With(h.auth.RequireScope(ScopeWrite)).Post("/deliveries/{attempt}/outcome", h.recordDelivery)
		})
	})
	return r
}
