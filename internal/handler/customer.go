package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/order"
)

func customerID(r *http.Request) string {
	id, _ := auth.IdentityFrom(r.Context())
	return id.Subject
}

// placeOrder handles POST /api/checkout.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := readBody(w, r, func(d *jx.Decoder) error { return decodeCheckout(d, &req) }); err != nil {
		writeError(w, r, err)
		return
	}
	req.CustomerID = customerID(r)

	res, err := h.checkout.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, encodeFunc(func(e *jx.Encoder) { encodeResult(e, res) }))
}

// retryPayment handles POST /api/orders/{id}/payment.
func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	var method string
	err := readBody(w, r, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "payment_method" {
				return d.Skip()
			}
			var err error
			method, err = str(d)
			return err
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.RetryPayment(r.Context(), customerID(r), chi.URLParam(r, "id"), order.PaymentMethod(method))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) { encodeResult(e, res) }))
}

// listOrders handles GET /api/orders.
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListForCustomer(r.Context(), customerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("orders", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range orders {
						encodeOrder(e, &orders[i])
					}
				})
			})
		})
	}))
}

// getOrder handles GET /api/orders/{id}. Orders of other customers are
// reported as not found.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetForCustomer(r.Context(), customerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) { encodeOrder(e, o) }))
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.carts.Get(r.Context(), customerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) { encodeCart(e, lines) }))
}

func (h *Handler) putCart(w http.ResponseWriter, r *http.Request) {
	var lines []checkout.CartLine
	err := readBody(w, r, func(d *jx.Decoder) error {
		var err error
		lines, err = decodeCart(d)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	verr := &checkout.ValidationError{}
	for i, l := range lines {
		if l.ProductID == "" {
			verr.Fields = append(verr.Fields, checkout.FieldError{Field: fieldIndex("items", i, "product_id"), Message: "is required"})
		}
		if l.Quantity < 1 {
			verr.Fields = append(verr.Fields, checkout.FieldError{Field: fieldIndex("items", i, "quantity"), Message: "must be at least 1"})
		}
	}
	if len(verr.Fields) > 0 {
		writeError(w, r, verr)
		return
	}

	if err := h.carts.Put(r.Context(), customerID(r), lines); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) { encodeCart(e, lines) }))
}
