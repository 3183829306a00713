package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/cache"
	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

var errForbiddenScope = errors.New("api key lacks the required scope")

// badRequestError marks malformed request bodies and parameters.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

// apiError is the JSON error body.
type apiError struct {
	Code    int
	Message string
	OrderID string
	Fields  []checkout.FieldError
}

func (e apiError) Encode(enc *jx.Encoder) {
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("code", func(enc *jx.Encoder) { enc.Int(e.Code) })
		enc.Field("message", func(enc *jx.Encoder) { enc.Str(e.Message) })
		if e.OrderID != "" {
			enc.Field("order_id", func(enc *jx.Encoder) { enc.Str(e.OrderID) })
		}
		if len(e.Fields) > 0 {
			enc.Field("fields", func(enc *jx.Encoder) {
				enc.Arr(func(enc *jx.Encoder) {
					for _, f := range e.Fields {
						enc.Obj(func(enc *jx.Encoder) {
							enc.Field("field", func(enc *jx.Encoder) { enc.Str(f.Field) })
							enc.Field("message", func(enc *jx.Encoder) { enc.Str(f.Message) })
						})
					}
				})
			})
		}
	})
}

// mapError converts domain errors to an HTTP status and body.
func mapError(err error) apiError {
	var (
		verr *checkout.ValidationError
		perr *checkout.PaymentInitError
		berr *badRequestError
	)
	switch {
	case errors.As(err, &verr):
		return apiError{Code: http.StatusUnprocessableEntity, Message: "validation failed", Fields: verr.Fields}
	case errors.As(err, &perr):
		return apiError{Code: http.StatusBadGateway, Message: perr.Error(), OrderID: perr.OrderID}
	case errors.As(err, &berr):
		return apiError{Code: http.StatusBadRequest, Message: berr.msg}
	case errors.Is(err, errUnauthorized), errors.Is(err, checkout.ErrUnauthenticated):
		return apiError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	case errors.Is(err, errForbiddenScope), errors.Is(err, order.ErrForbidden):
		return apiError{Code: http.StatusForbidden, Message: err.Error()}
	case errors.Is(err, payment.ErrCallbackIntegrity):
		return apiError{Code: http.StatusBadRequest, Message: "payment verification failed"}
	case errors.Is(err, payment.ErrUnknownOrder), errors.Is(err, order.ErrNotFound):
		return apiError{Code: http.StatusNotFound, Message: "order not found"}
	case errors.Is(err, delivery.ErrAttemptNotFound):
		return apiError{Code: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, delivery.ErrNotShipped),
		errors.Is(err, delivery.ErrAlreadyDelivered),
		errors.Is(err, delivery.ErrReturningToProvider),
		errors.Is(err, delivery.ErrAttemptClosed),
		errors.Is(err, payment.ErrNotAwaiting):
		return apiError{Code: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, order.ErrInvalidCommand),
		errors.Is(err, delivery.ErrInvalidOutcome),
		errors.Is(err, delivery.ErrInvalidDate):
		return apiError{Code: http.StatusUnprocessableEntity, Message: err.Error()}
	case errors.Is(err, payment.ErrNotConfigured), errors.Is(err, cache.ErrCartsDisabled):
		return apiError{Code: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return apiError{Code: http.StatusInternalServerError, Message: "internal error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	lg := zctx.From(r.Context())
	if e.Code >= http.StatusInternalServerError {
		lg.Error("Request error", zap.Int("status", e.Code), zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Int("status", e.Code), zap.Error(err))
	}
	writeJSON(w, e.Code, e)
}

type encoder interface {
	Encode(e *jx.Encoder)
}

func writeJSON(w http.ResponseWriter, status int, v encoder) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	v.Encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// encodeFunc adapts a closure to encoder.
type encodeFunc func(e *jx.Encoder)

func (f encodeFunc) Encode(e *jx.Encoder) { f(e) }
