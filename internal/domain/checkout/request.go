package checkout

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/order-lifecycle/internal/domain/order"
)

// ErrUnauthenticated is returned when checkout is attempted without a
// customer identity.
var ErrUnauthenticated = errors.New("authentication required")

// CartLine is one requested product.
type CartLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

// Shipping is the delivery address and contact given at checkout.
type Shipping struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,len=10,number"`
	House    string `json:"house" validate:"required"`
	Street   string `json:"street" validate:"required"`
	Landmark string `json:"landmark"`
	City     string `json:"city" validate:"required"`
	State    string `json:"state" validate:"required"`
	Pincode  string `json:"pincode" validate:"required,len=6,number"`
}

// trim strips surrounding whitespace so blank fields fail required.
func (s *Shipping) trim() {
	for _, f := range []*string{
		&s.Name, &s.Email, &s.Phone, &s.House, &s.Street,
		&s.Landmark, &s.City, &s.State, &s.Pincode,
	} {
		*f = strings.TrimSpace(*f)
	}
}

// Address formats the shipping fields as the single line stored on the
// order.
func (s Shipping) Address() string {
	parts := []string{s.House, s.Street}
	if s.Landmark != "" {
		parts = append(parts, s.Landmark)
	}
	parts = append(parts, s.City, s.State+" - "+s.Pincode)
	return strings.Join(parts, ", ")
}

// Request is a checkout submission. The cart is passed explicitly.
type Request struct {
	CustomerID    string              `json:"-"`
	Items         []CartLine          `json:"items" validate:"required,min=1,dive"`
	CouponCode    string              `json:"coupon_code"`
	Shipping      Shipping            `json:"shipping"`
	PaymentMethod order.PaymentMethod `json:"payment_method" validate:"required,oneof=cash_on_delivery online_gateway"`
}

// FieldError is one field-scoped validation failure.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every problem found with a submission.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// PaymentInitError reports that the gateway flow could not start. OrderID
// is set when the order was already persisted and may be retried.
type PaymentInitError struct {
	OrderID string
	Err     error
}

func (e *PaymentInitError) Error() string {
	if e.OrderID == "" {
		return "payment initiation failed: " + e.Err.Error()
	}
	return fmt.Sprintf("payment initiation failed for order %s: %s", e.OrderID, e.Err)
}

func (e *PaymentInitError) Unwrap() error { return e.Err }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct validation and converts failures into field
// errors keyed by JSON path, such as "items[0].quantity".
func validateRequest(v *validator.Validate, req *Request) (*ValidationError, error) {
	verr := &ValidationError{}
	err := v.Struct(req)
	if err == nil {
		return verr, nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil, errors.Wrap(err, "validate request")
	}
	for _, fe := range fieldErrs {
		verr.add(fieldPath(fe.Namespace()), fieldMessage(fe))
	}
	return verr, nil
}

func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "gte":
		return "must be at least " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "len":
		return "must be exactly " + fe.Param() + " digits"
	case "number":
		return "must contain digits only"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "is invalid"
	}
}
