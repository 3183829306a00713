package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/discount"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

const maxBodySize = 1 << 20

func money(e *jx.Encoder, d decimal.Decimal) { e.Str(d.StringFixed(2)) }

func timestamp(e *jx.Encoder, t time.Time) { e.Str(t.UTC().Format(time.RFC3339Nano)) }

func optStr(e *jx.Encoder, name, v string) {
	if v != "" {
		e.Field(name, func(e *jx.Encoder) { e.Str(v) })
	}
}

func optTime(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		e.Field(name, func(e *jx.Encoder) { timestamp(e, *t) })
	}
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("customer_id", func(e *jx.Encoder) { e.Str(o.CustomerID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("payment_status", func(e *jx.Encoder) { e.Str(string(o.PaymentStatus)) })
		e.Field("payment_method", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
		e.Field("contact", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("name", func(e *jx.Encoder) { e.Str(o.Contact.Name) })
				e.Field("email", func(e *jx.Encoder) { e.Str(o.Contact.Email) })
				e.Field("phone", func(e *jx.Encoder) { e.Str(o.Contact.Phone) })
			})
		})
		e.Field("shipping_address", func(e *jx.Encoder) { e.Str(o.ShippingAddress) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Str(it.ProductID) })
						e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
						e.Field("unit_price", func(e *jx.Encoder) { money(e, it.UnitPrice) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						e.Field("line_total", func(e *jx.Encoder) { money(e, it.LineTotal()) })
					})
				}
			})
		})
		e.Field("subtotal", func(e *jx.Encoder) { money(e, o.Subtotal) })
		optStr(e, "coupon_code", o.CouponCode)
		e.Field("coupon_discount", func(e *jx.Encoder) { money(e, o.CouponDiscount) })
		optStr(e, "campaign_id", o.CampaignID)
		e.Field("campaign_discount", func(e *jx.Encoder) { money(e, o.CampaignDiscount) })
		e.Field("total_amount", func(e *jx.Encoder) { money(e, o.TotalAmount) })
		optStr(e, "tracking_number", o.TrackingNumber)
		optStr(e, "tracking_provider", o.TrackingProvider)
		optTime(e, "shipped_at", o.ShippedAt)
		optTime(e, "delivered_at", o.DeliveredAt)
		optTime(e, "cancelled_at", o.CancelledAt)
		optStr(e, "cancel_reason", o.CancelReason)
		e.Field("returning_to_provider", func(e *jx.Encoder) { e.Bool(o.ReturningToProvider) })
		optStr(e, "return_reason", o.ReturnReason)
		e.Field("version", func(e *jx.Encoder) { e.Int64(o.Version) })
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, o.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { timestamp(e, o.UpdatedAt) })
	})
}

func encodeBreakdown(e *jx.Encoder, b *discount.Breakdown) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("subtotal", func(e *jx.Encoder) { money(e, b.Subtotal) })
		optStr(e, "coupon_code", b.CouponCode)
		e.Field("coupon_discount", func(e *jx.Encoder) { money(e, b.CouponDiscount) })
		if b.Campaign != nil {
			e.Field("campaign", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("id", func(e *jx.Encoder) { e.Str(b.Campaign.ID) })
					e.Field("name", func(e *jx.Encoder) { e.Str(b.Campaign.Name) })
				})
			})
		}
		e.Field("campaign_discount", func(e *jx.Encoder) { money(e, b.CampaignDiscount) })
		e.Field("total_discount", func(e *jx.Encoder) { money(e, b.TotalDiscount()) })
		e.Field("final_amount", func(e *jx.Encoder) { money(e, b.FinalAmount) })
	})
}

// encodeRedirect keeps the form fields in gateway order.
func encodeRedirect(e *jx.Encoder, p *payment.RedirectPayload) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("action", func(e *jx.Encoder) { e.Str(p.Action) })
		e.Field("txn_id", func(e *jx.Encoder) { e.Str(p.TxnID) })
		e.Field("fields", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, f := range p.Fields {
					e.Field(f.Name, func(e *jx.Encoder) { e.Str(f.Value) })
				}
			})
		})
	})
}

func encodeResult(e *jx.Encoder, res *checkout.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order) })
		if res.Breakdown != nil {
			e.Field("breakdown", func(e *jx.Encoder) { encodeBreakdown(e, res.Breakdown) })
		}
		if res.Redirect != nil {
			e.Field("payment", func(e *jx.Encoder) { encodeRedirect(e, res.Redirect) })
		}
	})
}

func encodeTransition(e *jx.Encoder, t order.Transition) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(t.ID) })
		e.Field("command", func(e *jx.Encoder) { e.Str(t.Command) })
		e.Field("from_status", func(e *jx.Encoder) { e.Str(string(t.FromStatus)) })
		e.Field("to_status", func(e *jx.Encoder) { e.Str(string(t.ToStatus)) })
		e.Field("from_payment", func(e *jx.Encoder) { e.Str(string(t.FromPayment)) })
		e.Field("to_payment", func(e *jx.Encoder) { e.Str(string(t.ToPayment)) })
		e.Field("actor_id", func(e *jx.Encoder) { e.Str(t.ActorID) })
		e.Field("actor_role", func(e *jx.Encoder) { e.Str(t.ActorRole) })
		e.Field("override", func(e *jx.Encoder) { e.Bool(t.Override) })
		optStr(e, "reason", t.Reason)
		optStr(e, "trace_id", t.TraceID)
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, t.CreatedAt) })
	})
}

func encodeAttempt(e *jx.Encoder, a *delivery.Attempt) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("attempt_number", func(e *jx.Encoder) { e.Int(a.Number) })
		e.Field("scheduled_date", func(e *jx.Encoder) { e.Str(a.ScheduledDate.Format(time.DateOnly)) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(a.Status)) })
		optStr(e, "failure_reason", a.FailureReason)
		optStr(e, "notes", a.Notes)
		optTime(e, "attempted_at", a.AttemptedAt)
	})
}

func encodeTransaction(e *jx.Encoder, t payment.Transaction) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("txn_id", func(e *jx.Encoder) { e.Str(t.TxnID) })
		e.Field("amount", func(e *jx.Encoder) { money(e, t.Amount) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(t.Status)) })
		optStr(e, "gateway_message", t.GatewayMessage)
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, t.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { timestamp(e, t.UpdatedAt) })
	})
}

func encodeCart(e *jx.Encoder, lines []checkout.CartLine) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Str(l.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
					})
				}
			})
		})
	})
}

// readBody decodes the request body with fn, limiting its size.
func readBody(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return badRequest("request body too large or unreadable")
	}
	if len(data) == 0 {
		return badRequest("request body required")
	}
	if err := fn(jx.DecodeBytes(data)); err != nil {
		return badRequest("malformed request body: " + err.Error())
	}
	return nil
}

// str reads a string, treating null as empty.
func str(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeCartLines(d *jx.Decoder) ([]checkout.CartLine, error) {
	var lines []checkout.CartLine
	err := d.Arr(func(d *jx.Decoder) error {
		var l checkout.CartLine
		err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "product_id":
				l.ProductID, err = str(d)
			case "quantity":
				l.Quantity, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		})
		lines = append(lines, l)
		return err
	})
	return lines, err
}

func decodeShipping(d *jx.Decoder, s *checkout.Shipping) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var dst *string
		switch string(key) {
		case "name":
			dst = &s.Name
		case "email":
			dst = &s.Email
		case "phone":
			dst = &s.Phone
		case "house":
			dst = &s.House
		case "street":
			dst = &s.Street
		case "landmark":
			dst = &s.Landmark
		case "city":
			dst = &s.City
		case "state":
			dst = &s.State
		case "pincode":
			dst = &s.Pincode
		default:
			return d.Skip()
		}
		v, err := str(d)
		*dst = v
		return err
	})
}

func decodeCheckout(d *jx.Decoder, req *checkout.Request) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "items":
			req.Items, err = decodeCartLines(d)
		case "coupon_code":
			req.CouponCode, err = str(d)
		case "shipping":
			err = decodeShipping(d, &req.Shipping)
		case "payment_method":
			var m string
			m, err = str(d)
			req.PaymentMethod = order.PaymentMethod(m)
		default:
			err = d.Skip()
		}
		return err
	})
}

func decodeCart(d *jx.Decoder) ([]checkout.CartLine, error) {
	var lines []checkout.CartLine
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "items" {
			return d.Skip()
		}
		var err error
		lines, err = decodeCartLines(d)
		return err
	})
	return lines, err
}

// transitionRequest is the operator command body.
type transitionRequest struct {
	Command             string
	Reason              string
	TrackingNumber      string
	TrackingProvider    string
	TrackingUnavailable bool
	PaymentStatus       string
	PaymentMethod       string
	Target              string
}

func (t *transitionRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "command":
			t.Command, err = str(d)
		case "reason":
			t.Reason, err = str(d)
		case "tracking_number":
			t.TrackingNumber, err = str(d)
		case "tracking_provider":
			t.TrackingProvider, err = str(d)
		case "tracking_unavailable":
			t.TrackingUnavailable, err = d.Bool()
		case "payment_status":
			t.PaymentStatus, err = str(d)
		case "payment_method":
			t.PaymentMethod, err = str(d)
		case "target":
			t.Target, err = str(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// Command builds the state machine command named by the request.
func (t *transitionRequest) Command() (order.Command, error) {
	switch t.Command {
	case order.Confirm{}.Name():
		return order.Confirm{}, nil
	case order.StartProcessing{}.Name():
		return order.StartProcessing{}, nil
	case order.MarkShipped{}.Name():
		return order.MarkShipped{
			TrackingNumber:      t.TrackingNumber,
			TrackingProvider:    t.TrackingProvider,
			TrackingUnavailable: t.TrackingUnavailable,
		}, nil
	case order.MarkDelivered{}.Name():
		return order.MarkDelivered{}, nil
	case order.Cancel{}.Name():
		return order.Cancel{Reason: t.Reason}, nil
	case order.UpdatePaymentStatus{}.Name():
		return order.UpdatePaymentStatus{Status: order.PaymentStatus(t.PaymentStatus)}, nil
	case order.SwitchPaymentMethod{}.Name():
		return order.SwitchPaymentMethod{Method: order.PaymentMethod(t.PaymentMethod)}, nil
	case order.MarkReturning{}.Name():
		return order.MarkReturning{Reason: t.Reason}, nil
	case order.Override{}.Name():
		return order.Override{Target: order.Status(t.Target), Reason: t.Reason}, nil
	default:
		return nil, errors.Wrapf(order.ErrInvalidCommand, "unknown command %q", t.Command)
	}
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, badRequest("scheduled_date must be YYYY-MM-DD")
	}
	return t, nil
}

func fieldIndex(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}
