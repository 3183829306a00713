package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

// ErrCartsDisabled is returned by Put when no Redis is configured.
var ErrCartsDisabled = errors.New("saved carts are disabled")

var _ payment.CartStore = (*Carts)(nil)

// Carts stores each customer's saved cart under its own key. A Carts with a
// nil client behaves as an always-empty store.
type Carts struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCarts returns a cart store. client may be nil.
func NewCarts(client redis.Cmdable, ttl time.Duration) *Carts {
	return &Carts{client: client, ttl: ttl}
}

func cartKey(customerID string) string {
	return "orders:cart:" + customerID
}

// Get returns the saved cart, empty when none exists.
func (c *Carts) Get(ctx context.Context, customerID string) ([]checkout.CartLine, error) {
	if c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, cartKey(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	lines, err := decodeCart(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	return lines, nil
}

// Put replaces the saved cart. An empty cart deletes the key.
func (c *Carts) Put(ctx context.Context, customerID string, lines []checkout.CartLine) error {
	if c.client == nil {
		return ErrCartsDisabled
	}
	if len(lines) == 0 {
		return c.Clear(ctx, customerID)
	}
	if err := c.client.Set(ctx, cartKey(customerID), encodeCart(lines), c.ttl).Err(); err != nil {
		return errors.Wrap(err, "put cart")
	}
	return nil
}

// Clear removes the saved cart. It runs after a successful payment.
func (c *Carts) Clear(ctx context.Context, customerID string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cartKey(customerID)).Err(); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

func encodeCart(lines []checkout.CartLine) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, l := range lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeCart(raw []byte) ([]checkout.CartLine, error) {
	var lines []checkout.CartLine
	err := jx.DecodeBytes(raw).Arr(func(d *jx.Decoder) error {
		var l checkout.CartLine
		err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "product_id":
				l.ProductID, err = d.Str()
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
