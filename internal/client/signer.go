package client

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

var _ payment.Signer = (*Signer)(nil)

// Signer computes and checks gateway hashes through the signing service,
// which holds the merchant salt.
type Signer struct {
	base
}

// NewSigner creates a Signer.
func NewSigner(cfg Config) *Signer {
	return &Signer{base: newBase(cfg)}
}

// Sign returns the hash of the pipe-joined values.
func (s *Signer) Sign(ctx context.Context, values []string) (string, error) {
	body, err := s.post(ctx, "sign", "/sign", "", func(e *jx.Encoder) {
		writeValues(e, values, "")
	})
	if err != nil {
		return "", err
	}

	var hash string
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "hash" {
			return d.Skip()
		}
		v, err := d.Str()
		hash = v
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "sign: decode response")
	}
	if hash == "" {
		return "", errors.New("sign: empty hash")
	}
	return hash, nil
}

// Verify reports whether hash matches the values.
func (s *Signer) Verify(ctx context.Context, values []string, hash string) (bool, error) {
	body, err := s.post(ctx, "verify", "/verify", "", func(e *jx.Encoder) {
		writeValues(e, values, hash)
	})
	if err != nil {
		return false, err
	}

	var (
		valid bool
		seen  bool
	)
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "valid" {
			return d.Skip()
		}
		v, err := d.Bool()
		valid, seen = v, true
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "verify: decode response")
	}
	if !seen {
		return false, errors.New("verify: missing valid field")
	}
	return valid, nil
}

func writeValues(e *jx.Encoder, values []string, hash string) {
	e.ObjStart()
	e.FieldStart("values")
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
	if hash != "" {
		e.FieldStart("hash")
		e.Str(hash)
	}
	e.ObjEnd()
}
