// Package client talks to the external collaborators: the hash signer, the
// shipping label service, the notification service and inventory.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotConfigured is returned when a collaborator has no base URL.
var ErrNotConfigured = errors.New("collaborator url not configured")

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// Config points at one collaborator.
type Config struct {
	URL     string        `usage:"Base URL"`
	Timeout time.Duration `default:"5s" usage:"Per-call timeout"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

type base struct {
	url  string
	http *http.Client
}

func newBase(cfg Config) base {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return base{
		url: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// post sends a JSON body built by write and returns the response body.
// 4xx responses other than 408 and 429 are wrapped with backoff.Permanent
// because repeating the same request cannot succeed.
func (b base) post(ctx context.Context, op, path, idempotencyKey string, write func(e *jx.Encoder)) ([]byte, error) {
	if b.url == "" {
		return nil, backoff.Permanent(errors.Wrap(ErrNotConfigured, op))
	}

	var e jx.Encoder
	write(&e)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+path, bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: read body", op)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	serr := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(serr)
	}
	return nil, serr
}
