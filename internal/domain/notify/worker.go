package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoRoute is returned by Router for topics without a sink.
var ErrNoRoute = errors.New("no sink for topic")

// Sink delivers one message to a collaborator. Wrap an error with
// backoff.Permanent to stop retrying it.
type Sink interface {
	Deliver(ctx context.Context, m Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, m Message) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, m Message) error { return f(ctx, m) }

// Router dispatches by topic.
type Router map[Topic]Sink

// Deliver routes m to its sink.
func (r Router) Deliver(ctx context.Context, m Message) error {
	s, ok := r[m.Topic]
	if !ok {
		return backoff.Permanent(errors.Wrapf(ErrNoRoute, "%s", m.Topic))
	}
	return s.Deliver(ctx, m)
}

// WorkerConfig tunes the outbox drain loop.
type WorkerConfig struct {
	PollInterval time.Duration `default:"1s" usage:"Outbox poll interval"`
	Lease        time.Duration `default:"30s" usage:"How long a claimed message stays invisible to other workers"`
	Batch        int           `default:"50" usage:"Messages claimed per poll"`
	Concurrency  int           `default:"8" usage:"Parallel deliveries per batch"`
	MaxAttempts  int           `default:"10" usage:"Attempts before a message is marked dead"`
	Backoff      BackoffConfig
}

// BackoffConfig shapes the retry schedule.
type BackoffConfig struct {
	Initial       time.Duration `default:"2s"`
	Max           time.Duration `default:"10m"`
	Multiplier    float64       `default:"2"`
	Randomization float64       `default:"0.2"`
}

// Worker drains the outbox.
type Worker struct {
	outbox Outbox
	sink   Sink
	cfg    WorkerConfig
	now    func() time.Time

	delivered metric.Int64Counter
	retried   metric.Int64Counter
	dead      metric.Int64Counter
}

// NewWorker creates a Worker. Zero config fields fall back to defaults.
func NewWorker(outbox Outbox, sink Sink, cfg WorkerConfig, meter metric.Meter) (*Worker, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 2 * time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 10 * time.Minute
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}

	w := &Worker{outbox: outbox, sink: sink, cfg: cfg, now: time.Now}

	var err error
	if w.delivered, err = meter.Int64Counter("outbox.delivered",
		metric.WithDescription("Outbox messages delivered")); err != nil {
		return nil, errors.Wrap(err, "delivered counter")
	}
	if w.retried, err = meter.Int64Counter("outbox.retried",
		metric.WithDescription("Outbox deliveries scheduled for retry")); err != nil {
		return nil, errors.Wrap(err, "retried counter")
	}
	if w.dead, err = meter.Int64Counter("outbox.dead",
		metric.WithDescription("Outbox messages given up on")); err != nil {
		return nil, errors.Wrap(err, "dead counter")
	}
	return w, nil
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Outbox worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch", w.cfg.Batch),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Error("Outbox poll failed", zap.Error(err))
		}
		// A full batch means more is probably due; poll again right away.
		if n == w.cfg.Batch && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			lg.Info("Outbox worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and delivers it. It returns the number of
// messages claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	msgs, err := w.outbox.Claim(ctx, w.cfg.Batch, w.now(), w.cfg.Lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, m := range msgs {
		g.Go(func() error {
			return w.handle(ctx, m)
		})
	}
	return len(msgs), g.Wait()
}

func (w *Worker) handle(ctx context.Context, m Message) error {
	lg := zctx.From(ctx).With(
		zap.String("message_id", m.ID),
		zap.String("topic", string(m.Topic)),
		zap.String("order_id", m.Payload.OrderID),
	)
	topic := metric.WithAttributes(attribute.String("topic", string(m.Topic)))

	deliverErr := w.sink.Deliver(ctx, m)
	now := w.now()
	if deliverErr == nil {
		w.delivered.Add(ctx, 1, topic)
		return errors.Wrap(w.outbox.MarkDelivered(ctx, m.ID, now), "mark delivered")
	}

	attempts := m.Attempts + 1
	var permanent *backoff.PermanentError
	if errors.As(deliverErr, &permanent) || attempts >= w.cfg.MaxAttempts {
		w.dead.Add(ctx, 1, topic)
		lg.Error("Giving up on outbox message", zap.Int("attempts", attempts), zap.Error(deliverErr))
		return errors.Wrap(w.outbox.MarkDead(ctx, m.ID, attempts, now, deliverErr.Error()), "mark dead")
	}

	next := now.Add(w.Delay(attempts))
	w.retried.Add(ctx, 1, topic)
	lg.Warn("Outbox delivery failed, will retry",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(deliverErr),
	)
	return errors.Wrap(w.outbox.MarkRetry(ctx, m.ID, attempts, next, deliverErr.Error()), "mark retry")
}

// Delay returns the wait before the given attempt number is retried.
func (w *Worker) Delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.Backoff.Initial,
		RandomizationFactor: w.cfg.Backoff.Randomization,
		Multiplier:          w.cfg.Backoff.Multiplier,
		MaxInterval:         w.cfg.Backoff.Max,
	}
	b.Reset()
	d := b.InitialInterval
	for range attempts {
		d = b.NextBackOff()
	}
	return d
}
