package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-lifecycle/internal/client"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/repository"
	"github.com/xenking/order-lifecycle/pkg/health"
)

// RunWorker drains the outbox until ctx is cancelled. Probes are served on
// the dispatcher health address.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	outboxRepo := repository.NewOutboxRepository(pool)
	w, err := newWorker(cfg, outboxRepo, m)
	if err != nil {
		return err
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(1000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	server := &http.Server{
		Addr:              cfg.Dispatcher.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	g.Go(func() error {
		return serve(ctx, lg, server, healthSvc, cfg.Graceful)
	})
	return g.Wait()
}

// newWorker routes each topic to its collaborator client.
func newWorker(cfg *Config, outbox notify.Outbox, m *app.Telemetry) (*notify.Worker, error) {
	sink := client.Routes(
		client.NewShipping(cfg.Shipping),
		client.NewNotifier(cfg.Notify),
		client.NewInventory(cfg.Inventory),
	)
	w, err := notify.NewWorker(outbox, sink, cfg.Dispatcher.Worker,
		m.MeterProvider().Meter("github.com/xenking/order-lifecycle/internal/domain/notify"))
	if err != nil {
		return nil, errors.Wrap(err, "create outbox worker")
	}
	return w, nil
}
