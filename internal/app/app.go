// Package app wires the API server and the dispatch worker.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/cache"
	"github.com/xenking/order-lifecycle/internal/client"
	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/checkout"
	"github.com/xenking/order-lifecycle/internal/domain/coupon"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/order"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
	"github.com/xenking/order-lifecycle/internal/handler"
	"github.com/xenking/order-lifecycle/internal/repository"
	"github.com/xenking/order-lifecycle/pkg/health"
	"github.com/xenking/order-lifecycle/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the API.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	if cfg.Auth.TokenSecret == "" {
		return errors.New("token secret is required: set ORDERS_AUTH_TOKENSECRET")
	}
	if !cfg.Gateway.Configured() {
		lg.Warn("Payment gateway not configured, online payments will be refused")
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	rdb, closeRedis, err := openRedis(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "open redis")
	}
	defer closeRedis()

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	var campaigns campaign.Repository = repository.NewCampaignRepository(pool)
	if rdb != nil {
		campaigns = cache.NewCampaigns(campaigns, rdb, cfg.Cache.CampaignTTL)
	} else {
		lg.Info("Redis not configured, campaign cache and saved carts disabled")
	}
	carts := cache.NewCarts(rdb, cfg.Cache.CartTTL)

	// Domain services.
	orderService := order.NewService(orderRepo)
	gateway := payment.NewAdapter(cfg.Gateway, client.NewSigner(cfg.Signer), paymentRepo, orderService, carts)
	orchestrator := checkout.NewOrchestrator(
		productRepo,
		coupon.NewRepoValidator(couponRepo),
		campaigns,
		orderRepo,
		orderService,
		gateway,
		notify.NewEmitter(outboxRepo),
	)
	tracker := delivery.NewTracker(deliveryRepo, orderService, cfg.Delivery.FailureThreshold)

	// HTTP handlers.
	h := handler.New(handler.Deps{
		Checkout:     orchestrator,
		Orders:       orderService,
		Payments:     gateway,
		Transactions: paymentRepo,
		Deliveries:   tracker,
		Carts:        carts,
		Auth:         handler.NewAuthenticator(apikeyRepo, []byte(cfg.Auth.APIKeyPepper), []byte(cfg.Auth.TokenSecret)),
	})

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	if rdb != nil {
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	}
	healthSvc.AddReadinessCheck("outbox", 5*time.Second, health.BacklogCheck(outboxRepo.Backlog, cfg.Dispatcher.MaxBacklog))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// In-process dispatcher for single-binary deployments.
	workerDone := make(chan struct{})
	if cfg.Dispatcher.InProcess {
		w, err := newWorker(cfg, outboxRepo, m)
		if err != nil {
			return err
		}
		go func() {
			defer close(workerDone)
			_ = w.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Router())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("orders-api", m),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.CredentialKey,
			}),
		),
	}

	err = serve(ctx, lg, server, healthSvc, cfg.Graceful)
	<-workerDone
	return err
}

// openRedis returns a nil client and a no-op closer when url is empty.
func openRedis(url string) (redis.Cmdable, func(), error) {
	if url == "" {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse redis url")
	}
	c := redis.NewClient(opts)
	return c, func() { _ = c.Close() }, nil
}

// serve runs server until ctx is done, then drops readiness, waits for load
// balancers to notice and shuts down.
func serve(ctx context.Context, lg *zap.Logger, server *http.Server, healthSvc *health.Health, cfg GracefulConfig) error {
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.ReadinessDelay))
		time.Sleep(cfg.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
