package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/eventpay/internal/backoff"
	"github.com/josh-kwaku/eventpay/internal/config"
	"github.com/josh-kwaku/eventpay/internal/handler"
	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/observability"
	"github.com/josh-kwaku/eventpay/internal/repository"
	"github.com/josh-kwaku/eventpay/internal/service/eventqueue"
	"github.com/josh-kwaku/eventpay/internal/service/payment"
	"github.com/josh-kwaku/eventpay/internal/service/refund"
	"github.com/josh-kwaku/eventpay/internal/service/statuslog"
	"github.com/josh-kwaku/eventpay/internal/service/webhook"
	"github.com/josh-kwaku/eventpay/internal/subscription"
	"github.com/josh-kwaku/eventpay/internal/sweeper"
	"github.com/josh-kwaku/eventpay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("eventpay-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownOTel, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "eventpay-api",
		ServiceVersion: cfg.Version,
		Environment:    cfg.AppEnv,
		OTLPEndpoint:   cfg.OTelEndpoint,
		EnableTracing:  cfg.OTelEnabled,
		EnableMetrics:  cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
		MetricInterval: cfg.OTelMetricInterval,
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Error("failed to flush telemetry", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics(observability.Meter())
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	db, err := repository.ConnectWithRetry(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}, cfg.DBConnectAttempts)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer db.Close()

	app, err := wire(cfg, db, metrics)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", "addr", srv.Addr, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

type application struct {
	router     http.Handler
	dispatcher *worker.Dispatcher
}

func wire(cfg *config.Config, db *sql.DB, metrics *observability.Metrics) (*application, error) {
	clock := clockwork.NewRealClock()
	tx := repository.NewTxManager(db)

	eventRepo := repository.NewEventRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	seed := cfg.JitterSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	calc := backoff.NewSeeded(seed)

	ledger := statuslog.NewLedger(repository.NewStatusLogRepository(db), clock)
	queue := eventqueue.NewQueue(eventRepo, clock, eventqueue.Options{
		LeaseTimeout:       cfg.EventLeaseTimeout,
		DefaultMaxAttempts: cfg.EventMaxAttempts,
	}, metrics, logging.Component("eventqueue"))

	engine := webhook.NewEngine(
		webhookRepo, deliveryRepo, ledger, tx,
		webhook.NewHTTPSender(clock), calc, clock,
		webhook.Options{
			HTTPTimeout:  cfg.WebhookHTTPTimeout,
			StuckTimeout: cfg.DeliveryStuckTimeout,
			BatchSize:    cfg.DeliveryBatchSize,
		},
		metrics, logging.Component("webhooks"),
	)

	payments := payment.NewService(paymentRepo, refundRepo, ledger, queue, tx, clock, metrics, logging.Component("payments"))
	refunds := refund.NewProcessor(paymentRepo, refundRepo, payments, ledger, queue, tx, clock, metrics, logging.Component("refunds"))

	router := eventqueue.NewRouter()
	if err := router.Register(subscription.Wildcard, eventqueue.NewFanout(webhookRepo, engine, 0, logging.Component("fanout"))); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}

	workers := make([]worker.Worker, 0, cfg.EventWorkers+cfg.DeliveryWorkers+1)
	host, _ := os.Hostname()
	for i := range cfg.EventWorkers {
		id := fmt.Sprintf("%s-events-%d", host, i)
		p := eventqueue.NewProcessor(queue, router, calc, eventqueue.ProcessorConfig{
			WorkerID:   id,
			BatchSize:  cfg.EventBatchSize,
			RetryDelay: cfg.EventRetryDelay,
		}, logging.Component("events"))
		workers = append(workers, worker.NewBaseWorker(id, cfg.EventPollInterval, cfg.EventBatchSize, clock, logging.Component("worker"), p.ProcessBatch))
	}
	for i := range cfg.DeliveryWorkers {
		id := fmt.Sprintf("%s-deliveries-%d", host, i)
		workers = append(workers, worker.NewBaseWorker(id, cfg.DeliveryPollInterval, cfg.DeliveryBatchSize, clock, logging.Component("worker"), engine.ProcessDue))
	}
	sw := sweeper.New(eventRepo, idempotencyRepo, engine, clock, cfg.EventRetention, metrics, logging.Component("sweeper"))
	workers = append(workers, worker.NewBaseWorker("sweeper", cfg.SweepInterval, 0, clock, logging.Component("worker"), sw.Sweep))

	h := handlers{
		health:   handler.NewHealthHandler(db, cfg.Version),
		webhooks: handler.NewWebhookHandler(engine),
		events:   handler.NewEventHandler(queue),
		payments: handler.NewPaymentHandler(payments),
		refunds:  handler.NewRefundHandler(refunds),
		stats:    handler.NewStatsHandler(ledger, clock),
	}

	return &application{
		router:     newRouter(h, cfg.JWTSecret, idempotencyRepo, clock, cfg.IdempotencyTTL),
		dispatcher: worker.NewDispatcher(logging.Component("dispatcher"), workers...),
	}, nil
}
