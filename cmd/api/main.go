package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/concert-seat-admission/internal/adapters/mongo"
	"github.com/robertarktes/concert-seat-admission/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/concert-seat-admission/internal/adapters/redis"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/config"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	httphandler "github.com/robertarktes/concert-seat-admission/internal/http"
	"github.com/robertarktes/concert-seat-admission/internal/idempotency"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
	"github.com/robertarktes/concert-seat-admission/internal/rateLimit"
	"github.com/robertarktes/concert-seat-admission/internal/saga"
	"github.com/robertarktes/concert-seat-admission/internal/seatlock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "concert-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	clk := clock.System()

	pool, err := crdb.Connect(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}

	mongoDB, err := mongoadapter.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoDB.Client().Disconnect(context.Background())
	catalog := mongoadapter.NewCatalogRepository(mongoDB, clk, logger)
	if err := catalog.EnsureIndexes(ctx); err != nil {
		log.Fatalf("failed to create catalog indexes: %v", err)
	}
	audit := mongoadapter.NewAuditLogger(mongoDB, clk, logger)

	redisClient, err := redisadapter.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	seatStore := redisadapter.NewSeatLocks(redisClient)
	if err := seatStore.LoadScripts(ctx); err != nil {
		log.Fatalf("failed to load seat scripts: %v", err)
	}
	queueStore := redisadapter.NewQueue(redisClient)
	if err := queueStore.LoadScripts(ctx); err != nil {
		log.Fatalf("failed to load queue scripts: %v", err)
	}

	gw, err := gateway.New(cfg.Gateway, gateway.StripeConfig{SecretKey: cfg.StripeSecretKey, Currency: cfg.Currency})
	if err != nil {
		log.Fatalf("failed to create payment gateway: %v", err)
	}

	rabbitConn, err := rabbit.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn, logger)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	queueSvc := queue.NewService(queueStore, clk, cfg.AdmissionWindow, cfg.AdmissionCapacity, logger)

	seatOpts := []seatlock.Option{seatlock.WithLeaseDuration(cfg.LeaseDuration), seatlock.WithCatalog(catalog)}
	if cfg.AdmissionGate {
		seatOpts = append(seatOpts, seatlock.WithAdmission(queueSvc))
	}
	seats := seatlock.NewManager(seatStore, clk, logger, seatOpts...)

	coordinator := saga.NewCoordinator(repo, seats, catalog, gw, clk, logger,
		saga.WithPaymentTimeout(cfg.PaymentTimeout),
		saga.WithHoldGrace(2*cfg.ReconcileInterval),
		saga.WithAuditor(audit),
	)

	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, logger)
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(redisClient), logger)

	handlers := httphandler.NewHandlers(seats, queueSvc, coordinator, catalog, rabbitPub, logger,
		repo.Ping,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		func(ctx context.Context) error { return mongoDB.Client().Ping(ctx, nil) },
	)

	r := httphandler.SetupRouter(handlers, logger, httphandler.RouterConfig{
		RateLimiter:       rl,
		RegisterPerMinute: cfg.RateLimitPerMinute,
		Idempotency:       idemp,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
