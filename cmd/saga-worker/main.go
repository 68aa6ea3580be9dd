package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/concert-seat-admission/internal/adapters/mongo"
	"github.com/robertarktes/concert-seat-admission/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/concert-seat-admission/internal/adapters/redis"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/config"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
	"github.com/robertarktes/concert-seat-admission/internal/saga"
	"github.com/robertarktes/concert-seat-admission/internal/seatlock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "concert-saga-worker")
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

	mongoDB, err := mongoadapter.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoDB.Client().Disconnect(context.Background())
	catalog := mongoadapter.NewCatalogRepository(mongoDB, clk, logger)

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

	seats := seatlock.NewManager(seatStore, clk, logger, seatlock.WithLeaseDuration(cfg.LeaseDuration))
	queueSvc := queue.NewService(queueStore, clk, cfg.AdmissionWindow, cfg.AdmissionCapacity, logger)
	coordinator := saga.NewCoordinator(repo, seats, catalog, gw, clk, logger,
		saga.WithPaymentTimeout(cfg.PaymentTimeout),
		saga.WithHoldGrace(2*cfg.ReconcileInterval),
		saga.WithAuditor(mongoadapter.NewAuditLogger(mongoDB, clk, logger)),
	)

	conn, err := rabbit.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	dispatcher := events.NewSagaDispatcher(coordinator, queueSvc, logger)
	consumer, err := rabbit.NewConsumer(conn, cfg.ConsumerQueue, cfg.ConsumerPrefetch, dispatcher, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.WithError(err).Error("consumer stopped")
			cancel()
		}
	}()
	logger.WithField("queue", cfg.ConsumerQueue).Info("saga worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown saga worker")
}
