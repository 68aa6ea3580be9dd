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
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
	"github.com/robertarktes/concert-seat-admission/internal/reaper"
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

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "concert-reaper")
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

	admission := reaper.AdmissionConfig{Interval: cfg.AdmissionInterval}
	if cfg.AdmissionPublish {
		conn, err := rabbit.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		pub, err := rabbit.NewPublisher(conn, logger)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer pub.Close()
		admission.Publisher = pub
	}

	scheduler := reaper.NewScheduler(logger,
		reaper.SeatSweep(seats, cfg.SeatSweepInterval, cfg.SeatSweepBatch),
		reaper.Admission(queueSvc, catalog, admission, logger),
		reaper.Reconcile(coordinator, cfg.ReconcileInterval, cfg.ReconcileBatch),
	)

	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.WithError(err).Error("reaper stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown reaper")
}
