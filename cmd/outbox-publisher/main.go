package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/crdb"
	"github.com/robertarktes/concert-seat-admission/internal/adapters/rabbit"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/config"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "concert-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := crdb.Connect(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := rabbit.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn, logger)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(repo, rabbitPub, clock.System(), logger, cfg.OutboxInterval, cfg.OutboxBatch)

	go publisher.Run(ctx)
	logger.Info("Outbox publisher started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown outbox publisher")
}
