package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	HTTPAddr     string

	// Seat leases
	LeaseDuration     time.Duration
	SeatSweepInterval time.Duration
	SeatSweepBatch    int

	// Waiting queue
	AdmissionWindow   time.Duration
	AdmissionCapacity int
	AdmissionInterval time.Duration
	AdmissionGate     bool

	// AdmissionPublish makes the reaper emit queue.admit events for the saga
	// worker instead of admitting directly.
	AdmissionPublish bool

	// Payments
	PaymentTimeout    time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int
	Gateway           string
	StripeSecretKey   string
	Currency          string

	// Messaging
	OutboxInterval   time.Duration
	OutboxBatch      int
	ConsumerQueue    string
	ConsumerPrefetch int

	IdempotencyTTL     time.Duration
	RateLimitPerMinute int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "concerts"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),

		LeaseDuration:     getEnvAsDuration("LEASE_DURATION", 10*time.Minute),
		SeatSweepInterval: getEnvAsDuration("SEAT_SWEEP_INTERVAL", 30*time.Second),
		SeatSweepBatch:    getEnvAsInt("SEAT_SWEEP_BATCH", 500),

		AdmissionWindow:   getEnvAsDuration("ADMISSION_WINDOW", 5*time.Minute),
		AdmissionCapacity: getEnvAsInt("ADMISSION_CAPACITY", 100),
		AdmissionInterval: getEnvAsDuration("ADMISSION_INTERVAL", 5*time.Second),
		AdmissionGate:     getEnvAsBool("ADMISSION_GATE", true),
		AdmissionPublish:  getEnvAsBool("ADMISSION_PUBLISH", false),

		PaymentTimeout:    getEnvAsDuration("PAYMENT_TIMEOUT", 15*time.Minute),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileBatch:    getEnvAsInt("RECONCILE_BATCH", 100),
		Gateway:           getEnv("GATEWAY", "mock"),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		Currency:          getEnv("CURRENCY", "krw"),

		OutboxInterval:   getEnvAsDuration("OUTBOX_INTERVAL", time.Second),
		OutboxBatch:      getEnvAsInt("OUTBOX_BATCH", 100),
		ConsumerQueue:    getEnv("CONSUMER_QUEUE", "saga-worker"),
		ConsumerPrefetch: getEnvAsInt("CONSUMER_PREFETCH", 16),

		IdempotencyTTL:     getEnvAsDuration("IDEMPOTENCY_TTL", time.Hour),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
