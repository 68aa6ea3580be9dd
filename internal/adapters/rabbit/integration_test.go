package rabbit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/rabbit"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

func startRabbit(t *testing.T) *amqp.Connection {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5672/tcp")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := rabbit.Dial(fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPublishConsume_RedeliversTransientFailures(t *testing.T) {
	conn := startRabbit(t)
	logger := observability.NewDiscardLogger()

	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan events.PaymentOutcome, 1)
	d := events.NewDispatcher(logger)
	d.Handle(events.TopicPaymentSuccess, func(_ context.Context, body []byte) error {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			return domain.Transient(errors.New("store unavailable"))
		}
		var ev events.PaymentOutcome
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		done <- ev
		return nil
	})

	consumer, err := rabbit.NewConsumer(conn, "saga-worker-test", 4, d, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	pub, err := rabbit.NewPublisher(conn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	sent := events.PaymentOutcome{PaymentID: "p-1", ConcertID: "C1", SeatID: "S1", LockID: "L1"}
	require.NoError(t, pub.PublishJSON(ctx, events.TopicPaymentSuccess, sent))

	select {
	case got := <-done:
		assert.Equal(t, sent, got)
	case <-time.After(30 * time.Second):
		t.Fatal("event was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}
