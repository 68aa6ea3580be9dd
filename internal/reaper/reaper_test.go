package reaper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/memory"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
	"github.com/robertarktes/concert-seat-admission/internal/reaper"
	"github.com/robertarktes/concert-seat-admission/internal/saga"
	"github.com/robertarktes/concert-seat-admission/internal/seatlock"
)

var t0 = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func TestSeatSweep_UnpaidLeaseReturnsSeat(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	logger := observability.NewDiscardLogger()
	seats := seatlock.NewManager(memory.NewSeatStore(), clk, logger)
	s := reaper.NewScheduler(logger)
	job := reaper.SeatSweep(seats, time.Second, 100)

	_, err := seats.Select(ctx, "S2", "U1")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	assert.Zero(t, s.RunOnce(ctx, job), "a lease is live up to and including its expiry")

	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, s.RunOnce(ctx, job))

	seat, err := seats.Seat(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, seat.Status)
	lock, err := seats.Lock(ctx, "S2")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestReconcile_StuckPaymentFailsOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	logger := observability.NewDiscardLogger()

	catalog := memory.NewCatalog()
	catalog.AddConcert("C1", true, domain.SeatInfo{ID: "S3", Grade: "R", Price: decimal.NewFromInt(120000)})
	seats := seatlock.NewManager(memory.NewSeatStore(), clk, logger)
	repo := memory.NewRepository()
	coordinator := saga.NewCoordinator(repo, seats, catalog, gateway.NewMock(), clk, logger,
		saga.WithRetryPolicy(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1) }),
	)

	lock, err := seats.Select(ctx, "S3", "U1")
	require.NoError(t, err)
	r, err := coordinator.CreateReservation(ctx, "U1", "C1", []domain.LeaseRef{{SeatID: "S3", UserID: "U1", LockID: lock.ID}})
	require.NoError(t, err)
	p, err := coordinator.RequestPayment(ctx, saga.PaymentRequest{
		ReservationID: r.ID, SeatID: "S3", LockID: lock.ID, UserID: "U1", Amount: r.TotalAmount, Method: domain.MethodCard,
	})
	require.NoError(t, err)

	s := reaper.NewScheduler(logger)
	job := reaper.Reconcile(coordinator, time.Second, 10)

	clk.Advance(5 * time.Minute)
	assert.Zero(t, s.RunOnce(ctx, job))

	clk.Advance(11 * time.Minute)
	assert.Equal(t, 1, s.RunOnce(ctx, job))
	assert.Zero(t, s.RunOnce(ctx, job))

	got, err := coordinator.Payment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	seat, err := seats.Seat(ctx, "S3")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, seat.Status)
	recs, err := repo.CancellationRecords(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.QueueAdmit
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == events.TopicQueueAdmit {
		p.events = append(p.events, v.(events.QueueAdmit))
	}
	return nil
}

func newQueue(t *testing.T, clk clock.Clock, capacity int, users map[string]int) *queue.Service {
	t.Helper()
	q := queue.NewService(memory.NewQueueStore(), clk, 5*time.Minute, capacity, observability.NewDiscardLogger())
	for concertID, n := range users {
		for i := 0; i < n; i++ {
			_, err := q.Register(context.Background(), concertID, concertID+"-U"+string(rune('a'+i)))
			require.NoError(t, err)
		}
	}
	return q
}

func TestAdmission_FillsFreeSlotsOfOpenConcerts(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	logger := observability.NewDiscardLogger()

	catalog := memory.NewCatalog()
	catalog.AddConcert("C1", true)
	catalog.AddConcert("C2", true)
	catalog.AddConcert("C3", false)
	q := newQueue(t, clk, 2, map[string]int{"C1": 3, "C2": 1, "C3": 2})

	s := reaper.NewScheduler(logger)
	job := reaper.Admission(q, catalog, reaper.AdmissionConfig{Interval: time.Second, Parallelism: 2}, logger)

	assert.Equal(t, 3, s.RunOnce(ctx, job))

	size, err := q.NextBatchSize(ctx, "C1")
	require.NoError(t, err)
	assert.Zero(t, size)
	size, err = q.NextBatchSize(ctx, "C3")
	require.NoError(t, err)
	assert.Equal(t, 2, size, "concerts not on sale are left alone")

	// windows close, slots are freed and refilled with the next in line
	clk.Advance(5*time.Minute + time.Millisecond)
	assert.Equal(t, 2+1+1, s.RunOnce(ctx, job))

	st, err := q.Status(ctx, "C1", "C1-Uc")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, st.Entry.Status)
}

func TestAdmission_PublishesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	logger := observability.NewDiscardLogger()

	catalog := memory.NewCatalog()
	catalog.AddConcert("C1", true)
	q := newQueue(t, clk, 10, map[string]int{"C1": 4})
	pub := &recordingPublisher{}

	s := reaper.NewScheduler(logger)
	s.RunOnce(ctx, reaper.Admission(q, catalog, reaper.AdmissionConfig{Interval: time.Second, Publisher: pub}, logger))

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.QueueAdmit{ConcertID: "C1", BatchSize: 4}, pub.events[0])

	// nothing was admitted directly
	size, err := q.NextBatchSize(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 4, size)
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	logger := observability.NewDiscardLogger()
	var (
		mu   sync.Mutex
		runs int
	)
	job := reaper.Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return 0, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, reaper.NewScheduler(logger, job).Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, runs, 0)
}
