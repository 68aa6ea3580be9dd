package queue_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/memory"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
)

var t0 = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newService(capacity int) (*queue.Service, *clock.Manual) {
	clk := clock.NewManual(t0)
	return queue.NewService(memory.NewQueueStore(), clk, 5*time.Minute, capacity, observability.NewDiscardLogger()), clk
}

func register(t *testing.T, svc *queue.Service, concertID string, users ...string) []domain.QueueEntry {
	t.Helper()
	out := make([]domain.QueueEntry, 0, len(users))
	for _, u := range users {
		e, err := svc.Register(context.Background(), concertID, u)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestRegister_ConcurrentPositionsAreDense(t *testing.T) {
	svc, _ := newService(10)

	const n = 200
	positions := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := svc.Register(context.Background(), "C1", fmt.Sprintf("user-%d", i))
			if assert.NoError(t, err) {
				positions[i] = e.Position
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for i, p := range positions {
		assert.Equal(t, int64(i+1), p)
	}
}

func TestRegister_OneLiveEntryPerUser(t *testing.T) {
	svc, _ := newService(10)
	ctx := context.Background()

	e := register(t, svc, "C1", "U1")[0]
	assert.Equal(t, domain.QueueWaiting, e.Status)
	assert.Equal(t, "C1:1:1", e.ID)
	assert.Equal(t, t0, e.EnteredAt)

	_, err := svc.Register(ctx, "C1", "U1")
	assertIs(t, err, domain.ErrAlreadyQueued)

	_, err = svc.Register(ctx, "C2", "U1")
	assert.NoError(t, err, "queues are per concert")
}

func TestAdmitBatch_RespectsCapacityAndOrder(t *testing.T) {
	svc, clk := newService(2)
	ctx := context.Background()
	register(t, svc, "C1", "U1", "U2", "U3", "U4", "U5")

	admitted, err := svc.AdmitBatch(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	assert.Equal(t, int64(1), admitted[0].Position)
	assert.Equal(t, int64(2), admitted[1].Position)
	for _, e := range admitted {
		assert.Equal(t, domain.QueueProcessing, e.Status)
		require.NotNil(t, e.AdmittedAt)
		assert.Equal(t, t0, *e.AdmittedAt)
	}

	again, err := svc.AdmitBatch(ctx, "C1", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "no free slots")

	clk.Advance(5*time.Minute + time.Second)
	expired, err := svc.ExpireStale(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	next, err := svc.AdmitBatch(ctx, "C1", 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, int64(3), next[0].Position)

	size, err := svc.NextBatchSize(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestAdmitBatch_ConcurrentNeverExceedsCapacity(t *testing.T) {
	svc, _ := newService(7)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		register(t, svc, "C1", fmt.Sprintf("user-%d", i))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := svc.AdmitBatch(ctx, "C1", 3)
			if assert.NoError(t, err) {
				mu.Lock()
				total += len(admitted)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, total)
}

func TestAdmitBatch_NonPositiveBatch(t *testing.T) {
	svc, _ := newService(5)
	register(t, svc, "C1", "U1")

	admitted, err := svc.AdmitBatch(context.Background(), "C1", 0)
	require.NoError(t, err)
	assert.Empty(t, admitted)
}

func TestEnter(t *testing.T) {
	svc, clk := newService(5)
	ctx := context.Background()
	entries := register(t, svc, "C1", "U1", "U2")

	_, err := svc.Enter(ctx, entries[0].ID)
	assertIs(t, err, domain.ErrInvalidTransition, "WAITING cannot enter")

	_, err = svc.AdmitBatch(ctx, "C1", 2)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	e, err := svc.Enter(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueEntered, e.Status)
	require.NotNil(t, e.WindowEndsAt)
	assert.Equal(t, t0.Add(6*time.Minute), *e.WindowEndsAt)

	again, err := svc.Enter(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, e, again)

	require.NoError(t, svc.CheckEntered(ctx, "C1", "U1"))
	assertIs(t, svc.CheckEntered(ctx, "C1", "U2"), domain.ErrNotAdmitted)

	clk.Advance(4*time.Minute + time.Second)
	_, err = svc.Enter(ctx, entries[1].ID)
	assertIs(t, err, domain.ErrAdmissionExpired)
	assertIs(t, err, domain.ErrNotFound)

	_, err = svc.Enter(ctx, "C1:1:99")
	assertIs(t, err, domain.ErrEntryNotFound)
	_, err = svc.Enter(ctx, "garbage")
	assertIs(t, err, domain.ErrEntryNotFound)
}

func TestExpireStale_EnteredFreesSlotOnly(t *testing.T) {
	svc, clk := newService(1)
	ctx := context.Background()
	entries := register(t, svc, "C1", "U1", "U2")

	_, err := svc.AdmitBatch(ctx, "C1", 1)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, entries[0].ID)
	require.NoError(t, err)

	clk.Advance(5*time.Minute + time.Millisecond)
	expired, err := svc.ExpireStale(ctx, "C1")
	require.NoError(t, err)
	assert.Zero(t, expired, "ENTERED never becomes EXPIRED")

	assertIs(t, svc.CheckEntered(ctx, "C1", "U1"), domain.ErrNotAdmitted)

	admitted, err := svc.AdmitBatch(ctx, "C1", 5)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, "U2", admitted[0].UserID)

	_, err = svc.Register(ctx, "C1", "U1")
	assert.NoError(t, err, "user whose window closed may queue again")
}

func TestCheckEntered_WindowClosedBeforeSweep(t *testing.T) {
	svc, clk := newService(1)
	ctx := context.Background()
	entries := register(t, svc, "C1", "U1")

	_, err := svc.AdmitBatch(ctx, "C1", 1)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, entries[0].ID)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	assertIs(t, svc.CheckEntered(ctx, "C1", "U1"), domain.ErrAdmissionExpired)
}

func TestReset_StartsNewGeneration(t *testing.T) {
	svc, _ := newService(5)
	ctx := context.Background()
	old := register(t, svc, "C1", "U1", "U2", "U3")

	cleared, err := svc.Reset(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	_, err = svc.Status(ctx, "C1", "U1")
	assertIs(t, err, domain.ErrEntryNotFound)

	e := register(t, svc, "C1", "U2")[0]
	assert.Equal(t, int64(1), e.Position)
	assert.NotEqual(t, old[0].ID, e.ID)

	_, err = svc.AdmitBatch(ctx, "C1", 5)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, old[0].ID)
	assertIs(t, err, domain.ErrEntryNotFound, "ids from an earlier generation never resolve")
}

func TestLeaveAndStatus(t *testing.T) {
	svc, _ := newService(1)
	ctx := context.Background()
	register(t, svc, "C1", "U1", "U2", "U3", "U4")

	st, err := svc.Status(ctx, "C1", "U4")
	require.NoError(t, err)
	assert.Equal(t, 3, st.WaitingAhead)

	left, err := svc.Leave(ctx, "C1", "U2")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCancelled, left.Status)

	st, err = svc.Status(ctx, "C1", "U4")
	require.NoError(t, err)
	assert.Equal(t, 2, st.WaitingAhead)

	_, err = svc.Leave(ctx, "C1", "U2")
	assertIs(t, err, domain.ErrEntryNotFound)

	admitted, err := svc.AdmitBatch(ctx, "C1", 5)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, "U1", admitted[0].UserID)

	_, err = svc.Leave(ctx, "C1", "U1")
	require.NoError(t, err)
	admitted, err = svc.AdmitBatch(ctx, "C1", 5)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, "U3", admitted[0].UserID, "leaving frees the admission slot")
}

func assertIs(t *testing.T, err, target error, msgAndArgs ...interface{}) bool {
	t.Helper()
	if errors.Is(err, target) {
		return true
	}
	return assert.Fail(t, fmt.Sprintf("error chain does not contain %q (got %v)", target, err), msgAndArgs...)
}
