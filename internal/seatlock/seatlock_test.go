package seatlock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/adapters/memory"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/seatlock"
)

var t0 = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newManager(opts ...seatlock.Option) (*seatlock.Manager, *clock.Manual) {
	clk := clock.NewManual(t0)
	return seatlock.NewManager(memory.NewSeatStore(), clk, observability.NewDiscardLogger(), opts...), clk
}

func TestSelect_GrantsLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	lock, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)
	assert.NotEmpty(t, lock.ID)
	assert.Equal(t, "U1", lock.UserID)
	assert.Equal(t, t0, lock.LockedAt)
	assert.Equal(t, t0.Add(10*time.Minute), lock.ExpiresAt)

	seat, err := m.Seat(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatSelected, seat.Status)
}

func TestSelect_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a'+i%26)) + string(rune('0'+i/26))
			_, err := m.Select(ctx, "S1", user)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, user)
				return
			}
			if errors.Is(err, domain.ErrConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)

	lock, err := m.Lock(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, winners[0], lock.UserID)
}

func TestSelect_SelectedSeatConflicts(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	_, err = m.Select(ctx, "S1", "U1")
	assertIs(t, err, domain.ErrSeatUnavailable)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager()

	_, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	_, err = m.Extend(ctx, "S1", "U2")
	assertIs(t, err, domain.ErrForbidden)

	clk.Advance(4 * time.Minute)
	lock, err := m.Extend(ctx, "S1", "U1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(14*time.Minute), lock.ExpiresAt)

	clk.Advance(10*time.Minute + time.Second)
	_, err = m.Extend(ctx, "S1", "U1")
	assertIs(t, err, domain.ErrNotFound)

	_, err = m.Extend(ctx, "S2", "U1")
	assertIs(t, err, domain.ErrNotFound)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	_, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	err = m.Release(ctx, "S1", "U2")
	assertIs(t, err, domain.ErrNotLockOwner)

	require.NoError(t, m.Release(ctx, "S1", "U1"))
	seat, err := m.Seat(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, seat.Status)

	require.NoError(t, m.Release(ctx, "S1", "U1"), "release is idempotent")

	_, err = m.Select(ctx, "S1", "U2")
	assert.NoError(t, err, "released seat can be selected again")
}

func TestReleaseLease_IgnoresReplacedLease(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager()

	old, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	n, err := m.SweepExpired(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	fresh, err := m.Select(ctx, "S1", "U2")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseLease(ctx, domain.LeaseRef{SeatID: "S1", UserID: "U1", LockID: old.ID}))

	lock, err := m.Lock(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, fresh.ID, lock.ID)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	lock, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	err = m.Confirm(ctx, "S1", "U2")
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assertIs(t, err, domain.ErrForbidden)

	ref := domain.LeaseRef{SeatID: "S1", UserID: "U1", LockID: lock.ID}
	require.NoError(t, m.ConfirmLease(ctx, ref))
	require.NoError(t, m.ConfirmLease(ctx, ref), "confirm of the same lease is idempotent")

	seat, err := m.Seat(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatSold, seat.Status)

	lockAfter, err := m.Lock(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, lockAfter)

	_, err = m.Select(ctx, "S1", "U2")
	assertIs(t, err, domain.ErrSeatUnavailable)
}

func TestConfirm_AvailableSeatIsFatal(t *testing.T) {
	m, _ := newManager()

	err := m.Confirm(context.Background(), "S9", "U1")
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestSweepExpired_StrictlyAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager()

	_, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)
	_, err = m.Select(ctx, "S2", "U2")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	n, err := m.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n, "a lock is live until its expiry instant")

	clk.Advance(time.Millisecond)
	n, err = m.SweepExpired(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "sweep drains in batches")

	for _, id := range []string{"S1", "S2"} {
		seat, err := m.Seat(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SeatAvailable, seat.Status)
	}

	_, err = m.Extend(ctx, "S1", "U1")
	assertIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired_ExtendedLockSurvives(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(seatlock.WithLeaseDuration(time.Minute))

	_, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	_, err = m.Extend(ctx, "S1", "U1")
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	n, err := m.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	lock, err := m.Lock(ctx, "S1")
	require.NoError(t, err)
	assert.NotNil(t, lock)
}

func TestHoldLease(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager()

	lock, err := m.Select(ctx, "S1", "U1")
	require.NoError(t, err)
	ref := domain.LeaseRef{SeatID: "S1", UserID: "U1", LockID: lock.ID}

	held, err := m.HoldLease(ctx, ref, t0.Add(35*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(35*time.Minute), held.ExpiresAt)

	// a user extend never shortens a held lease
	clk.Advance(time.Minute)
	extended, err := m.Extend(ctx, "S1", "U1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(35*time.Minute), extended.ExpiresAt)

	clk.Advance(20 * time.Minute)
	n, err := m.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.HoldLease(ctx, domain.LeaseRef{SeatID: "S1", UserID: "U1", LockID: "other"}, t0.Add(time.Hour))
	assertIs(t, err, domain.ErrNotFound)
	_, err = m.HoldLease(ctx, domain.LeaseRef{SeatID: "S1", UserID: "U2", LockID: lock.ID}, t0.Add(time.Hour))
	assertIs(t, err, domain.ErrForbidden)

	clk.Advance(15 * time.Minute)
	_, err = m.HoldLease(ctx, ref, t0.Add(time.Hour))
	assertIs(t, err, domain.ErrNotFound)
}

type admissionFunc func(ctx context.Context, concertID, userID string) error

func (f admissionFunc) CheckEntered(ctx context.Context, concertID, userID string) error {
	return f(ctx, concertID, userID)
}

func TestSelect_CatalogAndAdmissionGate(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	catalog.AddConcert("C1", true, domain.SeatInfo{ID: "S1", Grade: "VIP", Price: decimal.NewFromInt(150000)})

	var checked []string
	gate := admissionFunc(func(_ context.Context, concertID, userID string) error {
		checked = append(checked, concertID+"/"+userID)
		if userID != "U1" {
			return domain.ErrNotAdmitted
		}
		return nil
	})
	m, _ := newManager(seatlock.WithCatalog(catalog), seatlock.WithAdmission(gate))

	_, err := m.Select(ctx, "S404", "U1")
	assertIs(t, err, domain.ErrSeatNotFound)

	_, err = m.Select(ctx, "S1", "U2")
	assertIs(t, err, domain.ErrNotAdmitted)

	_, err = m.Select(ctx, "S1", "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1/U2", "C1/U1"}, checked)
}

func TestSelect_RequiresIDs(t *testing.T) {
	m, _ := newManager()
	_, err := m.Select(context.Background(), "", "U1")
	assertIs(t, err, domain.ErrInvalidInput)
}

func assertIs(t *testing.T, err, target error, msgAndArgs ...interface{}) bool {
	t.Helper()
	if errors.Is(err, target) {
		return true
	}
	return assert.Fail(t, "error chain does not contain target: "+target.Error()+" (got: "+errorString(err)+")", msgAndArgs...)
}

func errorString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
