// Package seatlock grants, renews and releases time-bounded exclusive leases
// on seats. All mutual exclusion lives in the Store; the Manager adds clock,
// ownership policy, admission gating and logging on top.
package seatlock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const DefaultLeaseDuration = 10 * time.Minute

// Store must perform every mutation as a single atomic compare-and-swap.
type Store interface {
	// Select moves the seat AVAILABLE -> SELECTED and records the lock.
	Select(ctx context.Context, lock domain.SeatLock) error
	// Extend pushes ExpiresAt of a live lock matching ref out to expiresAt.
	// An empty ref.LockID matches any lock of ref.UserID. A lease is never
	// shortened.
	Extend(ctx context.Context, ref domain.LeaseRef, now, expiresAt time.Time) (domain.SeatLock, error)
	// Release deletes the lock if it matches ref. It reports whether a lock
	// was removed; a missing lock is not an error.
	Release(ctx context.Context, ref domain.LeaseRef) (bool, error)
	// Confirm moves SELECTED -> SOLD for the lease named by ref.
	Confirm(ctx context.Context, ref domain.LeaseRef, now time.Time) error
	Lock(ctx context.Context, seatID string) (*domain.SeatLock, error)
	Seat(ctx context.Context, seatID string) (domain.Seat, error)
	// ExpiredLocks lists seat ids whose lock expired strictly before now.
	ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ExpireLock deletes the lock only if it is still expired at now.
	ExpireLock(ctx context.Context, seatID string, now time.Time) (bool, error)
}

type Catalog interface {
	Seat(ctx context.Context, seatID string) (*domain.SeatInfo, error)
}

// AdmissionChecker reports whether a user may currently compete for seats of
// a concert.
type AdmissionChecker interface {
	CheckEntered(ctx context.Context, concertID, userID string) error
}

type Manager struct {
	store     Store
	catalog   Catalog
	admission AdmissionChecker
	clock     clock.Clock
	lease     time.Duration
	logger    observability.Logger
}

type Option func(*Manager)

// WithLeaseDuration overrides DefaultLeaseDuration.
func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// WithCatalog makes Select reject seats unknown to the catalog.
func WithCatalog(c Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithAdmission gates Select on the waiting queue. Requires WithCatalog to
// resolve the seat's concert.
func WithAdmission(a AdmissionChecker) Option {
	return func(m *Manager) { m.admission = a }
}

func NewManager(store Store, clk clock.Clock, logger observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clk,
		lease:  DefaultLeaseDuration,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

func (m *Manager) Select(ctx context.Context, seatID, userID string) (domain.SeatLock, error) {
	if seatID == "" || userID == "" {
		return domain.SeatLock{}, errors.Mark(errors.New("seat id and user id are required"), domain.ErrInvalidInput)
	}

	if m.catalog != nil {
		info, err := m.catalog.Seat(ctx, seatID)
		if err != nil {
			return domain.SeatLock{}, errors.Wrap(err, "catalog lookup")
		}
		if info == nil {
			return domain.SeatLock{}, domain.ErrSeatNotFound
		}
		if m.admission != nil {
			if err := m.admission.CheckEntered(ctx, info.ConcertID, userID); err != nil {
				m.count("select", "not_admitted")
				return domain.SeatLock{}, err
			}
		}
	}

	now := m.clock.Now().Truncate(time.Millisecond)
	lock := domain.SeatLock{
		ID:        uuid.NewString(),
		SeatID:    seatID,
		UserID:    userID,
		LockedAt:  now,
		ExpiresAt: now.Add(m.lease),
	}
	if err := m.store.Select(ctx, lock); err != nil {
		m.count("select", outcome(err))
		return domain.SeatLock{}, errors.Wrapf(err, "select seat %s", seatID)
	}

	m.count("select", "ok")
	m.logger.WithField("seat_id", seatID).WithField("user_id", userID).WithField("lock_id", lock.ID).Debug("seat selected")
	return lock, nil
}

func (m *Manager) Extend(ctx context.Context, seatID, userID string) (domain.SeatLock, error) {
	now := m.clock.Now().Truncate(time.Millisecond)
	lock, err := m.store.Extend(ctx, domain.LeaseRef{SeatID: seatID, UserID: userID}, now, now.Add(m.lease))
	if err != nil {
		m.count("extend", outcome(err))
		return domain.SeatLock{}, errors.Wrapf(err, "extend seat %s", seatID)
	}
	m.count("extend", "ok")
	return lock, nil
}

// HoldLease keeps the lease named by ref alive until at least until, so a
// payment in flight outlives the normal lease duration.
func (m *Manager) HoldLease(ctx context.Context, ref domain.LeaseRef, until time.Time) (domain.SeatLock, error) {
	now := m.clock.Now().Truncate(time.Millisecond)
	lock, err := m.store.Extend(ctx, ref, now, until.Truncate(time.Millisecond))
	if err != nil {
		m.count("hold", outcome(err))
		return domain.SeatLock{}, errors.Wrapf(err, "hold seat %s", ref.SeatID)
	}
	m.count("hold", "ok")
	m.logger.WithField("seat_id", ref.SeatID).WithField("lock_id", lock.ID).
		WithField("expires_at", lock.ExpiresAt).Debug("seat lease held")
	return lock, nil
}

// Release is owner-only and idempotent.
func (m *Manager) Release(ctx context.Context, seatID, userID string) error {
	return m.ReleaseLease(ctx, domain.LeaseRef{SeatID: seatID, UserID: userID})
}

// ReleaseLease releases one specific lease. A lease that has already been
// replaced by a newer one is left untouched.
func (m *Manager) ReleaseLease(ctx context.Context, ref domain.LeaseRef) error {
	released, err := m.store.Release(ctx, ref)
	if err != nil {
		m.count("release", outcome(err))
		return errors.Wrapf(err, "release seat %s", ref.SeatID)
	}
	if released {
		m.count("release", "ok")
	} else {
		m.count("release", "noop")
	}
	return nil
}

// Confirm turns a lease into a sale. A seat that is not SELECTED by userID
// means a lease was lost upstream; that is reported as a fatal error.
func (m *Manager) Confirm(ctx context.Context, seatID, userID string) error {
	return m.ConfirmLease(ctx, domain.LeaseRef{SeatID: seatID, UserID: userID})
}

func (m *Manager) ConfirmLease(ctx context.Context, ref domain.LeaseRef) error {
	err := m.store.Confirm(ctx, ref, m.clock.Now().Truncate(time.Millisecond))
	if err != nil {
		if domain.IsFatal(err) {
			observability.InvariantViolations.WithLabelValues("confirm").Inc()
			m.logger.WithError(err).
				WithField("seat_id", ref.SeatID).
				WithField("user_id", ref.UserID).
				WithField("lock_id", ref.LockID).
				WithField("invariant_violation", true).
				Error("confirm on a seat not selected by the buyer")
		}
		m.count("confirm", outcome(err))
		return errors.Wrapf(err, "confirm seat %s", ref.SeatID)
	}
	m.count("confirm", "ok")
	return nil
}

func (m *Manager) Lock(ctx context.Context, seatID string) (*domain.SeatLock, error) {
	return m.store.Lock(ctx, seatID)
}

func (m *Manager) Seat(ctx context.Context, seatID string) (domain.Seat, error) {
	return m.store.Seat(ctx, seatID)
}

// SweepExpired releases every lock whose ExpiresAt is before now, regardless
// of owner. Each deletion is conditional, so concurrent sweeps and racing
// extends are safe.
func (m *Manager) SweepExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	now := m.clock.Now()
	released := 0
	for {
		seatIDs, err := m.store.ExpiredLocks(ctx, now, batch)
		if err != nil {
			return released, errors.Wrap(err, "list expired locks")
		}
		round := 0
		for _, seatID := range seatIDs {
			ok, err := m.store.ExpireLock(ctx, seatID, now)
			if err != nil {
				m.logger.WithError(err).WithField("seat_id", seatID).Warn("failed to expire seat lock")
				continue
			}
			if ok {
				round++
			}
		}
		released += round
		// a full batch with no progress would return the same ids again
		if len(seatIDs) < batch || round == 0 || ctx.Err() != nil {
			break
		}
	}
	if released > 0 {
		m.logger.WithField("released", released).Info("expired seat locks released")
	}
	return released, nil
}

func (m *Manager) count(op, outcome string) {
	observability.SeatOperations.WithLabelValues(op, outcome).Inc()
}

func outcome(err error) string {
	switch {
	case domain.IsFatal(err):
		return "fatal"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case domain.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
