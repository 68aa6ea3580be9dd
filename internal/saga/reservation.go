package saga

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

// CreateReservation turns live leases held by userID into a PENDING
// reservation priced from the catalog.
func (c *Coordinator) CreateReservation(ctx context.Context, userID, concertID string, leases []domain.LeaseRef) (domain.Reservation, error) {
	if userID == "" || concertID == "" || len(leases) == 0 {
		return domain.Reservation{}, errors.Mark(errors.New("user, concert and at least one seat are required"), domain.ErrInvalidInput)
	}

	now := c.clock.Now()
	seen := make(map[string]bool, len(leases))
	lines := make([]domain.ReservationSeat, 0, len(leases))
	for _, lease := range leases {
		if lease.SeatID == "" || seen[lease.SeatID] {
			return domain.Reservation{}, errors.Mark(errors.Newf("invalid or duplicate seat %q", lease.SeatID), domain.ErrInvalidInput)
		}
		seen[lease.SeatID] = true

		lock, err := c.liveLease(ctx, domain.LeaseRef{SeatID: lease.SeatID, UserID: userID, LockID: lease.LockID})
		if err != nil {
			return domain.Reservation{}, err
		}
		info, err := c.catalog.Seat(ctx, lease.SeatID)
		if err != nil {
			return domain.Reservation{}, errors.Wrap(err, "catalog lookup")
		}
		if info == nil {
			return domain.Reservation{}, errors.Wrapf(domain.ErrSeatNotFound, "seat %s", lease.SeatID)
		}
		if info.ConcertID != concertID {
			return domain.Reservation{}, errors.Mark(errors.Newf("seat %s belongs to concert %s", lease.SeatID, info.ConcertID), domain.ErrInvalidInput)
		}
		lines = append(lines, domain.ReservationSeat{SeatID: lease.SeatID, LockID: lock.ID, Price: info.Price})
	}

	r := domain.NewReservation(concertID, userID, lines, now)
	if err := c.repo.CreateReservation(ctx, r); err != nil {
		return domain.Reservation{}, errors.Wrap(err, "save reservation")
	}
	c.logger.WithField("reservation_id", r.ID).WithField("user_id", userID).WithField("seats", len(lines)).Info("reservation created")
	return r, nil
}

// liveLease returns the current lock on ref.SeatID if it belongs to
// ref.UserID, has not expired, and matches ref.LockID when one is given.
func (c *Coordinator) liveLease(ctx context.Context, ref domain.LeaseRef) (*domain.SeatLock, error) {
	lock, err := c.seats.Lock(ctx, ref.SeatID)
	if err != nil {
		return nil, errors.Wrapf(err, "read lock on %s", ref.SeatID)
	}
	if lock == nil || lock.Expired(c.clock.Now()) {
		return nil, errors.Wrapf(domain.ErrLockNotFound, "seat %s", ref.SeatID)
	}
	if lock.UserID != ref.UserID {
		return nil, errors.Wrapf(domain.ErrNotLockOwner, "seat %s", ref.SeatID)
	}
	if ref.LockID != "" && lock.ID != ref.LockID {
		return nil, errors.Wrapf(domain.ErrLockNotFound, "seat %s lease %s", ref.SeatID, ref.LockID)
	}
	return lock, nil
}
