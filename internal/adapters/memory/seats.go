// Package memory holds single-process stores with the same atomicity and
// semantics as the Redis and CockroachDB adapters. A mutex stands in for the
// server-side compare-and-swap.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

type seatState struct {
	status     domain.SeatStatus
	lock       *domain.SeatLock
	soldTo     string
	soldLockID string
	soldAt     time.Time
}

type SeatStore struct {
	mu    sync.Mutex
	seats map[string]*seatState
}

func NewSeatStore() *SeatStore {
	return &SeatStore{seats: make(map[string]*seatState)}
}

func (s *SeatStore) Select(_ context.Context, lock domain.SeatLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.seats[lock.SeatID]; ok && st.status != domain.SeatAvailable {
		return domain.ErrSeatUnavailable
	}
	l := lock
	s.seats[lock.SeatID] = &seatState{status: domain.SeatSelected, lock: &l}
	return nil
}

func (s *SeatStore) Extend(_ context.Context, ref domain.LeaseRef, now, expiresAt time.Time) (domain.SeatLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.seats[ref.SeatID]
	if !ok || st.status != domain.SeatSelected || st.lock == nil {
		return domain.SeatLock{}, domain.ErrLockNotFound
	}
	if st.lock.UserID != ref.UserID {
		return domain.SeatLock{}, domain.ErrNotLockOwner
	}
	if ref.LockID != "" && st.lock.ID != ref.LockID {
		return domain.SeatLock{}, domain.ErrLockNotFound
	}
	if st.lock.Expired(now) {
		return domain.SeatLock{}, domain.ErrLockNotFound
	}
	if expiresAt.After(st.lock.ExpiresAt) {
		st.lock.ExpiresAt = expiresAt
	}
	return *st.lock, nil
}

func (s *SeatStore) Release(_ context.Context, ref domain.LeaseRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.seats[ref.SeatID]
	if !ok || st.status != domain.SeatSelected || st.lock == nil {
		return false, nil
	}
	if st.lock.UserID != ref.UserID {
		if ref.LockID != "" {
			return false, nil
		}
		return false, domain.ErrNotLockOwner
	}
	if ref.LockID != "" && st.lock.ID != ref.LockID {
		return false, nil
	}
	delete(s.seats, ref.SeatID)
	return true, nil
}

func (s *SeatStore) Confirm(_ context.Context, ref domain.LeaseRef, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.seats[ref.SeatID]
	if !ok {
		return domain.Fatalf("seat %s is AVAILABLE, not SELECTED", ref.SeatID)
	}
	if st.status == domain.SeatSold {
		if st.soldTo == ref.UserID && (ref.LockID == "" || st.soldLockID == ref.LockID) {
			return nil
		}
		return domain.Fatalf("seat %s already sold to another lease", ref.SeatID)
	}
	if st.status != domain.SeatSelected || st.lock == nil {
		return domain.Fatalf("seat %s is %s, not SELECTED", ref.SeatID, st.status)
	}
	if st.lock.UserID != ref.UserID {
		return errors.Mark(domain.Fatalf("seat %s is selected by another user", ref.SeatID), domain.ErrForbidden)
	}
	if ref.LockID != "" && st.lock.ID != ref.LockID {
		return domain.Fatalf("seat %s lease %s was replaced", ref.SeatID, ref.LockID)
	}
	s.seats[ref.SeatID] = &seatState{
		status:     domain.SeatSold,
		soldTo:     ref.UserID,
		soldLockID: st.lock.ID,
		soldAt:     now,
	}
	return nil
}

func (s *SeatStore) Lock(_ context.Context, seatID string) (*domain.SeatLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.seats[seatID]
	if !ok || st.status != domain.SeatSelected || st.lock == nil {
		return nil, nil
	}
	l := *st.lock
	return &l, nil
}

func (s *SeatStore) Seat(_ context.Context, seatID string) (domain.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.seats[seatID]; ok {
		return domain.Seat{ID: seatID, Status: st.status}, nil
	}
	return domain.Seat{ID: seatID, Status: domain.SeatAvailable}, nil
}

func (s *SeatStore) ExpiredLocks(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.SeatLock
	for _, st := range s.seats {
		if st.status == domain.SeatSelected && st.lock != nil && st.lock.Expired(now) {
			expired = append(expired, *st.lock)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, l := range expired {
		ids[i] = l.SeatID
	}
	return ids, nil
}

func (s *SeatStore) ExpireLock(_ context.Context, seatID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.seats[seatID]
	if !ok || st.status != domain.SeatSelected || st.lock == nil || !st.lock.Expired(now) {
		return false, nil
	}
	delete(s.seats, seatID)
	return true, nil
}
