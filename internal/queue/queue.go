// Package queue controls admission of users from a per-concert FIFO waiting
// queue into seat selection, bounded by a concurrency capacity.
package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const (
	DefaultAdmissionWindow = 5 * time.Minute
	DefaultCapacity        = 100
)

// Store keeps the queue of each concert. Every method must be atomic with
// respect to the others for the same concert.
type Store interface {
	Register(ctx context.Context, concertID, userID string, now time.Time) (domain.QueueEntry, error)
	// AdmitBatch moves up to min(batchSize, capacity-active) WAITING entries,
	// lowest position first, to PROCESSING with a window ending at windowEnd.
	AdmitBatch(ctx context.Context, concertID string, batchSize, capacity int, now, windowEnd time.Time) ([]domain.QueueEntry, error)
	Enter(ctx context.Context, concertID string, generation, position int64, now, windowEnd time.Time) (domain.QueueEntry, error)
	// ExpireStale frees every admission slot whose window closed before now
	// and returns how many PROCESSING entries became EXPIRED.
	ExpireStale(ctx context.Context, concertID string, now time.Time) (int, error)
	Leave(ctx context.Context, concertID, userID string) (domain.QueueEntry, error)
	Reset(ctx context.Context, concertID string) (int, error)
	// Entry returns the user's live entry, or nil, and how many WAITING
	// entries are ahead of it.
	Entry(ctx context.Context, concertID, userID string) (*domain.QueueEntry, int, error)
	Counts(ctx context.Context, concertID string) (waiting, active int, err error)
}

type Service struct {
	store    Store
	clock    clock.Clock
	window   time.Duration
	capacity int
	logger   observability.Logger
}

func NewService(store Store, clk clock.Clock, window time.Duration, capacity int, logger observability.Logger) *Service {
	if window <= 0 {
		window = DefaultAdmissionWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Service{store: store, clock: clk, window: window, capacity: capacity, logger: logger}
}

func (s *Service) Capacity() int { return s.capacity }

func (s *Service) Register(ctx context.Context, concertID, userID string) (domain.QueueEntry, error) {
	if concertID == "" || userID == "" {
		return domain.QueueEntry{}, errors.Mark(errors.New("concert id and user id are required"), domain.ErrInvalidInput)
	}
	e, err := s.store.Register(ctx, concertID, userID, s.clock.Now())
	if err != nil {
		return domain.QueueEntry{}, errors.Wrapf(err, "register %s in %s", userID, concertID)
	}
	s.logger.WithField("concert_id", concertID).WithField("user_id", userID).WithField("position", e.Position).Debug("queue entry registered")
	return e, nil
}

// AdmitBatch admits at most batchSize waiting users without ever exceeding
// the configured capacity of open admission slots.
func (s *Service) AdmitBatch(ctx context.Context, concertID string, batchSize int) ([]domain.QueueEntry, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	admitted, err := s.store.AdmitBatch(ctx, concertID, batchSize, s.capacity, now, now.Add(s.window))
	if err != nil {
		return nil, errors.Wrapf(err, "admit batch for %s", concertID)
	}
	if len(admitted) > 0 {
		observability.QueueAdmissions.Add(float64(len(admitted)))
		s.logger.WithField("concert_id", concertID).WithField("admitted", len(admitted)).Info("queue batch admitted")
	}
	return admitted, nil
}

// Enter starts seat selection for an admitted entry. Entering twice returns
// the entered entry unchanged.
func (s *Service) Enter(ctx context.Context, entryID string) (domain.QueueEntry, error) {
	concertID, gen, pos, err := domain.ParseQueueEntryID(entryID)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	now := s.clock.Now()
	e, err := s.store.Enter(ctx, concertID, gen, pos, now, now.Add(s.window))
	if err != nil {
		return domain.QueueEntry{}, errors.Wrapf(err, "enter %s", entryID)
	}
	return e, nil
}

func (s *Service) ExpireStale(ctx context.Context, concertID string) (int, error) {
	n, err := s.store.ExpireStale(ctx, concertID, s.clock.Now())
	if err != nil {
		return 0, errors.Wrapf(err, "expire stale admissions for %s", concertID)
	}
	if n > 0 {
		s.logger.WithField("concert_id", concertID).WithField("expired", n).Info("stale admissions expired")
	}
	return n, nil
}

// Reset clears the concert's queue. Positions restart at 1 in a new
// generation, so ids issued before the reset never resolve again.
func (s *Service) Reset(ctx context.Context, concertID string) (int, error) {
	n, err := s.store.Reset(ctx, concertID)
	if err != nil {
		return 0, errors.Wrapf(err, "reset queue %s", concertID)
	}
	s.logger.WithField("concert_id", concertID).WithField("cleared", n).Warn("queue reset")
	return n, nil
}

// Leave withdraws the user's live entry. An ENTERED entry keeps its status
// but gives its admission slot back.
func (s *Service) Leave(ctx context.Context, concertID, userID string) (domain.QueueEntry, error) {
	e, err := s.store.Leave(ctx, concertID, userID)
	if err != nil {
		return domain.QueueEntry{}, errors.Wrapf(err, "leave %s", concertID)
	}
	return e, nil
}

type Status struct {
	Entry        domain.QueueEntry
	WaitingAhead int
}

func (s *Service) Status(ctx context.Context, concertID, userID string) (Status, error) {
	e, ahead, err := s.store.Entry(ctx, concertID, userID)
	if err != nil {
		return Status{}, errors.Wrapf(err, "queue status %s", concertID)
	}
	if e == nil {
		return Status{}, domain.ErrEntryNotFound
	}
	return Status{Entry: *e, WaitingAhead: ahead}, nil
}

// NextBatchSize is the number of slots currently free, never negative.
func (s *Service) NextBatchSize(ctx context.Context, concertID string) (int, error) {
	waiting, active, err := s.store.Counts(ctx, concertID)
	if err != nil {
		return 0, errors.Wrapf(err, "queue counts %s", concertID)
	}
	free := s.capacity - active
	if free > waiting {
		free = waiting
	}
	if free < 0 {
		free = 0
	}
	return free, nil
}

// CheckEntered fails unless the user has entered seat selection for the
// concert and the admission window is still open.
func (s *Service) CheckEntered(ctx context.Context, concertID, userID string) error {
	e, _, err := s.store.Entry(ctx, concertID, userID)
	if err != nil {
		return errors.Wrap(err, "admission check")
	}
	if e == nil || e.Status != domain.QueueEntered {
		return domain.ErrNotAdmitted
	}
	if !e.WindowOpen(s.clock.Now()) {
		return domain.ErrAdmissionExpired
	}
	return nil
}
