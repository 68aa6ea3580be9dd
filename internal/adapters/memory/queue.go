package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

type concertQueue struct {
	gen     int64
	seq     int64
	entries map[int64]*domain.QueueEntry
	users   map[string]int64
	waiting []int64
	active  map[int64]time.Time
}

func newConcertQueue(gen int64) *concertQueue {
	return &concertQueue{
		gen:     gen,
		entries: make(map[int64]*domain.QueueEntry),
		users:   make(map[string]int64),
		active:  make(map[int64]time.Time),
	}
}

// QueueStore keeps one generation of the waiting queue per concert.
type QueueStore struct {
	mu       sync.Mutex
	concerts map[string]*concertQueue
}

func NewQueueStore() *QueueStore {
	return &QueueStore{concerts: make(map[string]*concertQueue)}
}

func (s *QueueStore) queue(concertID string) *concertQueue {
	q, ok := s.concerts[concertID]
	if !ok {
		q = newConcertQueue(1)
		s.concerts[concertID] = q
	}
	return q
}

func (s *QueueStore) Register(_ context.Context, concertID, userID string, now time.Time) (domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	if _, ok := q.users[userID]; ok {
		return domain.QueueEntry{}, domain.ErrAlreadyQueued
	}
	q.seq++
	e := &domain.QueueEntry{
		ID:         domain.QueueEntryID(concertID, q.gen, q.seq),
		ConcertID:  concertID,
		UserID:     userID,
		Generation: q.gen,
		Position:   q.seq,
		Status:     domain.QueueWaiting,
		EnteredAt:  now,
	}
	q.entries[q.seq] = e
	q.users[userID] = q.seq
	q.waiting = append(q.waiting, q.seq)
	return *e, nil
}

func (s *QueueStore) AdmitBatch(_ context.Context, concertID string, batchSize, capacity int, now, windowEnd time.Time) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	n := capacity - len(q.active)
	if batchSize < n {
		n = batchSize
	}
	if n > len(q.waiting) {
		n = len(q.waiting)
	}
	if n <= 0 {
		return nil, nil
	}

	admitted := make([]domain.QueueEntry, 0, n)
	for _, pos := range q.waiting[:n] {
		e := q.entries[pos]
		admittedAt, ends := now, windowEnd
		e.Status = domain.QueueProcessing
		e.AdmittedAt = &admittedAt
		e.WindowEndsAt = &ends
		q.active[pos] = windowEnd
		admitted = append(admitted, *e)
	}
	q.waiting = q.waiting[n:]
	return admitted, nil
}

func (s *QueueStore) Enter(_ context.Context, concertID string, generation, position int64, now, windowEnd time.Time) (domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	if q.gen != generation {
		return domain.QueueEntry{}, domain.ErrEntryNotFound
	}
	e, ok := q.entries[position]
	if !ok {
		return domain.QueueEntry{}, domain.ErrEntryNotFound
	}
	switch e.Status {
	case domain.QueueEntered:
		return *e, nil
	case domain.QueueProcessing:
	default:
		return domain.QueueEntry{}, domain.ErrInvalidTransition
	}
	if !e.WindowOpen(now) {
		return domain.QueueEntry{}, domain.ErrAdmissionExpired
	}
	ends := windowEnd
	e.Status = domain.QueueEntered
	e.WindowEndsAt = &ends
	q.active[position] = windowEnd
	return *e, nil
}

func (s *QueueStore) ExpireStale(_ context.Context, concertID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	expired := 0
	for pos, deadline := range q.active {
		if !deadline.Before(now) {
			continue
		}
		delete(q.active, pos)
		e := q.entries[pos]
		delete(q.users, e.UserID)
		if e.Status == domain.QueueProcessing {
			e.Status = domain.QueueExpired
			expired++
		}
	}
	return expired, nil
}

func (s *QueueStore) Leave(_ context.Context, concertID, userID string) (domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	pos, ok := q.users[userID]
	if !ok {
		return domain.QueueEntry{}, domain.ErrEntryNotFound
	}
	e := q.entries[pos]
	delete(q.users, userID)
	delete(q.active, pos)
	if e.Status == domain.QueueWaiting {
		for i, p := range q.waiting {
			if p == pos {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
	}
	if e.Status.CanTransition(domain.QueueCancelled) {
		e.Status = domain.QueueCancelled
	}
	return *e, nil
}

func (s *QueueStore) Reset(_ context.Context, concertID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	cleared := len(q.entries)
	s.concerts[concertID] = newConcertQueue(q.gen + 1)
	return cleared, nil
}

func (s *QueueStore) Entry(_ context.Context, concertID, userID string) (*domain.QueueEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	pos, ok := q.users[userID]
	if !ok {
		return nil, 0, nil
	}
	e := *q.entries[pos]
	ahead := 0
	if e.Status == domain.QueueWaiting {
		ahead = sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i] >= pos })
	}
	return &e, ahead, nil
}

func (s *QueueStore) Counts(_ context.Context, concertID string) (waiting, active int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(concertID)
	return len(q.waiting), len(q.active), nil
}
