package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

// Repository is the in-process counterpart of crdb.Repo for reservations,
// payments, cancellation records and the outbox.
type Repository struct {
	mu            sync.Mutex
	reservations  map[uuid.UUID]domain.Reservation
	payments      map[uuid.UUID]domain.Payment
	byReservation map[uuid.UUID]uuid.UUID
	cancellations []domain.CancellationRecord
	outbox        []domain.OutboxMessage
	published     map[uuid.UUID]time.Time
}

func NewRepository() *Repository {
	return &Repository{
		reservations:  make(map[uuid.UUID]domain.Reservation),
		payments:      make(map[uuid.UUID]domain.Payment),
		byReservation: make(map[uuid.UUID]uuid.UUID),
		published:     make(map[uuid.UUID]time.Time),
	}
}

func (r *Repository) CreateReservation(_ context.Context, res domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res.Seats = append([]domain.ReservationSeat(nil), res.Seats...)
	r.reservations[res.ID] = res
	return nil
}

func (r *Repository) GetReservation(_ context.Context, id uuid.UUID) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (r *Repository) CreatePayment(_ context.Context, p domain.Payment, msg domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byReservation[p.ReservationID]; ok {
		return domain.ErrPaymentExists
	}
	r.payments[p.ID] = p
	r.byReservation[p.ReservationID] = p.ID
	r.outbox = append(r.outbox, msg)
	return nil
}

func (r *Repository) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *Repository) SetExternalPaymentID(_ context.Context, id uuid.UUID, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.ExternalPaymentID = externalID
	r.payments[id] = p
	return nil
}

func (r *Repository) CompletePayment(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	p.Status = domain.PaymentCompleted
	p.UpdatedAt = now
	r.payments[id] = p
	r.setReservationStatus(p.ReservationID, domain.ReservationCompleted)
	return true, nil
}

func (r *Repository) ClosePayment(_ context.Context, id uuid.UUID, status domain.PaymentStatus, rec domain.CancellationRecord, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = now
	r.payments[id] = p
	r.setReservationStatus(p.ReservationID, domain.ReservationCancelled)
	r.cancellations = append(r.cancellations, rec)
	return true, nil
}

func (r *Repository) setReservationStatus(id uuid.UUID, status domain.ReservationStatus) {
	if res, ok := r.reservations[id]; ok {
		res.Status = status
		r.reservations[id] = res
	}
}

func (r *Repository) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []domain.Payment
	for _, p := range r.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(createdBefore) {
			stale = append(stale, p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *Repository) CancellationRecords(_ context.Context, paymentID uuid.UUID) ([]domain.CancellationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CancellationRecord
	for _, rec := range r.cancellations {
		if rec.PaymentID == paymentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Outbox returns a copy of every message written so far.
func (r *Repository) Outbox() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.OutboxMessage(nil), r.outbox...)
}

// Unpublished returns the oldest messages not yet marked published.
func (r *Repository) Unpublished(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.OutboxMessage
	for _, msg := range r.outbox {
		if _, done := r.published[msg.ID]; done {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.published[id]; !done {
		r.published[id] = publishedAt
	}
	return nil
}
