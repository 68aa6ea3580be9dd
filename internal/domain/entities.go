package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatSelected  SeatStatus = "SELECTED"
	SeatReserved  SeatStatus = "RESERVED"
	SeatSold      SeatStatus = "SOLD"
)

type Seat struct {
	ID     string
	Status SeatStatus
}

// SeatInfo is the catalog view of a seat.
type SeatInfo struct {
	ID        string
	ConcertID string
	Grade     string
	Price     decimal.Decimal
}

// SeatLock is a lease on a seat. Its existence implies the seat is SELECTED.
type SeatLock struct {
	ID        string
	SeatID    string
	UserID    string
	LockedAt  time.Time
	ExpiresAt time.Time
}

func (l SeatLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// LeaseRef names one specific lease. An empty LockID matches any lease held
// by UserID on SeatID.
type LeaseRef struct {
	SeatID string
	UserID string
	LockID string
}

type QueueEntry struct {
	ID         string
	ConcertID  string
	UserID     string
	Generation int64
	Position   int64
	Status     QueueStatus
	EnteredAt  time.Time
	AdmittedAt *time.Time

	// WindowEndsAt bounds the admission slot of a PROCESSING or ENTERED entry.
	WindowEndsAt *time.Time
}

// WindowOpen reports whether the entry still holds an admission slot at now.
func (e QueueEntry) WindowOpen(now time.Time) bool {
	return e.WindowEndsAt != nil && !e.WindowEndsAt.Before(now)
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

type ReservationSeat struct {
	SeatID string
	LockID string
	Price  decimal.Decimal
}

type Reservation struct {
	ID                uuid.UUID
	ReservationNumber string
	UserID            string
	ConcertID         string
	Seats             []ReservationSeat
	Status            ReservationStatus
	TotalAmount       decimal.Decimal
	CreatedAt         time.Time
}

func (r Reservation) SeatIDs() []string {
	ids := make([]string, len(r.Seats))
	for i, s := range r.Seats {
		ids[i] = s.SeatID
	}
	return ids
}

// Seat returns the reservation line for seatID, if present.
func (r Reservation) Seat(seatID string) (ReservationSeat, bool) {
	for _, s := range r.Seats {
		if s.SeatID == seatID {
			return s, true
		}
	}
	return ReservationSeat{}, false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodVirtualAcct  PaymentMethod = "VIRTUAL_ACCOUNT"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodVirtualAcct:
		return true
	}
	return false
}

type Payment struct {
	ID                uuid.UUID
	ReservationID     uuid.UUID
	UserID            string
	ExternalPaymentID string
	Amount            decimal.Decimal
	Method            PaymentMethod
	Status            PaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CancellationRecord is the audit trail of one compensation.
type CancellationRecord struct {
	ID            uuid.UUID
	PaymentID     uuid.UUID
	ReservationID uuid.UUID
	UserID        string
	Reason        string
	SeatIDs       []string
	CreatedAt     time.Time
}

// OutboxMessage is an event written in the same transaction as the state
// change it announces.
type OutboxMessage struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	DedupeKey     string
	CreatedAt     time.Time
}
