package http

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
)

type seatLockResponse struct {
	LockID    string    `json:"lockId"`
	SeatID    string    `json:"seatId"`
	UserID    string    `json:"userId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func toSeatLock(l domain.SeatLock) seatLockResponse {
	return seatLockResponse{LockID: l.ID, SeatID: l.SeatID, UserID: l.UserID, LockedAt: l.LockedAt, ExpiresAt: l.ExpiresAt}
}

type seatResponse struct {
	SeatID string          `json:"seatId"`
	Status string          `json:"status"`
	Grade  string          `json:"grade,omitempty"`
	Price  decimal.Decimal `json:"price"`
}

type queueEntryResponse struct {
	EntryID      string     `json:"entryId"`
	ConcertID    string     `json:"concertId"`
	UserID       string     `json:"userId"`
	Position     int64      `json:"position"`
	Status       string     `json:"status"`
	EnteredAt    time.Time  `json:"enteredAt"`
	AdmittedAt   *time.Time `json:"admittedAt,omitempty"`
	WindowEndsAt *time.Time `json:"windowEndsAt,omitempty"`
	WaitingAhead *int       `json:"waitingAhead,omitempty"`
}

func toQueueEntry(e domain.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		EntryID:      e.ID,
		ConcertID:    e.ConcertID,
		UserID:       e.UserID,
		Position:     e.Position,
		Status:       string(e.Status),
		EnteredAt:    e.EnteredAt,
		AdmittedAt:   e.AdmittedAt,
		WindowEndsAt: e.WindowEndsAt,
	}
}

func toQueueStatus(s queue.Status) queueEntryResponse {
	resp := toQueueEntry(s.Entry)
	ahead := s.WaitingAhead
	resp.WaitingAhead = &ahead
	return resp
}

type leaseRequest struct {
	SeatID string `json:"seatId"`
	LockID string `json:"lockId"`
}

type reservationRequest struct {
	ConcertID string         `json:"concertId"`
	Seats     []leaseRequest `json:"seats"`
}

type reservationSeatResponse struct {
	SeatID string          `json:"seatId"`
	LockID string          `json:"lockId"`
	Price  decimal.Decimal `json:"price"`
}

type reservationResponse struct {
	ReservationID     string                    `json:"reservationId"`
	ReservationNumber string                    `json:"reservationNumber"`
	ConcertID         string                    `json:"concertId"`
	Status            string                    `json:"status"`
	TotalAmount       decimal.Decimal           `json:"totalAmount"`
	Seats             []reservationSeatResponse `json:"seats"`
}

func toReservation(r domain.Reservation) reservationResponse {
	resp := reservationResponse{
		ReservationID:     r.ID.String(),
		ReservationNumber: r.ReservationNumber,
		ConcertID:         r.ConcertID,
		Status:            string(r.Status),
		TotalAmount:       r.TotalAmount,
	}
	for _, s := range r.Seats {
		resp.Seats = append(resp.Seats, reservationSeatResponse{SeatID: s.SeatID, LockID: s.LockID, Price: s.Price})
	}
	return resp
}

type paymentRequest struct {
	ReservationID string          `json:"reservationId"`
	SeatID        string          `json:"seatId"`
	LockID        string          `json:"lockId"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
}

type paymentResponse struct {
	PaymentID         string          `json:"paymentId"`
	ReservationID     string          `json:"reservationId"`
	ExternalPaymentID string          `json:"externalPaymentId,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
}

func toPayment(p domain.Payment) paymentResponse {
	return paymentResponse{
		PaymentID:         p.ID.String(),
		ReservationID:     p.ReservationID.String(),
		ExternalPaymentID: p.ExternalPaymentID,
		Amount:            p.Amount,
		Method:            string(p.Method),
		Status:            string(p.Status),
		CreatedAt:         p.CreatedAt,
	}
}

type callbackRequest struct {
	PaymentID  string `json:"paymentId"`
	Status     string `json:"status"`
	ExternalID string `json:"externalId"`
	Reason     string `json:"reason"`
}

type admitRequest struct {
	BatchSize int `json:"batchSize"`
}
