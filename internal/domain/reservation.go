package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func NewReservation(concertID, userID string, seats []ReservationSeat, now time.Time) Reservation {
	total := decimal.Zero
	for _, s := range seats {
		total = total.Add(s.Price)
	}
	return Reservation{
		ID:                uuid.New(),
		ReservationNumber: NewReservationNumber(now),
		UserID:            userID,
		ConcertID:         concertID,
		Seats:             seats,
		Status:            ReservationPending,
		TotalAmount:       total,
		CreatedAt:         now,
	}
}

// NewReservationNumber returns a human-facing number like R-20261015-3F9A1C0B.
// Uniqueness is enforced by the repository.
func NewReservationNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "R-" + now.UTC().Format("20060102") + "-" + suffix
}

func NewPayment(reservationID uuid.UUID, userID string, amount decimal.Decimal, method PaymentMethod, now time.Time) Payment {
	return Payment{
		ID:            uuid.New(),
		ReservationID: reservationID,
		UserID:        userID,
		Amount:        amount,
		Method:        method,
		Status:        PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
