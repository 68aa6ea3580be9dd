// Package events defines the messages carried on the event channel and
// routes deliveries to their handlers.
package events

import (
	"github.com/shopspring/decimal"
)

// Exchange is the topic exchange every event is published to.
const Exchange = "tro.events"

const (
	TopicPaymentRequested = "payment.requested"
	TopicPaymentSuccess   = "payment.success"
	TopicPaymentFailure   = "payment.failure"
	TopicQueueAdmit       = "queue.admit"
)

type PaymentRequested struct {
	PaymentID     string          `json:"paymentId"`
	ReservationID string          `json:"reservationId"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
}

type SeatLease struct {
	SeatID string `json:"seatId"`
	LockID string `json:"lockId"`
}

// PaymentOutcome is the body of both payment.success and payment.failure.
// SeatID and LockID name the first seat; Seats lists all of them.
type PaymentOutcome struct {
	PaymentID  string      `json:"paymentId"`
	ConcertID  string      `json:"concertId"`
	SeatID     string      `json:"seatId"`
	LockID     string      `json:"lockId"`
	Seats      []SeatLease `json:"seats,omitempty"`
	ExternalID string      `json:"externalId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type QueueAdmit struct {
	ConcertID string `json:"concertId"`
	BatchSize int    `json:"batchSize"`
}
