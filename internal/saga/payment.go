package saga

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type PaymentRequest struct {
	ReservationID uuid.UUID
	SeatID        string
	LockID        string
	UserID        string
	Amount        decimal.Decimal
	Method        domain.PaymentMethod
}

// RequestPayment opens a PENDING payment for a reservation whose leases are
// all still live, and holds those leases until the payment can no longer
// be pending. Nothing is stored when validation fails.
func (c *Coordinator) RequestPayment(ctx context.Context, req PaymentRequest) (domain.Payment, error) {
	if !req.Method.Valid() {
		return domain.Payment{}, errors.Mark(errors.Newf("unsupported payment method %q", req.Method), domain.ErrInvalidInput)
	}

	r, err := c.repo.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "load reservation")
	}
	if r == nil {
		return domain.Payment{}, errors.Mark(errors.Newf("reservation %s not found", req.ReservationID), domain.ErrNotFound)
	}
	if r.UserID != req.UserID {
		return domain.Payment{}, errors.Mark(errors.New("reservation belongs to another user"), domain.ErrForbidden)
	}
	if r.Status != domain.ReservationPending {
		return domain.Payment{}, errors.Wrapf(domain.ErrReservationState, "reservation is %s", r.Status)
	}
	line, ok := r.Seat(req.SeatID)
	if !ok || (req.LockID != "" && line.LockID != req.LockID) {
		return domain.Payment{}, errors.Wrapf(domain.ErrLockNotFound, "seat %s is not part of the reservation", req.SeatID)
	}
	for _, s := range r.Seats {
		if _, err := c.liveLease(ctx, domain.LeaseRef{SeatID: s.SeatID, UserID: r.UserID, LockID: s.LockID}); err != nil {
			return domain.Payment{}, err
		}
	}
	if !req.Amount.Equal(r.TotalAmount) {
		return domain.Payment{}, errors.Wrapf(domain.ErrAmountMismatch, "expected %s, got %s", r.TotalAmount, req.Amount)
	}

	now := c.clock.Now()
	until := now.Add(c.timeout + c.grace)
	for _, s := range r.Seats {
		if _, err := c.seats.HoldLease(ctx, domain.LeaseRef{SeatID: s.SeatID, UserID: r.UserID, LockID: s.LockID}, until); err != nil {
			return domain.Payment{}, errors.Wrap(err, "hold lease for payment")
		}
	}

	p := domain.NewPayment(r.ID, r.UserID, req.Amount, req.Method, now)
	payload, err := json.Marshal(events.PaymentRequested{
		PaymentID:     p.ID.String(),
		ReservationID: r.ID.String(),
		UserID:        r.UserID,
		Amount:        p.Amount,
		Method:        string(p.Method),
	})
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "encode payment.requested")
	}
	msg := domain.OutboxMessage{
		ID:            uuid.New(),
		AggregateType: "payment",
		AggregateID:   p.ID,
		EventType:     events.TopicPaymentRequested,
		Payload:       payload,
		DedupeKey:     events.TopicPaymentRequested + ":" + p.ID.String(),
		CreatedAt:     now,
	}
	if err := c.repo.CreatePayment(ctx, p, msg); err != nil {
		return domain.Payment{}, errors.Wrap(err, "save payment")
	}

	observability.PaymentTransitions.WithLabelValues(string(domain.PaymentPending)).Inc()
	c.logger.WithField("payment_id", p.ID).WithField("reservation_id", r.ID).Info("payment requested")
	return p, nil
}

// Authorize hands a PENDING payment to the gateway once. A payment that
// already has an external id or is terminal is left alone.
func (c *Coordinator) Authorize(ctx context.Context, paymentID uuid.UUID) error {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() || p.ExternalPaymentID != "" {
		return nil
	}

	externalID, err := c.gateway.RequestPayment(ctx, gateway.Request{PaymentID: p.ID, Amount: p.Amount, Method: p.Method})
	if err != nil {
		if domain.IsTransient(err) {
			return err
		}
		c.logger.WithError(err).WithField("payment_id", p.ID).Warn("gateway rejected payment")
		return c.HandleFailure(ctx, p.ID, "gateway_rejected")
	}
	if err := c.repo.SetExternalPaymentID(ctx, p.ID, externalID); err != nil {
		return errors.Wrap(err, "store external payment id")
	}
	c.logger.WithField("payment_id", p.ID).WithField("external_id", externalID).Info("payment sent to gateway")
	return nil
}

// Outcome builds the payment.success or payment.failure event for a
// gateway callback. The callback must name the external id the gateway
// issued; one arriving before that id is stored is asked to retry.
func (c *Coordinator) Outcome(ctx context.Context, paymentID uuid.UUID, externalID, reason string) (events.PaymentOutcome, error) {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return events.PaymentOutcome{}, err
	}
	if p.ExternalPaymentID == "" {
		if p.Status == domain.PaymentPending {
			return events.PaymentOutcome{}, domain.Transient(errors.Newf("payment %s has no gateway id yet", p.ID))
		}
		return events.PaymentOutcome{}, errors.Mark(errors.Newf("payment %s never reached the gateway", p.ID), domain.ErrInvalidInput)
	}
	if externalID != p.ExternalPaymentID {
		return events.PaymentOutcome{}, errors.Mark(errors.New("external id does not match payment"), domain.ErrInvalidInput)
	}
	r, err := c.reservation(ctx, p.ReservationID)
	if err != nil {
		return events.PaymentOutcome{}, err
	}
	ev := events.PaymentOutcome{
		PaymentID:  p.ID.String(),
		ConcertID:  r.ConcertID,
		ExternalID: externalID,
		Reason:     reason,
	}
	for _, s := range r.Seats {
		ev.Seats = append(ev.Seats, events.SeatLease{SeatID: s.SeatID, LockID: s.LockID})
	}
	if len(ev.Seats) > 0 {
		ev.SeatID, ev.LockID = ev.Seats[0].SeatID, ev.Seats[0].LockID
	}
	return ev, nil
}

func (c *Coordinator) Payment(ctx context.Context, paymentID uuid.UUID) (domain.Payment, error) {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return *p, nil
}

func (c *Coordinator) payment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := c.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load payment")
	}
	if p == nil {
		return nil, errors.Wrapf(domain.ErrPaymentNotFound, "payment %s", id)
	}
	return p, nil
}

func (c *Coordinator) reservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	r, err := c.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load reservation")
	}
	if r == nil {
		return nil, domain.Fatalf("payment references missing reservation %s", id)
	}
	return r, nil
}
