package saga

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// HandleSuccess completes a PENDING payment and sells its seats. Replays
// re-drive the seat confirms, which are idempotent per lease. A payment
// that already failed or was cancelled is not revived, and one whose
// leases were lost is refunded and failed instead of completed.
func (c *Coordinator) HandleSuccess(ctx context.Context, paymentID uuid.UUID) error {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return err
	}
	log := c.logger.WithField("payment_id", p.ID)

	if p.Status == domain.PaymentFailed || p.Status == domain.PaymentCancelled {
		log.WithField("status", p.Status).Info("success event for closed payment ignored")
		return nil
	}

	r, err := c.reservation(ctx, p.ReservationID)
	if err != nil {
		return err
	}
	if p.Status == domain.PaymentPending {
		lost, err := c.lostLeases(ctx, r)
		if err != nil {
			return err
		}
		if len(lost) > 0 {
			return c.abandonCapture(ctx, p, lost)
		}
		applied, err := c.repo.CompletePayment(ctx, p.ID, c.clock.Now())
		if err != nil {
			return errors.Wrap(err, "complete payment")
		}
		if !applied {
			// lost a race with another transition; act on whatever won
			return c.HandleSuccess(ctx, paymentID)
		}
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentCompleted)).Inc()
		c.record(ctx, "payment.completed", p.UserID, map[string]interface{}{
			"payment_id":     p.ID.String(),
			"reservation_id": p.ReservationID.String(),
			"amount":         p.Amount.String(),
		})
		log.Info("payment completed")
	}

	return c.confirmSeats(ctx, r)
}

// lostLeases lists the seats of r whose recorded lease is no longer the
// seat's current lock.
func (c *Coordinator) lostLeases(ctx context.Context, r *domain.Reservation) ([]string, error) {
	var lost []string
	for _, s := range r.Seats {
		lock, err := c.seats.Lock(ctx, s.SeatID)
		if err != nil {
			return nil, errors.Wrapf(err, "read lock on %s", s.SeatID)
		}
		if lock == nil || lock.ID != s.LockID || lock.UserID != r.UserID {
			lost = append(lost, s.SeatID)
		}
	}
	return lost, nil
}

// abandonCapture returns the money of a payment that can no longer be
// honoured and fails it. The seats named in lost belong to someone else now
// and are left alone.
func (c *Coordinator) abandonCapture(ctx context.Context, p *domain.Payment, lost []string) error {
	observability.InvariantViolations.WithLabelValues("payment_lease_lost").Inc()
	c.logger.WithField("payment_id", p.ID).
		WithField("seat_ids", lost).
		WithField("invariant_violation", true).
		Error("payment succeeded after its seat leases were lost, refunding")

	if p.ExternalPaymentID != "" && c.gateway != nil {
		st, err := c.voidAtGateway(ctx, p)
		if err != nil {
			return err
		}
		switch st {
		case gateway.SettlementSucceeded:
			if err := c.gateway.Refund(ctx, p.ExternalPaymentID); err != nil {
				return errors.Wrap(err, "refund payment")
			}
		case gateway.SettlementOpen:
			return domain.Transient(errors.Newf("payment %s is still open at the gateway", p.ID))
		}
	}
	c.record(ctx, "payment.lease_lost", p.UserID, map[string]interface{}{
		"payment_id":     p.ID.String(),
		"reservation_id": p.ReservationID.String(),
		"seat_ids":       lost,
		"external_id":    p.ExternalPaymentID,
	})
	return c.HandleFailure(ctx, p.ID, "lease_lost")
}

// HandleFailure fails a PENDING payment, cancels its reservation and frees
// its seats. Replays re-drive the releases, which only ever touch the
// leases recorded on the reservation. A completed payment is not undone.
func (c *Coordinator) HandleFailure(ctx context.Context, paymentID uuid.UUID, reason string) error {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return err
	}
	log := c.logger.WithField("payment_id", p.ID)

	if p.Status == domain.PaymentCompleted {
		log.Info("failure event for completed payment ignored")
		return nil
	}

	r, err := c.reservation(ctx, p.ReservationID)
	if err != nil {
		return err
	}
	if p.Status == domain.PaymentPending {
		applied, err := c.repo.ClosePayment(ctx, p.ID, domain.PaymentFailed, c.cancellation(p, r, reason), c.clock.Now())
		if err != nil {
			return errors.Wrap(err, "fail payment")
		}
		if !applied {
			return c.HandleFailure(ctx, paymentID, reason)
		}
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentFailed)).Inc()
		c.record(ctx, "payment.failed", p.UserID, map[string]interface{}{
			"payment_id":     p.ID.String(),
			"reservation_id": r.ID.String(),
			"reason":         reason,
			"seat_ids":       r.SeatIDs(),
		})
		log.WithField("reason", reason).Info("payment failed, compensating")
	}

	return c.releaseSeats(ctx, r)
}

// Cancel is the requester withdrawing a PENDING payment. The gateway is
// voided first; a payment it already captured cannot be cancelled. Seat
// releases that give up are returned as a transient error, and cancelling
// again re-drives them.
func (c *Coordinator) Cancel(ctx context.Context, paymentID uuid.UUID, userID string) (domain.Payment, error) {
	p, err := c.payment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.UserID != userID {
		return domain.Payment{}, domain.ErrNotRequester
	}
	switch p.Status {
	case domain.PaymentCancelled:
		r, err := c.reservation(ctx, p.ReservationID)
		if err != nil {
			return domain.Payment{}, err
		}
		return *p, c.releaseSeats(ctx, r)
	case domain.PaymentCompleted, domain.PaymentFailed:
		return domain.Payment{}, errors.Wrapf(domain.ErrInvalidTransition, "payment is %s", p.Status)
	}

	r, err := c.reservation(ctx, p.ReservationID)
	if err != nil {
		return domain.Payment{}, err
	}
	st, err := c.voidAtGateway(ctx, p)
	if err != nil {
		return domain.Payment{}, err
	}
	switch st {
	case gateway.SettlementSucceeded:
		return domain.Payment{}, errors.Wrap(domain.ErrInvalidTransition, "payment already captured")
	case gateway.SettlementOpen:
		return domain.Payment{}, domain.Transient(errors.Newf("gateway has not voided payment %s", p.ID))
	}

	applied, err := c.repo.ClosePayment(ctx, p.ID, domain.PaymentCancelled, c.cancellation(p, r, "user_cancelled"), c.clock.Now())
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "cancel payment")
	}
	if !applied {
		return c.Cancel(ctx, paymentID, userID)
	}
	observability.PaymentTransitions.WithLabelValues(string(domain.PaymentCancelled)).Inc()
	c.record(ctx, "payment.cancelled", p.UserID, map[string]interface{}{
		"payment_id":     p.ID.String(),
		"reservation_id": r.ID.String(),
		"seat_ids":       r.SeatIDs(),
	})

	releaseErr := c.releaseSeats(ctx, r)
	cancelled, err := c.Payment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return cancelled, releaseErr
}

// Reconcile settles every payment that stayed PENDING longer than the
// payment timeout. It is the backstop for lost gateway events: the gateway
// is asked where the money is, a captured payment is completed and
// anything else is voided and failed. A payment the gateway still holds
// open is left for the next round.
func (c *Coordinator) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := c.repo.ListStalePending(ctx, c.clock.Now().Add(-c.timeout), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale payments")
	}

	handled := 0
	for i := range stale {
		p := stale[i]
		if err := c.reconcile(ctx, &p); err != nil {
			c.logger.WithError(err).WithField("payment_id", p.ID).Error("reconcile failed")
			continue
		}
		handled++
	}
	if handled > 0 {
		c.logger.WithField("handled", handled).Info("stale payments reconciled")
	}
	return handled, nil
}

func (c *Coordinator) reconcile(ctx context.Context, p *domain.Payment) error {
	st, err := c.voidAtGateway(ctx, p)
	if err != nil {
		return err
	}
	switch st {
	case gateway.SettlementSucceeded:
		c.logger.WithField("payment_id", p.ID).WithField("external_id", p.ExternalPaymentID).
			Warn("stale payment captured at gateway, completing")
		c.record(ctx, "payment.reconciled_success", p.UserID, map[string]interface{}{
			"payment_id":  p.ID.String(),
			"external_id": p.ExternalPaymentID,
		})
		return c.HandleSuccess(ctx, p.ID)
	case gateway.SettlementVoided:
		return c.HandleFailure(ctx, p.ID, "payment_timeout")
	default:
		return domain.Transient(errors.Newf("payment %s still open at gateway", p.ID))
	}
}

// voidAtGateway voids p if the gateway still holds it open and reports
// where the money ended up. A payment the gateway never saw counts as
// voided.
func (c *Coordinator) voidAtGateway(ctx context.Context, p *domain.Payment) (gateway.Settlement, error) {
	if p.ExternalPaymentID == "" || c.gateway == nil {
		return gateway.SettlementVoided, nil
	}
	st, err := gateway.Settled(ctx, c.gateway, p.ExternalPaymentID)
	if err != nil {
		return gateway.SettlementOpen, errors.Wrap(err, "read gateway status")
	}
	if st != gateway.SettlementOpen {
		return st, nil
	}
	voided, err := c.gateway.Cancel(ctx, p.ExternalPaymentID)
	if err != nil {
		return gateway.SettlementOpen, errors.Wrap(err, "void payment at gateway")
	}
	if voided {
		return gateway.SettlementVoided, nil
	}
	// settled between the read and the cancel
	st, err = gateway.Settled(ctx, c.gateway, p.ExternalPaymentID)
	if err != nil {
		return gateway.SettlementOpen, errors.Wrap(err, "read gateway status")
	}
	return st, nil
}

func (c *Coordinator) cancellation(p *domain.Payment, r *domain.Reservation, reason string) domain.CancellationRecord {
	return domain.CancellationRecord{
		ID:            uuid.New(),
		PaymentID:     p.ID,
		ReservationID: r.ID,
		UserID:        p.UserID,
		Reason:        reason,
		SeatIDs:       r.SeatIDs(),
		CreatedAt:     c.clock.Now(),
	}
}

// confirmSeats never stops at the first failure: seats already sold stay
// sold. Transient failures are reported so the event is redelivered.
func (c *Coordinator) confirmSeats(ctx context.Context, r *domain.Reservation) error {
	pending := 0
	for _, s := range r.Seats {
		ref := domain.LeaseRef{SeatID: s.SeatID, UserID: r.UserID, LockID: s.LockID}
		err := c.withRetry(ctx, func() error { return c.seats.ConfirmLease(ctx, ref) })
		switch {
		case err == nil:
		case domain.IsFatal(err):
			c.record(ctx, "seat.confirm_violation", r.UserID, map[string]interface{}{
				"reservation_id": r.ID.String(),
				"seat_id":        s.SeatID,
				"lock_id":        s.LockID,
			})
		default:
			pending++
			c.logger.WithError(err).WithField("seat_id", s.SeatID).WithField("reservation_id", r.ID).Error("seat confirm failed")
		}
	}
	if pending > 0 {
		return domain.Transient(errors.Newf("%d seats of reservation %s not confirmed", pending, r.ID))
	}
	return nil
}

// releaseSeats retries each release until it succeeds or the retry policy
// gives up, in which case the error asks for redelivery.
func (c *Coordinator) releaseSeats(ctx context.Context, r *domain.Reservation) error {
	pending := 0
	for _, s := range r.Seats {
		ref := domain.LeaseRef{SeatID: s.SeatID, UserID: r.UserID, LockID: s.LockID}
		if err := c.withRetry(ctx, func() error { return c.seats.ReleaseLease(ctx, ref) }); err != nil {
			pending++
			c.logger.WithError(err).WithField("seat_id", s.SeatID).WithField("reservation_id", r.ID).Error("seat release failed")
		}
	}
	if pending > 0 {
		return domain.Transient(errors.Newf("%d seats of reservation %s not released", pending, r.ID))
	}
	return nil
}

func (c *Coordinator) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(c.retry(), ctx))
}
