package events

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// ErrMalformed marks a delivery that can never be processed.
var ErrMalformed = errors.New("malformed event")

type Handler func(ctx context.Context, body []byte) error

type Dispatcher struct {
	handlers map[string]Handler
	logger   observability.Logger
}

func NewDispatcher(logger observability.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger}
}

func (d *Dispatcher) Handle(topic string, h Handler) {
	d.handlers[topic] = h
}

func (d *Dispatcher) Topics() []string {
	topics := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (d *Dispatcher) Dispatch(ctx context.Context, topic string, body []byte) error {
	h, ok := d.handlers[topic]
	if !ok {
		return errors.Mark(errors.Newf("no handler for %q", topic), ErrMalformed)
	}
	return h(ctx, body)
}

// Disposition tells a consumer what to do with a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	Drop
)

// Classify maps a handler error to a Disposition. Transient failures are
// redelivered; business errors are acknowledged since the state they
// report is already final; malformed messages are dropped.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return Drop
	case domain.IsFatal(err):
		return Ack
	case domain.IsTransient(err):
		return Requeue
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrInvalidInput):
		return Ack
	default:
		return Requeue
	}
}

// PaymentHandler is the part of the saga driven by events.
type PaymentHandler interface {
	Authorize(ctx context.Context, paymentID uuid.UUID) error
	HandleSuccess(ctx context.Context, paymentID uuid.UUID) error
	HandleFailure(ctx context.Context, paymentID uuid.UUID, reason string) error
}

type Admitter interface {
	AdmitBatch(ctx context.Context, concertID string, batchSize int) ([]domain.QueueEntry, error)
}

// NewSagaDispatcher wires every topic the saga worker consumes.
func NewSagaDispatcher(payments PaymentHandler, admitter Admitter, logger observability.Logger) *Dispatcher {
	d := NewDispatcher(logger)

	d.Handle(TopicPaymentRequested, func(ctx context.Context, body []byte) error {
		var ev PaymentRequested
		id, err := decodePayment(body, &ev, func() string { return ev.PaymentID })
		if err != nil {
			return err
		}
		return payments.Authorize(ctx, id)
	})

	d.Handle(TopicPaymentSuccess, func(ctx context.Context, body []byte) error {
		var ev PaymentOutcome
		id, err := decodePayment(body, &ev, func() string { return ev.PaymentID })
		if err != nil {
			return err
		}
		return payments.HandleSuccess(ctx, id)
	})

	d.Handle(TopicPaymentFailure, func(ctx context.Context, body []byte) error {
		var ev PaymentOutcome
		id, err := decodePayment(body, &ev, func() string { return ev.PaymentID })
		if err != nil {
			return err
		}
		reason := ev.Reason
		if reason == "" {
			reason = "payment_failed"
		}
		return payments.HandleFailure(ctx, id, reason)
	})

	d.Handle(TopicQueueAdmit, func(ctx context.Context, body []byte) error {
		var ev QueueAdmit
		if err := json.Unmarshal(body, &ev); err != nil {
			return errors.Mark(errors.Wrap(err, "decode queue.admit"), ErrMalformed)
		}
		if ev.ConcertID == "" {
			return errors.Mark(errors.New("queue.admit without concert id"), ErrMalformed)
		}
		admitted, err := admitter.AdmitBatch(ctx, ev.ConcertID, ev.BatchSize)
		if err != nil {
			return err
		}
		logger.WithField("concert_id", ev.ConcertID).WithField("admitted", len(admitted)).Debug("queue.admit handled")
		return nil
	})

	return d
}

func decodePayment(body []byte, v interface{}, id func() string) (uuid.UUID, error) {
	if err := json.Unmarshal(body, v); err != nil {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "decode payment event"), ErrMalformed)
	}
	paymentID, err := uuid.Parse(id())
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "payment id"), ErrMalformed)
	}
	return paymentID, nil
}
