package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// Consumer feeds deliveries from one durable queue into a dispatcher and
// acknowledges each one by hand once it has been handled.
type Consumer struct {
	ch         *amqp.Channel
	queue      string
	dispatcher *events.Dispatcher
	logger     observability.Logger
}

// NewConsumer declares queue, binds it to every topic the dispatcher
// handles and limits unacknowledged deliveries to prefetch.
func NewConsumer(conn *amqp.Connection, queue string, prefetch int, dispatcher *events.Dispatcher, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(events.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}
	for _, topic := range dispatcher.Topics() {
		if err := ch.QueueBind(queue, topic, events.Exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s", topic)
		}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue, dispatcher: dispatcher, logger: logger}, nil
}

// Run consumes until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return domain.Transient(errors.Wrap(err, "consume"))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return domain.Transient(errors.New("delivery channel closed"))
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle dispatches one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.WithField("topic", d.RoutingKey).WithField("message_id", d.MessageId)

	err := c.dispatcher.Dispatch(ctx, d.RoutingKey, d.Body)
	disposition := events.Classify(err)

	var (
		outcome string
		ackErr  error
	)
	switch disposition {
	case events.Ack:
		outcome = "ack"
		if err != nil {
			outcome = "ack_error"
			log.WithError(err).Warn("delivery settled with error")
		}
		ackErr = d.Ack(false)
	case events.Requeue:
		outcome = "requeue"
		log.WithError(err).WithField("redelivered", d.Redelivered).Warn("delivery requeued")
		ackErr = d.Nack(false, true)
	case events.Drop:
		outcome = "drop"
		log.WithError(err).Error("malformed delivery dropped")
		ackErr = d.Reject(false)
	}
	observability.ConsumerDeliveries.WithLabelValues(d.RoutingKey, outcome).Inc()
	if ackErr != nil {
		log.WithError(ackErr).Error("failed to settle delivery")
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
