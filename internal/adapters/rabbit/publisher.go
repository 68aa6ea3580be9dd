package rabbit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, domain.Transient(errors.Wrap(err, "dial rabbit"))
	}
	return conn, nil
}

// Publisher sends events to the topic exchange with publisher confirms.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp.Channel
	logger observability.Logger
}

func NewPublisher(conn *amqp.Connection, logger observability.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(events.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Wrap(err, "enable confirms")
	}
	return &Publisher{ch: ch, logger: logger}, nil
}

// Publish sends body under key and waits for the broker to confirm it.
// messageID lets consumers spot redeliveries.
func (p *Publisher) Publish(ctx context.Context, key, messageID string, body []byte) error {
	msg := amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
		}
		attempt++
		return p.publishOnce(ctx, key, msg)
	}, backoff.WithContext(b, ctx))
}

func (p *Publisher) publishOnce(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch.IsClosed() {
		return backoff.Permanent(domain.Transient(errors.New("rabbit channel closed")))
	}
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, events.Exchange, key, false, false, msg)
	if err != nil {
		return domain.Transient(errors.Wrapf(err, "publish %s", key))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return domain.Transient(errors.Wrapf(err, "confirm %s", key))
	}
	if !acked {
		return domain.Transient(errors.Newf("broker nacked %s", key))
	}
	return nil
}

// PublishJSON encodes v and publishes it with a fresh message id.
func (p *Publisher) PublishJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return p.Publish(ctx, key, uuid.NewString(), body)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
