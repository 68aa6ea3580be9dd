// Package outbox relays stored events to the broker after the transaction
// that wrote them has committed.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type Store interface {
	Unpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Sender interface {
	Publish(ctx context.Context, key, messageID string, body []byte) error
}

type Publisher struct {
	store    Store
	sender   Sender
	clock    clock.Clock
	logger   observability.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(store Store, sender Sender, clk clock.Clock, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{store: store, sender: sender, clock: clk, logger: logger, interval: interval, batch: batch}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// Flush publishes one batch in creation order and stops at the first send
// failure so later messages never overtake earlier ones. Delivery is at
// least once: a crash between send and mark republishes the message under
// the same id.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	msgs, err := p.store.Unpublished(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "load outbox")
	}
	if len(msgs) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.clock.Now().Sub(msgs[0].CreatedAt).Seconds())

	sent := 0
	for _, msg := range msgs {
		if err := p.sender.Publish(ctx, msg.EventType, msg.DedupeKey, msg.Payload); err != nil {
			return sent, errors.Wrapf(err, "publish outbox %s", msg.ID)
		}
		if err := p.store.MarkPublished(ctx, msg.ID, p.clock.Now()); err != nil {
			return sent, errors.Wrapf(err, "mark outbox %s", msg.ID)
		}
		sent++
	}
	p.logger.WithField("published", sent).Debug("outbox flushed")
	return sent, nil
}
