package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const (
	JobSeatSweep = "seat_sweep"
	JobAdmission = "admission"
	JobReconcile = "reconcile"
)

type SeatSweeper interface {
	SweepExpired(ctx context.Context, batch int) (int, error)
}

func SeatSweep(seats SeatSweeper, interval time.Duration, batch int) Job {
	return Job{
		Name:     JobSeatSweep,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return seats.SweepExpired(ctx, batch)
		},
	}
}

type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

func Reconcile(payments Reconciler, interval time.Duration, batch int) Job {
	return Job{
		Name:     JobReconcile,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return payments.Reconcile(ctx, batch)
		},
	}
}

type AdmissionQueue interface {
	ExpireStale(ctx context.Context, concertID string) (int, error)
	NextBatchSize(ctx context.Context, concertID string) (int, error)
	AdmitBatch(ctx context.Context, concertID string, batchSize int) ([]domain.QueueEntry, error)
}

type ConcertLister interface {
	OpenConcerts(ctx context.Context) ([]string, error)
}

// AdmitPublisher hands admission to the saga worker as a queue.admit event.
type AdmitPublisher interface {
	PublishJSON(ctx context.Context, key string, v interface{}) error
}

type AdmissionConfig struct {
	Interval    time.Duration
	Parallelism int
	// Publisher, when set, receives queue.admit events instead of the
	// scheduler admitting directly.
	Publisher AdmitPublisher
}

// Admission expires closed admission windows and refills the freed slots for
// every concert currently on sale. Concerts are handled in parallel; a
// failure on one does not stop the others.
func Admission(q AdmissionQueue, concerts ConcertLister, cfg AdmissionConfig, logger observability.Logger) Job {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return Job{
		Name:     JobAdmission,
		Interval: cfg.Interval,
		Run: func(ctx context.Context) (int, error) {
			ids, err := concerts.OpenConcerts(ctx)
			if err != nil {
				return 0, errors.Wrap(err, "list open concerts")
			}

			var total atomic.Int64
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Parallelism)
			for _, id := range ids {
				concertID := id
				g.Go(func() error {
					n, err := admitConcert(gctx, q, cfg.Publisher, concertID)
					total.Add(int64(n))
					if err != nil {
						logger.WithError(err).WithField("concert_id", concertID).Warn("admission round failed")
					}
					return nil
				})
			}
			_ = g.Wait()
			return int(total.Load()), nil
		},
	}
}

func admitConcert(ctx context.Context, q AdmissionQueue, pub AdmitPublisher, concertID string) (int, error) {
	expired, err := q.ExpireStale(ctx, concertID)
	if err != nil {
		return 0, errors.Wrap(err, "expire stale")
	}
	size, err := q.NextBatchSize(ctx, concertID)
	if err != nil || size == 0 {
		return expired, errors.Wrap(err, "next batch size")
	}
	if pub != nil {
		err := pub.PublishJSON(ctx, events.TopicQueueAdmit, events.QueueAdmit{ConcertID: concertID, BatchSize: size})
		return expired, errors.Wrap(err, "publish queue.admit")
	}
	admitted, err := q.AdmitBatch(ctx, concertID, size)
	return expired + len(admitted), errors.Wrap(err, "admit batch")
}
