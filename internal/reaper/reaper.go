// Package reaper runs the periodic sweeps that turn elapsed deadlines into
// state transitions: expired seat leases, closed admission windows and
// payments left PENDING too long.
package reaper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// Job is one periodic sweep. Run returns how many transitions it made.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Scheduler struct {
	jobs   []Job
	logger observability.Logger
}

func NewScheduler(logger observability.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run starts every job on its own ticker and blocks until ctx is done. A
// failing run is logged and the job keeps its schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	log := s.logger.WithField("job", job.Name)
	log.WithField("interval", job.Interval.String()).Info("job scheduled")

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job a single time and records its metrics.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) int {
	start := time.Now()
	n, err := job.Run(ctx)
	observability.SweepDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if n > 0 {
		observability.SweepTransitions.WithLabelValues(job.Name).Add(float64(n))
	}
	if err != nil && ctx.Err() == nil {
		s.logger.WithField("job", job.Name).WithError(err).Error("sweep failed")
	}
	return n
}
