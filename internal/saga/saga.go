// Package saga drives a purchase from reservation through payment to a
// terminal outcome, confirming seats on success and compensating on
// failure, timeout or cancellation.
package saga

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/gateway"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const DefaultPaymentTimeout = 15 * time.Minute

// DefaultHoldGrace is how long past the payment timeout a paying
// reservation's leases are held, leaving reconcile time to act first.
const DefaultHoldGrace = 10 * time.Minute

// Repository persists reservations and payments. Find methods return nil
// when the row is absent. State changes are compare-and-swap on PENDING and
// report whether they applied.
type Repository interface {
	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	// CreatePayment stores p and msg atomically. A second payment for the
	// same reservation fails with domain.ErrPaymentExists.
	CreatePayment(ctx context.Context, p domain.Payment, msg domain.OutboxMessage) error
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	SetExternalPaymentID(ctx context.Context, id uuid.UUID, externalID string) error
	// CompletePayment moves the payment and its reservation to COMPLETED.
	CompletePayment(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// ClosePayment moves the payment to status, cancels its reservation and
	// stores rec.
	ClosePayment(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, rec domain.CancellationRecord, now time.Time) (bool, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error)
	CancellationRecords(ctx context.Context, paymentID uuid.UUID) ([]domain.CancellationRecord, error)
}

type SeatLocks interface {
	Lock(ctx context.Context, seatID string) (*domain.SeatLock, error)
	// HoldLease keeps the lease alive until at least until.
	HoldLease(ctx context.Context, ref domain.LeaseRef, until time.Time) (domain.SeatLock, error)
	ConfirmLease(ctx context.Context, ref domain.LeaseRef) error
	ReleaseLease(ctx context.Context, ref domain.LeaseRef) error
}

type Catalog interface {
	Seat(ctx context.Context, seatID string) (*domain.SeatInfo, error)
}

type Auditor interface {
	Record(ctx context.Context, action, userID string, data map[string]interface{}) error
}

type Coordinator struct {
	repo    Repository
	seats   SeatLocks
	catalog Catalog
	gateway gateway.Gateway
	audit   Auditor
	clock   clock.Clock
	logger  observability.Logger
	timeout time.Duration
	grace   time.Duration
	retry   func() backoff.BackOff
}

type Option func(*Coordinator)

func WithPaymentTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHoldGrace sets how long past the payment timeout leases stay held.
func WithHoldGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithRetryPolicy sets the backoff used for seat confirms and releases.
func WithRetryPolicy(policy func() backoff.BackOff) Option {
	return func(c *Coordinator) { c.retry = policy }
}

func NewCoordinator(repo Repository, seats SeatLocks, catalog Catalog, gw gateway.Gateway, clk clock.Clock, logger observability.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:    repo,
		seats:   seats,
		catalog: catalog,
		gateway: gw,
		clock:   clk,
		logger:  logger,
		timeout: DefaultPaymentTimeout,
		grace:   DefaultHoldGrace,
		retry:   defaultRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func (c *Coordinator) record(ctx context.Context, action, userID string, data map[string]interface{}) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, action, userID, data); err != nil {
		c.logger.WithError(err).WithField("action", action).Warn("audit record failed")
	}
}
