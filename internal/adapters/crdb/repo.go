package crdb

import (
	"context"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

//go:embed schema.sql
var schema string

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pool and checks it can reach the cluster.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create crdb pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Transient(errors.Wrap(err, "ping crdb"))
	}
	return pool, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(errors.Wrap(err, "begin tx"))
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return classify(err)
	}

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.Transient(errors.Mark(err, domain.ErrSerializationFailure))
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, reservation_number, user_id, concert_id, status, total_amount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, res.ID, res.ReservationNumber, res.UserID, res.ConcertID, string(res.Status), res.TotalAmount.String(), res.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert reservation")
		}
		for _, s := range res.Seats {
			_, err := tx.Exec(ctx, `
				INSERT INTO reservation_seats (reservation_id, seat_id, lock_id, price)
				VALUES ($1, $2, $3, $4)
			`, res.ID, s.SeatID, s.LockID, s.Price.String())
			if err != nil {
				return errors.Wrap(err, "insert reservation seat")
			}
		}
		return nil
	})
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
		total  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, reservation_number, user_id, concert_id, status, total_amount::STRING, created_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.ReservationNumber, &res.UserID, &res.ConcertID, &status, &total, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select reservation")
	}
	res.Status = domain.ReservationStatus(status)
	if res.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, errors.Wrap(err, "parse total amount")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seat_id, lock_id, price::STRING
		FROM reservation_seats WHERE reservation_id = $1 ORDER BY seat_id
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "select reservation seats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s     domain.ReservationSeat
			price string
		)
		if err := rows.Scan(&s.SeatID, &s.LockID, &price); err != nil {
			return nil, err
		}
		if s.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "parse seat price")
		}
		res.Seats = append(res.Seats, s)
	}
	return &res, rows.Err()
}

// CreatePayment inserts the payment and its outbox message in one
// transaction.
func (r *Repository) CreatePayment(ctx context.Context, p domain.Payment, msg domain.OutboxMessage) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (id, reservation_id, user_id, external_payment_id, amount, method, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.ID, p.ReservationID, p.UserID, p.ExternalPaymentID, p.Amount.String(), string(p.Method), string(p.Status), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		return r.InsertOutbox(ctx, tx, msg)
	})
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrPaymentExists, "reservation %s", p.ReservationID)
	}
	return err
}

const paymentColumns = `id, reservation_id, user_id, external_payment_id, amount::STRING, method, status, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p              domain.Payment
		amount         string
		method, status string
	)
	if err := row.Scan(&p.ID, &p.ReservationID, &p.UserID, &p.ExternalPaymentID, &amount, &method, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Payment{}, errors.Wrap(err, "parse amount")
	}
	return p, nil
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select payment")
	}
	return &p, nil
}

func (r *Repository) SetExternalPaymentID(ctx context.Context, id uuid.UUID, externalID string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE payments SET external_payment_id = $2 WHERE id = $1
	`, id, externalID)
	if err != nil {
		return errors.Wrap(err, "update external payment id")
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrPaymentNotFound, "payment %s", id)
	}
	return nil
}

// CompletePayment moves a PENDING payment and its reservation to COMPLETED.
func (r *Repository) CompletePayment(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var reservationID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE payments SET status = 'COMPLETED', updated_at = $2
			WHERE id = $1 AND status = 'PENDING'
			RETURNING reservation_id
		`, id, now).Scan(&reservationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status = 'COMPLETED', updated_at = $2 WHERE id = $1
		`, reservationID, now); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ClosePayment moves a PENDING payment to status, cancels the reservation
// and stores the cancellation record, all or nothing.
func (r *Repository) ClosePayment(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, rec domain.CancellationRecord, now time.Time) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var reservationID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE payments SET status = $2, updated_at = $3
			WHERE id = $1 AND status = 'PENDING'
			RETURNING reservation_id
		`, id, string(status), now).Scan(&reservationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status = 'CANCELLED', updated_at = $2 WHERE id = $1
		`, reservationID, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cancellation_records (id, payment_id, reservation_id, user_id, reason, seat_ids, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, rec.PaymentID, rec.ReservationID, rec.UserID, rec.Reason, rec.SeatIDs, rec.CreatedAt); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale payments")
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *Repository) CancellationRecords(ctx context.Context, paymentID uuid.UUID) ([]domain.CancellationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_id, reservation_id, user_id, reason, seat_ids, created_at
		FROM cancellation_records WHERE payment_id = $1 ORDER BY created_at
	`, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "select cancellation records")
	}
	defer rows.Close()

	var records []domain.CancellationRecord
	for rows.Next() {
		var rec domain.CancellationRecord
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.ReservationID, &rec.UserID, &rec.Reason, &rec.SeatIDs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
