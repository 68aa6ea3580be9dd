package redis

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

//go:embed scripts/seat_select.lua
var seatSelectSrc string

//go:embed scripts/seat_extend.lua
var seatExtendSrc string

//go:embed scripts/seat_release.lua
var seatReleaseSrc string

//go:embed scripts/seat_confirm.lua
var seatConfirmSrc string

//go:embed scripts/seat_expire.lua
var seatExpireSrc string

var (
	seatSelectScript  = redis.NewScript(seatSelectSrc)
	seatExtendScript  = redis.NewScript(seatExtendSrc)
	seatReleaseScript = redis.NewScript(seatReleaseSrc)
	seatConfirmScript = redis.NewScript(seatConfirmSrc)
	seatExpireScript  = redis.NewScript(seatExpireSrc)
)

// SeatLockIndexKey is a sorted set of seat ids scored by lock expiry in ms.
const SeatLockIndexKey = "seatlocks:expiry"

func SeatKey(seatID string) string {
	return "seat:" + seatID
}

// SeatLocks keeps seat status and the current lease in one hash per seat.
// A missing hash means the seat is AVAILABLE.
type SeatLocks struct {
	client *redis.Client
}

func NewSeatLocks(client *redis.Client) *SeatLocks {
	return &SeatLocks{client: client}
}

// LoadScripts preloads every seat script so the first EVALSHA hits.
func (s *SeatLocks) LoadScripts(ctx context.Context) error {
	for _, script := range []*redis.Script{seatSelectScript, seatExtendScript, seatReleaseScript, seatConfirmScript, seatExpireScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return domain.Transient(errors.Wrap(err, "load seat script"))
		}
	}
	return nil
}

func (s *SeatLocks) keys(seatID string) []string {
	return []string{SeatKey(seatID), SeatLockIndexKey}
}

func (s *SeatLocks) Select(ctx context.Context, lock domain.SeatLock) (err error) {
	ctx, span := startSpan(ctx, "redis.seat.select", attribute.String("seat_id", lock.SeatID), attribute.String("user_id", lock.UserID))
	defer func() { endSpan(span, err) }()

	res, err := runScript(ctx, s.client, seatSelectScript, s.keys(lock.SeatID),
		lock.SeatID, lock.UserID, lock.ID, ms(lock.LockedAt), ms(lock.ExpiresAt))
	if err != nil {
		return err
	}
	if !res.ok {
		return errors.Wrapf(domain.ErrSeatUnavailable, "seat is %s", res.detail)
	}
	return nil
}

func (s *SeatLocks) Extend(ctx context.Context, ref domain.LeaseRef, now, expiresAt time.Time) (lock domain.SeatLock, err error) {
	ctx, span := startSpan(ctx, "redis.seat.extend", attribute.String("seat_id", ref.SeatID), attribute.String("user_id", ref.UserID))
	defer func() { endSpan(span, err) }()

	res, err := runScript(ctx, s.client, seatExtendScript, s.keys(ref.SeatID),
		ref.SeatID, ref.UserID, ms(now), ms(expiresAt), ref.LockID)
	if err != nil {
		return domain.SeatLock{}, err
	}
	if !res.ok {
		switch res.code {
		case "NOT_OWNER":
			return domain.SeatLock{}, domain.ErrNotLockOwner
		default:
			return domain.SeatLock{}, domain.ErrLockNotFound
		}
	}
	if len(res.values) < 3 {
		return domain.SeatLock{}, errors.Newf("unexpected extend reply length %d", len(res.values))
	}
	lockID, _ := res.values[0].(string)
	lockedAt, err := toInt64(res.values[1])
	if err != nil {
		return domain.SeatLock{}, errors.Wrap(err, "parse locked_at")
	}
	expires, err := toInt64(res.values[2])
	if err != nil {
		return domain.SeatLock{}, errors.Wrap(err, "parse expires_at")
	}
	return domain.SeatLock{
		ID:        lockID,
		SeatID:    ref.SeatID,
		UserID:    ref.UserID,
		LockedAt:  fromMS(lockedAt),
		ExpiresAt: fromMS(expires),
	}, nil
}

func (s *SeatLocks) Release(ctx context.Context, ref domain.LeaseRef) (released bool, err error) {
	ctx, span := startSpan(ctx, "redis.seat.release", attribute.String("seat_id", ref.SeatID), attribute.String("lock_id", ref.LockID))
	defer func() { endSpan(span, err) }()

	res, err := runScript(ctx, s.client, seatReleaseScript, s.keys(ref.SeatID), ref.SeatID, ref.UserID, ref.LockID)
	if err != nil {
		return false, err
	}
	if !res.ok {
		return false, domain.ErrNotLockOwner
	}
	outcome, _ := res.values[0].(string)
	return outcome == "RELEASED", nil
}

func (s *SeatLocks) Confirm(ctx context.Context, ref domain.LeaseRef, now time.Time) (err error) {
	ctx, span := startSpan(ctx, "redis.seat.confirm", attribute.String("seat_id", ref.SeatID), attribute.String("lock_id", ref.LockID))
	defer func() { endSpan(span, err) }()

	res, err := runScript(ctx, s.client, seatConfirmScript, s.keys(ref.SeatID), ref.SeatID, ref.UserID, ref.LockID, ms(now))
	if err != nil {
		return err
	}
	if res.ok {
		return nil
	}
	switch res.code {
	case "NOT_OWNER":
		return errors.Mark(domain.Fatalf("seat %s is selected by another user", ref.SeatID), domain.ErrForbidden)
	case "LEASE_REPLACED":
		return domain.Fatalf("seat %s lease %s was replaced", ref.SeatID, ref.LockID)
	case "SOLD_TO_OTHER":
		return domain.Fatalf("seat %s already sold to another lease", ref.SeatID)
	default:
		return domain.Fatalf("seat %s is %s, not SELECTED", ref.SeatID, res.detail)
	}
}

func (s *SeatLocks) Lock(ctx context.Context, seatID string) (*domain.SeatLock, error) {
	fields, err := s.client.HGetAll(ctx, SeatKey(seatID)).Result()
	if err != nil {
		return nil, domain.Transient(errors.Wrapf(err, "read seat %s", seatID))
	}
	if fields["status"] != string(domain.SeatSelected) {
		return nil, nil
	}
	lockedAt, err := strconv.ParseInt(fields["locked_at"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse locked_at")
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse expires_at")
	}
	return &domain.SeatLock{
		ID:        fields["lock_id"],
		SeatID:    seatID,
		UserID:    fields["user_id"],
		LockedAt:  fromMS(lockedAt),
		ExpiresAt: fromMS(expiresAt),
	}, nil
}

func (s *SeatLocks) Seat(ctx context.Context, seatID string) (domain.Seat, error) {
	status, err := s.client.HGet(ctx, SeatKey(seatID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Seat{ID: seatID, Status: domain.SeatAvailable}, nil
	}
	if err != nil {
		return domain.Seat{}, domain.Transient(errors.Wrapf(err, "read seat %s", seatID))
	}
	return domain.Seat{ID: seatID, Status: domain.SeatStatus(status)}, nil
}

func (s *SeatLocks) ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, SeatLockIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(ms(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, domain.Transient(errors.Wrap(err, "scan lock expiry index"))
	}
	return ids, nil
}

func (s *SeatLocks) ExpireLock(ctx context.Context, seatID string, now time.Time) (bool, error) {
	n, err := seatExpireScript.Run(ctx, s.client, s.keys(seatID), seatID, ms(now)).Int64()
	if err != nil {
		return false, domain.Transient(errors.Wrapf(err, "expire seat %s", seatID))
	}
	return n == 1, nil
}
