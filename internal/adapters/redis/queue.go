package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

//go:embed scripts/queue_common.lua
var queueCommonSrc string

//go:embed scripts/queue_register.lua
var queueRegisterSrc string

//go:embed scripts/queue_admit.lua
var queueAdmitSrc string

//go:embed scripts/queue_enter.lua
var queueEnterSrc string

//go:embed scripts/queue_expire.lua
var queueExpireSrc string

//go:embed scripts/queue_leave.lua
var queueLeaveSrc string

//go:embed scripts/queue_reset.lua
var queueResetSrc string

//go:embed scripts/queue_status.lua
var queueStatusSrc string

var (
	queueRegisterScript = redis.NewScript(queueCommonSrc + queueRegisterSrc)
	queueAdmitScript    = redis.NewScript(queueCommonSrc + queueAdmitSrc)
	queueEnterScript    = redis.NewScript(queueCommonSrc + queueEnterSrc)
	queueExpireScript   = redis.NewScript(queueCommonSrc + queueExpireSrc)
	queueLeaveScript    = redis.NewScript(queueCommonSrc + queueLeaveSrc)
	queueResetScript    = redis.NewScript(queueCommonSrc + queueResetSrc)
	queueStatusScript   = redis.NewScript(queueCommonSrc + queueStatusSrc)
)

// QueuePrefix is the key prefix of one concert's queue. The hash tag keeps
// every generation of the concert in one cluster slot.
func QueuePrefix(concertID string) string {
	return "queue:{" + concertID + "}"
}

type entryRecord struct {
	ID           string `json:"id"`
	ConcertID    string `json:"concert_id"`
	UserID       string `json:"user_id"`
	Generation   int64  `json:"generation"`
	Position     int64  `json:"position"`
	Status       string `json:"status"`
	EnteredAt    int64  `json:"entered_at"`
	AdmittedAt   *int64 `json:"admitted_at,omitempty"`
	WindowEndsAt *int64 `json:"window_ends_at,omitempty"`
}

func (r entryRecord) entry() domain.QueueEntry {
	e := domain.QueueEntry{
		ID:         r.ID,
		ConcertID:  r.ConcertID,
		UserID:     r.UserID,
		Generation: r.Generation,
		Position:   r.Position,
		Status:     domain.QueueStatus(r.Status),
		EnteredAt:  fromMS(r.EnteredAt),
	}
	if r.AdmittedAt != nil {
		t := fromMS(*r.AdmittedAt)
		e.AdmittedAt = &t
	}
	if r.WindowEndsAt != nil {
		t := fromMS(*r.WindowEndsAt)
		e.WindowEndsAt = &t
	}
	return e
}

func decodeEntry(v interface{}) (domain.QueueEntry, error) {
	raw, ok := v.(string)
	if !ok {
		return domain.QueueEntry{}, errors.Newf("unexpected entry reply type %T", v)
	}
	var rec entryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.QueueEntry{}, errors.Wrap(err, "decode queue entry")
	}
	return rec.entry(), nil
}

func queueError(code string) error {
	switch code {
	case "ALREADY_QUEUED":
		return domain.ErrAlreadyQueued
	case "ADMISSION_EXPIRED":
		return domain.ErrAdmissionExpired
	case "INVALID_TRANSITION":
		return domain.ErrInvalidTransition
	default:
		return domain.ErrEntryNotFound
	}
}

// Queue stores each concert's waiting queue in a generation of keys:
// a position counter, an entry hash, a user index, a waiting zset scored by
// position and an active zset scored by window end.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) LoadScripts(ctx context.Context) error {
	for _, script := range []*redis.Script{
		queueRegisterScript, queueAdmitScript, queueEnterScript, queueExpireScript,
		queueLeaveScript, queueResetScript, queueStatusScript,
	} {
		if err := script.Load(ctx, q.client).Err(); err != nil {
			return domain.Transient(errors.Wrap(err, "load queue script"))
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, script *redis.Script, concertID string, args ...interface{}) (scriptResult, error) {
	return runScript(ctx, q.client, script, []string{QueuePrefix(concertID)}, append([]interface{}{concertID}, args...)...)
}

func (q *Queue) Register(ctx context.Context, concertID, userID string, now time.Time) (e domain.QueueEntry, err error) {
	ctx, span := startSpan(ctx, "redis.queue.register", attribute.String("concert_id", concertID), attribute.String("user_id", userID))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueRegisterScript, concertID, userID, ms(now))
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if !res.ok {
		return domain.QueueEntry{}, queueError(res.code)
	}
	return decodeEntry(res.values[0])
}

func (q *Queue) AdmitBatch(ctx context.Context, concertID string, batchSize, capacity int, now, windowEnd time.Time) (admitted []domain.QueueEntry, err error) {
	ctx, span := startSpan(ctx, "redis.queue.admit", attribute.String("concert_id", concertID), attribute.Int("batch_size", batchSize))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueAdmitScript, concertID, batchSize, capacity, ms(now), ms(windowEnd))
	if err != nil {
		return nil, err
	}
	for _, v := range res.values {
		e, err := decodeEntry(v)
		if err != nil {
			return nil, err
		}
		admitted = append(admitted, e)
	}
	span.SetAttributes(attribute.Int("admitted", len(admitted)))
	return admitted, nil
}

func (q *Queue) Enter(ctx context.Context, concertID string, generation, position int64, now, windowEnd time.Time) (e domain.QueueEntry, err error) {
	ctx, span := startSpan(ctx, "redis.queue.enter", attribute.String("concert_id", concertID), attribute.Int64("position", position))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueEnterScript, concertID, generation, position, ms(now), ms(windowEnd))
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if !res.ok {
		return domain.QueueEntry{}, queueError(res.code)
	}
	return decodeEntry(res.values[0])
}

func (q *Queue) ExpireStale(ctx context.Context, concertID string, now time.Time) (n int, err error) {
	ctx, span := startSpan(ctx, "redis.queue.expire", attribute.String("concert_id", concertID))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueExpireScript, concertID, ms(now))
	if err != nil {
		return 0, err
	}
	expired, err := toInt64(res.values[0])
	return int(expired), err
}

func (q *Queue) Leave(ctx context.Context, concertID, userID string) (e domain.QueueEntry, err error) {
	ctx, span := startSpan(ctx, "redis.queue.leave", attribute.String("concert_id", concertID), attribute.String("user_id", userID))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueLeaveScript, concertID, userID)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if !res.ok {
		return domain.QueueEntry{}, queueError(res.code)
	}
	return decodeEntry(res.values[0])
}

func (q *Queue) Reset(ctx context.Context, concertID string) (n int, err error) {
	ctx, span := startSpan(ctx, "redis.queue.reset", attribute.String("concert_id", concertID))
	defer func() { endSpan(span, err) }()

	res, err := q.run(ctx, queueResetScript, concertID)
	if err != nil {
		return 0, err
	}
	cleared, err := toInt64(res.values[0])
	return int(cleared), err
}

func (q *Queue) Entry(ctx context.Context, concertID, userID string) (*domain.QueueEntry, int, error) {
	res, err := q.run(ctx, queueStatusScript, concertID, userID)
	if err != nil {
		return nil, 0, err
	}
	if raw, _ := res.values[0].(string); raw == "" {
		return nil, 0, nil
	}
	e, err := decodeEntry(res.values[0])
	if err != nil {
		return nil, 0, err
	}
	ahead, err := toInt64(res.values[1])
	if err != nil {
		return nil, 0, err
	}
	return &e, int(ahead), nil
}

func (q *Queue) Counts(ctx context.Context, concertID string) (waiting, active int, err error) {
	res, err := q.run(ctx, queueStatusScript, concertID, "")
	if err != nil {
		return 0, 0, err
	}
	w, err := toInt64(res.values[2])
	if err != nil {
		return 0, 0, err
	}
	a, err := toInt64(res.values[3])
	if err != nil {
		return 0, 0, err
	}
	return int(w), int(a), nil
}
