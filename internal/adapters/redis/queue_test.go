package redis

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

func TestQueue_Register(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	q := NewQueue(db)
	ctx := context.Background()
	keys := []string{QueuePrefix("C1")}

	mock.ExpectEvalSha(queueRegisterScript.Hash(), keys, "C1", "U1", t0.UnixMilli()).
		SetVal([]interface{}{int64(1), `{"id":"C1:1:7","concert_id":"C1","user_id":"U1","generation":1,"position":7,"status":"WAITING","entered_at":1792058400000}`})
	e, err := q.Register(ctx, "C1", "U1", t0)
	require.NoError(t, err)
	assert.Equal(t, "C1:1:7", e.ID)
	assert.Equal(t, int64(7), e.Position)
	assert.Equal(t, domain.QueueWaiting, e.Status)
	assert.Equal(t, t0, e.EnteredAt)
	assert.Nil(t, e.AdmittedAt)

	mock.ExpectEvalSha(queueRegisterScript.Hash(), keys, "C1", "U1", t0.UnixMilli()).
		SetVal([]interface{}{int64(0), "ALREADY_QUEUED", "7"})
	_, err = q.Register(ctx, "C1", "U1", t0)
	assert.True(t, errors.Is(err, domain.ErrAlreadyQueued))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_AdmitBatch(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	q := NewQueue(db)
	end := t0.Add(5 * time.Minute)

	mock.ExpectEvalSha(queueAdmitScript.Hash(), []string{QueuePrefix("C1")}, "C1", 10, 2, t0.UnixMilli(), end.UnixMilli()).
		SetVal([]interface{}{
			int64(1),
			`{"id":"C1:1:1","concert_id":"C1","user_id":"U1","generation":1,"position":1,"status":"PROCESSING","entered_at":1792058000000,"admitted_at":1792058400000,"window_ends_at":1792058700000}`,
			`{"id":"C1:1:2","concert_id":"C1","user_id":"U2","generation":1,"position":2,"status":"PROCESSING","entered_at":1792058100000,"admitted_at":1792058400000,"window_ends_at":1792058700000}`,
		})

	admitted, err := q.AdmitBatch(context.Background(), "C1", 10, 2, t0, end)
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	assert.Equal(t, "U1", admitted[0].UserID)
	require.NotNil(t, admitted[1].WindowEndsAt)
	assert.Equal(t, end, *admitted[1].WindowEndsAt)
	assert.Equal(t, t0, *admitted[1].AdmittedAt)

	mock.ExpectEvalSha(queueAdmitScript.Hash(), []string{QueuePrefix("C1")}, "C1", 10, 2, t0.UnixMilli(), end.UnixMilli()).
		SetVal([]interface{}{int64(1)})
	admitted, err = q.AdmitBatch(context.Background(), "C1", 10, 2, t0, end)
	require.NoError(t, err)
	assert.Empty(t, admitted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_EnterErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	q := NewQueue(db)
	end := t0.Add(5 * time.Minute)
	keys := []string{QueuePrefix("C1")}

	cases := map[string]error{
		"ENTRY_NOT_FOUND":    domain.ErrEntryNotFound,
		"ADMISSION_EXPIRED":  domain.ErrAdmissionExpired,
		"INVALID_TRANSITION": domain.ErrInvalidTransition,
	}
	for code, want := range cases {
		mock.ExpectEvalSha(queueEnterScript.Hash(), keys, "C1", int64(1), int64(3), t0.UnixMilli(), end.UnixMilli()).
			SetVal([]interface{}{int64(0), code, ""})
		_, err := q.Enter(context.Background(), "C1", 1, 3, t0, end)
		assert.True(t, errors.Is(err, want), code)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_StatusAndCounts(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	q := NewQueue(db)
	keys := []string{QueuePrefix("C1")}

	mock.ExpectEvalSha(queueStatusScript.Hash(), keys, "C1", "U3").
		SetVal([]interface{}{int64(1), `{"id":"C1:2:3","concert_id":"C1","user_id":"U3","generation":2,"position":3,"status":"WAITING","entered_at":1792058400000}`, int64(2), int64(3), int64(0)})
	e, ahead, err := q.Entry(context.Background(), "C1", "U3")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(2), e.Generation)
	assert.Equal(t, 2, ahead)

	mock.ExpectEvalSha(queueStatusScript.Hash(), keys, "C1", "U9").
		SetVal([]interface{}{int64(1), "", int64(0), int64(3), int64(0)})
	e, _, err = q.Entry(context.Background(), "C1", "U9")
	require.NoError(t, err)
	assert.Nil(t, e)

	mock.ExpectEvalSha(queueStatusScript.Hash(), keys, "C1", "").
		SetVal([]interface{}{int64(1), "", int64(0), int64(3), int64(1)})
	waiting, active, err := q.Counts(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 3, waiting)
	assert.Equal(t, 1, active)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_ResetAndExpire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	q := NewQueue(db)
	keys := []string{QueuePrefix("C1")}

	mock.ExpectEvalSha(queueExpireScript.Hash(), keys, "C1", t0.UnixMilli()).SetVal([]interface{}{int64(1), int64(4)})
	n, err := q.ExpireStale(context.Background(), "C1", t0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	mock.ExpectEvalSha(queueResetScript.Hash(), keys, "C1").SetVal([]interface{}{int64(1), int64(12), int64(3)})
	n, err = q.Reset(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
