package events_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Authorize(ctx context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *mockPayments) HandleSuccess(ctx context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *mockPayments) HandleFailure(ctx context.Context, id uuid.UUID, reason string) error {
	return m.Called(id, reason).Error(0)
}

type mockAdmitter struct {
	mock.Mock
}

func (m *mockAdmitter) AdmitBatch(ctx context.Context, concertID string, batchSize int) ([]domain.QueueEntry, error) {
	args := m.Called(concertID, batchSize)
	entries, _ := args.Get(0).([]domain.QueueEntry)
	return entries, args.Error(1)
}

func TestSagaDispatcher_RoutesTopics(t *testing.T) {
	payments := new(mockPayments)
	admitter := new(mockAdmitter)
	d := events.NewSagaDispatcher(payments, admitter, observability.NewDiscardLogger())
	ctx := context.Background()
	id := uuid.New()

	payments.On("Authorize", id).Return(nil).Once()
	payments.On("HandleSuccess", id).Return(nil).Once()
	payments.On("HandleFailure", id, "card_declined").Return(nil).Once()
	payments.On("HandleFailure", id, "payment_failed").Return(nil).Once()
	admitter.On("AdmitBatch", "C1", 25).Return([]domain.QueueEntry{{ID: "C1:1:1"}}, nil).Once()

	require.NoError(t, d.Dispatch(ctx, events.TopicPaymentRequested, []byte(`{"paymentId":"`+id.String()+`","amount":"1000"}`)))
	require.NoError(t, d.Dispatch(ctx, events.TopicPaymentSuccess, []byte(`{"paymentId":"`+id.String()+`","concertId":"C1","seatId":"S1","lockId":"L1"}`)))
	require.NoError(t, d.Dispatch(ctx, events.TopicPaymentFailure, []byte(`{"paymentId":"`+id.String()+`","reason":"card_declined"}`)))
	require.NoError(t, d.Dispatch(ctx, events.TopicPaymentFailure, []byte(`{"paymentId":"`+id.String()+`"}`)))
	require.NoError(t, d.Dispatch(ctx, events.TopicQueueAdmit, []byte(`{"concertId":"C1","batchSize":25}`)))

	payments.AssertExpectations(t)
	admitter.AssertExpectations(t)
	assert.ElementsMatch(t, []string{
		events.TopicPaymentRequested, events.TopicPaymentSuccess, events.TopicPaymentFailure, events.TopicQueueAdmit,
	}, d.Topics())
}

func TestSagaDispatcher_MalformedIsDropped(t *testing.T) {
	d := events.NewSagaDispatcher(new(mockPayments), new(mockAdmitter), observability.NewDiscardLogger())
	ctx := context.Background()

	for topic, body := range map[string]string{
		events.TopicPaymentSuccess: `{"paymentId":"not-a-uuid"}`,
		events.TopicPaymentFailure: `{`,
		events.TopicQueueAdmit:     `{"batchSize":3}`,
		"unknown.topic":            `{}`,
	} {
		err := d.Dispatch(ctx, topic, []byte(body))
		assert.Equal(t, events.Drop, events.Classify(err), topic)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, events.Ack, events.Classify(nil))
	assert.Equal(t, events.Requeue, events.Classify(domain.Transient(errors.New("broker down"))))
	assert.Equal(t, events.Requeue, events.Classify(domain.ErrSerializationFailure))
	assert.Equal(t, events.Ack, events.Classify(errors.Wrap(domain.ErrPaymentNotFound, "handle success")))
	assert.Equal(t, events.Ack, events.Classify(domain.Fatalf("seat S1 is AVAILABLE")))
	assert.Equal(t, events.Requeue, events.Classify(errors.New("unexpected")))
}
