package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"

	adapter "github.com/robertarktes/concert-seat-admission/internal/adapters/mongo"
	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

var t0 = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)

	db, err := adapter.Connect(ctx, endpoint, "tro_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Client().Disconnect(ctx) })
	return db
}

func TestCatalogRepository(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)
	catalog := adapter.NewCatalogRepository(db, clock.NewManual(t0), observability.NewDiscardLogger())
	require.NoError(t, catalog.EnsureIndexes(ctx))

	require.NoError(t, catalog.CreateConcert(ctx, adapter.ConcertDoc{
		ID:     "C1",
		Name:   "Autumn Tour",
		OnSale: true,
		Grades: []adapter.GradeDoc{{Name: "VIP", Price: "150000"}, {Name: "R", Price: "120000"}},
		Seats: []adapter.SeatDoc{
			{ID: "C1-A1", Grade: "VIP", Section: "A", Row: "1", Number: "1"},
			{ID: "C1-B1", Grade: "R", Section: "B", Row: "1", Number: "1"},
			{ID: "C1-B2", Grade: "R", Section: "B", Row: "1", Number: "2"},
		},
	}))
	require.NoError(t, catalog.CreateConcert(ctx, adapter.ConcertDoc{
		ID:     "C2",
		Grades: []adapter.GradeDoc{{Name: "R", Price: "90000"}},
		Seats:  []adapter.SeatDoc{{ID: "C2-A1", Grade: "R"}},
	}))

	seat, err := catalog.Seat(ctx, "C1-B2")
	require.NoError(t, err)
	require.NotNil(t, seat)
	assert.Equal(t, "C1", seat.ConcertID)
	assert.Equal(t, "R", seat.Grade)
	assert.True(t, decimal.NewFromInt(120000).Equal(seat.Price))

	missing, err := catalog.Seat(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	seats, err := catalog.SeatsByGrade(ctx, "C1", "R")
	require.NoError(t, err)
	assert.Len(t, seats, 2)

	open, err := catalog.OpenConcerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, open)

	require.NoError(t, catalog.SetOnSale(ctx, "C2", true))
	open, err = catalog.OpenConcerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2"}, open)
}

func TestAuditLogger(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)
	audit := adapter.NewAuditLogger(db, clock.NewManual(t0), observability.NewDiscardLogger())

	require.NoError(t, audit.Record(ctx, "payment.completed", "U1", map[string]interface{}{"payment_id": "p1"}))
	require.NoError(t, audit.Record(ctx, "payment.failed", "U2", nil))

	trail, err := audit.Trail(ctx, "U1", 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "payment.completed", trail[0].Action)
	assert.Equal(t, "p1", trail[0].Data["payment_id"])
	assert.True(t, t0.Equal(trail[0].Timestamp))
}
