package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type AuditLogger struct {
	coll   *mongo.Collection
	clock  clock.Clock
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, clk clock.Clock, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		clock:  clk,
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    string    `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

// Record appends one entry to the audit log.
func (a *AuditLogger) Record(ctx context.Context, action, userID string, data map[string]interface{}) error {
	entry := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID,
		Timestamp: a.clock.Now(),
		Data:      bson.M(data),
	}
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// Trail returns the entries for one user, oldest first.
func (a *AuditLogger) Trail(ctx context.Context, userID string, limit int64) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}
