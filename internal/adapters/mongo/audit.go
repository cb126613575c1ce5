package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLog is the audit.Sink backed by the audit_logs collection. Records are
// insert-only; _id is the record id so a retried write is a no-op.
type AuditLog struct {
	coll   *mongo.Collection
	logger observability.Logger
}

var _ audit.Sink = (*AuditLog)(nil)

func NewAuditLog(db *mongo.Database, logger observability.Logger) *AuditLog {
	return &AuditLog{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

// EnsureIndexes creates the lookup index used by ByEntity.
func (a *AuditLog) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "at", Value: 1}},
	})
	return errors.Wrap(err, "create audit index")
}

func (a *AuditLog) Write(ctx context.Context, rec audit.Record) error {
	_, err := a.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "insert audit record")
	}
	return nil
}

// ByEntity returns the trail of one entity, oldest first. Records whose
// digest no longer matches are still returned; callers check Verify.
func (a *AuditLog) ByEntity(ctx context.Context, entityType audit.SnapshotKind, entityID string, limit int64) ([]audit.Record, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"entity_type": entityType, "entity_id": entityID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find audit records")
	}
	var out []audit.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode audit records")
	}
	for _, rec := range out {
		if !rec.Verify() {
			a.logger.WithField("record_id", rec.ID).WithField("entity_id", entityID).Warn("audit digest mismatch")
		}
	}
	return out, nil
}
