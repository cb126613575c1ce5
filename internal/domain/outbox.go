package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	EventPurchaseCompleted  = "purchase.completed"
	EventPurchaseRefunded   = "purchase.refunded"
	EventListingSold        = "listing.sold"
	EventWithdrawalComplete = "withdrawal.completed"
	EventWithdrawalFailed   = "withdrawal.failed"
)

// NewOutboxMessage encodes payload as JSON. The dedupe key makes a retried
// write of the same fact collapse into one row.
func NewOutboxMessage(aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, errors.Wrapf(err, "encode %s payload", eventType)
	}
	return OutboxMessage{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		DedupeKey:     eventType + ":" + aggregateID.String(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}
