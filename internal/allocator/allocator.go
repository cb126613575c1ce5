// Package allocator hands out class-level token ids. Ids come from a durable
// sequence so restarts and extra replicas can never reissue one.
package allocator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// MaxTokenID bounds the id space. The sequence would need to issue an id every
// nanosecond for a century to reach it.
const MaxTokenID int64 = 1 << 62

type Allocator struct {
	seq    store.Sequence
	logger observability.Logger
}

func New(seq store.Sequence, logger observability.Logger) *Allocator {
	return &Allocator{seq: seq, logger: logger}
}

func (a *Allocator) Allocate(ctx context.Context, eventID uuid.UUID, className string) (domain.TokenID, error) {
	ctx, span := observability.Tracer("allocator").Start(ctx, "allocator.Allocate")
	defer span.End()

	n, err := a.seq.Next(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "next token id")
	}
	if n < 1 || n > MaxTokenID {
		return 0, errors.Wrapf(domain.ErrAllocationExhausted, "sequence returned %d", n)
	}
	span.SetAttributes(attribute.Int64("token_id", n))
	a.logger.WithField("event_id", eventID).WithField("class", className).WithField("token_id", n).Debug("token id allocated")
	return domain.TokenID(n), nil
}
