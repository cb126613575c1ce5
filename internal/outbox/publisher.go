// Package outbox relays messages committed alongside state changes to the
// broker. Delivery is at-least-once; consumers dedupe on MessageId.
package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
)

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	repo   store.Outbox
	broker Broker
	batch  int
	logger observability.Logger
	now    func() time.Time
}

func NewPublisher(repo store.Outbox, broker Broker, batch int, logger observability.Logger) *Publisher {
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{repo: repo, broker: broker, batch: batch, logger: logger, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// Flush publishes one batch in commit order and returns how many went out.
// It stops at the first broker error so ordering per aggregate holds.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	records, err := p.repo.UnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:    rec.DedupeKey,
			Type:         rec.EventType,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    rec.CreatedAt,
			Body:         rec.Payload,
		}
		if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
			p.logger.WithError(err).WithField("outbox_id", rec.ID).WithField("event_type", rec.EventType).Warn("outbox publish failed")
			return sent, nil
		}
		now := p.now().UTC()
		if err := p.repo.MarkPublished(ctx, rec.ID, now); err != nil {
			return sent, err
		}
		observability.OutboxLag.Set(now.Sub(rec.CreatedAt).Seconds())
		sent++
	}
	return sent, nil
}
