package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	msgs      []domain.OutboxMessage
	published map[uuid.UUID]time.Time
}

func (f *fakeRepo) UnpublishedOutbox(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	for _, m := range f.msgs {
		if _, done := f.published[m.ID]; !done {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	f.published[id] = at
	return nil
}

type fakeBroker struct {
	failOn string
	keys   []string
	ids    []string
}

func (b *fakeBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if key == b.failOn {
		return errors.New("broker down")
	}
	b.keys = append(b.keys, key)
	b.ids = append(b.ids, msg.MessageId)
	return nil
}

func message(t *testing.T, eventType string) domain.OutboxMessage {
	t.Helper()
	m, err := domain.NewOutboxMessage("listing", uuid.New(), eventType, map[string]string{"k": "v"})
	require.NoError(t, err)
	return m
}

func TestFlush_PublishesInOrderAndMarks(t *testing.T) {
	repo := &fakeRepo{published: map[uuid.UUID]time.Time{}}
	repo.msgs = []domain.OutboxMessage{message(t, domain.EventPurchaseCompleted), message(t, domain.EventListingSold)}
	broker := &fakeBroker{}
	p := NewPublisher(repo, broker, 10, observability.NewDiscardLogger())

	n, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{domain.EventPurchaseCompleted, domain.EventListingSold}, broker.keys)
	assert.Equal(t, repo.msgs[0].DedupeKey, broker.ids[0])

	n, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlush_StopsAtBrokerError(t *testing.T) {
	repo := &fakeRepo{published: map[uuid.UUID]time.Time{}}
	repo.msgs = []domain.OutboxMessage{
		message(t, domain.EventPurchaseCompleted),
		message(t, domain.EventWithdrawalFailed),
		message(t, domain.EventListingSold),
	}
	broker := &fakeBroker{failOn: domain.EventWithdrawalFailed}
	p := NewPublisher(repo, broker, 10, observability.NewDiscardLogger())

	n, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, repo.published, 1)

	broker.failOn = ""
	n, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
