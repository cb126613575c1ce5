package payout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (c *capture) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestQueueRail_PublishesByMethod(t *testing.T) {
	pub := &capture{}
	rail := NewQueueRail(pub, observability.NewDiscardLogger())
	id := uuid.New()

	rc, err := rail.Submit(context.Background(), Request{
		WithdrawalID: id, StakeholderID: "org", Amount: decimal.RequireFromString("125.5"),
		Method: domain.PayoutBank, Destination: "IBAN",
	})
	require.NoError(t, err)
	assert.Equal(t, Submitted, rc.Outcome)
	require.Equal(t, []string{"payout.request.bank"}, pub.keys)
	assert.Equal(t, id.String(), pub.msgs[0].MessageId)

	var m requestMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].Body, &m))
	assert.Equal(t, "125.50", m.Amount)
}

func TestQueueRail_PublishError(t *testing.T) {
	rail := NewQueueRail(&capture{err: errors.New("channel closed")}, observability.NewDiscardLogger())
	_, err := rail.Submit(context.Background(), Request{WithdrawalID: uuid.New(), Method: domain.PayoutCrypto})
	assert.Error(t, err)
}

func TestSandbox(t *testing.T) {
	rc, err := Sandbox{}.Submit(context.Background(), Request{WithdrawalID: uuid.New(), Method: domain.PayoutUPI})
	require.NoError(t, err)
	assert.Equal(t, Completed, rc.Outcome)

	rc, err = Sandbox{}.Submit(context.Background(), Request{WithdrawalID: uuid.New(), Method: domain.PayoutBank})
	require.NoError(t, err)
	assert.Equal(t, Submitted, rc.Outcome)
}

func TestDecodeResult(t *testing.T) {
	id := uuid.New()
	r, err := DecodeResult([]byte(`{"withdrawal_id":"` + id.String() + `","succeeded":false,"reason":"closed account"}`))
	require.NoError(t, err)
	assert.Equal(t, id, r.WithdrawalID)
	assert.Equal(t, "closed account", r.Reason)

	_, err = DecodeResult([]byte(`{"succeeded":true}`))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
