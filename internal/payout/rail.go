// Package payout is the boundary to the rails that move withdrawn funds out of
// the platform.
package payout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/shopspring/decimal"
)

type Request struct {
	WithdrawalID  uuid.UUID
	StakeholderID string
	Amount        decimal.Decimal
	Method        domain.PayoutMethod
	Destination   string
}

type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	// Submitted means the rail accepted the request and will report the
	// result later on the payout results queue.
	Submitted Outcome = "submitted"
)

type Receipt struct {
	Outcome Outcome
	Ref     string
	Reason  string
}

type Rail interface {
	// Submit must be idempotent on WithdrawalID.
	Submit(ctx context.Context, req Request) (Receipt, error)
}

// Result is what a rail reports back asynchronously.
type Result struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Succeeded    bool      `json:"succeeded"`
	Ref          string    `json:"ref,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

func DecodeResult(body []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return r, errors.Wrap(err, "decode payout result")
	}
	if r.WithdrawalID == uuid.Nil {
		return r, domain.Invalid("payout result without withdrawal id")
	}
	return r, nil
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// QueueRail publishes each request to payout.request.<method> and leaves the
// result to the consumer of the results queue.
type QueueRail struct {
	pub    Publisher
	logger observability.Logger
}

func NewQueueRail(pub Publisher, logger observability.Logger) *QueueRail {
	return &QueueRail{pub: pub, logger: logger}
}

type requestMessage struct {
	WithdrawalID  uuid.UUID `json:"withdrawal_id"`
	StakeholderID string    `json:"stakeholder_id"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Destination   string    `json:"destination"`
}

func (q *QueueRail) Submit(ctx context.Context, req Request) (Receipt, error) {
	body, err := json.Marshal(requestMessage{
		WithdrawalID:  req.WithdrawalID,
		StakeholderID: req.StakeholderID,
		Amount:        req.Amount.StringFixed(2),
		Method:        string(req.Method),
		Destination:   req.Destination,
	})
	if err != nil {
		return Receipt{}, errors.Wrap(err, "encode payout request")
	}
	key := "payout.request." + string(req.Method)
	err = q.pub.Publish(ctx, key, amqp.Publishing{
		MessageId:    req.WithdrawalID.String(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return Receipt{}, errors.Wrapf(err, "publish %s", key)
	}
	q.logger.WithField("withdrawal_id", req.WithdrawalID).WithField("method", req.Method).Info("payout submitted")
	return Receipt{Outcome: Submitted, Ref: "q_" + req.WithdrawalID.String()}, nil
}

// Sandbox settles instant methods on the spot and leaves batched ones
// submitted. Local runs only.
type Sandbox struct{}

func (Sandbox) Submit(_ context.Context, req Request) (Receipt, error) {
	ref := "sbx_" + req.WithdrawalID.String()
	if req.Method.Instant() {
		return Receipt{Outcome: Completed, Ref: ref}, nil
	}
	return Receipt{Outcome: Submitted, Ref: ref}, nil
}
