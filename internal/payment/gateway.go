// Package payment is the boundary to the payment gateway. The core only ever
// sends an amount and an idempotency key; card and bank details never reach it.
package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/shopspring/decimal"
)

type Status string

const (
	Succeeded Status = "succeeded"
	Pending   Status = "pending"
	Declined  Status = "declined"
)

type ChargeRequest struct {
	Amount         decimal.Decimal
	Method         string
	PayerID        string
	Description    string
	IdempotencyKey string
}

type ChargeResult struct {
	Status Status
	Ref    string
	Reason string
}

type RefundRequest struct {
	PaymentRef     string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type Gateway interface {
	// Charge must be idempotent on IdempotencyKey.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// Publisher is the slice of the broker the hosted checkout needs.
type Publisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// HostedCheckout hands charges and refunds to the checkout service over the
// broker and never blocks on the outcome. Every charge comes back Pending;
// the checkout service reports the result on the payment callback.
type HostedCheckout struct {
	pub    Publisher
	logger observability.Logger
}

func NewHostedCheckout(pub Publisher, logger observability.Logger) *HostedCheckout {
	return &HostedCheckout{pub: pub, logger: logger}
}

type checkoutMessage struct {
	Kind           string `json:"kind"`
	Ref            string `json:"ref"`
	Amount         string `json:"amount"`
	Method         string `json:"method,omitempty"`
	PayerID        string `json:"payer_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *HostedCheckout) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	ref := "chk_" + req.IdempotencyKey
	err := h.send(ctx, "payment.charge.requested", checkoutMessage{
		Kind:           "charge",
		Ref:            ref,
		Amount:         req.Amount.StringFixed(2),
		Method:         req.Method,
		PayerID:        req.PayerID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Status: Pending, Ref: ref}, nil
}

func (h *HostedCheckout) Refund(ctx context.Context, req RefundRequest) error {
	return h.send(ctx, "payment.refund.requested", checkoutMessage{
		Kind:           "refund",
		Ref:            req.PaymentRef,
		Amount:         req.Amount.StringFixed(2),
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (h *HostedCheckout) send(ctx context.Context, key string, m checkoutMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode checkout message")
	}
	err = h.pub.Publish(ctx, key, amqp.Publishing{
		MessageId:    m.IdempotencyKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	h.logger.WithField("ref", m.Ref).WithField("kind", m.Kind).Debug("checkout request published")
	return nil
}

// Instant settles every charge synchronously. Used for local runs against the
// in-memory store where no checkout service exists.
type Instant struct{}

func (Instant) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{Status: Succeeded, Ref: "inst_" + req.IdempotencyKey}, nil
}

func (Instant) Refund(context.Context, RefundRequest) error { return nil }
