// Package withdrawal moves settled balances out through a payout rail.
//
//	pending ──Claim──▶ processing ──Complete──▶ completed
//	   ▲                    ├──────Fail───────▶ failed
//	   └──────Release───────┘
//
// Every edge is a status CAS in the store; a failed withdrawal stops holding
// funds, which is how the amount returns to the balance.
package withdrawal

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payout"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type Service struct {
	store   store.Withdrawals
	minimum decimal.Decimal
	audit   *audit.Emitter
	logger  observability.Logger
	now     func() time.Time
}

func NewService(s store.Withdrawals, minimum decimal.Decimal, emitter *audit.Emitter, logger observability.Logger) *Service {
	return &Service{store: s, minimum: minimum, audit: emitter, logger: logger, now: time.Now}
}

type Request struct {
	StakeholderID  string              `json:"stakeholder_id"`
	Amount         decimal.Decimal     `json:"amount"`
	Method         domain.PayoutMethod `json:"method"`
	Destination    string              `json:"destination"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (r Request) validate(minimum decimal.Decimal) error {
	if strings.TrimSpace(r.StakeholderID) == "" {
		return domain.Invalid("stakeholder id is required")
	}
	if !r.Method.Valid() {
		return domain.Invalid("unsupported payout method %q", r.Method)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return domain.Invalid("destination is required")
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return domain.Invalid("amount allows at most two decimal places, got %s", r.Amount)
	}
	if r.Amount.LessThan(minimum) {
		return errors.Wrapf(domain.ErrBelowMinimum, "amount %s, minimum %s", r.Amount, minimum)
	}
	return nil
}

// Request records a pending withdrawal. The balance check happens inside the
// store write, so concurrent requests cannot both spend the same funds.
func (s *Service) Request(ctx context.Context, req Request) (*domain.Withdrawal, error) {
	ctx, span := observability.Tracer("withdrawal").Start(ctx, "withdrawal.Request")
	defer span.End()
	span.SetAttributes(attribute.String("stakeholder_id", req.StakeholderID), attribute.String("method", string(req.Method)))

	if err := req.validate(s.minimum); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	w, err := s.store.CreateWithdrawal(ctx, domain.Withdrawal{
		ID:             uuid.New(),
		StakeholderID:  req.StakeholderID,
		Amount:         req.Amount,
		Method:         req.Method,
		Destination:    req.Destination,
		Status:         domain.WithdrawalPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	observability.WithdrawalTransitions.WithLabelValues(string(domain.WithdrawalPending)).Inc()
	s.audit.Emit(ctx, req.StakeholderID, "withdrawal.requested", w.ID.String(), nil, audit.OfWithdrawal(*w))
	return w, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// Claim moves a pending withdrawal to processing. Exactly one caller wins;
// the rest get domain.ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.transition(ctx, id, domain.WithdrawalPending, domain.WithdrawalProcessing, "", "")
}

// Release hands a claimed withdrawal that never reached the rail back to the
// pending queue.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.transition(ctx, id, domain.WithdrawalProcessing, domain.WithdrawalPending, "", "")
}

// Complete is a no-op on an already completed withdrawal so rail results can
// be redelivered.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, payoutRef string) (*domain.Withdrawal, error) {
	return s.transition(ctx, id, domain.WithdrawalProcessing, domain.WithdrawalCompleted, "", payoutRef)
}

func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Withdrawal, error) {
	if reason == "" {
		reason = "payout failed"
	}
	return s.transition(ctx, id, domain.WithdrawalProcessing, domain.WithdrawalFailed, reason, "")
}

// HandleResult applies an asynchronous rail result.
func (s *Service) HandleResult(ctx context.Context, r payout.Result) error {
	var err error
	if r.Succeeded {
		_, err = s.Complete(ctx, r.WithdrawalID, r.Ref)
	} else {
		_, err = s.Fail(ctx, r.WithdrawalID, r.Reason)
	}
	return err
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus, reason, ref string) (*domain.Withdrawal, error) {
	ctx, span := observability.Tracer("withdrawal").Start(ctx, "withdrawal.transition")
	defer span.End()
	span.SetAttributes(attribute.String("withdrawal_id", id.String()), attribute.String("to", string(to)))

	before, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.Status == to && to.Terminal() {
		return before, nil
	}
	if before.Status != from {
		if from == domain.WithdrawalPending {
			return nil, errors.Wrapf(domain.ErrAlreadyClaimed, "withdrawal %s is %s", id, before.Status)
		}
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "withdrawal %s is %s, want %s", id, before.Status, from)
	}

	now := s.now().UTC()
	var msgs []domain.OutboxMessage
	if to.Terminal() {
		eventType := domain.EventWithdrawalComplete
		if to == domain.WithdrawalFailed {
			eventType = domain.EventWithdrawalFailed
		}
		msg, err := domain.NewOutboxMessage("withdrawal", id, eventType, map[string]interface{}{
			"withdrawal_id":  id,
			"stakeholder_id": before.StakeholderID,
			"amount":         before.Amount.StringFixed(2),
			"method":         before.Method,
			"payout_ref":     ref,
			"reason":         reason,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	err = s.store.TransitionWithdrawal(ctx, store.WithdrawalTransition{
		ID:            id,
		From:          from,
		To:            to,
		FailureReason: reason,
		PayoutRef:     ref,
		Outbox:        msgs,
		At:            now,
	})
	if err != nil {
		return nil, err
	}

	after := *before
	after.Status = to
	after.FailureReason = reason
	if ref != "" {
		after.PayoutRef = ref
	}
	after.UpdatedAt = now
	observability.WithdrawalTransitions.WithLabelValues(string(to)).Inc()
	s.audit.Emit(ctx, before.StakeholderID, "withdrawal."+string(to), id.String(), audit.OfWithdrawal(*before), audit.OfWithdrawal(after))
	s.logger.WithField("withdrawal_id", id).WithField("status", to).Info("withdrawal transitioned")
	return &after, nil
}
