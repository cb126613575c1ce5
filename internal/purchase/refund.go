package purchase

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

func decimalInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}

func refundKey(id uuid.UUID) string {
	return "refund:" + id.String()
}

// Refund compensates a completed primary or resale transaction of a cancelled
// event. It never edits the original: a refund transaction carries negated
// copies of the original entries. Resales of the same tickets settled later
// are refunded first, newest first, so every buyer gets back what they paid
// and the ticket walks back to the seller of the refunded sale. Refunding
// twice returns the first refund.
func (s *Service) Refund(ctx context.Context, transactionID uuid.UUID, actorID, reason string) (*domain.Transaction, error) {
	ctx, span := observability.Tracer("purchase").Start(ctx, "purchase.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", transactionID.String()))

	t, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.Kind == domain.TxRefund || t.Status != domain.TxCompleted {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "transaction %s is a %s %s transaction", t.ID, t.Status, t.Kind)
	}
	if existing, err := s.store.GetTransactionByKey(ctx, refundKey(t.ID)); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	event, err := s.store.GetEvent(ctx, t.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.EventCancelled {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "event %s is %s, refunds require a cancelled event", event.ID, event.Status)
	}

	plan, err := s.planRefund(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, id := range plan.Tickets {
		resales, err := s.store.ResaleTransactions(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range resales {
			if resales[i].ID == t.ID {
				break
			}
			later, err := s.planRefund(ctx, &resales[i])
			if err != nil {
				return nil, err
			}
			if _, err := s.refundOne(ctx, &resales[i], later, actorID, reason); err != nil {
				return nil, errors.Wrapf(err, "refund later resale %s", resales[i].ID)
			}
		}
	}
	return s.refundOne(ctx, t, plan, actorID, reason)
}

// refundPlan says where a refund takes value back from and where its tickets go.
type refundPlan struct {
	Revenue   decimal.Decimal
	Royalties decimal.Decimal
	Tickets   []uuid.UUID
	To        store.InstanceState
}

func (s *Service) planRefund(ctx context.Context, t *domain.Transaction) (refundPlan, error) {
	if t.Kind == domain.TxResale {
		if t.ListingID == nil {
			return refundPlan{}, domain.Invalid("resale transaction %s has no listing", t.ID)
		}
		l, err := s.store.GetListing(ctx, *t.ListingID)
		if err != nil {
			return refundPlan{}, err
		}
		entries, err := s.store.TransactionEntries(ctx, t.ID)
		if err != nil {
			return refundPlan{}, err
		}
		royalties := decimal.Zero
		for _, e := range entries {
			if e.Kind == domain.EntryResaleRoyalty {
				royalties = royalties.Add(e.Amount)
			}
		}
		return refundPlan{
			Revenue:   decimal.Zero,
			Royalties: royalties,
			Tickets:   []uuid.UUID{l.InstanceID},
			To:        store.InstanceState{HolderID: l.SellerID, Status: domain.InstanceActive},
		}, nil
	}

	instances, err := s.store.TransactionInstances(ctx, t.ID)
	if err != nil {
		return refundPlan{}, err
	}
	ids := make([]uuid.UUID, len(instances))
	for i, in := range instances {
		ids[i] = in.ID
	}
	return refundPlan{
		Revenue:   t.Amount,
		Royalties: decimal.Zero,
		Tickets:   ids,
		To:        store.InstanceState{Status: domain.InstanceRefunded},
	}, nil
}

func (s *Service) refundOne(ctx context.Context, t *domain.Transaction, plan refundPlan, actorID, reason string) (*domain.Transaction, error) {
	key := refundKey(t.ID)
	if existing, err := s.store.GetTransactionByKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	entries, err := s.store.TransactionEntries(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	err = s.gateway.Refund(ctx, payment.RefundRequest{
		PaymentRef:     t.PaymentRef,
		Amount:         t.Amount,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "refund payment"), domain.ErrExternal)
	}

	now := s.now().UTC()
	refund := domain.Transaction{
		ID:             uuid.New(),
		Kind:           domain.TxRefund,
		Status:         domain.TxCompleted,
		EventID:        t.EventID,
		BuyerID:        t.BuyerID,
		ClassID:        t.ClassID,
		ListingID:      t.ListingID,
		RefundOf:       &t.ID,
		Quantity:       t.Quantity,
		Amount:         t.Amount,
		PaymentMethod:  t.PaymentMethod,
		PaymentRef:     t.PaymentRef,
		IdempotencyKey: key,
		FailureReason:  reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	msg, err := domain.NewOutboxMessage("transaction", refund.ID, domain.EventPurchaseRefunded, map[string]interface{}{
		"transaction_id": refund.ID,
		"refund_of":      t.ID,
		"kind":           t.Kind,
		"buyer_id":       t.BuyerID,
		"amount":         t.Amount.StringFixed(2),
		"reason":         reason,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.CommitRefund(ctx, store.RefundCommit{
		Refund:    refund,
		Entries:   settlement.Reversal(entries, refund.ID, now),
		EventID:   t.EventID,
		Revenue:   plan.Revenue,
		Royalties: plan.Royalties,
		Tickets:   plan.Tickets,
		To:        plan.To,
		Outbox:    []domain.OutboxMessage{msg},
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return s.store.GetTransactionByKey(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, actorID, "transaction.refunded", refund.ID.String(), audit.OfTransaction(*t), audit.OfTransaction(refund))
	s.logger.WithField("transaction_id", t.ID).WithField("refund_id", refund.ID).WithField("kind", t.Kind).Info("sale refunded")
	return &refund, nil
}
