// Package purchase runs primary sales: reserve supply, take payment, then mint
// tickets and write the split in one commit.
package purchase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

type Store interface {
	store.Catalog
	store.Purchases
	store.Listings
}

type Service struct {
	store     Store
	inventory *inventory.Service
	gateway   payment.Gateway
	audit     *audit.Emitter
	settings  domain.PlatformSettings
	logger    observability.Logger
	now       func() time.Time
}

func NewService(s Store, inv *inventory.Service, gw payment.Gateway, emitter *audit.Emitter, settings domain.PlatformSettings, logger observability.Logger) *Service {
	return &Service{store: s, inventory: inv, gateway: gw, audit: emitter, settings: settings, logger: logger, now: time.Now}
}

type Request struct {
	ClassID        uuid.UUID
	Quantity       int
	WalletID       string
	PaymentMethod  string
	ReferralCode   string
	IdempotencyKey string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return domain.Invalid("idempotency key is required")
	}
	if strings.TrimSpace(r.PaymentMethod) == "" {
		return domain.Invalid("payment method is required")
	}
	return nil
}

type Result struct {
	Transaction domain.Transaction      `json:"transaction"`
	Instances   []domain.TicketInstance `json:"tickets,omitempty"`
	// ReferralWarning is set when a supplied referral code could not be used.
	// The purchase itself went ahead without commission.
	ReferralWarning error `json:"-"`
}

// Confirmation is the gateway's verdict on a pending charge.
type Confirmation struct {
	TransactionID uuid.UUID
	Succeeded     bool
	PaymentRef    string
	Reason        string
}

func (s *Service) Purchase(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.Tracer("purchase").Start(ctx, "purchase.Purchase")
	defer span.End()
	span.SetAttributes(attribute.String("class_id", req.ClassID.String()), attribute.Int("quantity", req.Quantity))

	if err := req.validate(); err != nil {
		return nil, err
	}
	existing, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey)
	if err == nil {
		return s.result(ctx, existing)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	class, err := s.store.GetClass(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	code, warning, err := s.checkReferral(ctx, req.ReferralCode, class.EventID, req.WalletID)
	if err != nil {
		return nil, err
	}

	res, err := s.inventory.Reserve(ctx, inventory.ReserveRequest{
		ClassID:        class.ID,
		WalletID:       req.WalletID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if res.Status != domain.ReservationPending {
		return nil, errors.Wrapf(domain.ErrAlreadyTerminal, "reservation for key %q is %s, retry with a new key", req.IdempotencyKey, res.Status)
	}

	now := s.now().UTC()
	classID := class.ID
	tx := domain.Transaction{
		ID:             uuid.New(),
		Kind:           domain.TxPrimary,
		Status:         domain.TxPending,
		EventID:        class.EventID,
		BuyerID:        req.WalletID,
		ClassID:        &classID,
		ReservationID:  &res.ID,
		Quantity:       req.Quantity,
		Amount:         class.FacePrice.Mul(decimalInt(req.Quantity)),
		PaymentMethod:  req.PaymentMethod,
		ReferralCode:   code,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			existing, gerr := s.store.GetTransactionByKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, gerr
			}
			return s.result(ctx, existing)
		}
		if rerr := s.inventory.Release(ctx, res.ID); rerr != nil {
			s.logger.WithError(rerr).WithField("reservation_id", res.ID).Error("failed to release reservation")
		}
		return nil, err
	}
	s.audit.Emit(ctx, req.WalletID, "transaction.created", tx.ID.String(), nil, audit.OfTransaction(tx))

	charge, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		Amount:         tx.Amount,
		Method:         req.PaymentMethod,
		PayerID:        req.WalletID,
		Description:    fmt.Sprintf("%d x %s", req.Quantity, class.Name),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.fail(ctx, tx, "payment gateway unavailable")
		return nil, errors.Mark(errors.Wrap(err, "charge"), domain.ErrExternal)
	}

	switch charge.Status {
	case payment.Declined:
		s.fail(ctx, tx, charge.Reason)
		return nil, errors.Wrapf(domain.ErrPaymentDeclined, "transaction %s: %s", tx.ID, charge.Reason)
	case payment.Pending:
		tx.PaymentRef = charge.Ref
		return &Result{Transaction: tx, ReferralWarning: warning}, nil
	}

	out, err := s.ConfirmPayment(ctx, Confirmation{TransactionID: tx.ID, Succeeded: true, PaymentRef: charge.Ref})
	if err != nil {
		return nil, err
	}
	out.ReferralWarning = warning
	return out, nil
}

// checkReferral resolves a supplied code. An unusable code yields a warning,
// never an error: the sale goes ahead without commission.
func (s *Service) checkReferral(ctx context.Context, code string, eventID uuid.UUID, buyerID string) (string, error, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", nil, nil
	}
	ref, err := s.store.GetReferral(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return "", errors.Wrapf(domain.ErrInvalidReferralCode, "code %q does not exist", code), nil
	}
	if err != nil {
		return "", nil, err
	}
	if !ref.Usable(eventID, buyerID, s.now()) {
		return "", errors.Wrapf(domain.ErrInvalidReferralCode, "code %q is expired, scoped to another event or self-referral", code), nil
	}
	return ref.Code, nil, nil
}

// ConfirmPayment applies the gateway's verdict. Repeated confirmations of a
// completed purchase return it unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, c Confirmation) (*Result, error) {
	ctx, span := observability.Tracer("purchase").Start(ctx, "purchase.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", c.TransactionID.String()), attribute.Bool("succeeded", c.Succeeded))

	t, err := s.store.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.Kind != domain.TxPrimary {
		return nil, domain.Invalid("transaction %s is a %s transaction", t.ID, t.Kind)
	}
	switch t.Status {
	case domain.TxCompleted:
		return s.result(ctx, t)
	case domain.TxFailed:
		if c.Succeeded {
			s.refundOrphan(ctx, *t, c.PaymentRef)
		}
		return nil, errors.Wrapf(domain.ErrAlreadyTerminal, "transaction %s is failed", t.ID)
	}

	if !c.Succeeded {
		reason := c.Reason
		if reason == "" {
			reason = "payment declined"
		}
		if err := s.fail(ctx, *t, reason); err != nil {
			return nil, err
		}
		failed, err := s.store.GetTransaction(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Transaction: *failed}, nil
	}

	now := s.now().UTC()
	commit, err := s.buildCommit(ctx, *t, c.PaymentRef, now)
	if err != nil {
		return nil, err
	}
	err = s.store.CommitPrimary(ctx, commit)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		cur, gerr := s.store.GetTransaction(ctx, t.ID)
		if gerr == nil && cur.Status == domain.TxCompleted {
			return s.result(ctx, cur)
		}
		// The reservation expired while the charge was in flight.
		if gerr == nil && cur.Status == domain.TxPending {
			s.fail(ctx, *cur, "reservation expired before payment")
		}
		s.refundOrphan(ctx, *t, c.PaymentRef)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	completed := *t
	completed.Status = domain.TxCompleted
	completed.PaymentRef = c.PaymentRef
	completed.UpdatedAt = now

	observability.TicketsSold.WithLabelValues("primary").Add(float64(t.Quantity))
	for _, e := range commit.Entries {
		observability.SettledAmount.WithLabelValues(string(e.Kind)).Add(e.Amount.InexactFloat64())
	}
	s.audit.Emit(ctx, t.BuyerID, "transaction.completed", t.ID.String(), audit.OfTransaction(*t), audit.OfTransaction(completed))
	for _, in := range commit.Instances {
		s.audit.Emit(ctx, t.BuyerID, "ticket.minted", in.ID.String(), nil, audit.OfTicket(in))
	}
	s.logger.WithField("transaction_id", t.ID).WithField("quantity", t.Quantity).Info("primary sale completed")

	return &Result{Transaction: completed, Instances: commit.Instances}, nil
}

func (s *Service) buildCommit(ctx context.Context, t domain.Transaction, paymentRef string, now time.Time) (store.PrimaryCommit, error) {
	if t.ClassID == nil || t.ReservationID == nil {
		return store.PrimaryCommit{}, errors.Newf("transaction %s has no class or reservation", t.ID)
	}
	class, err := s.store.GetClass(ctx, *t.ClassID)
	if err != nil {
		return store.PrimaryCommit{}, err
	}
	event, err := s.store.GetEvent(ctx, t.EventID)
	if err != nil {
		return store.PrimaryCommit{}, err
	}

	var ref *domain.ReferralCode
	if t.ReferralCode != "" {
		r, err := s.store.GetReferral(ctx, t.ReferralCode)
		switch {
		case err == nil && r.Usable(t.EventID, t.BuyerID, now):
			ref = r
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return store.PrimaryCommit{}, err
		}
	}
	split := settlement.PrimarySplit(*event, t.Amount, s.settings.PlatformID, ref)

	instances := make([]domain.TicketInstance, t.Quantity)
	ids := make([]uuid.UUID, t.Quantity)
	for i := range instances {
		instances[i] = domain.TicketInstance{
			ID:            uuid.New(),
			ClassID:       class.ID,
			EventID:       class.EventID,
			TokenID:       class.TokenID,
			HolderID:      t.BuyerID,
			Status:        domain.InstanceActive,
			PurchasePrice: class.FacePrice,
			PurchasedAt:   now,
			TransactionID: t.ID,
		}
		ids[i] = instances[i].ID
	}

	msg, err := domain.NewOutboxMessage("transaction", t.ID, domain.EventPurchaseCompleted, map[string]interface{}{
		"transaction_id": t.ID,
		"event_id":       t.EventID,
		"class_id":       class.ID,
		"buyer_id":       t.BuyerID,
		"token_id":       class.TokenID,
		"quantity":       t.Quantity,
		"amount":         t.Amount.StringFixed(2),
		"ticket_ids":     ids,
	})
	if err != nil {
		return store.PrimaryCommit{}, err
	}

	commit := store.PrimaryCommit{
		TransactionID: t.ID,
		ReservationID: *t.ReservationID,
		PaymentRef:    paymentRef,
		Instances:     instances,
		Entries:       settlement.Entries(split.Shares, t.ID, t.EventID, now),
		Revenue:       t.Amount,
		Outbox:        []domain.OutboxMessage{msg},
		At:            now,
	}
	if ref != nil && split.Commission.IsPositive() {
		commit.Referral = &store.ReferralCredit{Code: ref.Code, Amount: split.Commission}
	}
	return commit, nil
}

// fail marks t failed and releases its reservation. Errors are logged; the
// expiry worker releases anything left behind.
func (s *Service) fail(ctx context.Context, t domain.Transaction, reason string) error {
	err := s.store.FailTransaction(ctx, t.ID, reason, s.now().UTC())
	if err != nil {
		s.logger.WithError(err).WithField("transaction_id", t.ID).Error("failed to mark transaction failed")
		return err
	}
	after := t
	after.Status = domain.TxFailed
	after.FailureReason = reason
	s.audit.Emit(ctx, t.BuyerID, "transaction.failed", t.ID.String(), audit.OfTransaction(t), audit.OfTransaction(after))
	return nil
}

// refundOrphan returns money captured for a transaction that can no longer complete.
func (s *Service) refundOrphan(ctx context.Context, t domain.Transaction, paymentRef string) {
	err := s.gateway.Refund(ctx, payment.RefundRequest{
		PaymentRef:     paymentRef,
		Amount:         t.Amount,
		Reason:         "transaction could not complete",
		IdempotencyKey: "orphan:" + t.ID.String(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("transaction_id", t.ID).Error("failed to refund orphaned payment")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Result, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, t)
}

func (s *Service) result(ctx context.Context, t *domain.Transaction) (*Result, error) {
	out := &Result{Transaction: *t}
	if t.Status != domain.TxCompleted || t.Kind != domain.TxPrimary {
		return out, nil
	}
	instances, err := s.store.TransactionInstances(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	out.Instances = instances
	return out, nil
}
