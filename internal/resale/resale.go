// Package resale runs the secondary market. A listing sale is a single status
// CAS on the listing plus the split entries, so a lost race can never sell a
// ticket twice.
package resale

import (
	"context"
	"strings"
	"time"

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

type Store interface {
	store.Catalog
	store.Purchases
	store.Tickets
	store.Listings
}

type Service struct {
	store    Store
	gateway  payment.Gateway
	audit    *audit.Emitter
	settings domain.PlatformSettings
	logger   observability.Logger
	now      func() time.Time
}

func NewService(s Store, gw payment.Gateway, emitter *audit.Emitter, settings domain.PlatformSettings, logger observability.Logger) *Service {
	return &Service{store: s, gateway: gw, audit: emitter, settings: settings, logger: logger, now: time.Now}
}

func (s *Service) CreateListing(ctx context.Context, instanceID uuid.UUID, sellerID string, price decimal.Decimal) (*domain.Listing, error) {
	ctx, span := observability.Tracer("resale").Start(ctx, "resale.CreateListing")
	defer span.End()
	span.SetAttributes(attribute.String("instance_id", instanceID.String()))

	if !price.IsPositive() {
		return nil, domain.Invalid("price must be positive, got %s", price)
	}
	if !price.Equal(price.Round(2)) {
		return nil, domain.Invalid("price allows at most two decimal places, got %s", price)
	}

	in, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in.HolderID != sellerID {
		return nil, errors.Wrapf(domain.ErrNotOwner, "ticket %s", in.ID)
	}
	event, err := s.store.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	switch {
	case event.Status != domain.EventApproved:
		return nil, errors.Wrapf(domain.ErrResaleDisabled, "event %s is %s", event.ID, event.Status)
	case !event.Resale.Enabled:
		return nil, errors.Wrapf(domain.ErrResaleDisabled, "event %s", event.ID)
	case event.Resale.Soulbound:
		return nil, errors.Wrapf(domain.ErrSoulboundTicket, "ticket %s", in.ID)
	case in.Status == domain.InstanceListed:
		return nil, errors.Wrapf(domain.ErrAlreadyListed, "ticket %s", in.ID)
	case in.Status != domain.InstanceActive:
		return nil, errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", in.ID, in.Status)
	}
	class, err := s.store.GetClass(ctx, in.ClassID)
	if err != nil {
		return nil, err
	}
	if ceiling := event.Resale.PriceCeiling(class.FacePrice); price.GreaterThan(ceiling) {
		return nil, errors.Wrapf(domain.ErrPriceCeilingExceeded, "price %s, ceiling %s", price, ceiling)
	}

	l := domain.Listing{
		ID:         uuid.New(),
		InstanceID: in.ID,
		EventID:    in.EventID,
		SellerID:   sellerID,
		Price:      price,
		Status:     domain.ListingActive,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	listed := *in
	listed.Status = domain.InstanceListed
	s.audit.Emit(ctx, sellerID, "listing.created", l.ID.String(), nil, audit.OfListing(l))
	s.audit.Emit(ctx, sellerID, "ticket.listed", in.ID.String(), audit.OfTicket(*in), audit.OfTicket(listed))
	return &l, nil
}

// CancelListing is seller-only. Cancelling a sold or cancelled listing fails
// with domain.ErrAlreadyTerminal and changes nothing.
func (s *Service) CancelListing(ctx context.Context, listingID uuid.UUID, callerID string) error {
	ctx, span := observability.Tracer("resale").Start(ctx, "resale.CancelListing")
	defer span.End()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if l.SellerID != callerID {
		return errors.Wrapf(domain.ErrNotOwner, "listing %s", l.ID)
	}
	if l.Status != domain.ListingActive {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "listing %s is %s", l.ID, l.Status)
	}
	if err := s.store.CancelListing(ctx, l.ID, s.now().UTC()); err != nil {
		return err
	}
	after := *l
	after.Status = domain.ListingCancelled
	s.audit.Emit(ctx, callerID, "listing.cancelled", l.ID.String(), audit.OfListing(*l), audit.OfListing(after))
	return nil
}

func (s *Service) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return s.store.GetListing(ctx, id)
}

func (s *Service) ActiveListings(ctx context.Context, eventID uuid.UUID) ([]domain.Listing, error) {
	return s.store.ActiveListings(ctx, eventID)
}

type PurchaseRequest struct {
	ListingID      uuid.UUID
	BuyerID        string
	PaymentMethod  string
	IdempotencyKey string
}

type Result struct {
	Transaction domain.Transaction     `json:"transaction"`
	Listing     domain.Listing         `json:"listing"`
	Ticket      *domain.TicketInstance `json:"ticket,omitempty"`
}

type Confirmation struct {
	TransactionID uuid.UUID
	Succeeded     bool
	PaymentRef    string
	Reason        string
}

// PurchaseListing charges the buyer, then settles. A decline leaves the
// listing active and writes nothing but the failed transaction.
func (s *Service) PurchaseListing(ctx context.Context, req PurchaseRequest) (*Result, error) {
	ctx, span := observability.Tracer("resale").Start(ctx, "resale.PurchaseListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", req.ListingID.String()))

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, domain.Invalid("idempotency key is required")
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		return nil, domain.Invalid("buyer id is required")
	}
	if existing, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey); err == nil {
		return s.result(ctx, existing)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	l, err := s.store.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if l.SellerID == req.BuyerID {
		return nil, errors.Wrapf(domain.ErrSelfPurchaseNotAllowed, "listing %s", l.ID)
	}
	if l.Status != domain.ListingActive {
		return nil, errors.Wrapf(domain.ErrListingNoLongerAvailable, "listing %s is %s", l.ID, l.Status)
	}
	event, err := s.store.GetEvent(ctx, l.EventID)
	if err != nil {
		return nil, err
	}
	if !event.Resale.Enabled || event.Status != domain.EventApproved {
		return nil, errors.Wrapf(domain.ErrResaleDisabled, "event %s", event.ID)
	}

	now := s.now().UTC()
	listingID := l.ID
	tx := domain.Transaction{
		ID:             uuid.New(),
		Kind:           domain.TxResale,
		Status:         domain.TxPending,
		EventID:        l.EventID,
		BuyerID:        req.BuyerID,
		ListingID:      &listingID,
		Quantity:       1,
		Amount:         l.Price,
		PaymentMethod:  req.PaymentMethod,
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
		return nil, err
	}

	charge, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		Amount:         l.Price,
		Method:         req.PaymentMethod,
		PayerID:        req.BuyerID,
		Description:    "resale " + l.ID.String(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.fail(ctx, tx, "payment gateway unavailable")
		return nil, errors.Mark(errors.Wrap(err, "charge"), domain.ErrExternal)
	}
	switch charge.Status {
	case payment.Declined:
		s.fail(ctx, tx, charge.Reason)
		return nil, errors.Wrapf(domain.ErrPaymentDeclined, "listing %s: %s", l.ID, charge.Reason)
	case payment.Pending:
		tx.PaymentRef = charge.Ref
		return &Result{Transaction: tx, Listing: *l}, nil
	}
	return s.ConfirmPayment(ctx, Confirmation{TransactionID: tx.ID, Succeeded: true, PaymentRef: charge.Ref})
}

// ConfirmPayment settles a charged resale. When another buyer won the listing
// first the charge is refunded and domain.ErrListingNoLongerAvailable returned.
func (s *Service) ConfirmPayment(ctx context.Context, c Confirmation) (*Result, error) {
	ctx, span := observability.Tracer("resale").Start(ctx, "resale.ConfirmPayment")
	defer span.End()

	t, err := s.store.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.Kind != domain.TxResale || t.ListingID == nil {
		return nil, domain.Invalid("transaction %s is a %s transaction", t.ID, t.Kind)
	}
	switch t.Status {
	case domain.TxCompleted:
		return s.result(ctx, t)
	case domain.TxFailed:
		if c.Succeeded {
			s.refund(ctx, *t, c.PaymentRef)
		}
		return nil, errors.Wrapf(domain.ErrAlreadyTerminal, "transaction %s is failed", t.ID)
	}
	if !c.Succeeded {
		reason := c.Reason
		if reason == "" {
			reason = "payment declined"
		}
		s.fail(ctx, *t, reason)
		return s.result(ctx, t)
	}

	l, err := s.store.GetListing(ctx, *t.ListingID)
	if err != nil {
		return nil, err
	}
	event, err := s.store.GetEvent(ctx, l.EventID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	split := settlement.ResaleSplit(*event, l.Price, s.settings.ResaleFeePct, l.SellerID, s.settings.PlatformID)
	msg, err := domain.NewOutboxMessage("listing", l.ID, domain.EventListingSold, map[string]interface{}{
		"listing_id":     l.ID,
		"transaction_id": t.ID,
		"instance_id":    l.InstanceID,
		"event_id":       l.EventID,
		"seller_id":      l.SellerID,
		"buyer_id":       t.BuyerID,
		"price":          l.Price.StringFixed(2),
		"royalty":        split.Royalty.StringFixed(2),
	})
	if err != nil {
		return nil, err
	}

	settled := *t
	settled.PaymentRef = c.PaymentRef
	err = s.store.SettleListing(ctx, store.ResaleSettlement{
		ListingID:   l.ID,
		Transaction: settled,
		BuyerID:     t.BuyerID,
		Entries:     settlement.Entries(split.Shares, t.ID, l.EventID, now),
		Royalties:   split.Royalty,
		Outbox:      []domain.OutboxMessage{msg},
		At:          now,
	})
	if errors.Is(err, domain.ErrListingNoLongerAvailable) {
		s.fail(ctx, *t, "listing no longer available")
		s.refund(ctx, *t, c.PaymentRef)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	observability.TicketsSold.WithLabelValues("resale").Inc()
	for _, sh := range split.Shares {
		observability.SettledAmount.WithLabelValues(string(sh.Kind)).Add(sh.Amount.InexactFloat64())
	}
	sold := *l
	sold.Status = domain.ListingSold
	sold.BuyerID = t.BuyerID
	sold.SoldAt = &now
	s.audit.Emit(ctx, t.BuyerID, "listing.sold", l.ID.String(), audit.OfListing(*l), audit.OfListing(sold))
	s.logger.WithField("listing_id", l.ID).WithField("royalty", split.Royalty.String()).Info("listing sold")

	cur, err := s.store.GetTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, cur)
}

func (s *Service) fail(ctx context.Context, t domain.Transaction, reason string) {
	if err := s.store.FailTransaction(ctx, t.ID, reason, s.now().UTC()); err != nil {
		s.logger.WithError(err).WithField("transaction_id", t.ID).Error("failed to mark resale transaction failed")
		return
	}
	after := t
	after.Status = domain.TxFailed
	after.FailureReason = reason
	s.audit.Emit(ctx, t.BuyerID, "transaction.failed", t.ID.String(), audit.OfTransaction(t), audit.OfTransaction(after))
}

func (s *Service) refund(ctx context.Context, t domain.Transaction, paymentRef string) {
	err := s.gateway.Refund(ctx, payment.RefundRequest{
		PaymentRef:     paymentRef,
		Amount:         t.Amount,
		Reason:         "listing no longer available",
		IdempotencyKey: "orphan:" + t.ID.String(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("transaction_id", t.ID).Error("failed to refund resale payment")
	}
}

func (s *Service) result(ctx context.Context, t *domain.Transaction) (*Result, error) {
	cur, err := s.store.GetTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	l, err := s.store.GetListing(ctx, *cur.ListingID)
	if err != nil {
		return nil, err
	}
	out := &Result{Transaction: *cur, Listing: *l}
	if cur.Status == domain.TxCompleted {
		in, err := s.store.GetInstance(ctx, l.InstanceID)
		if err != nil {
			return nil, err
		}
		out.Ticket = in
	}
	return out, nil
}
