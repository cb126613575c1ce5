// Package inventory guards class supply. A reservation bumps sold_count up
// front; payment either commits it or releases it back exactly once.
package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

type Store interface {
	store.Catalog
	store.Inventory
	store.Purchases
}

type Service struct {
	store  Store
	ttl    time.Duration
	audit  *audit.Emitter
	logger observability.Logger
	now    func() time.Time
}

func NewService(s Store, ttl time.Duration, emitter *audit.Emitter, logger observability.Logger) *Service {
	return &Service{store: s, ttl: ttl, audit: emitter, logger: logger, now: time.Now}
}

type ReserveRequest struct {
	ClassID        uuid.UUID
	WalletID       string
	Quantity       int
	IdempotencyKey string
}

func (r ReserveRequest) validate() error {
	if r.ClassID == uuid.Nil {
		return domain.Invalid("class id is required")
	}
	if strings.TrimSpace(r.WalletID) == "" {
		return domain.Invalid("wallet id is required")
	}
	if r.Quantity < 1 {
		return domain.Invalid("quantity must be at least 1, got %d", r.Quantity)
	}
	return nil
}

func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*domain.Reservation, error) {
	ctx, span := observability.Tracer("inventory").Start(ctx, "inventory.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("class_id", req.ClassID.String()), attribute.Int("quantity", req.Quantity))

	if err := req.validate(); err != nil {
		observability.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	class, err := s.store.GetClass(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	event, err := s.store.GetEvent(ctx, class.EventID)
	if err != nil {
		return nil, err
	}
	if !event.Purchasable() {
		observability.ReservationsTotal.WithLabelValues("not_purchasable").Inc()
		return nil, errors.Wrapf(domain.ErrEventNotPurchasable, "event %s is %s, sales paused %t", event.ID, event.Status, event.SalesPaused)
	}

	now := s.now().UTC()
	res, err := s.store.Reserve(ctx, domain.Reservation{
		ID:             uuid.New(),
		ClassID:        class.ID,
		EventID:        class.EventID,
		WalletID:       req.WalletID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}, class.PerWalletCap)
	if err != nil {
		observability.ReservationsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	observability.ReservationsTotal.WithLabelValues("reserved").Inc()
	s.audit.Emit(ctx, req.WalletID, "reservation.created", res.ID.String(), nil, audit.OfReservation(*res))
	return res, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrWalletCapExceeded):
		return "wallet_cap"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// Release gives a PENDING reservation's quantity back. Releasing twice fails
// with domain.ErrAlreadyTerminal and changes nothing.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	ctx, span := observability.Tracer("inventory").Start(ctx, "inventory.Release")
	defer span.End()

	before, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if err := s.store.Release(ctx, reservationID); err != nil {
		return err
	}
	after := *before
	after.Status = domain.ReservationReleased
	s.audit.Emit(ctx, before.WalletID, "reservation.released", reservationID.String(), audit.OfReservation(*before), audit.OfReservation(after))
	return nil
}

// ExpireStale releases PENDING reservations past their expiry. A reservation
// still backing a pending purchase fails that purchase, which releases the
// reservation in the same step.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := observability.Tracer("inventory").Start(ctx, "inventory.ExpireStale")
	defer span.End()

	expired, err := s.store.ExpiredReservations(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, r := range expired {
		log := s.logger.WithField("reservation_id", r.ID)
		if err := s.expire(ctx, r, now); err != nil {
			if errors.Is(err, domain.ErrAlreadyTerminal) {
				continue
			}
			log.WithError(err).Error("failed to expire reservation")
			continue
		}
		released++
		observability.ReservationsTotal.WithLabelValues("expired").Inc()
		log.Info("reservation expired")
	}
	return released, nil
}

func (s *Service) expire(ctx context.Context, r domain.Reservation, now time.Time) error {
	if r.IdempotencyKey != "" {
		t, err := s.store.GetTransactionByKey(ctx, r.IdempotencyKey)
		switch {
		case err == nil && t.Status == domain.TxPending && t.ReservationID != nil && *t.ReservationID == r.ID:
			if err := s.store.FailTransaction(ctx, t.ID, "reservation expired", now); err != nil {
				return err
			}
			after := *t
			after.Status = domain.TxFailed
			after.FailureReason = "reservation expired"
			s.audit.Emit(ctx, "system", "transaction.failed", t.ID.String(), audit.OfTransaction(*t), audit.OfTransaction(after))
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}
	if err := s.store.Release(ctx, r.ID); err != nil {
		return err
	}
	after := r
	after.Status = domain.ReservationReleased
	s.audit.Emit(ctx, "system", "reservation.expired", r.ID.String(), audit.OfReservation(r), audit.OfReservation(after))
	return nil
}
