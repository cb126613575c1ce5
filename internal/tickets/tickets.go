// Package tickets covers what a holder does with a minted ticket outside the
// marketplace: hand it over and use it at the gate.
package tickets

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
	store.Tickets
}

type Service struct {
	store  Store
	audit  *audit.Emitter
	logger observability.Logger
	now    func() time.Time
}

func NewService(s Store, emitter *audit.Emitter, logger observability.Logger) *Service {
	return &Service{store: s, audit: emitter, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.TicketInstance, error) {
	return s.store.GetInstance(ctx, id)
}

func (s *Service) ListByHolder(ctx context.Context, holderID string) ([]domain.TicketInstance, error) {
	if strings.TrimSpace(holderID) == "" {
		return nil, domain.Invalid("holder id is required")
	}
	return s.store.InstancesByHolder(ctx, holderID)
}

// Transfer gives the ticket to toID without payment. A transferred ticket
// can still be used but never listed or transferred again.
func (s *Service) Transfer(ctx context.Context, instanceID uuid.UUID, fromID, toID string) (*domain.TicketInstance, error) {
	ctx, span := observability.Tracer("tickets").Start(ctx, "tickets.Transfer")
	defer span.End()
	span.SetAttributes(attribute.String("instance_id", instanceID.String()))

	if strings.TrimSpace(toID) == "" {
		return nil, domain.Invalid("recipient is required")
	}
	if toID == fromID {
		return nil, domain.Invalid("cannot transfer a ticket to its holder")
	}
	in, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in.HolderID != fromID {
		return nil, errors.Wrapf(domain.ErrNotOwner, "ticket %s", in.ID)
	}
	if in.Status != domain.InstanceActive {
		return nil, errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", in.ID, in.Status)
	}
	event, err := s.store.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if event.Resale.Soulbound {
		return nil, errors.Wrapf(domain.ErrSoulboundTicket, "ticket %s", in.ID)
	}

	err = s.store.TransitionInstance(ctx, in.ID,
		store.InstanceState{HolderID: fromID, Status: domain.InstanceActive},
		store.InstanceState{HolderID: toID, Status: domain.InstanceTransferred},
	)
	if err != nil {
		return nil, err
	}
	after := *in
	after.HolderID = toID
	after.Status = domain.InstanceTransferred
	s.audit.Emit(ctx, fromID, "ticket.transferred", in.ID.String(), audit.OfTicket(*in), audit.OfTicket(after))
	return &after, nil
}

// CheckIn marks the ticket used at gate. A second scan fails.
func (s *Service) CheckIn(ctx context.Context, instanceID uuid.UUID, gate, operatorID string) (*domain.TicketInstance, error) {
	ctx, span := observability.Tracer("tickets").Start(ctx, "tickets.CheckIn")
	defer span.End()

	if strings.TrimSpace(gate) == "" {
		return nil, domain.Invalid("gate is required")
	}
	in, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in.Status != domain.InstanceActive && in.Status != domain.InstanceTransferred {
		return nil, errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", in.ID, in.Status)
	}
	event, err := s.store.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.EventApproved {
		return nil, errors.Wrapf(domain.ErrInvalidInstanceState, "event %s is %s", event.ID, event.Status)
	}

	at := s.now().UTC()
	err = s.store.TransitionInstance(ctx, in.ID,
		store.InstanceState{HolderID: in.HolderID, Status: in.Status},
		store.InstanceState{HolderID: in.HolderID, Status: domain.InstanceUsed, CheckedInAt: &at, CheckInGate: gate},
	)
	if err != nil {
		return nil, err
	}
	after := *in
	after.Status = domain.InstanceUsed
	after.CheckedInAt = &at
	after.CheckInGate = gate
	s.audit.Emit(ctx, operatorID, "ticket.checked_in", in.ID.String(), audit.OfTicket(*in), audit.OfTicket(after))
	s.logger.WithField("ticket_id", in.ID).WithField("gate", gate).Info("ticket checked in")
	return &after, nil
}
