// Package catalog holds the admin and organizer writes: events, their money
// configuration, ticket classes and referral codes.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/allocator"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const maxUpdateAttempts = 3

// transitions lists the allowed event status edges.
var transitions = map[domain.EventStatus][]domain.EventStatus{
	domain.EventPending:  {domain.EventApproved, domain.EventRejected, domain.EventCancelled},
	domain.EventApproved: {domain.EventCancelled},
}

func allowed(from, to domain.EventStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Service struct {
	store           store.Catalog
	alloc           *allocator.Allocator
	requireApproval bool
	audit           *audit.Emitter
	logger          observability.Logger
	now             func() time.Time
}

func NewService(s store.Catalog, alloc *allocator.Allocator, requireApproval bool, emitter *audit.Emitter, logger observability.Logger) *Service {
	return &Service{store: s, alloc: alloc, requireApproval: requireApproval, audit: emitter, logger: logger, now: time.Now}
}

type EventRequest struct {
	Name        string              `json:"name"`
	OrganizerID string              `json:"organizer_id"`
	ArtistID    string              `json:"artist_id"`
	VenueID     string              `json:"venue_id"`
	Split       domain.RoyaltySplit `json:"royalty_split"`
	Resale      domain.ResalePolicy `json:"resale_policy"`
}

func validateParties(e domain.Event) error {
	if e.Split.ArtistPct.IsPositive() && e.ArtistID == "" {
		return domain.Invalid("artist_id is required when artist_pct is %s", e.Split.ArtistPct)
	}
	if e.Split.VenuePct.IsPositive() && e.VenueID == "" {
		return domain.Invalid("venue_id is required when venue_pct is %s", e.Split.VenuePct)
	}
	return nil
}

// CreateEvent opens a new event. It starts pending unless the platform skips
// moderation.
func (s *Service) CreateEvent(ctx context.Context, p domain.Principal, req EventRequest) (*domain.Event, error) {
	ctx, span := observability.Tracer("catalog").Start(ctx, "catalog.CreateEvent")
	defer span.End()

	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Invalid("name is required")
	}
	if strings.TrimSpace(req.OrganizerID) == "" {
		return nil, domain.Invalid("organizer_id is required")
	}
	if !p.CanManage(req.OrganizerID) {
		return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot create events for %q", p.Role, p.ID, req.OrganizerID)
	}
	if err := domain.Percentages.RoyaltySplit(req.Split); err != nil {
		return nil, err
	}
	if err := domain.Percentages.ResalePolicy(req.Resale); err != nil {
		return nil, err
	}

	status := domain.EventPending
	if !s.requireApproval {
		status = domain.EventApproved
	}
	e := domain.Event{
		ID:                   uuid.New(),
		Name:                 strings.TrimSpace(req.Name),
		OrganizerID:          req.OrganizerID,
		ArtistID:             req.ArtistID,
		VenueID:              req.VenueID,
		Status:               status,
		Split:                req.Split,
		Resale:               req.Resale,
		TotalRevenue:         decimal.Zero,
		TotalRoyaltiesEarned: decimal.Zero,
		CreatedAt:            s.now().UTC(),
	}
	if err := validateParties(e); err != nil {
		return nil, err
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	e.Version = 1
	s.audit.Emit(ctx, p.ID, "event.created", e.ID.String(), nil, audit.OfEvent(e))
	s.logger.WithField("event_id", e.ID).WithField("status", e.Status).Info("event created")
	return &e, nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	return s.store.GetEvent(ctx, id)
}

func (s *Service) Approve(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Event, error) {
	if !p.IsAdmin() {
		return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot approve events", p.Role, p.ID)
	}
	return s.transition(ctx, p, id, domain.EventApproved)
}

func (s *Service) Reject(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Event, error) {
	if !p.IsAdmin() {
		return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot reject events", p.Role, p.ID)
	}
	return s.transition(ctx, p, id, domain.EventRejected)
}

// Cancel stops an event for good. Completed purchases of a cancelled event
// become refundable.
func (s *Service) Cancel(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Event, error) {
	return s.transition(ctx, p, id, domain.EventCancelled)
}

func (s *Service) transition(ctx context.Context, p domain.Principal, id uuid.UUID, to domain.EventStatus) (*domain.Event, error) {
	return s.mutate(ctx, p, id, "event."+string(to), func(e *domain.Event) error {
		if !allowed(e.Status, to) {
			return errors.Wrapf(domain.ErrInvalidTransition, "event %s: %s to %s", e.ID, e.Status, to)
		}
		e.Status = to
		return nil
	})
}

func (s *Service) ConfigureRoyaltySplit(ctx context.Context, p domain.Principal, id uuid.UUID, split domain.RoyaltySplit) (*domain.Event, error) {
	if err := domain.Percentages.RoyaltySplit(split); err != nil {
		return nil, err
	}
	return s.mutate(ctx, p, id, "event.royalty_split_configured", func(e *domain.Event) error {
		e.Split = split
		return validateParties(*e)
	})
}

func (s *Service) ConfigureResalePolicy(ctx context.Context, p domain.Principal, id uuid.UUID, policy domain.ResalePolicy) (*domain.Event, error) {
	if err := domain.Percentages.ResalePolicy(policy); err != nil {
		return nil, err
	}
	return s.mutate(ctx, p, id, "event.resale_policy_configured", func(e *domain.Event) error {
		e.Resale = policy
		return nil
	})
}

func (s *Service) SetSalesPaused(ctx context.Context, p domain.Principal, id uuid.UUID, paused bool) (*domain.Event, error) {
	action := "event.sales_resumed"
	if paused {
		action = "event.sales_paused"
	}
	return s.mutate(ctx, p, id, action, func(e *domain.Event) error {
		e.SalesPaused = paused
		return nil
	})
}

// mutate applies fn to a fresh copy of the event and writes it back under
// the version guard, retrying when a concurrent writer got there first.
func (s *Service) mutate(ctx context.Context, p domain.Principal, id uuid.UUID, action string, fn func(*domain.Event) error) (*domain.Event, error) {
	ctx, span := observability.Tracer("catalog").Start(ctx, "catalog.UpdateEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", id.String()), attribute.String("action", action))

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		before, err := s.store.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if !p.CanManage(before.OrganizerID) {
			return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot manage event %s", p.Role, p.ID, id)
		}
		after := *before
		if err := fn(&after); err != nil {
			return nil, err
		}
		err = s.store.UpdateEvent(ctx, after)
		if errors.Is(err, domain.ErrSerializationFailure) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		after.Version = before.Version + 1
		s.audit.Emit(ctx, p.ID, action, id.String(), audit.OfEvent(*before), audit.OfEvent(after))
		return &after, nil
	}
	return nil, lastErr
}

type ClassRequest struct {
	EventID      uuid.UUID       `json:"event_id"`
	Name         string          `json:"name"`
	FacePrice    decimal.Decimal `json:"face_price"`
	TotalSupply  int             `json:"total_supply"`
	PerWalletCap int             `json:"per_wallet_cap"`
}

// CreateTicketClass allocates the class token id up front; every unit minted
// from the class carries it.
func (s *Service) CreateTicketClass(ctx context.Context, p domain.Principal, req ClassRequest) (*domain.TicketClass, error) {
	ctx, span := observability.Tracer("catalog").Start(ctx, "catalog.CreateTicketClass")
	defer span.End()

	switch {
	case strings.TrimSpace(req.Name) == "":
		return nil, domain.Invalid("name is required")
	case !req.FacePrice.IsPositive():
		return nil, domain.Invalid("face_price must be positive, got %s", req.FacePrice)
	case !req.FacePrice.Equal(req.FacePrice.Round(2)):
		return nil, domain.Invalid("face_price allows at most two decimal places, got %s", req.FacePrice)
	case req.TotalSupply < 1:
		return nil, domain.Invalid("total_supply must be at least 1, got %d", req.TotalSupply)
	case req.PerWalletCap < 0:
		return nil, domain.Invalid("per_wallet_cap must not be negative, got %d", req.PerWalletCap)
	}
	e, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !p.CanManage(e.OrganizerID) {
		return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot manage event %s", p.Role, p.ID, e.ID)
	}
	if e.Status == domain.EventRejected || e.Status == domain.EventCancelled {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "event %s is %s", e.ID, e.Status)
	}

	tokenID, err := s.alloc.Allocate(ctx, e.ID, req.Name)
	if err != nil {
		return nil, err
	}
	c := domain.TicketClass{
		ID:           uuid.New(),
		EventID:      e.ID,
		Name:         strings.TrimSpace(req.Name),
		TokenID:      tokenID,
		FacePrice:    req.FacePrice,
		TotalSupply:  req.TotalSupply,
		PerWalletCap: req.PerWalletCap,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateClass(ctx, c); err != nil {
		return nil, err
	}
	c.Version = 1
	s.audit.Emit(ctx, p.ID, "ticket_class.created", c.ID.String(), nil, audit.OfClass(c))
	return &c, nil
}

func (s *Service) ListClasses(ctx context.Context, eventID uuid.UUID) ([]domain.TicketClass, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListClasses(ctx, eventID)
}

type ReferralRequest struct {
	Code          string          `json:"code"`
	PromoterID    string          `json:"promoter_id"`
	EventID       *uuid.UUID      `json:"event_id,omitempty"`
	CommissionPct decimal.Decimal `json:"commission_pct"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// CreateReferralCode issues a promoter code. Platform-wide codes need an
// admin; event-scoped ones may be issued by the event's organizer.
func (s *Service) CreateReferralCode(ctx context.Context, p domain.Principal, req ReferralRequest) (*domain.ReferralCode, error) {
	ctx, span := observability.Tracer("catalog").Start(ctx, "catalog.CreateReferralCode")
	defer span.End()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.Invalid("code is required")
	}
	if strings.TrimSpace(req.PromoterID) == "" {
		return nil, domain.Invalid("promoter_id is required")
	}
	if err := domain.Percentages.Commission(req.CommissionPct); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, domain.Invalid("expires_at must be in the future")
	}
	if req.EventID == nil {
		if !p.IsAdmin() {
			return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot issue platform-wide codes", p.Role, p.ID)
		}
	} else {
		e, err := s.store.GetEvent(ctx, *req.EventID)
		if err != nil {
			return nil, err
		}
		if !p.CanManage(e.OrganizerID) {
			return nil, errors.Wrapf(domain.ErrForbidden, "%s %q cannot manage event %s", p.Role, p.ID, e.ID)
		}
	}

	r := domain.ReferralCode{
		Code:          code,
		PromoterID:    req.PromoterID,
		EventID:       req.EventID,
		CommissionPct: req.CommissionPct,
		ExpiresAt:     req.ExpiresAt,
		TotalEarnings: decimal.Zero,
		CreatedAt:     now,
	}
	if err := s.store.CreateReferral(ctx, r); err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, p.ID, "referral_code.created", r.Code, nil, audit.OfReferral(r))
	return &r, nil
}

func (s *Service) GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	return s.store.GetReferral(ctx, strings.TrimSpace(code))
}
