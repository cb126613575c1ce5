package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-resale-settlement/internal/allocator"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin     = domain.Principal{ID: "root", Role: domain.RoleAdmin}
	organizer = domain.Principal{ID: "org", Role: domain.RoleOrganizer}
	stranger  = domain.Principal{ID: "other-org", Role: domain.RoleOrganizer}
	buyer     = domain.Principal{ID: "fan", Role: domain.RoleBuyer}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(requireApproval bool) (*Service, *memory.Store, *audit.Recorder) {
	st := memory.New()
	logger := observability.NewDiscardLogger()
	rec := &audit.Recorder{}
	return NewService(st, allocator.New(st, logger), requireApproval, audit.NewEmitter(rec, logger), logger), st, rec
}

func eventRequest() EventRequest {
	return EventRequest{
		Name:        "Open Air",
		OrganizerID: "org",
		ArtistID:    "artist",
		VenueID:     "venue",
		Split:       domain.RoyaltySplit{OrganizerPct: d("60"), ArtistPct: d("20"), VenuePct: d("10"), PlatformPct: d("10")},
		Resale:      domain.ResalePolicy{Enabled: true, RoyaltyPct: d("5"), MaxPricePct: d("150")},
	}
}

func TestCreateEvent(t *testing.T) {
	svc, _, rec := newService(true)
	ctx := context.Background()

	e, err := svc.CreateEvent(ctx, organizer, eventRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, e.Status)
	assert.Equal(t, []string{"event.created"}, rec.Actions())

	_, err = svc.CreateEvent(ctx, stranger, eventRequest())
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	bad := eventRequest()
	bad.Split.PlatformPct = d("11")
	_, err = svc.CreateEvent(ctx, organizer, bad)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	bad = eventRequest()
	bad.Resale.RoyaltyPct = d("12")
	_, err = svc.CreateEvent(ctx, organizer, bad)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	bad = eventRequest()
	bad.ArtistID = ""
	_, err = svc.CreateEvent(ctx, organizer, bad)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	open, _, _ := newService(false)
	e, err = open.CreateEvent(ctx, admin, eventRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.EventApproved, e.Status)
}

func TestEventTransitions(t *testing.T) {
	svc, _, _ := newService(true)
	ctx := context.Background()
	e, err := svc.CreateEvent(ctx, organizer, eventRequest())
	require.NoError(t, err)

	_, err = svc.Approve(ctx, organizer, e.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	approved, err := svc.Approve(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventApproved, approved.Status)

	_, err = svc.Reject(ctx, admin, e.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, domain.ErrState, domain.KindOf(err))

	cancelled, err := svc.Cancel(ctx, organizer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCancelled, cancelled.Status)

	_, err = svc.Approve(ctx, admin, e.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestConfigure(t *testing.T) {
	svc, st, rec := newService(false)
	ctx := context.Background()
	e, err := svc.CreateEvent(ctx, organizer, eventRequest())
	require.NoError(t, err)

	split := domain.RoyaltySplit{OrganizerPct: d("50"), ArtistPct: d("30"), VenuePct: d("10"), PlatformPct: d("10")}
	updated, err := svc.ConfigureRoyaltySplit(ctx, organizer, e.ID, split)
	require.NoError(t, err)
	assert.True(t, updated.Split.ArtistPct.Equal(d("30")))

	_, err = svc.ConfigureRoyaltySplit(ctx, stranger, e.ID, split)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = svc.ConfigureResalePolicy(ctx, organizer, e.ID, domain.ResalePolicy{Enabled: true, RoyaltyPct: d("5"), MaxPricePct: d("250")})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = svc.ConfigureResalePolicy(ctx, admin, e.ID, domain.ResalePolicy{Enabled: true, RoyaltyPct: d("10"), MaxPricePct: d("200"), Soulbound: true})
	require.NoError(t, err)

	paused, err := svc.SetSalesPaused(ctx, organizer, e.ID, true)
	require.NoError(t, err)
	assert.False(t, paused.Purchasable())

	stored, err := st.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.SalesPaused)
	assert.True(t, stored.Resale.Soulbound)
	assert.Equal(t, int64(4), stored.Version)
	assert.Contains(t, rec.Actions(), "event.sales_paused")
}

func TestCreateTicketClass(t *testing.T) {
	svc, _, _ := newService(false)
	ctx := context.Background()
	e, err := svc.CreateEvent(ctx, organizer, eventRequest())
	require.NoError(t, err)

	ga, err := svc.CreateTicketClass(ctx, organizer, ClassRequest{EventID: e.ID, Name: "GA", FacePrice: d("500"), TotalSupply: 100, PerWalletCap: 4})
	require.NoError(t, err)
	vip, err := svc.CreateTicketClass(ctx, organizer, ClassRequest{EventID: e.ID, Name: "VIP", FacePrice: d("2500"), TotalSupply: 10})
	require.NoError(t, err)
	assert.NotEqual(t, ga.TokenID, vip.TokenID)

	_, err = svc.CreateTicketClass(ctx, buyer, ClassRequest{EventID: e.ID, Name: "X", FacePrice: d("1"), TotalSupply: 1})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = svc.CreateTicketClass(ctx, organizer, ClassRequest{EventID: e.ID, Name: "Free", FacePrice: d("0"), TotalSupply: 1})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	classes, err := svc.ListClasses(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, classes, 2)

	_, err = svc.ListClasses(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCreateReferralCode(t *testing.T) {
	svc, _, _ := newService(false)
	ctx := context.Background()
	e, err := svc.CreateEvent(ctx, organizer, eventRequest())
	require.NoError(t, err)

	r, err := svc.CreateReferralCode(ctx, organizer, ReferralRequest{Code: " SUMMER ", PromoterID: "promo", EventID: &e.ID, CommissionPct: d("10")})
	require.NoError(t, err)
	assert.Equal(t, "SUMMER", r.Code)

	_, err = svc.CreateReferralCode(ctx, organizer, ReferralRequest{Code: "SUMMER", PromoterID: "promo", EventID: &e.ID, CommissionPct: d("10")})
	assert.True(t, errors.Is(err, domain.ErrDuplicate))

	_, err = svc.CreateReferralCode(ctx, organizer, ReferralRequest{Code: "ALL", PromoterID: "promo", CommissionPct: d("10")})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = svc.CreateReferralCode(ctx, admin, ReferralRequest{Code: "BIG", PromoterID: "promo", CommissionPct: d("16")})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	past := time.Now().Add(-time.Hour)
	_, err = svc.CreateReferralCode(ctx, admin, ReferralRequest{Code: "OLD", PromoterID: "promo", CommissionPct: d("5"), ExpiresAt: &past})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	got, err := svc.GetReferralCode(ctx, "SUMMER")
	require.NoError(t, err)
	assert.Equal(t, "promo", got.PromoterID)
}
