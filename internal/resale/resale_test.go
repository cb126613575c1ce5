package resale

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu      sync.Mutex
	status  payment.Status
	refunds []payment.RefundRequest
}

func (f *fakeGateway) Charge(_ context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return payment.ChargeResult{Status: f.status, Ref: "pay_" + req.IdempotencyKey, Reason: "card declined"}, nil
}

func (f *fakeGateway) Refund(_ context.Context, req payment.RefundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	return nil
}

func (f *fakeGateway) set(s payment.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type fixture struct {
	svc     *Service
	primary *purchase.Service
	store   *memory.Store
	gateway *fakeGateway
	event   domain.Event
	ticket  domain.TicketInstance
	sale    domain.Transaction
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newFixture sells one ticket at face 800 to "seller" on an event whose
// organizer:artist primary shares are 3:1.
func newFixture(t *testing.T, policy domain.ResalePolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	event := domain.Event{
		ID:          uuid.New(),
		Name:        "Club Night",
		OrganizerID: "org",
		ArtistID:    "artist",
		VenueID:     "venue",
		Status:      domain.EventApproved,
		Split:       domain.RoyaltySplit{OrganizerPct: d("60"), ArtistPct: d("20"), VenuePct: d("10"), PlatformPct: d("10")},
		Resale:      policy,
	}
	require.NoError(t, st.CreateEvent(ctx, event))
	class := domain.TicketClass{ID: uuid.New(), EventID: event.ID, Name: "GA", TokenID: 7, FacePrice: d("800"), TotalSupply: 10}
	require.NoError(t, st.CreateClass(ctx, class))

	logger := observability.NewDiscardLogger()
	emitter := audit.NewEmitter(nil, logger)
	settings := domain.DefaultPlatformSettings()
	gw := &fakeGateway{status: payment.Succeeded}
	primary := purchase.NewService(st, inventory.NewService(st, settings.ReservationTTL, emitter, logger), gw, emitter, settings, logger)
	res, err := primary.Purchase(ctx, purchase.Request{ClassID: class.ID, Quantity: 1, WalletID: "seller", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)

	return &fixture{
		svc:     NewService(st, gw, emitter, settings, logger),
		primary: primary,
		store:   st,
		gateway: gw,
		event:   event,
		ticket:  res.Instances[0],
		sale:    res.Transaction,
	}
}

func openPolicy() domain.ResalePolicy {
	return domain.ResalePolicy{Enabled: true, RoyaltyPct: d("5"), MaxPricePct: d("150")}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	b, err := f.store.Balance(context.Background(), id)
	require.NoError(t, err)
	return b.Available
}

func (f *fixture) buy(listingID uuid.UUID, buyer string) PurchaseRequest {
	return PurchaseRequest{ListingID: listingID, BuyerID: buyer, PaymentMethod: "card", IdempotencyKey: uuid.NewString()}
}

func TestPurchaseListing_SplitsRoyaltyFeeAndProceeds(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()
	orgBefore, artistBefore, platformBefore := f.balance(t, "org"), f.balance(t, "artist"), f.balance(t, "platform")

	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1000"))
	require.NoError(t, err)
	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, domain.InstanceListed, in.Status)

	res, err := f.svc.PurchaseListing(ctx, f.buy(l.ID, "buyer"))
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, res.Transaction.Status)
	assert.Equal(t, domain.ListingSold, res.Listing.Status)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, "buyer", res.Ticket.HolderID)
	assert.Equal(t, domain.InstanceActive, res.Ticket.Status)

	assert.True(t, f.balance(t, "org").Sub(orgBefore).Equal(d("37.5")))
	assert.True(t, f.balance(t, "artist").Sub(artistBefore).Equal(d("12.5")))
	assert.True(t, f.balance(t, "platform").Sub(platformBefore).Equal(d("25")))
	assert.True(t, f.balance(t, "seller").Equal(d("925")))

	e, _ := f.store.GetEvent(ctx, f.event.ID)
	assert.True(t, e.TotalRoyaltiesEarned.Equal(d("50")))

	msgs, err := f.store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.EventListingSold, msgs[len(msgs)-1].EventType)
}

func TestCreateListing_Rejections(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, openPolicy())
	_, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1200.01"))
	assert.True(t, errors.Is(err, domain.ErrPriceCeilingExceeded))
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "someone", d("900"))
	assert.True(t, errors.Is(err, domain.ErrNotOwner))

	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("0"))
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1200"))
	require.NoError(t, err)
	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1100"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyListed))

	soulbound := openPolicy()
	soulbound.Soulbound = true
	f = newFixture(t, soulbound)
	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	assert.True(t, errors.Is(err, domain.ErrSoulboundTicket))

	disabled := openPolicy()
	disabled.Enabled = false
	f = newFixture(t, disabled)
	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	assert.True(t, errors.Is(err, domain.ErrResaleDisabled))
}

func TestCancelListing_RoundTrip(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()

	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	require.NoError(t, err)

	err = f.svc.CancelListing(ctx, l.ID, "buyer")
	assert.True(t, errors.Is(err, domain.ErrNotOwner))

	require.NoError(t, f.svc.CancelListing(ctx, l.ID, "seller"))
	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, domain.InstanceActive, in.Status)
	assert.Equal(t, "seller", in.HolderID)

	err = f.svc.CancelListing(ctx, l.ID, "seller")
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))

	active, err := f.svc.ActiveListings(ctx, f.event.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("950"))
	require.NoError(t, err)
}

func TestPurchaseListing_SellerCannotBuyOwnListing(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	require.NoError(t, err)

	_, err = f.svc.PurchaseListing(ctx, f.buy(l.ID, "seller"))
	assert.True(t, errors.Is(err, domain.ErrSelfPurchaseNotAllowed))
}

func TestPurchaseListing_DeclineLeavesListingActive(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	require.NoError(t, err)
	f.gateway.set(payment.Declined)

	req := f.buy(l.ID, "buyer")
	_, err = f.svc.PurchaseListing(ctx, req)
	assert.True(t, errors.Is(err, domain.ErrPaymentDeclined))

	cur, _ := f.store.GetListing(ctx, l.ID)
	assert.Equal(t, domain.ListingActive, cur.Status)
	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, "seller", in.HolderID)
	assert.True(t, f.balance(t, "seller").IsZero())

	tx, err := f.store.GetTransactionByKey(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, tx.Status)
}

func TestPurchaseListing_SecondBuyerIsRefunded(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	require.NoError(t, err)
	f.gateway.set(payment.Pending)

	first, err := f.svc.PurchaseListing(ctx, f.buy(l.ID, "alice"))
	require.NoError(t, err)
	second, err := f.svc.PurchaseListing(ctx, f.buy(l.ID, "bob"))
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, Confirmation{TransactionID: first.Transaction.ID, Succeeded: true, PaymentRef: "a"})
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, Confirmation{TransactionID: second.Transaction.ID, Succeeded: true, PaymentRef: "b"})
	assert.True(t, errors.Is(err, domain.ErrListingNoLongerAvailable))

	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, "alice", in.HolderID)
	lost, _ := f.store.GetTransaction(ctx, second.Transaction.ID)
	assert.Equal(t, domain.TxFailed, lost.Status)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, "b", f.gateway.refunds[0].PaymentRef)
	assert.True(t, f.balance(t, "seller").Equal(d("832.5")))
}

func TestPurchaseListing_RetryWithSameKeyIsIdempotent(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	require.NoError(t, err)

	req := f.buy(l.ID, "buyer")
	first, err := f.svc.PurchaseListing(ctx, req)
	require.NoError(t, err)
	again, err := f.svc.PurchaseListing(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.True(t, f.balance(t, "seller").Equal(d("832.5")))
}

func TestRefund_CancelledEventUnwindsResaleChain(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()

	first, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1000"))
	require.NoError(t, err)
	toBuyer, err := f.svc.PurchaseListing(ctx, f.buy(first.ID, "buyer"))
	require.NoError(t, err)
	second, err := f.svc.CreateListing(ctx, f.ticket.ID, "buyer", d("1100"))
	require.NoError(t, err)
	toThird, err := f.svc.PurchaseListing(ctx, f.buy(second.ID, "third"))
	require.NoError(t, err)

	e, _ := f.store.GetEvent(ctx, f.event.ID)
	e.Status = domain.EventCancelled
	require.NoError(t, f.store.UpdateEvent(ctx, *e))

	// Refunding the first resale takes the later one back first.
	refund, err := f.primary.Refund(ctx, toBuyer.Transaction.ID, "admin", "event cancelled")
	require.NoError(t, err)
	assert.Equal(t, toBuyer.Transaction.ID, *refund.RefundOf)
	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, "seller", in.HolderID)
	assert.Equal(t, domain.InstanceActive, in.Status)

	_, err = f.primary.Refund(ctx, f.sale.ID, "admin", "event cancelled")
	require.NoError(t, err)
	again, err := f.primary.Refund(ctx, toThird.Transaction.ID, "admin", "event cancelled")
	require.NoError(t, err)
	assert.Equal(t, toThird.Transaction.ID, *again.RefundOf)

	require.Len(t, f.gateway.refunds, 3)
	assert.Equal(t, toThird.Transaction.PaymentRef, f.gateway.refunds[0].PaymentRef)
	assert.True(t, f.gateway.refunds[0].Amount.Equal(d("1100")))
	assert.Equal(t, toBuyer.Transaction.PaymentRef, f.gateway.refunds[1].PaymentRef)
	assert.True(t, f.gateway.refunds[1].Amount.Equal(d("1000")))
	assert.Equal(t, f.sale.PaymentRef, f.gateway.refunds[2].PaymentRef)
	assert.True(t, f.gateway.refunds[2].Amount.Equal(d("800")))

	for _, id := range []string{"seller", "buyer", "third", "org", "artist", "venue", "platform"} {
		assert.True(t, f.balance(t, id).IsZero(), "%s holds %s", id, f.balance(t, id))
	}
	e, _ = f.store.GetEvent(ctx, f.event.ID)
	assert.True(t, e.TotalRevenue.IsZero())
	assert.True(t, e.TotalRoyaltiesEarned.IsZero())

	in, _ = f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, "seller", in.HolderID)
	assert.Equal(t, domain.InstanceRefunded, in.Status)
}

func TestRefund_PrimarySaleOfResoldTicketPaysEveryBuyer(t *testing.T) {
	f := newFixture(t, openPolicy())
	ctx := context.Background()

	l, err := f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("1000"))
	require.NoError(t, err)
	_, err = f.svc.PurchaseListing(ctx, f.buy(l.ID, "buyer"))
	require.NoError(t, err)

	e, _ := f.store.GetEvent(ctx, f.event.ID)
	e.Status = domain.EventCancelled
	require.NoError(t, f.store.UpdateEvent(ctx, *e))

	_, err = f.primary.Refund(ctx, f.sale.ID, "admin", "event cancelled")
	require.NoError(t, err)

	require.Len(t, f.gateway.refunds, 2)
	assert.True(t, f.gateway.refunds[0].Amount.Equal(d("1000")))
	assert.True(t, f.gateway.refunds[1].Amount.Equal(d("800")))
	assert.True(t, f.balance(t, "seller").IsZero())
	in, _ := f.store.GetInstance(ctx, f.ticket.ID)
	assert.Equal(t, domain.InstanceRefunded, in.Status)

	_, err = f.svc.CreateListing(ctx, f.ticket.ID, "seller", d("900"))
	assert.Error(t, err)
}
