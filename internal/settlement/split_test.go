package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testEvent() domain.Event {
	return domain.Event{
		ID:          uuid.New(),
		OrganizerID: "org",
		ArtistID:    "artist",
		VenueID:     "venue",
		Status:      domain.EventApproved,
		Split: domain.RoyaltySplit{
			OrganizerPct: d("60"),
			ArtistPct:    d("20"),
			VenuePct:     d("10"),
			PlatformPct:  d("10"),
		},
		Resale: domain.ResalePolicy{Enabled: true, RoyaltyPct: d("5"), MaxPricePct: d("150")},
	}
}

func shareOf(shares []settlement.Share, id string, kind domain.EntryKind) decimal.Decimal {
	for _, s := range shares {
		if s.StakeholderID == id && s.Kind == kind {
			return s.Amount
		}
	}
	return decimal.Zero
}

func sum(shares []settlement.Share) decimal.Decimal {
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Amount)
	}
	return total
}

func TestPrimarySplit(t *testing.T) {
	e := testEvent()
	res := settlement.PrimarySplit(e, d("1000"), "platform", nil)

	assert.True(t, sum(res.Shares).Equal(d("1000")))
	assert.True(t, shareOf(res.Shares, "org", domain.EntryPrimarySale).Equal(d("600")))
	assert.True(t, shareOf(res.Shares, "artist", domain.EntryPrimarySale).Equal(d("200")))
	assert.True(t, shareOf(res.Shares, "venue", domain.EntryPrimarySale).Equal(d("100")))
	assert.True(t, shareOf(res.Shares, "platform", domain.EntryPrimarySale).Equal(d("100")))
	assert.True(t, res.Commission.IsZero())
}

func TestPrimarySplit_ReferralComesOutOfPlatformShare(t *testing.T) {
	e := testEvent()
	ref := &domain.ReferralCode{Code: "FRIEND", PromoterID: "promoter", CommissionPct: d("10")}
	res := settlement.PrimarySplit(e, d("1000"), "platform", ref)

	assert.True(t, sum(res.Shares).Equal(d("1000")))
	assert.True(t, res.Commission.Equal(d("10")))
	assert.True(t, shareOf(res.Shares, "promoter", domain.EntryReferralCommission).Equal(d("10")))
	assert.True(t, shareOf(res.Shares, "platform", domain.EntryPrimarySale).Equal(d("90")))
	assert.True(t, shareOf(res.Shares, "org", domain.EntryPrimarySale).Equal(d("600")))
}

func TestPrimarySplit_RoundingRemainderGoesToPlatform(t *testing.T) {
	e := testEvent()
	e.Split = domain.RoyaltySplit{OrganizerPct: d("33.33"), ArtistPct: d("33.33"), VenuePct: d("33.33"), PlatformPct: d("0.01")}
	res := settlement.PrimarySplit(e, d("0.10"), "platform", nil)

	assert.True(t, sum(res.Shares).Equal(d("0.10")), "shares sum to %s", sum(res.Shares))
}

func TestResaleSplit_ThousandAtFivePercent(t *testing.T) {
	e := testEvent()
	res := settlement.ResaleSplit(e, d("1000"), d("2.5"), "seller", "platform")

	assert.True(t, res.Royalty.Equal(d("50")))
	assert.True(t, res.Fee.Equal(d("25")))
	assert.True(t, shareOf(res.Shares, "org", domain.EntryResaleRoyalty).Equal(d("37.5")))
	assert.True(t, shareOf(res.Shares, "artist", domain.EntryResaleRoyalty).Equal(d("12.5")))
	assert.True(t, shareOf(res.Shares, "platform", domain.EntryResaleFee).Equal(d("25")))
	assert.True(t, shareOf(res.Shares, "seller", domain.EntryResaleProceeds).Equal(d("925")))
	assert.True(t, sum(res.Shares).Equal(d("1000")))
}

func TestResaleSplit_NoOrganizerOrArtistShare(t *testing.T) {
	e := testEvent()
	e.Split = domain.RoyaltySplit{OrganizerPct: d("0"), ArtistPct: d("0"), VenuePct: d("50"), PlatformPct: d("50")}
	res := settlement.ResaleSplit(e, d("200"), d("0"), "seller", "platform")

	assert.True(t, shareOf(res.Shares, "org", domain.EntryResaleRoyalty).Equal(d("10")))
	assert.True(t, shareOf(res.Shares, "artist", domain.EntryResaleRoyalty).IsZero())
	assert.True(t, shareOf(res.Shares, "seller", domain.EntryResaleProceeds).Equal(d("190")))
}

func TestResaleSplit_SellerShareNeverNegative(t *testing.T) {
	e := testEvent()
	e.Resale.RoyaltyPct = d("10")

	res := settlement.ResaleSplit(e, d("1000"), d("89.99"), "seller", "platform")
	assert.True(t, shareOf(res.Shares, "seller", domain.EntryResaleProceeds).Equal(d("0.1")))
	assert.True(t, sum(res.Shares).Equal(d("1000")))

	res = settlement.ResaleSplit(e, d("100"), d("95"), "seller", "platform")
	assert.True(t, res.Fee.Equal(d("90")))
	for _, sh := range res.Shares {
		assert.False(t, sh.Amount.IsNegative(), sh.StakeholderID)
	}
	assert.True(t, sum(res.Shares).Equal(d("100")))
}

func TestReversalNegatesEveryEntry(t *testing.T) {
	e := testEvent()
	txID := uuid.New()
	entries := settlement.Entries(settlement.PrimarySplit(e, d("500"), "platform", nil).Shares, txID, e.ID, time.Now())
	rev := settlement.Reversal(entries, uuid.New(), time.Now())

	require.Len(t, rev, len(entries))
	assert.True(t, settlement.Total(entries).Add(settlement.Total(rev)).IsZero())
	for _, r := range rev {
		assert.Equal(t, domain.EntryRefund, r.Kind)
	}
}

func TestLedger_BalanceOf(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	e := testEvent()
	require.NoError(t, st.CreateEvent(ctx, e))
	class := domain.TicketClass{ID: uuid.New(), EventID: e.ID, Name: "GA", TokenID: 1, FacePrice: d("100"), TotalSupply: 10}
	require.NoError(t, st.CreateClass(ctx, class))

	res, err := st.Reserve(ctx, domain.Reservation{ID: uuid.New(), ClassID: class.ID, EventID: e.ID, WalletID: "buyer", Quantity: 2, IdempotencyKey: "k1"}, 0)
	require.NoError(t, err)
	txID := uuid.New()
	require.NoError(t, st.CreateTransaction(ctx, domain.Transaction{ID: txID, Kind: domain.TxPrimary, Status: domain.TxPending, EventID: e.ID, ReservationID: &res.ID, IdempotencyKey: "k1"}))

	split := settlement.PrimarySplit(e, d("200"), "platform", nil)
	require.NoError(t, st.CommitPrimary(ctx, store.PrimaryCommit{
		TransactionID: txID,
		ReservationID: res.ID,
		Entries:       settlement.Entries(split.Shares, txID, e.ID, time.Now()),
		Revenue:       d("200"),
		At:            time.Now(),
	}))

	ledger := settlement.NewLedger(st)
	b, err := ledger.BalanceOf(ctx, "org")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("120")))

	entries, err := ledger.Entries(ctx, "org", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = ledger.BalanceOf(ctx, " ")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
