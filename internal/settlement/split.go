package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

// Share is one stakeholder's cut of a sale before it becomes a ledger entry.
type Share struct {
	StakeholderID string
	Amount        decimal.Decimal
	Kind          domain.EntryKind
}

// PrimaryResult is the split of a primary sale. Shares always sum to Gross.
type PrimaryResult struct {
	Gross      decimal.Decimal
	Shares     []Share
	Commission decimal.Decimal
}

// PrimarySplit divides gross by the event's royalty split. The platform takes
// whatever rounding leaves over, so no cent is created or lost. A usable
// referral is paid out of the platform share.
func PrimarySplit(e domain.Event, gross decimal.Decimal, platformID string, referral *domain.ReferralCode) PrimaryResult {
	organizer := domain.PercentOf(gross, e.Split.OrganizerPct)
	artist := domain.PercentOf(gross, e.Split.ArtistPct)
	venue := domain.PercentOf(gross, e.Split.VenuePct)
	platform := gross.Sub(organizer).Sub(artist).Sub(venue)

	res := PrimaryResult{Gross: gross, Commission: decimal.Zero}
	if referral != nil {
		res.Commission = domain.PercentOf(platform, referral.CommissionPct)
		platform = platform.Sub(res.Commission)
	}

	res.Shares = appendShare(res.Shares, e.OrganizerID, organizer, domain.EntryPrimarySale)
	res.Shares = appendShare(res.Shares, e.ArtistID, artist, domain.EntryPrimarySale)
	res.Shares = appendShare(res.Shares, e.VenueID, venue, domain.EntryPrimarySale)
	res.Shares = appendShare(res.Shares, platformID, platform, domain.EntryPrimarySale)
	if referral != nil {
		res.Shares = appendShare(res.Shares, referral.PromoterID, res.Commission, domain.EntryReferralCommission)
	}
	return res
}

// ResaleResult is the split of a resale. Royalty + Fee + seller proceeds == Price.
type ResaleResult struct {
	Price   decimal.Decimal
	Royalty decimal.Decimal
	Fee     decimal.Decimal
	Shares  []Share
}

// ResaleSplit credits the royalty to organizer and artist in proportion to
// their primary split shares (all to the organizer when both are zero), the
// platform fee to the platform and the remainder to the seller.
func ResaleSplit(e domain.Event, price, feePct decimal.Decimal, sellerID, platformID string) ResaleResult {
	royalty := domain.PercentOf(price, e.Resale.RoyaltyPct)
	fee := domain.PercentOf(price, feePct)
	seller := price.Sub(royalty).Sub(fee)
	if seller.IsNegative() {
		// Rounding on tiny prices; the fee absorbs it.
		fee = price.Sub(royalty)
		seller = decimal.Zero
	}

	organizerRoyalty := royalty
	artistRoyalty := decimal.Zero
	if pool := e.Split.OrganizerPct.Add(e.Split.ArtistPct); pool.IsPositive() {
		organizerRoyalty = royalty.Mul(e.Split.OrganizerPct).Div(pool).Round(2)
		artistRoyalty = royalty.Sub(organizerRoyalty)
	}

	res := ResaleResult{Price: price, Royalty: royalty, Fee: fee}
	res.Shares = appendShare(res.Shares, e.OrganizerID, organizerRoyalty, domain.EntryResaleRoyalty)
	res.Shares = appendShare(res.Shares, e.ArtistID, artistRoyalty, domain.EntryResaleRoyalty)
	res.Shares = appendShare(res.Shares, platformID, fee, domain.EntryResaleFee)
	res.Shares = appendShare(res.Shares, sellerID, seller, domain.EntryResaleProceeds)
	return res
}

func appendShare(shares []Share, stakeholderID string, amount decimal.Decimal, kind domain.EntryKind) []Share {
	if amount.IsZero() {
		return shares
	}
	return append(shares, Share{StakeholderID: stakeholderID, Amount: amount, Kind: kind})
}

// Entries turns shares into ledger entries for one transaction.
func Entries(shares []Share, transactionID, eventID uuid.UUID, at time.Time) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(shares))
	for _, s := range shares {
		out = append(out, domain.LedgerEntry{
			ID:            uuid.New(),
			StakeholderID: s.StakeholderID,
			Amount:        s.Amount,
			TransactionID: transactionID,
			EventID:       eventID,
			Kind:          s.Kind,
			CreatedAt:     at,
		})
	}
	return out
}

// Reversal negates entries for a compensating transaction.
func Reversal(entries []domain.LedgerEntry, transactionID uuid.UUID, at time.Time) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.LedgerEntry{
			ID:            uuid.New(),
			StakeholderID: e.StakeholderID,
			Amount:        e.Amount.Neg(),
			TransactionID: transactionID,
			EventID:       e.EventID,
			Kind:          domain.EntryRefund,
			CreatedAt:     at,
		})
	}
	return out
}

// Total sums entry amounts.
func Total(entries []domain.LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}
