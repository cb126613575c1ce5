package domain

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	minResaleRoyaltyPct = decimal.NewFromInt(2)
	maxResaleRoyaltyPct = decimal.NewFromInt(10)
	minMaxPricePct      = decimal.NewFromInt(100)
	maxMaxPricePct      = decimal.NewFromInt(200)
	minCommissionPct    = decimal.NewFromInt(1)
	maxCommissionPct    = decimal.NewFromInt(15)
)

// Percentages is the single place percentage invariants are checked. Every write
// path touching a royalty split, a referral commission or a resale policy goes
// through it.
var Percentages percentValidator

type percentValidator struct{}

func (percentValidator) between(field string, v, lo, hi decimal.Decimal) error {
	if v.LessThan(lo) || v.GreaterThan(hi) {
		return Invalid("%s must be between %s and %s, got %s", field, lo, hi, v)
	}
	if !v.Equal(v.Round(2)) {
		return Invalid("%s allows at most two decimal places, got %s", field, v)
	}
	return nil
}

// RoyaltySplit requires each share in [0, 100] and the four to sum to exactly 100.
func (p percentValidator) RoyaltySplit(s RoyaltySplit) error {
	shares := []struct {
		name string
		v    decimal.Decimal
	}{
		{"organizer_pct", s.OrganizerPct},
		{"artist_pct", s.ArtistPct},
		{"venue_pct", s.VenuePct},
		{"platform_pct", s.PlatformPct},
	}
	sum := decimal.Zero
	for _, sh := range shares {
		if err := p.between(sh.name, sh.v, decimal.Zero, hundred); err != nil {
			return err
		}
		sum = sum.Add(sh.v)
	}
	if !sum.Equal(hundred) {
		return Invalid("royalty split must sum to 100, got %s", sum)
	}
	return nil
}

func (p percentValidator) Commission(pct decimal.Decimal) error {
	return p.between("commission_pct", pct, minCommissionPct, maxCommissionPct)
}

// ResalePolicy bounds are enforced even when resale is disabled so that
// enabling it later cannot expose an out-of-range configuration.
func (p percentValidator) ResalePolicy(rp ResalePolicy) error {
	if err := p.between("royalty_pct", rp.RoyaltyPct, minResaleRoyaltyPct, maxResaleRoyaltyPct); err != nil {
		return err
	}
	return p.between("max_price_pct", rp.MaxPricePct, minMaxPricePct, maxMaxPricePct)
}

// ResaleFee validates the platform resale fee. Together with the highest
// allowed resale royalty it must leave the seller a share, so the fee is
// capped at 100 minus that royalty.
func (p percentValidator) ResaleFee(field string, pct decimal.Decimal) error {
	limit := hundred.Sub(maxResaleRoyaltyPct)
	if err := p.between(field, pct, decimal.Zero, limit); err != nil {
		return err
	}
	if pct.Equal(limit) {
		return errors.Wrapf(ErrInvalidInput, "%s must be below %s", field, limit)
	}
	return nil
}

// PercentOf returns amount × pct / 100 rounded to two places.
func PercentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(2)
}

// PriceCeiling is the highest resale price the policy allows for face value.
func (rp ResalePolicy) PriceCeiling(face decimal.Decimal) decimal.Decimal {
	return PercentOf(face, rp.MaxPricePct)
}
