package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

// Sequence is the durable token id counter backed by ticket_token_seq.
type Sequence struct {
	repo *Repository
}

func (r *Repository) TokenSequence() *Sequence {
	return &Sequence{repo: r}
}

func (s *Sequence) Next(ctx context.Context) (int64, error) {
	var v int64
	err := s.repo.pool.QueryRow(ctx, `SELECT nextval('ticket_token_seq')`).Scan(&v)
	return v, errors.Wrap(err, "nextval ticket_token_seq")
}

const eventColumns = `id, name, organizer_id, artist_id, venue_id, status, sales_paused,
	organizer_pct, artist_pct, venue_pct, platform_pct,
	resale_enabled, resale_royalty_pct, resale_max_price_pct, soulbound,
	total_revenue, total_royalties_earned, version, created_at`

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.Name, &e.OrganizerID, &e.ArtistID, &e.VenueID, &e.Status, &e.SalesPaused,
		&e.Split.OrganizerPct, &e.Split.ArtistPct, &e.Split.VenuePct, &e.Split.PlatformPct,
		&e.Resale.Enabled, &e.Resale.RoyaltyPct, &e.Resale.MaxPricePct, &e.Resale.Soulbound,
		&e.TotalRevenue, &e.TotalRoyaltiesEarned, &e.Version, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) CreateEvent(ctx context.Context, e domain.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO events (id, name, organizer_id, artist_id, venue_id, status, sales_paused,
			organizer_pct, artist_pct, venue_pct, platform_pct,
			resale_enabled, resale_royalty_pct, resale_max_price_pct, soulbound, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.Name, e.OrganizerID, e.ArtistID, e.VenueID, string(e.Status), e.SalesPaused,
		e.Split.OrganizerPct, e.Split.ArtistPct, e.Split.VenuePct, e.Split.PlatformPct,
		e.Resale.Enabled, e.Resale.RoyaltyPct, e.Resale.MaxPricePct, e.Resale.Soulbound, e.CreatedAt)
	if isUniqueViolation(err, "") {
		return errors.Wrapf(domain.ErrDuplicate, "event %s", e.ID)
	}
	return errors.Wrap(err, "insert event")
}

func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "event %s", id)
	}
	return e, nil
}

// UpdateEvent writes the admin-owned columns. Running totals are left alone
// since only settlement moves them.
func (r *Repository) UpdateEvent(ctx context.Context, e domain.Event) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE events SET name = $3, status = $4, sales_paused = $5,
			organizer_pct = $6, artist_pct = $7, venue_pct = $8, platform_pct = $9,
			resale_enabled = $10, resale_royalty_pct = $11, resale_max_price_pct = $12, soulbound = $13,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, e.ID, e.Version, e.Name, string(e.Status), e.SalesPaused,
		e.Split.OrganizerPct, e.Split.ArtistPct, e.Split.VenuePct, e.Split.PlatformPct,
		e.Resale.Enabled, e.Resale.RoyaltyPct, e.Resale.MaxPricePct, e.Resale.Soulbound)
	if err != nil {
		return errors.Wrap(err, "update event")
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetEvent(ctx, e.ID); err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrSerializationFailure, "event %s version %d", e.ID, e.Version)
	}
	return nil
}

const classColumns = `id, event_id, name, token_id, face_price, total_supply, sold_count, per_wallet_cap, version, created_at`

func scanClass(row pgx.Row) (*domain.TicketClass, error) {
	var c domain.TicketClass
	err := row.Scan(&c.ID, &c.EventID, &c.Name, &c.TokenID, &c.FacePrice, &c.TotalSupply, &c.SoldCount, &c.PerWalletCap, &c.Version, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) CreateClass(ctx context.Context, c domain.TicketClass) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_classes (id, event_id, name, token_id, face_price, total_supply, sold_count, per_wallet_cap, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, c.ID, c.EventID, c.Name, int64(c.TokenID), c.FacePrice, c.TotalSupply, c.PerWalletCap, c.CreatedAt)
	if isUniqueViolation(err, "") {
		return errors.Wrapf(domain.ErrDuplicate, "ticket class %q token %d", c.Name, c.TokenID)
	}
	if _, ok := isPgCode(err, "23503"); ok {
		return errors.Wrapf(domain.ErrNotFound, "event %s", c.EventID)
	}
	return errors.Wrap(err, "insert ticket class")
}

func (r *Repository) GetClass(ctx context.Context, id uuid.UUID) (*domain.TicketClass, error) {
	c, err := scanClass(r.pool.QueryRow(ctx, `SELECT `+classColumns+` FROM ticket_classes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ticket class %s", id)
	}
	return c, nil
}

func (r *Repository) ListClasses(ctx context.Context, eventID uuid.UUID) ([]domain.TicketClass, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+classColumns+` FROM ticket_classes WHERE event_id = $1 ORDER BY token_id`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "list ticket classes")
	}
	defer rows.Close()

	var classes []domain.TicketClass
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket class")
		}
		classes = append(classes, *c)
	}
	return classes, rows.Err()
}

func (r *Repository) CreateReferral(ctx context.Context, ref domain.ReferralCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO referral_codes (code, promoter_id, event_id, commission_pct, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ref.Code, ref.PromoterID, ref.EventID, ref.CommissionPct, ref.ExpiresAt, ref.CreatedAt)
	if isUniqueViolation(err, "") {
		return errors.Wrapf(domain.ErrDuplicate, "referral code %q", ref.Code)
	}
	return errors.Wrap(err, "insert referral code")
}

func (r *Repository) GetReferral(ctx context.Context, code string) (*domain.ReferralCode, error) {
	var ref domain.ReferralCode
	err := r.pool.QueryRow(ctx, `
		SELECT code, promoter_id, event_id, commission_pct, expires_at, total_earnings, conversions, created_at
		FROM referral_codes WHERE code = $1
	`, code).Scan(&ref.Code, &ref.PromoterID, &ref.EventID, &ref.CommissionPct, &ref.ExpiresAt, &ref.TotalEarnings, &ref.Conversions, &ref.CreatedAt)
	if err != nil {
		return nil, notFound(err, "referral code %q", code)
	}
	return &ref, nil
}
