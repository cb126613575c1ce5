package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
)

const instanceColumns = `id, class_id, event_id, token_id, holder_id, status, purchase_price, purchased_at, transaction_id, checked_in_at, check_in_gate`

func scanInstance(row pgx.Row) (*domain.TicketInstance, error) {
	var in domain.TicketInstance
	err := row.Scan(&in.ID, &in.ClassID, &in.EventID, &in.TokenID, &in.HolderID, &in.Status, &in.PurchasePrice, &in.PurchasedAt, &in.TransactionID, &in.CheckedInAt, &in.CheckInGate)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func collectInstances(rows pgx.Rows) ([]domain.TicketInstance, error) {
	defer rows.Close()
	var out []domain.TicketInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket")
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (r *Repository) GetInstance(ctx context.Context, id uuid.UUID) (*domain.TicketInstance, error) {
	in, err := scanInstance(r.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM ticket_instances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ticket %s", id)
	}
	return in, nil
}

func (r *Repository) InstancesByHolder(ctx context.Context, holderID string) ([]domain.TicketInstance, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+instanceColumns+` FROM ticket_instances WHERE holder_id = $1 ORDER BY purchased_at`, holderID)
	if err != nil {
		return nil, errors.Wrap(err, "query tickets by holder")
	}
	return collectInstances(rows)
}

func (r *Repository) TransitionInstance(ctx context.Context, id uuid.UUID, from, to store.InstanceState) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE ticket_instances SET holder_id = $4, status = $5,
			checked_in_at = coalesce($6, checked_in_at),
			check_in_gate = CASE WHEN $6 IS NULL THEN check_in_gate ELSE $7 END
		WHERE id = $1 AND holder_id = $2 AND status = $3
	`, id, from.HolderID, string(from.Status), to.HolderID, string(to.Status), to.CheckedInAt, to.CheckInGate)
	if err != nil {
		return errors.Wrap(err, "transition ticket")
	}
	if result.RowsAffected() == 0 {
		in, err := r.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", id, in.Status)
	}
	return nil
}

const listingColumns = `id, instance_id, event_id, seller_id, price, status, buyer_id, created_at, sold_at`

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	err := row.Scan(&l.ID, &l.InstanceID, &l.EventID, &l.SellerID, &l.Price, &l.Status, &l.BuyerID, &l.CreatedAt, &l.SoldAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repository) CreateListing(ctx context.Context, l domain.Listing) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE ticket_instances SET status = 'LISTED'
			WHERE id = $1 AND holder_id = $2 AND status = 'ACTIVE'
		`, l.InstanceID, l.SellerID)
		if err != nil {
			return errors.Wrap(err, "list ticket")
		}
		if result.RowsAffected() == 0 {
			in, err := scanInstance(tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM ticket_instances WHERE id = $1`, l.InstanceID))
			if err != nil {
				return notFound(err, "ticket %s", l.InstanceID)
			}
			switch {
			case in.HolderID != l.SellerID:
				return errors.Wrapf(domain.ErrNotOwner, "ticket %s", l.InstanceID)
			case in.Status == domain.InstanceListed:
				return errors.Wrapf(domain.ErrAlreadyListed, "ticket %s", l.InstanceID)
			default:
				return errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", l.InstanceID, in.Status)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO listings (id, instance_id, event_id, seller_id, price, status, created_at)
			VALUES ($1, $2, $3, $4, $5, 'active', $6)
		`, l.ID, l.InstanceID, l.EventID, l.SellerID, l.Price, l.CreatedAt)
		if isUniqueViolation(err, "one_active_listing") {
			return errors.Wrapf(domain.ErrAlreadyListed, "ticket %s", l.InstanceID)
		}
		return errors.Wrap(err, "insert listing")
	})
}

func (r *Repository) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "listing %s", id)
	}
	return l, nil
}

// closeListing is the listing status CAS shared by cancel and sale.
func closeListing(ctx context.Context, tx pgx.Tx, id uuid.UUID, to domain.ListingStatus, buyerID string, at time.Time, lost error) (*domain.Listing, error) {
	var soldAt *time.Time
	if to == domain.ListingSold {
		soldAt = &at
	}
	l, err := scanListing(tx.QueryRow(ctx, `
		UPDATE listings SET status = $2, buyer_id = $3, sold_at = $4
		WHERE id = $1 AND status = 'active'
		RETURNING `+listingColumns, id, string(to), buyerID, soldAt))
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM listings WHERE id = $1`, id).Scan(&status); err != nil {
			return nil, notFound(err, "listing %s", id)
		}
		return nil, errors.Wrapf(lost, "listing %s is %s", id, status)
	}
	if err != nil {
		return nil, errors.Wrap(err, "close listing")
	}
	return l, nil
}

func (r *Repository) CancelListing(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		l, err := closeListing(ctx, tx, id, domain.ListingCancelled, "", at, domain.ErrAlreadyTerminal)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE ticket_instances SET status = 'ACTIVE' WHERE id = $1 AND status = 'LISTED'
		`, l.InstanceID)
		return errors.Wrap(err, "unlist ticket")
	})
}

func (r *Repository) SettleListing(ctx context.Context, s store.ResaleSettlement) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		l, err := closeListing(ctx, tx, s.ListingID, domain.ListingSold, s.BuyerID, s.At, domain.ErrListingNoLongerAvailable)
		if err != nil {
			return err
		}
		result, err := tx.Exec(ctx, `
			UPDATE ticket_instances SET holder_id = $3, status = 'ACTIVE'
			WHERE id = $1 AND holder_id = $2 AND status = 'LISTED'
		`, l.InstanceID, l.SellerID, s.BuyerID)
		if err != nil {
			return errors.Wrap(err, "reassign ticket")
		}
		if result.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrListingNoLongerAvailable, "ticket %s moved", l.InstanceID)
		}

		t := s.Transaction
		t.Status = domain.TxCompleted
		t.UpdatedAt = s.At
		var existing string
		err = tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, t.ID).Scan(&existing)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		case err != nil:
			return errors.Wrap(err, "lookup resale transaction")
		default:
			if _, err := completePending(ctx, tx, t.ID, domain.TxCompleted, t.PaymentRef, "", s.At); err != nil {
				return err
			}
		}

		if err := insertEntries(ctx, tx, s.Entries); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE events SET total_royalties_earned = total_royalties_earned + $2, version = version + 1 WHERE id = $1
		`, l.EventID, s.Royalties)
		if err != nil {
			return errors.Wrap(err, "update event royalties")
		}
		return insertOutbox(ctx, tx, s.Outbox)
	})
}

func (r *Repository) ActiveListings(ctx context.Context, eventID uuid.UUID) ([]domain.Listing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE event_id = $1 AND status = 'active' ORDER BY price
	`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "query listings")
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan listing")
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
