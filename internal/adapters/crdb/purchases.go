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

const transactionColumns = `id, kind, status, event_id, buyer_id, class_id, listing_id, reservation_id, refund_of,
	quantity, amount, payment_method, payment_ref, referral_code, idempotency_key, failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.EventID, &t.BuyerID, &t.ClassID, &t.ListingID, &t.ReservationID, &t.RefundOf,
		&t.Quantity, &t.Amount, &t.PaymentMethod, &t.PaymentRef, &t.ReferralCode, &t.IdempotencyKey, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t domain.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, kind, status, event_id, buyer_id, class_id, listing_id, reservation_id, refund_of,
			quantity, amount, payment_method, payment_ref, referral_code, idempotency_key, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, string(t.Kind), string(t.Status), t.EventID, t.BuyerID, t.ClassID, t.ListingID, t.ReservationID, t.RefundOf,
		t.Quantity, t.Amount, t.PaymentMethod, t.PaymentRef, t.ReferralCode, t.IdempotencyKey, t.FailureReason, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err, "") {
		return errors.Wrapf(domain.ErrDuplicate, "transaction key %q", t.IdempotencyKey)
	}
	return errors.Wrap(err, "insert transaction")
}

func (r *Repository) CreateTransaction(ctx context.Context, t domain.Transaction) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return insertTransaction(ctx, tx, t)
	})
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return t, nil
}

func (r *Repository) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err, "transaction key %q", key)
	}
	return t, nil
}

// completePending flips a pending transaction to status, failing when it is
// already terminal.
func completePending(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.TransactionStatus, paymentRef, reason string, at time.Time) (*uuid.UUID, error) {
	var reservationID *uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE transactions SET status = $2, payment_ref = CASE WHEN $3 = '' THEN payment_ref ELSE $3 END,
			failure_reason = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING reservation_id
	`, id, string(status), paymentRef, reason, at).Scan(&reservationID)
	if errors.Is(err, pgx.ErrNoRows) {
		var cur string
		if err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&cur); err != nil {
			return nil, notFound(err, "transaction %s", id)
		}
		return nil, errors.Wrapf(domain.ErrAlreadyTerminal, "transaction %s is %s", id, cur)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update transaction status")
	}
	return reservationID, nil
}

func (r *Repository) FailTransaction(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		reservationID, err := completePending(ctx, tx, id, domain.TxFailed, "", reason, at)
		if err != nil {
			return err
		}
		if reservationID == nil {
			return nil
		}
		err = releaseTx(ctx, tx, *reservationID)
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// The expiry worker got there first.
			return nil
		}
		return err
	})
}

func (r *Repository) CommitPrimary(ctx context.Context, c store.PrimaryCommit) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var eventID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE reservations SET status = 'COMMITTED'
			WHERE id = $1 AND status = 'PENDING'
			RETURNING event_id
		`, c.ReservationID).Scan(&eventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrAlreadyTerminal, "reservation %s is not pending", c.ReservationID)
		}
		if err != nil {
			return errors.Wrap(err, "commit reservation")
		}

		if _, err := completePending(ctx, tx, c.TransactionID, domain.TxCompleted, c.PaymentRef, "", c.At); err != nil {
			return err
		}

		for _, in := range c.Instances {
			_, err := tx.Exec(ctx, `
				INSERT INTO ticket_instances (id, class_id, event_id, token_id, holder_id, status, purchase_price, purchased_at, transaction_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, in.ID, in.ClassID, in.EventID, int64(in.TokenID), in.HolderID, string(in.Status), in.PurchasePrice, in.PurchasedAt, in.TransactionID)
			if err != nil {
				return errors.Wrap(err, "insert ticket instance")
			}
		}

		if err := insertEntries(ctx, tx, c.Entries); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE events SET total_revenue = total_revenue + $2, version = version + 1 WHERE id = $1
		`, eventID, c.Revenue)
		if err != nil {
			return errors.Wrap(err, "update event revenue")
		}

		if c.Referral != nil {
			_, err = tx.Exec(ctx, `
				UPDATE referral_codes SET total_earnings = total_earnings + $2, conversions = conversions + 1
				WHERE code = $1
			`, c.Referral.Code, c.Referral.Amount)
			if err != nil {
				return errors.Wrap(err, "update referral counters")
			}
		}

		return insertOutbox(ctx, tx, c.Outbox)
	})
}

// unrefundedLaterResales counts completed resales of the tickets that settled
// after the refunded transaction and have no refund of their own.
const unrefundedLaterResales = `
	SELECT count(*) FROM transactions t
	WHERE t.kind = 'resale' AND t.status = 'completed' AND t.id <> $2
		AND t.listing_id IN (SELECT id FROM listings WHERE instance_id = ANY($1))
		AND t.updated_at > (SELECT updated_at FROM transactions WHERE id = $2)
		AND NOT EXISTS (SELECT 1 FROM transactions r WHERE r.refund_of = t.id)
`

func (r *Repository) CommitRefund(ctx context.Context, c store.RefundCommit) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, c.Refund.RefundOf).Scan(&status)
		if err != nil {
			return notFound(err, "transaction %s", c.Refund.RefundOf)
		}
		if status != string(domain.TxCompleted) {
			return errors.Wrapf(domain.ErrInvalidTransition, "transaction %s is %s", c.Refund.RefundOf, status)
		}
		if len(c.Tickets) > 0 {
			var later int
			if err := tx.QueryRow(ctx, unrefundedLaterResales, c.Tickets, c.Refund.RefundOf).Scan(&later); err != nil {
				return errors.Wrap(err, "count later resales")
			}
			if later > 0 {
				return errors.Wrapf(domain.ErrInvalidTransition, "%d later resales of transaction %s are not refunded", later, c.Refund.RefundOf)
			}
		}
		if err := insertTransaction(ctx, tx, c.Refund); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, c.Entries); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE events SET total_revenue = total_revenue - $2, total_royalties_earned = total_royalties_earned - $3,
				version = version + 1
			WHERE id = $1
		`, c.EventID, c.Revenue, c.Royalties)
		if err != nil {
			return errors.Wrap(err, "update event totals")
		}
		if len(c.Tickets) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE listings SET status = 'cancelled' WHERE instance_id = ANY($1) AND status = 'active'
			`, c.Tickets)
			if err != nil {
				return errors.Wrap(err, "cancel listings")
			}
			result, err := tx.Exec(ctx, `
				UPDATE ticket_instances SET status = $2, holder_id = CASE WHEN $3 = '' THEN holder_id ELSE $3 END
				WHERE id = ANY($1) AND status <> 'REFUNDED'
			`, c.Tickets, string(c.To.Status), c.To.HolderID)
			if err != nil {
				return errors.Wrap(err, "move refunded tickets")
			}
			if result.RowsAffected() != int64(len(c.Tickets)) {
				return errors.Wrapf(domain.ErrInvalidTransition, "tickets of transaction %s already refunded", c.Refund.RefundOf)
			}
		}
		return insertOutbox(ctx, tx, c.Outbox)
	})
}

func (r *Repository) TransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at, id
	`, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "query transaction entries")
	}
	return collectEntries(rows)
}

func (r *Repository) TransactionInstances(ctx context.Context, transactionID uuid.UUID) ([]domain.TicketInstance, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+instanceColumns+` FROM ticket_instances WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "query transaction tickets")
	}
	return collectInstances(rows)
}

func (r *Repository) ResaleTransactions(ctx context.Context, instanceID uuid.UUID) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE kind = 'resale' AND status = 'completed'
			AND listing_id IN (SELECT id FROM listings WHERE instance_id = $1)
		ORDER BY updated_at DESC
	`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "query resale transactions")
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan resale transaction")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
