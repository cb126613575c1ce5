package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

const reservationColumns = `id, class_id, event_id, wallet_id, quantity, status, coalesce(idempotency_key, ''), expires_at, created_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.ClassID, &res.EventID, &res.WalletID, &res.Quantity, &res.Status, &res.IdempotencyKey, &res.ExpiresAt, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Repository) Reserve(ctx context.Context, res domain.Reservation, perWalletCap int) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		out = nil
		if res.IdempotencyKey != "" {
			existing, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = $1`, res.IdempotencyKey))
			if err == nil {
				if !existing.SameRequest(res) {
					return errors.Wrapf(domain.ErrDuplicate, "reservation key %q was used for a different request", res.IdempotencyKey)
				}
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrap(err, "lookup reservation key")
			}
		}

		if perWalletCap > 0 {
			var held int
			err := tx.QueryRow(ctx, `
				SELECT (
					(SELECT count(*) FROM ticket_instances
					 WHERE class_id = $1 AND holder_id = $2 AND status IN ('ACTIVE', 'USED'))
					+
					(SELECT coalesce(sum(quantity), 0) FROM reservations
					 WHERE class_id = $1 AND wallet_id = $2 AND status = 'PENDING')
				)::INT8
			`, res.ClassID, res.WalletID).Scan(&held)
			if err != nil {
				return errors.Wrap(err, "count wallet holdings")
			}
			if held+res.Quantity > perWalletCap {
				return errors.Wrapf(domain.ErrWalletCapExceeded, "wallet holds %d of cap %d", held, perWalletCap)
			}
		}

		var remaining int
		err := tx.QueryRow(ctx, `
			UPDATE ticket_classes SET sold_count = sold_count + $2, version = version + 1
			WHERE id = $1 AND sold_count + $2 <= total_supply
			RETURNING total_supply - sold_count
		`, res.ClassID, res.Quantity).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			var left int
			if err := tx.QueryRow(ctx, `SELECT total_supply - sold_count FROM ticket_classes WHERE id = $1`, res.ClassID).Scan(&left); err != nil {
				return notFound(err, "ticket class %s", res.ClassID)
			}
			return errors.Wrapf(domain.ErrOutOfStock, "requested %d, remaining %d", res.Quantity, left)
		}
		if err != nil {
			return errors.Wrap(err, "reserve supply")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, class_id, event_id, wallet_id, quantity, status, idempotency_key, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7, $8)
		`, res.ID, res.ClassID, res.EventID, res.WalletID, res.Quantity, nullable(res.IdempotencyKey), res.ExpiresAt, res.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert reservation")
		}
		res.Status = domain.ReservationPending
		out = &res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// releaseTx gives back exactly the reserved quantity; the status guard makes a
// second release a no-op that reports ErrAlreadyTerminal.
func releaseTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error {
	var classID uuid.UUID
	var qty int
	err := tx.QueryRow(ctx, `
		UPDATE reservations SET status = 'RELEASED'
		WHERE id = $1 AND status = 'PENDING'
		RETURNING class_id, quantity
	`, reservationID).Scan(&classID, &qty)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, reservationID).Scan(&status); err != nil {
			return notFound(err, "reservation %s", reservationID)
		}
		return errors.Wrapf(domain.ErrAlreadyTerminal, "reservation %s is %s", reservationID, status)
	}
	if err != nil {
		return errors.Wrap(err, "release reservation")
	}
	_, err = tx.Exec(ctx, `
		UPDATE ticket_classes SET sold_count = sold_count - $2, version = version + 1 WHERE id = $1
	`, classID, qty)
	return errors.Wrap(err, "restore supply")
}

func (r *Repository) Release(ctx context.Context, reservationID uuid.UUID) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return releaseTx(ctx, tx, reservationID)
	})
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "reservation %s", id)
	}
	return res, nil
}

func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query expired reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reservation")
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}
