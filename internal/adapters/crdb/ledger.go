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

const entryColumns = `id, stakeholder_id, amount, transaction_id, event_id, kind, created_at`

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.StakeholderID, &e.Amount, &e.TransactionID, &e.EventID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// balanceQuery derives the balance from the entry log and the withdrawals that
// still hold or have consumed funds. Failed withdrawals count for nothing.
const balanceQuery = `
	SELECT
		(SELECT coalesce(sum(amount), 0) FROM ledger_entries WHERE stakeholder_id = $1),
		(SELECT coalesce(sum(amount), 0) FROM withdrawals WHERE stakeholder_id = $1 AND status = 'completed'),
		(SELECT coalesce(sum(amount), 0) FROM withdrawals WHERE stakeholder_id = $1 AND status IN ('pending', 'processing'))
`

func balance(ctx context.Context, q pgx.Row, stakeholderID string) (*domain.Balance, error) {
	b := domain.Balance{StakeholderID: stakeholderID}
	if err := q.Scan(&b.Accrued, &b.Withdrawn, &b.Held); err != nil {
		return nil, errors.Wrap(err, "compute balance")
	}
	b.Available = b.Accrued.Sub(b.Withdrawn).Sub(b.Held)
	return &b, nil
}

func (r *Repository) Balance(ctx context.Context, stakeholderID string) (*domain.Balance, error) {
	return balance(ctx, r.pool.QueryRow(ctx, balanceQuery, stakeholderID), stakeholderID)
}

func (r *Repository) Entries(ctx context.Context, stakeholderID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE stakeholder_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, stakeholderID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger entries")
	}
	return collectEntries(rows)
}

const withdrawalColumns = `id, stakeholder_id, amount, method, destination, status, failure_reason, payout_ref,
	coalesce(idempotency_key, ''), attempts, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(&w.ID, &w.StakeholderID, &w.Amount, &w.Method, &w.Destination, &w.Status, &w.FailureReason, &w.PayoutRef,
		&w.IdempotencyKey, &w.Attempts, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWithdrawal reads the balance and inserts in one serializable
// transaction, so two concurrent requests cannot both spend the same funds.
func (r *Repository) CreateWithdrawal(ctx context.Context, w domain.Withdrawal) (*domain.Withdrawal, error) {
	var out *domain.Withdrawal
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		out = nil
		if w.IdempotencyKey != "" {
			existing, err := scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE idempotency_key = $1`, w.IdempotencyKey))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrap(err, "lookup withdrawal key")
			}
		}
		b, err := balance(ctx, tx.QueryRow(ctx, balanceQuery, w.StakeholderID), w.StakeholderID)
		if err != nil {
			return err
		}
		if w.Amount.GreaterThan(b.Available) {
			return errors.Wrapf(domain.ErrBalanceShort, "requested %s, available %s", w.Amount, b.Available)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO withdrawals (id, stakeholder_id, amount, method, destination, status, idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8)
		`, w.ID, w.StakeholderID, w.Amount, string(w.Method), w.Destination, nullable(w.IdempotencyKey), w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "insert withdrawal")
		}
		w.Status = domain.WithdrawalPending
		out = &w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "withdrawal %s", id)
	}
	return w, nil
}

func (r *Repository) TransitionWithdrawal(ctx context.Context, t store.WithdrawalTransition) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE withdrawals SET status = $3, failure_reason = $4,
				payout_ref = CASE WHEN $5 = '' THEN payout_ref ELSE $5 END, updated_at = $6
			WHERE id = $1 AND status = $2
		`, t.ID, string(t.From), string(t.To), t.FailureReason, t.PayoutRef, t.At)
		if err != nil {
			return errors.Wrap(err, "transition withdrawal")
		}
		if result.RowsAffected() == 0 {
			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM withdrawals WHERE id = $1`, t.ID).Scan(&status); err != nil {
				return notFound(err, "withdrawal %s", t.ID)
			}
			return errors.Wrapf(domain.ErrAlreadyClaimed, "withdrawal %s is %s", t.ID, status)
		}
		return insertOutbox(ctx, tx, t.Outbox)
	})
}

func (r *Repository) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE withdrawals SET attempts = attempts + 1, updated_at = $2 WHERE id = $1 RETURNING attempts
	`, id, time.Now().UTC()).Scan(&attempts)
	if err != nil {
		return 0, notFound(err, "withdrawal %s", id)
	}
	return attempts, nil
}

func (r *Repository) PendingWithdrawals(ctx context.Context, limit int) ([]domain.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE status = 'pending' ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query pending withdrawals")
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan withdrawal")
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
