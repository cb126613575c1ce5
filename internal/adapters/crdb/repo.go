package crdb

import (
	"context"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Repository)(nil)

type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

// Migrate applies the schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return errors.Wrap(domain.ErrSerializationFailure, pgErr.Message)
		}
		return err
	}
	return nil
}

// inTx runs fn in a serializable transaction, retrying bounded times when
// CockroachDB asks the client to retry.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for i := 0; i < r.maxAttempts; i++ {
		err = r.WithTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		observability.TxRetries.Inc()
		backoff := time.Duration(1<<i) * 25 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func isPgCode(err error, code string) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == code {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error, constraint string) bool {
	pgErr, ok := isPgCode(err, UniqueViolationCode)
	if !ok {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, msgs []domain.OutboxMessage) error {
	for _, m := range msgs {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
			VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
			ON CONFLICT (dedupe_key) DO NOTHING
		`, m.ID, m.AggregateType, m.AggregateID, m.EventType, m.Payload, m.DedupeKey)
		if err != nil {
			return errors.Wrap(err, "insert outbox")
		}
	}
	return nil
}

func insertEntries(ctx context.Context, tx pgx.Tx, entries []domain.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO ledger_entries (id, stakeholder_id, amount, transaction_id, event_id, kind, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.StakeholderID, e.Amount, e.TransactionID, e.EventID, string(e.Kind), e.CreatedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	return errors.Wrap(tx.SendBatch(ctx, batch).Close(), "insert ledger entries")
}
