// Package settlement owns the split arithmetic and the read side of the
// settlement ledger. Only purchase and resale persist entries; everything
// else reads balances through Ledger.
package settlement

import (
	"context"
	"strings"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
)

const (
	defaultEntriesLimit = 100
	maxEntriesLimit     = 1000
)

type Ledger struct {
	store store.Ledger
}

func NewLedger(s store.Ledger) *Ledger {
	return &Ledger{store: s}
}

// BalanceOf derives the balance from the entry log: accrued entries minus
// withdrawals that are completed or still holding funds.
func (l *Ledger) BalanceOf(ctx context.Context, stakeholderID string) (*domain.Balance, error) {
	ctx, span := observability.Tracer("settlement").Start(ctx, "settlement.BalanceOf")
	defer span.End()

	if strings.TrimSpace(stakeholderID) == "" {
		return nil, domain.Invalid("stakeholder id is required")
	}
	return l.store.Balance(ctx, stakeholderID)
}

// Entries returns the newest entries first.
func (l *Ledger) Entries(ctx context.Context, stakeholderID string, limit int) ([]domain.LedgerEntry, error) {
	if strings.TrimSpace(stakeholderID) == "" {
		return nil, domain.Invalid("stakeholder id is required")
	}
	switch {
	case limit <= 0:
		limit = defaultEntriesLimit
	case limit > maxEntriesLimit:
		limit = maxEntriesLimit
	}
	return l.store.Entries(ctx, stakeholderID, limit)
}
