// Package store declares the persistence contract shared by the CockroachDB
// adapter and the in-memory adapter. Each method that moves money or changes a
// shared counter is a single atomic unit in every implementation.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

// Sequence hands out strictly increasing values that survive restarts.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

type Catalog interface {
	CreateEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	// UpdateEvent writes e if the stored version equals e.Version and bumps it.
	UpdateEvent(ctx context.Context, e domain.Event) error
	CreateClass(ctx context.Context, c domain.TicketClass) error
	GetClass(ctx context.Context, id uuid.UUID) (*domain.TicketClass, error)
	ListClasses(ctx context.Context, eventID uuid.UUID) ([]domain.TicketClass, error)
	CreateReferral(ctx context.Context, r domain.ReferralCode) error
	GetReferral(ctx context.Context, code string) (*domain.ReferralCode, error)
}

type Inventory interface {
	// Reserve returns the existing reservation when the idempotency key was
	// already used. Otherwise it checks supply and the wallet cap and bumps
	// sold_count in one atomic step.
	Reserve(ctx context.Context, r domain.Reservation, perWalletCap int) (*domain.Reservation, error)
	// Release moves a PENDING reservation to RELEASED and gives its quantity
	// back exactly once.
	Release(ctx context.Context, reservationID uuid.UUID) error
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// PrimaryCommit is everything a successful primary sale writes.
type PrimaryCommit struct {
	TransactionID uuid.UUID
	ReservationID uuid.UUID
	PaymentRef    string
	Instances     []domain.TicketInstance
	Entries       []domain.LedgerEntry
	Revenue       decimal.Decimal
	Referral      *ReferralCredit
	Outbox        []domain.OutboxMessage
	At            time.Time
}

type ReferralCredit struct {
	Code   string
	Amount decimal.Decimal
}

// RefundCommit compensates a completed primary or resale transaction without
// touching its history. Tickets move to To: back to the seller for a resale,
// REFUNDED for a primary sale. An empty To.HolderID keeps the holder.
// The commit fails with domain.ErrInvalidTransition while a resale of the
// same tickets settled after the refunded transaction is still unrefunded.
type RefundCommit struct {
	Refund    domain.Transaction
	Entries   []domain.LedgerEntry
	EventID   uuid.UUID
	Revenue   decimal.Decimal
	Royalties decimal.Decimal
	Tickets   []uuid.UUID
	To        InstanceState
	Outbox    []domain.OutboxMessage
}

type Purchases interface {
	// CreateTransaction fails with domain.ErrDuplicate when the idempotency key exists.
	CreateTransaction(ctx context.Context, t domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	// FailTransaction moves a pending transaction to failed and, when it holds a
	// reservation, releases it in the same step.
	FailTransaction(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	CommitPrimary(ctx context.Context, c PrimaryCommit) error
	CommitRefund(ctx context.Context, c RefundCommit) error
	TransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error)
	TransactionInstances(ctx context.Context, transactionID uuid.UUID) ([]domain.TicketInstance, error)
	// ResaleTransactions lists the completed resale transactions of a ticket,
	// most recently settled first.
	ResaleTransactions(ctx context.Context, instanceID uuid.UUID) ([]domain.Transaction, error)
}

type Tickets interface {
	GetInstance(ctx context.Context, id uuid.UUID) (*domain.TicketInstance, error)
	InstancesByHolder(ctx context.Context, holderID string) ([]domain.TicketInstance, error)
	// TransitionInstance applies a status change only if the instance is still
	// held by from.HolderID with status from.Status.
	TransitionInstance(ctx context.Context, id uuid.UUID, from, to InstanceState) error
}

type InstanceState struct {
	HolderID    string
	Status      domain.InstanceStatus
	CheckedInAt *time.Time
	CheckInGate string
}

// ResaleSettlement is everything a sold listing writes.
type ResaleSettlement struct {
	ListingID   uuid.UUID
	Transaction domain.Transaction
	BuyerID     string
	Entries     []domain.LedgerEntry
	Royalties   decimal.Decimal
	Outbox      []domain.OutboxMessage
	At          time.Time
}

type Listings interface {
	// CreateListing flips the instance ACTIVE→LISTED for its holder and inserts
	// the listing; a second active listing fails with domain.ErrAlreadyListed.
	CreateListing(ctx context.Context, l domain.Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
	CancelListing(ctx context.Context, id uuid.UUID, at time.Time) error
	// SettleListing fails with domain.ErrListingNoLongerAvailable when the
	// listing is no longer active.
	SettleListing(ctx context.Context, s ResaleSettlement) error
	ActiveListings(ctx context.Context, eventID uuid.UUID) ([]domain.Listing, error)
}

type Ledger interface {
	Balance(ctx context.Context, stakeholderID string) (*domain.Balance, error)
	Entries(ctx context.Context, stakeholderID string, limit int) ([]domain.LedgerEntry, error)
}

// WithdrawalTransition is a guarded status change.
type WithdrawalTransition struct {
	ID            uuid.UUID
	From          domain.WithdrawalStatus
	To            domain.WithdrawalStatus
	FailureReason string
	PayoutRef     string
	Outbox        []domain.OutboxMessage
	At            time.Time
}

type Withdrawals interface {
	// CreateWithdrawal inserts w only if w.Amount fits the available balance,
	// checked in the same atomic step. A reused idempotency key returns the
	// existing withdrawal.
	CreateWithdrawal(ctx context.Context, w domain.Withdrawal) (*domain.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	// TransitionWithdrawal fails with domain.ErrAlreadyClaimed when the stored
	// status differs from t.From.
	TransitionWithdrawal(ctx context.Context, t WithdrawalTransition) error
	RecordAttempt(ctx context.Context, id uuid.UUID) (int, error)
	PendingWithdrawals(ctx context.Context, limit int) ([]domain.Withdrawal, error)
}

type Outbox interface {
	UnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Store interface {
	Catalog
	Inventory
	Purchases
	Tickets
	Listings
	Ledger
	Withdrawals
	Outbox
}
