package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventApproved  EventStatus = "approved"
	EventRejected  EventStatus = "rejected"
	EventCancelled EventStatus = "cancelled"
)

// RoyaltySplit divides primary-sale proceeds. The four shares always sum to 100.
type RoyaltySplit struct {
	OrganizerPct decimal.Decimal `json:"organizer_pct"`
	ArtistPct    decimal.Decimal `json:"artist_pct"`
	VenuePct     decimal.Decimal `json:"venue_pct"`
	PlatformPct  decimal.Decimal `json:"platform_pct"`
}

type ResalePolicy struct {
	Enabled     bool            `json:"enabled"`
	RoyaltyPct  decimal.Decimal `json:"royalty_pct"`
	MaxPricePct decimal.Decimal `json:"max_price_pct"`
	Soulbound   bool            `json:"soulbound"`
}

type Event struct {
	ID                   uuid.UUID       `json:"id"`
	Name                 string          `json:"name"`
	OrganizerID          string          `json:"organizer_id"`
	ArtistID             string          `json:"artist_id"`
	VenueID              string          `json:"venue_id"`
	Status               EventStatus     `json:"status"`
	SalesPaused          bool            `json:"sales_paused"`
	Split                RoyaltySplit    `json:"royalty_split"`
	Resale               ResalePolicy    `json:"resale_policy"`
	TotalRevenue         decimal.Decimal `json:"total_revenue"`
	TotalRoyaltiesEarned decimal.Decimal `json:"total_royalties_earned"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Purchasable reports whether primary sales are open for the event.
func (e Event) Purchasable() bool {
	return e.Status == EventApproved && !e.SalesPaused
}

// TokenID is the class-level identifier shared by every unit of a ticket class.
type TokenID int64

type TicketClass struct {
	ID           uuid.UUID       `json:"id"`
	EventID      uuid.UUID       `json:"event_id"`
	Name         string          `json:"name"`
	TokenID      TokenID         `json:"token_id"`
	FacePrice    decimal.Decimal `json:"face_price"`
	TotalSupply  int             `json:"total_supply"`
	SoldCount    int             `json:"sold_count"`
	PerWalletCap int             `json:"per_wallet_cap"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (c TicketClass) Remaining() int {
	return c.TotalSupply - c.SoldCount
}

type InstanceStatus string

const (
	InstanceActive      InstanceStatus = "ACTIVE"
	InstanceListed      InstanceStatus = "LISTED"
	InstanceUsed        InstanceStatus = "USED"
	InstanceTransferred InstanceStatus = "TRANSFERRED"
	// InstanceRefunded is terminal: the sale that minted the ticket was refunded.
	InstanceRefunded InstanceStatus = "REFUNDED"
)

type TicketInstance struct {
	ID            uuid.UUID       `json:"id"`
	ClassID       uuid.UUID       `json:"class_id"`
	EventID       uuid.UUID       `json:"event_id"`
	TokenID       TokenID         `json:"token_id"`
	HolderID      string          `json:"holder_id"`
	Status        InstanceStatus  `json:"status"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	PurchasedAt   time.Time       `json:"purchased_at"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	CheckedInAt   *time.Time      `json:"checked_in_at,omitempty"`
	CheckInGate   string          `json:"check_in_gate,omitempty"`
}

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

type Listing struct {
	ID         uuid.UUID       `json:"id"`
	InstanceID uuid.UUID       `json:"instance_id"`
	EventID    uuid.UUID       `json:"event_id"`
	SellerID   string          `json:"seller_id"`
	Price      decimal.Decimal `json:"price"`
	Status     ListingStatus   `json:"status"`
	BuyerID    string          `json:"buyer_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SoldAt     *time.Time      `json:"sold_at,omitempty"`
}

type ReferralCode struct {
	Code          string          `json:"code"`
	PromoterID    string          `json:"promoter_id"`
	EventID       *uuid.UUID      `json:"event_id,omitempty"`
	CommissionPct decimal.Decimal `json:"commission_pct"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	Conversions   int             `json:"conversions"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Usable reports whether the code may earn commission on a sale of eventID.
func (r ReferralCode) Usable(eventID uuid.UUID, buyerID string, now time.Time) bool {
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	if r.EventID != nil && *r.EventID != eventID {
		return false
	}
	return r.PromoterID != buyerID
}

type EntryKind string

const (
	EntryPrimarySale        EntryKind = "primary_sale"
	EntryReferralCommission EntryKind = "referral_commission"
	EntryResaleRoyalty      EntryKind = "resale_royalty"
	EntryResaleFee          EntryKind = "resale_fee"
	EntryResaleProceeds     EntryKind = "resale_proceeds"
	EntryRefund             EntryKind = "refund"
)

// LedgerEntry is one signed credit or debit. Entries are never updated or deleted.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	StakeholderID string          `json:"stakeholder_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	EventID       uuid.UUID       `json:"event_id"`
	Kind          EntryKind       `json:"kind"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TransactionKind string

const (
	TxPrimary TransactionKind = "primary"
	TxResale  TransactionKind = "resale"
	TxRefund  TransactionKind = "refund"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	Kind           TransactionKind   `json:"kind"`
	Status         TransactionStatus `json:"status"`
	EventID        uuid.UUID         `json:"event_id"`
	BuyerID        string            `json:"buyer_id"`
	ClassID        *uuid.UUID        `json:"class_id,omitempty"`
	ListingID      *uuid.UUID        `json:"listing_id,omitempty"`
	ReservationID  *uuid.UUID        `json:"reservation_id,omitempty"`
	RefundOf       *uuid.UUID        `json:"refund_of,omitempty"`
	Quantity       int               `json:"quantity"`
	Amount         decimal.Decimal   `json:"amount"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentRef     string            `json:"payment_ref,omitempty"`
	ReferralCode   string            `json:"referral_code,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a provisional hold on class supply pending payment.
type Reservation struct {
	ID             uuid.UUID         `json:"id"`
	ClassID        uuid.UUID         `json:"class_id"`
	EventID        uuid.UUID         `json:"event_id"`
	WalletID       string            `json:"wallet_id"`
	Quantity       int               `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	ExpiresAt      time.Time         `json:"expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SameRequest reports whether o asks for what r holds. A reused idempotency
// key must carry the same request.
func (r Reservation) SameRequest(o Reservation) bool {
	return r.ClassID == o.ClassID && r.WalletID == o.WalletID && r.Quantity == o.Quantity
}

type PayoutMethod string

const (
	PayoutUPI    PayoutMethod = "upi"
	PayoutBank   PayoutMethod = "bank"
	PayoutCrypto PayoutMethod = "crypto"
)

// Instant reports whether the rail settles the method synchronously.
func (m PayoutMethod) Instant() bool {
	return m == PayoutUPI
}

func (m PayoutMethod) Valid() bool {
	switch m {
	case PayoutUPI, PayoutBank, PayoutCrypto:
		return true
	}
	return false
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

// HoldsFunds reports whether a withdrawal in this status is deducted from the
// available balance.
func (s WithdrawalStatus) HoldsFunds() bool {
	return s != WithdrawalFailed
}

type Withdrawal struct {
	ID             uuid.UUID        `json:"id"`
	StakeholderID  string           `json:"stakeholder_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Method         PayoutMethod     `json:"method"`
	Destination    string           `json:"destination"`
	Status         WithdrawalStatus `json:"status"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	PayoutRef      string           `json:"payout_ref,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Balance is derived from the ledger and withdrawals; it is never stored.
type Balance struct {
	StakeholderID string          `json:"stakeholder_id"`
	Accrued       decimal.Decimal `json:"accrued"`
	Withdrawn     decimal.Decimal `json:"withdrawn"`
	Held          decimal.Decimal `json:"held"`
	Available     decimal.Decimal `json:"available"`
}

// OutboxMessage is a notification persisted alongside the state change that
// produced it and published later.
type OutboxMessage struct {
	ID            uuid.UUID `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	DedupeKey     string    `json:"dedupe_key"`
	CreatedAt     time.Time `json:"created_at"`
}
