// Package audit builds the immutable transition records handed to the audit
// sink. Each record carries typed before/after snapshots and a BLAKE3 digest
// over its canonical JSON encoding, so a stored record can be checked for
// tampering without trusting the store.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/zeebo/blake3"
)

type SnapshotKind string

const (
	KindEvent       SnapshotKind = "event"
	KindTicket      SnapshotKind = "ticket"
	KindListing     SnapshotKind = "listing"
	KindTransaction SnapshotKind = "transaction"
	KindReservation SnapshotKind = "reservation"
	KindWithdrawal  SnapshotKind = "withdrawal"
	KindClass       SnapshotKind = "ticket_class"
	KindReferral    SnapshotKind = "referral_code"
)

// Snapshot is a tagged variant: only the field matching Kind is set. Money is
// kept as its decimal string so every sink stores it losslessly.
type Snapshot struct {
	Kind        SnapshotKind         `json:"kind" bson:"kind"`
	Event       *EventSnapshot       `json:"event,omitempty" bson:"event,omitempty"`
	Ticket      *TicketSnapshot      `json:"ticket,omitempty" bson:"ticket,omitempty"`
	Listing     *ListingSnapshot     `json:"listing,omitempty" bson:"listing,omitempty"`
	Transaction *TransactionSnapshot `json:"transaction,omitempty" bson:"transaction,omitempty"`
	Reservation *ReservationSnapshot `json:"reservation,omitempty" bson:"reservation,omitempty"`
	Withdrawal  *WithdrawalSnapshot  `json:"withdrawal,omitempty" bson:"withdrawal,omitempty"`
	Class       *ClassSnapshot       `json:"class,omitempty" bson:"class,omitempty"`
	Referral    *ReferralSnapshot    `json:"referral,omitempty" bson:"referral,omitempty"`
}

type EventSnapshot struct {
	Status        string `json:"status" bson:"status"`
	SalesPaused   bool   `json:"sales_paused" bson:"sales_paused"`
	OrganizerPct  string `json:"organizer_pct" bson:"organizer_pct"`
	ArtistPct     string `json:"artist_pct" bson:"artist_pct"`
	VenuePct      string `json:"venue_pct" bson:"venue_pct"`
	PlatformPct   string `json:"platform_pct" bson:"platform_pct"`
	ResaleEnabled bool   `json:"resale_enabled" bson:"resale_enabled"`
	RoyaltyPct    string `json:"royalty_pct" bson:"royalty_pct"`
	MaxPricePct   string `json:"max_price_pct" bson:"max_price_pct"`
	Soulbound     bool   `json:"soulbound" bson:"soulbound"`
}

type TicketSnapshot struct {
	Status      string `json:"status" bson:"status"`
	HolderID    string `json:"holder_id" bson:"holder_id"`
	CheckInGate string `json:"check_in_gate,omitempty" bson:"check_in_gate,omitempty"`
}

type ListingSnapshot struct {
	Status  string `json:"status" bson:"status"`
	Price   string `json:"price" bson:"price"`
	BuyerID string `json:"buyer_id,omitempty" bson:"buyer_id,omitempty"`
}

type TransactionSnapshot struct {
	Kind          string `json:"kind" bson:"kind"`
	Status        string `json:"status" bson:"status"`
	Amount        string `json:"amount" bson:"amount"`
	PaymentRef    string `json:"payment_ref,omitempty" bson:"payment_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
}

type ReservationSnapshot struct {
	Status   string `json:"status" bson:"status"`
	Quantity int    `json:"quantity" bson:"quantity"`
}

type WithdrawalSnapshot struct {
	Status        string `json:"status" bson:"status"`
	Amount        string `json:"amount" bson:"amount"`
	Method        string `json:"method" bson:"method"`
	FailureReason string `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	PayoutRef     string `json:"payout_ref,omitempty" bson:"payout_ref,omitempty"`
}

type ClassSnapshot struct {
	Name        string `json:"name" bson:"name"`
	TokenID     int64  `json:"token_id" bson:"token_id"`
	FacePrice   string `json:"face_price" bson:"face_price"`
	TotalSupply int    `json:"total_supply" bson:"total_supply"`
}

type ReferralSnapshot struct {
	PromoterID    string `json:"promoter_id" bson:"promoter_id"`
	CommissionPct string `json:"commission_pct" bson:"commission_pct"`
}

func OfEvent(e domain.Event) *Snapshot {
	return &Snapshot{Kind: KindEvent, Event: &EventSnapshot{
		Status:        string(e.Status),
		SalesPaused:   e.SalesPaused,
		OrganizerPct:  e.Split.OrganizerPct.StringFixed(2),
		ArtistPct:     e.Split.ArtistPct.StringFixed(2),
		VenuePct:      e.Split.VenuePct.StringFixed(2),
		PlatformPct:   e.Split.PlatformPct.StringFixed(2),
		ResaleEnabled: e.Resale.Enabled,
		RoyaltyPct:    e.Resale.RoyaltyPct.StringFixed(2),
		MaxPricePct:   e.Resale.MaxPricePct.StringFixed(2),
		Soulbound:     e.Resale.Soulbound,
	}}
}

func OfTicket(in domain.TicketInstance) *Snapshot {
	return &Snapshot{Kind: KindTicket, Ticket: &TicketSnapshot{
		Status:      string(in.Status),
		HolderID:    in.HolderID,
		CheckInGate: in.CheckInGate,
	}}
}

func OfListing(l domain.Listing) *Snapshot {
	return &Snapshot{Kind: KindListing, Listing: &ListingSnapshot{
		Status:  string(l.Status),
		Price:   l.Price.StringFixed(2),
		BuyerID: l.BuyerID,
	}}
}

func OfTransaction(t domain.Transaction) *Snapshot {
	return &Snapshot{Kind: KindTransaction, Transaction: &TransactionSnapshot{
		Kind:          string(t.Kind),
		Status:        string(t.Status),
		Amount:        t.Amount.StringFixed(2),
		PaymentRef:    t.PaymentRef,
		FailureReason: t.FailureReason,
	}}
}

func OfReservation(r domain.Reservation) *Snapshot {
	return &Snapshot{Kind: KindReservation, Reservation: &ReservationSnapshot{
		Status:   string(r.Status),
		Quantity: r.Quantity,
	}}
}

func OfWithdrawal(w domain.Withdrawal) *Snapshot {
	return &Snapshot{Kind: KindWithdrawal, Withdrawal: &WithdrawalSnapshot{
		Status:        string(w.Status),
		Amount:        w.Amount.StringFixed(2),
		Method:        string(w.Method),
		FailureReason: w.FailureReason,
		PayoutRef:     w.PayoutRef,
	}}
}

func OfClass(c domain.TicketClass) *Snapshot {
	return &Snapshot{Kind: KindClass, Class: &ClassSnapshot{
		Name:        c.Name,
		TokenID:     int64(c.TokenID),
		FacePrice:   c.FacePrice.StringFixed(2),
		TotalSupply: c.TotalSupply,
	}}
}

func OfReferral(r domain.ReferralCode) *Snapshot {
	return &Snapshot{Kind: KindReferral, Referral: &ReferralSnapshot{
		PromoterID:    r.PromoterID,
		CommissionPct: r.CommissionPct.StringFixed(2),
	}}
}

// Record is one state transition: who did what to which entity, and the
// entity before and after. Before is nil for creations.
type Record struct {
	ID         string       `json:"id" bson:"_id"`
	ActorID    string       `json:"actor_id" bson:"actor_id"`
	Action     string       `json:"action" bson:"action"`
	EntityType SnapshotKind `json:"entity_type" bson:"entity_type"`
	EntityID   string       `json:"entity_id" bson:"entity_id"`
	Before     *Snapshot    `json:"before,omitempty" bson:"before,omitempty"`
	After      *Snapshot    `json:"after,omitempty" bson:"after,omitempty"`
	At         time.Time    `json:"at" bson:"at"`
	Digest     string       `json:"digest" bson:"digest"`
}

func NewRecord(actorID, action, entityID string, before, after *Snapshot, at time.Time) Record {
	kind := SnapshotKind("")
	switch {
	case after != nil:
		kind = after.Kind
	case before != nil:
		kind = before.Kind
	}
	r := Record{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		Action:     action,
		EntityType: kind,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		At:         at.UTC().Truncate(time.Millisecond),
	}
	r.Digest = r.ComputeDigest()
	return r
}

// ComputeDigest hashes the record with its Digest field cleared.
func (r Record) ComputeDigest() string {
	r.Digest = ""
	body, err := json.Marshal(r)
	if err != nil {
		// Every field is a plain value; Marshal cannot fail here.
		panic("audit: encode record: " + err.Error())
	}
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (r Record) Verify() bool {
	return r.Digest != "" && r.Digest == r.ComputeDigest()
}

// Sink is the write-only compliance log.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Emitter writes records and never fails the caller: a sink outage is logged,
// the business operation has already committed.
type Emitter struct {
	sink   Sink
	logger observability.Logger
}

func NewEmitter(sink Sink, logger observability.Logger) *Emitter {
	if sink == nil {
		sink = Discard{}
	}
	return &Emitter{sink: sink, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, actorID, action, entityID string, before, after *Snapshot) {
	rec := NewRecord(actorID, action, entityID, before, after, time.Now())
	if err := e.sink.Write(ctx, rec); err != nil {
		e.logger.WithError(err).WithField("action", action).WithField("entity_id", entityID).Error("audit write failed")
	}
}

type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }

// Recorder keeps records in memory. Used by tests and local runs.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Write(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Actions returns the recorded actions in write order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Action
	}
	return out
}
