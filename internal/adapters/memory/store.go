// Package memory is an in-process implementation of store.Store used by unit
// tests and local runs. A single mutex makes each method atomic, which gives the
// same all-or-nothing guarantees the CockroachDB adapter gets from a
// serializable transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu sync.Mutex

	seq          int64
	events       map[uuid.UUID]domain.Event
	classes      map[uuid.UUID]domain.TicketClass
	tokens       map[domain.TokenID]uuid.UUID
	referrals    map[string]domain.ReferralCode
	reservations map[uuid.UUID]domain.Reservation
	reserveKeys  map[string]uuid.UUID
	transactions map[uuid.UUID]domain.Transaction
	txKeys       map[string]uuid.UUID
	instances    map[uuid.UUID]domain.TicketInstance
	listings     map[uuid.UUID]domain.Listing
	// resales holds each ticket's resale transaction ids in settlement order.
	resales     map[uuid.UUID][]uuid.UUID
	entries     []domain.LedgerEntry
	withdrawals map[uuid.UUID]domain.Withdrawal
	wdKeys      map[string]uuid.UUID
	outbox      []outboxRow
}

type outboxRow struct {
	msg         domain.OutboxMessage
	publishedAt *time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		events:       map[uuid.UUID]domain.Event{},
		classes:      map[uuid.UUID]domain.TicketClass{},
		tokens:       map[domain.TokenID]uuid.UUID{},
		referrals:    map[string]domain.ReferralCode{},
		reservations: map[uuid.UUID]domain.Reservation{},
		reserveKeys:  map[string]uuid.UUID{},
		transactions: map[uuid.UUID]domain.Transaction{},
		txKeys:       map[string]uuid.UUID{},
		instances:    map[uuid.UUID]domain.TicketInstance{},
		listings:     map[uuid.UUID]domain.Listing{},
		resales:      map[uuid.UUID][]uuid.UUID{},
		withdrawals:  map[uuid.UUID]domain.Withdrawal{},
		wdKeys:       map[string]uuid.UUID{},
	}
}

// Next implements store.Sequence.
func (s *Store) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "event %s", e.ID)
	}
	e.Version = 1
	s.events[e.ID] = e
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return &e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.ID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "event %s", e.ID)
	}
	if cur.Version != e.Version {
		return errors.Wrapf(domain.ErrSerializationFailure, "event %s version %d", e.ID, e.Version)
	}
	// Running totals belong to settlement, not to catalog writers.
	e.TotalRevenue = cur.TotalRevenue
	e.TotalRoyaltiesEarned = cur.TotalRoyaltiesEarned
	e.Version = cur.Version + 1
	s.events[e.ID] = e
	return nil
}

func (s *Store) CreateClass(ctx context.Context, c domain.TicketClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[c.EventID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "event %s", c.EventID)
	}
	if _, ok := s.tokens[c.TokenID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "token id %d", c.TokenID)
	}
	c.Version = 1
	s.classes[c.ID] = c
	s.tokens[c.TokenID] = c.ID
	return nil
}

func (s *Store) GetClass(ctx context.Context, id uuid.UUID) (*domain.TicketClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classes[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket class %s", id)
	}
	return &c, nil
}

func (s *Store) ListClasses(ctx context.Context, eventID uuid.UUID) ([]domain.TicketClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TicketClass
	for _, c := range s.classes {
		if c.EventID == eventID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (s *Store) CreateReferral(ctx context.Context, r domain.ReferralCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[r.Code]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "referral code %q", r.Code)
	}
	s.referrals[r.Code] = r
	return nil
}

func (s *Store) GetReferral(ctx context.Context, code string) (*domain.ReferralCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[code]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "referral code %q", code)
	}
	return &r, nil
}

func (s *Store) Reserve(ctx context.Context, r domain.Reservation, perWalletCap int) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.reserveKeys[r.IdempotencyKey]; ok && r.IdempotencyKey != "" {
		existing := s.reservations[id]
		if !existing.SameRequest(r) {
			return nil, errors.Wrapf(domain.ErrDuplicate, "reservation key %q was used for a different request", r.IdempotencyKey)
		}
		return &existing, nil
	}
	c, ok := s.classes[r.ClassID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket class %s", r.ClassID)
	}
	if c.SoldCount+r.Quantity > c.TotalSupply {
		return nil, errors.Wrapf(domain.ErrOutOfStock, "requested %d, remaining %d", r.Quantity, c.Remaining())
	}
	held := 0
	for _, in := range s.instances {
		if in.ClassID == r.ClassID && in.HolderID == r.WalletID &&
			(in.Status == domain.InstanceActive || in.Status == domain.InstanceUsed) {
			held++
		}
	}
	for _, res := range s.reservations {
		if res.ClassID == r.ClassID && res.WalletID == r.WalletID && res.Status == domain.ReservationPending {
			held += res.Quantity
		}
	}
	if perWalletCap > 0 && held+r.Quantity > perWalletCap {
		return nil, errors.Wrapf(domain.ErrWalletCapExceeded, "wallet holds %d of cap %d", held, perWalletCap)
	}
	c.SoldCount += r.Quantity
	c.Version++
	s.classes[c.ID] = c
	r.Status = domain.ReservationPending
	s.reservations[r.ID] = r
	if r.IdempotencyKey != "" {
		s.reserveKeys[r.IdempotencyKey] = r.ID
	}
	return &r, nil
}

func (s *Store) Release(ctx context.Context, reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(reservationID)
}

func (s *Store) releaseLocked(reservationID uuid.UUID) error {
	r, ok := s.reservations[reservationID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", reservationID)
	}
	if r.Status != domain.ReservationPending {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "reservation %s is %s", r.ID, r.Status)
	}
	r.Status = domain.ReservationReleased
	s.reservations[r.ID] = r
	c := s.classes[r.ClassID]
	c.SoldCount -= r.Quantity
	c.Version++
	s.classes[c.ID] = c
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return &r, nil
}

func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Status == domain.ReservationPending && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTransactionLocked(t)
}

func (s *Store) createTransactionLocked(t domain.Transaction) error {
	if _, ok := s.txKeys[t.IdempotencyKey]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "transaction key %q", t.IdempotencyKey)
	}
	s.transactions[t.ID] = t
	s.txKeys[t.IdempotencyKey] = t.ID
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "transaction %s", id)
	}
	return &t, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.txKeys[key]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "transaction key %q", key)
	}
	t := s.transactions[id]
	return &t, nil
}

func (s *Store) FailTransaction(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "transaction %s", id)
	}
	if t.Status != domain.TxPending {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "transaction %s is %s", id, t.Status)
	}
	if t.ReservationID != nil {
		if r := s.reservations[*t.ReservationID]; r.Status == domain.ReservationPending {
			if err := s.releaseLocked(r.ID); err != nil {
				return err
			}
		}
	}
	t.Status = domain.TxFailed
	t.FailureReason = reason
	t.UpdatedAt = at
	s.transactions[id] = t
	return nil
}

func (s *Store) CommitPrimary(ctx context.Context, c store.PrimaryCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[c.TransactionID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "transaction %s", c.TransactionID)
	}
	if t.Status != domain.TxPending {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "transaction %s is %s", t.ID, t.Status)
	}
	r, ok := s.reservations[c.ReservationID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", c.ReservationID)
	}
	if r.Status != domain.ReservationPending {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "reservation %s is %s", r.ID, r.Status)
	}
	r.Status = domain.ReservationCommitted
	s.reservations[r.ID] = r
	for _, in := range c.Instances {
		s.instances[in.ID] = in
	}
	s.entries = append(s.entries, c.Entries...)
	e := s.events[r.EventID]
	e.TotalRevenue = e.TotalRevenue.Add(c.Revenue)
	e.Version++
	s.events[e.ID] = e
	if c.Referral != nil {
		ref := s.referrals[c.Referral.Code]
		ref.TotalEarnings = ref.TotalEarnings.Add(c.Referral.Amount)
		ref.Conversions++
		s.referrals[ref.Code] = ref
	}
	t.Status = domain.TxCompleted
	t.PaymentRef = c.PaymentRef
	t.UpdatedAt = c.At
	s.transactions[t.ID] = t
	s.appendOutboxLocked(c.Outbox)
	return nil
}

func (s *Store) CommitRefund(ctx context.Context, c store.RefundCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.transactions[*c.Refund.RefundOf]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "transaction %s", *c.Refund.RefundOf)
	}
	if orig.Status != domain.TxCompleted {
		return errors.Wrapf(domain.ErrInvalidTransition, "transaction %s is %s", orig.ID, orig.Status)
	}
	for _, id := range c.Tickets {
		if later := s.unrefundedAfterLocked(id, orig.ID); later > 0 {
			return errors.Wrapf(domain.ErrInvalidTransition, "%d later resales of transaction %s are not refunded", later, orig.ID)
		}
		if in, ok := s.instances[id]; !ok || in.Status == domain.InstanceRefunded {
			return errors.Wrapf(domain.ErrInvalidTransition, "tickets of transaction %s already refunded", orig.ID)
		}
	}
	if err := s.createTransactionLocked(c.Refund); err != nil {
		return err
	}
	s.entries = append(s.entries, c.Entries...)
	e := s.events[c.EventID]
	e.TotalRevenue = e.TotalRevenue.Sub(c.Revenue)
	e.TotalRoyaltiesEarned = e.TotalRoyaltiesEarned.Sub(c.Royalties)
	e.Version++
	s.events[e.ID] = e
	for _, id := range c.Tickets {
		for lid, l := range s.listings {
			if l.InstanceID == id && l.Status == domain.ListingActive {
				l.Status = domain.ListingCancelled
				s.listings[lid] = l
			}
		}
		in := s.instances[id]
		in.Status = c.To.Status
		if c.To.HolderID != "" {
			in.HolderID = c.To.HolderID
		}
		s.instances[id] = in
	}
	s.appendOutboxLocked(c.Outbox)
	return nil
}

// unrefundedAfterLocked counts resales of the ticket settled after txID that
// have no refund. A primary sale precedes every resale.
func (s *Store) unrefundedAfterLocked(instanceID, txID uuid.UUID) int {
	ids := s.resales[instanceID]
	from := 0
	for i, id := range ids {
		if id == txID {
			from = i + 1
		}
	}
	n := 0
	for _, id := range ids[from:] {
		if !s.refundedLocked(id) {
			n++
		}
	}
	return n
}

func (s *Store) refundedLocked(txID uuid.UUID) bool {
	for _, t := range s.transactions {
		if t.Kind == domain.TxRefund && t.RefundOf != nil && *t.RefundOf == txID {
			return true
		}
	}
	return false
}

func (s *Store) ResaleTransactions(ctx context.Context, instanceID uuid.UUID) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.resales[instanceID]
	out := make([]domain.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.transactions[ids[i]])
	}
	return out, nil
}

func (s *Store) TransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) TransactionInstances(ctx context.Context, transactionID uuid.UUID) ([]domain.TicketInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TicketInstance
	for _, in := range s.instances {
		if in.TransactionID == transactionID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*domain.TicketInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	return &in, nil
}

func (s *Store) InstancesByHolder(ctx context.Context, holderID string) ([]domain.TicketInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TicketInstance
	for _, in := range s.instances {
		if in.HolderID == holderID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out, nil
}

func (s *Store) TransitionInstance(ctx context.Context, id uuid.UUID, from, to store.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	if in.HolderID != from.HolderID || in.Status != from.Status {
		return errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", id, in.Status)
	}
	in.HolderID = to.HolderID
	in.Status = to.Status
	if to.CheckedInAt != nil {
		in.CheckedInAt = to.CheckedInAt
		in.CheckInGate = to.CheckInGate
	}
	s.instances[id] = in
	return nil
}

func (s *Store) CreateListing(ctx context.Context, l domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.listings {
		if other.InstanceID == l.InstanceID && other.Status == domain.ListingActive {
			return errors.Wrapf(domain.ErrAlreadyListed, "ticket %s", l.InstanceID)
		}
	}
	in, ok := s.instances[l.InstanceID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket %s", l.InstanceID)
	}
	if in.HolderID != l.SellerID {
		return errors.Wrapf(domain.ErrNotOwner, "ticket %s", l.InstanceID)
	}
	if in.Status != domain.InstanceActive {
		return errors.Wrapf(domain.ErrInvalidInstanceState, "ticket %s is %s", in.ID, in.Status)
	}
	in.Status = domain.InstanceListed
	s.instances[in.ID] = in
	l.Status = domain.ListingActive
	s.listings[l.ID] = l
	return nil
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "listing %s", id)
	}
	return &l, nil
}

func (s *Store) CancelListing(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "listing %s", id)
	}
	if l.Status != domain.ListingActive {
		return errors.Wrapf(domain.ErrAlreadyTerminal, "listing %s is %s", id, l.Status)
	}
	l.Status = domain.ListingCancelled
	s.listings[id] = l
	if in, ok := s.instances[l.InstanceID]; ok && in.Status == domain.InstanceListed {
		in.Status = domain.InstanceActive
		s.instances[in.ID] = in
	}
	return nil
}

func (s *Store) SettleListing(ctx context.Context, st store.ResaleSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[st.ListingID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "listing %s", st.ListingID)
	}
	if l.Status != domain.ListingActive {
		return errors.Wrapf(domain.ErrListingNoLongerAvailable, "listing %s is %s", l.ID, l.Status)
	}
	in := s.instances[l.InstanceID]
	if in.Status != domain.InstanceListed || in.HolderID != l.SellerID {
		return errors.Wrapf(domain.ErrListingNoLongerAvailable, "ticket %s is %s", in.ID, in.Status)
	}
	if cur, ok := s.txKeys[st.Transaction.IdempotencyKey]; ok {
		if s.transactions[cur].ID != st.Transaction.ID {
			return errors.Wrapf(domain.ErrDuplicate, "transaction key %q", st.Transaction.IdempotencyKey)
		}
	}
	at := st.At
	l.Status = domain.ListingSold
	l.SoldAt = &at
	l.BuyerID = st.BuyerID
	s.listings[l.ID] = l
	in.HolderID = st.BuyerID
	in.Status = domain.InstanceActive
	s.instances[in.ID] = in
	s.entries = append(s.entries, st.Entries...)
	e := s.events[l.EventID]
	e.TotalRoyaltiesEarned = e.TotalRoyaltiesEarned.Add(st.Royalties)
	e.Version++
	s.events[e.ID] = e
	t := st.Transaction
	t.Status = domain.TxCompleted
	t.UpdatedAt = at
	s.transactions[t.ID] = t
	s.txKeys[t.IdempotencyKey] = t.ID
	s.resales[in.ID] = append(s.resales[in.ID], t.ID)
	s.appendOutboxLocked(st.Outbox)
	return nil
}

func (s *Store) ActiveListings(ctx context.Context, eventID uuid.UUID) ([]domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Listing
	for _, l := range s.listings {
		if l.EventID == eventID && l.Status == domain.ListingActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

func (s *Store) Balance(ctx context.Context, stakeholderID string) (*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balanceLocked(stakeholderID)
	return &b, nil
}

func (s *Store) balanceLocked(stakeholderID string) domain.Balance {
	b := domain.Balance{StakeholderID: stakeholderID, Accrued: decimal.Zero, Withdrawn: decimal.Zero, Held: decimal.Zero}
	for _, e := range s.entries {
		if e.StakeholderID == stakeholderID {
			b.Accrued = b.Accrued.Add(e.Amount)
		}
	}
	for _, w := range s.withdrawals {
		if w.StakeholderID != stakeholderID {
			continue
		}
		switch w.Status {
		case domain.WithdrawalCompleted:
			b.Withdrawn = b.Withdrawn.Add(w.Amount)
		case domain.WithdrawalPending, domain.WithdrawalProcessing:
			b.Held = b.Held.Add(w.Amount)
		}
	}
	b.Available = b.Accrued.Sub(b.Withdrawn).Sub(b.Held)
	return b
}

func (s *Store) Entries(ctx context.Context, stakeholderID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].StakeholderID == stakeholderID {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w domain.Withdrawal) (*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.wdKeys[w.IdempotencyKey]; ok && w.IdempotencyKey != "" {
		existing := s.withdrawals[id]
		return &existing, nil
	}
	b := s.balanceLocked(w.StakeholderID)
	if w.Amount.GreaterThan(b.Available) {
		return nil, errors.Wrapf(domain.ErrBalanceShort, "requested %s, available %s", w.Amount, b.Available)
	}
	w.Status = domain.WithdrawalPending
	s.withdrawals[w.ID] = w
	if w.IdempotencyKey != "" {
		s.wdKeys[w.IdempotencyKey] = w.ID
	}
	return &w, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "withdrawal %s", id)
	}
	return &w, nil
}

func (s *Store) TransitionWithdrawal(ctx context.Context, t store.WithdrawalTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[t.ID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "withdrawal %s", t.ID)
	}
	if w.Status != t.From {
		return errors.Wrapf(domain.ErrAlreadyClaimed, "withdrawal %s is %s", t.ID, w.Status)
	}
	w.Status = t.To
	w.FailureReason = t.FailureReason
	if t.PayoutRef != "" {
		w.PayoutRef = t.PayoutRef
	}
	w.UpdatedAt = t.At
	s.withdrawals[t.ID] = w
	s.appendOutboxLocked(t.Outbox)
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return 0, errors.Wrapf(domain.ErrNotFound, "withdrawal %s", id)
	}
	w.Attempts++
	s.withdrawals[id] = w
	return w.Attempts, nil
}

func (s *Store) PendingWithdrawals(ctx context.Context, limit int) ([]domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Withdrawal
	for _, w := range s.withdrawals {
		if w.Status == domain.WithdrawalPending {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) appendOutboxLocked(msgs []domain.OutboxMessage) {
	for _, m := range msgs {
		s.outbox = append(s.outbox, outboxRow{msg: m})
	}
}

func (s *Store) UnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, row := range s.outbox {
		if row.publishedAt == nil {
			out = append(out, row.msg)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].msg.ID == id {
			s.outbox[i].publishedAt = &at
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox %s", id)
}
