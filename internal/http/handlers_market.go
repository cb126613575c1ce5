package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/robertarktes/ticket-resale-settlement/internal/resale"
	"github.com/shopspring/decimal"
)

type purchaseResponse struct {
	*purchase.Result
	ReferralWarning string `json:"referral_warning,omitempty"`
}

func transactionStatus(t domain.Transaction) int {
	if t.Status == domain.TxPending {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClassID       uuid.UUID `json:"class_id"`
		Quantity      int       `json:"quantity"`
		PaymentMethod string    `json:"payment_method"`
		ReferralCode  string    `json:"referral_code"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Purchases.Purchase(r.Context(), purchase.Request{
		ClassID:        req.ClassID,
		Quantity:       req.Quantity,
		WalletID:       principalFrom(r.Context()).ID,
		PaymentMethod:  req.PaymentMethod,
		ReferralCode:   req.ReferralCode,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := purchaseResponse{Result: res}
	if res.ReferralWarning != nil {
		out.ReferralWarning = res.ReferralWarning.Error()
	}
	writeJSON(w, transactionStatus(res.Transaction), out)
}

func (h *Handlers) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Purchases.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	if res.Transaction.BuyerID != p.ID && !p.IsAdmin() {
		h.fail(w, r, errors.Wrapf(domain.ErrForbidden, "transaction %s", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Purchases.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	event, err := h.svc.Catalog.GetEvent(r.Context(), res.Transaction.EventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	if !p.CanManage(event.OrganizerID) {
		h.fail(w, r, errors.Wrapf(domain.ErrForbidden, "event %s", event.ID))
		return
	}
	refund, err := h.svc.Purchases.Refund(r.Context(), id, p.ID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketID uuid.UUID       `json:"ticket_id"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.svc.Resale.CreateListing(r.Context(), req.TicketID, principalFrom(r.Context()).ID, req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.svc.Resale.GetListing(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handlers) ActiveListings(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	listings, err := h.svc.Resale.ActiveListings(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"listings": listings})
}

func (h *Handlers) CancelListing(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.Resale.CancelListing(r.Context(), id, principalFrom(r.Context()).ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Resale.PurchaseListing(r.Context(), resale.PurchaseRequest{
		ListingID:      id,
		BuyerID:        principalFrom(r.Context()).ID,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, transactionStatus(res.Transaction), res)
}

// PaymentCallback routes the gateway verdict to the market the transaction
// belongs to.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID uuid.UUID `json:"transaction_id"`
		Succeeded     bool      `json:"succeeded"`
		PaymentRef    string    `json:"payment_ref"`
		Reason        string    `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cur, err := h.svc.Purchases.Get(r.Context(), req.TransactionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	switch cur.Transaction.Kind {
	case domain.TxPrimary:
		res, err := h.svc.Purchases.ConfirmPayment(r.Context(), purchase.Confirmation{
			TransactionID: req.TransactionID, Succeeded: req.Succeeded, PaymentRef: req.PaymentRef, Reason: req.Reason,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case domain.TxResale:
		res, err := h.svc.Resale.ConfirmPayment(r.Context(), resale.Confirmation{
			TransactionID: req.TransactionID, Succeeded: req.Succeeded, PaymentRef: req.PaymentRef, Reason: req.Reason,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		h.fail(w, r, domain.Invalid("transaction %s is a %s transaction", req.TransactionID, cur.Transaction.Kind))
	}
}

func (h *Handlers) MyTickets(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Tickets.ListByHolder(r.Context(), principalFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": list})
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.svc.Tickets.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	if in.HolderID != p.ID && !p.IsAdmin() {
		h.fail(w, r, errors.Wrapf(domain.ErrForbidden, "ticket %s", id))
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handlers) TransferTicket(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.svc.Tickets.Transfer(r.Context(), id, principalFrom(r.Context()).ID, req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Gate string `json:"gate"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.svc.Tickets.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	event, err := h.svc.Catalog.GetEvent(r.Context(), in.EventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	if !p.CanManage(event.OrganizerID) {
		h.fail(w, r, errors.Wrapf(domain.ErrForbidden, "event %s", event.ID))
		return
	}
	used, err := h.svc.Tickets.CheckIn(r.Context(), id, req.Gate, p.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, used)
}
