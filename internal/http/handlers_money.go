package http

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/payout"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
	"github.com/shopspring/decimal"
)

const maxEntries = 500

func (h *Handlers) stakeholder(r *http.Request) (string, error) {
	id := chi.URLParam(r, "stakeholder")
	p := principalFrom(r.Context())
	if id != p.ID && !p.IsAdmin() {
		return "", errors.Wrapf(domain.ErrForbidden, "balance of %s", id)
	}
	return id, nil
}

func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := h.stakeholder(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.svc.Ledger.BalanceOf(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := h.stakeholder(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEntries {
			h.fail(w, r, domain.Invalid("limit must be between 1 and %d", maxEntries))
			return
		}
		limit = n
	}
	entries, err := h.svc.Ledger.Entries(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handlers) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      decimal.Decimal     `json:"amount"`
		Method      domain.PayoutMethod `json:"method"`
		Destination string              `json:"destination"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.svc.Withdrawals.Request(r.Context(), withdrawal.Request{
		StakeholderID:  principalFrom(r.Context()).ID,
		Amount:         req.Amount,
		Method:         req.Method,
		Destination:    req.Destination,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (h *Handlers) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.svc.Withdrawals.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	if wd.StakeholderID != p.ID && !p.IsAdmin() {
		h.fail(w, r, errors.Wrapf(domain.ErrForbidden, "withdrawal %s", id))
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// PayoutCallback applies a rail result delivered over HTTP instead of the
// results queue.
func (h *Handlers) PayoutCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WithdrawalID uuid.UUID `json:"withdrawal_id"`
		Succeeded    bool      `json:"succeeded"`
		Ref          string    `json:"ref"`
		Reason       string    `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.WithdrawalID == uuid.Nil {
		h.fail(w, r, domain.Invalid("withdrawal_id is required"))
		return
	}
	err := h.svc.Withdrawals.HandleResult(r.Context(), payout.Result{
		WithdrawalID: req.WithdrawalID, Succeeded: req.Succeeded, Ref: req.Ref, Reason: req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.svc.Withdrawals.Get(r.Context(), req.WithdrawalID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}
