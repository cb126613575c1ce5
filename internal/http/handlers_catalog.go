package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/catalog"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req catalog.EventRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Catalog.CreateEvent(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Catalog.GetEvent(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// eventAction adapts the catalog writes that take only the event id.
func (h *Handlers) eventAction(action func(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r, "id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		e, err := action(r.Context(), principalFrom(r.Context()), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (h *Handlers) ConfigureRoyaltySplit(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var split domain.RoyaltySplit
	if err := decode(r, &split); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Catalog.ConfigureRoyaltySplit(r.Context(), principalFrom(r.Context()), id, split)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) ConfigureResalePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var policy domain.ResalePolicy
	if err := decode(r, &policy); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Catalog.ConfigureResalePolicy(r.Context(), principalFrom(r.Context()), id, policy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) SetSalesPaused(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Catalog.SetSalesPaused(r.Context(), principalFrom(r.Context()), id, req.Paused)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) CreateTicketClass(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req catalog.ClassRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.EventID = id
	c, err := h.svc.Catalog.CreateTicketClass(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) ListClasses(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	classes, err := h.svc.Catalog.ListClasses(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"classes": classes})
}

func (h *Handlers) CreateReferralCode(w http.ResponseWriter, r *http.Request) {
	var req catalog.ReferralRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	code, err := h.svc.Catalog.CreateReferralCode(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}
