package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/catalog"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/robertarktes/ticket-resale-settlement/internal/resale"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/tickets"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Services struct {
	Catalog     *catalog.Service
	Purchases   *purchase.Service
	Resale      *resale.Service
	Tickets     *tickets.Service
	Ledger      *settlement.Ledger
	Withdrawals *withdrawal.Service
}

type Handlers struct {
	svc    Services
	ready  map[string]ReadinessCheck
	logger observability.Logger
}

func NewHandlers(svc Services, ready map[string]ReadinessCheck, logger observability.Logger) *Handlers {
	return &Handlers{svc: svc, ready: ready, logger: logger}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("malformed request body: %v", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.Invalid("invalid %s", name)
	}
	return id, nil
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
