package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/rateLimit"
)

// SetupRouter wires the public API. rl and idemp may be nil, which disables
// rate limiting and response replay.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
		r.Group(func(r chi.Router) { h.routes(r, rl, idemp) })
	})

	return r
}

// routes are the authenticated endpoints.
func (h *Handlers) routes(r chi.Router, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) {
	r.Use(IdentityMiddleware)
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyMiddleware(idemp))

	r.Route("/events", func(r chi.Router) {
		r.With(RequireRole(domain.RoleAdmin, domain.RoleOrganizer)).Post("/", h.CreateEvent)
		r.Get("/{id}", h.GetEvent)
		r.Get("/{id}/classes", h.ListClasses)
		r.Get("/{id}/listings", h.ActiveListings)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin))
			r.Post("/{id}/approve", h.eventAction(h.svc.Catalog.Approve))
			r.Post("/{id}/reject", h.eventAction(h.svc.Catalog.Reject))
		})
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin, domain.RoleOrganizer))
			r.Post("/{id}/cancel", h.eventAction(h.svc.Catalog.Cancel))
			r.Put("/{id}/royalty-split", h.ConfigureRoyaltySplit)
			r.Put("/{id}/resale-policy", h.ConfigureResalePolicy)
			r.Put("/{id}/sales-paused", h.SetSalesPaused)
			r.Post("/{id}/classes", h.CreateTicketClass)
		})
	})
	r.With(RequireRole(domain.RoleAdmin, domain.RoleOrganizer)).Post("/referral-codes", h.CreateReferralCode)

	r.Post("/purchases", h.Purchase)
	r.Get("/purchases/{id}", h.GetPurchase)
	r.With(RequireRole(domain.RoleAdmin, domain.RoleOrganizer)).Post("/purchases/{id}/refund", h.RefundPurchase)

	r.Post("/listings", h.CreateListing)
	r.Get("/listings/{id}", h.GetListing)
	r.Delete("/listings/{id}", h.CancelListing)
	r.Post("/listings/{id}/purchase", h.PurchaseListing)

	r.Get("/tickets", h.MyTickets)
	r.Get("/tickets/{id}", h.GetTicket)
	r.Post("/tickets/{id}/transfer", h.TransferTicket)
	r.With(RequireRole(domain.RoleAdmin, domain.RoleOrganizer)).Post("/tickets/{id}/check-in", h.CheckIn)

	r.Get("/balances/{stakeholder}", h.GetBalance)
	r.Get("/balances/{stakeholder}/entries", h.ListEntries)
	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals/{id}", h.GetWithdrawal)

	r.With(RequireRole(domain.RoleGateway)).Post("/payments/callback", h.PaymentCallback)
	r.With(RequireRole(domain.RolePayout)).Post("/payouts/callback", h.PayoutCallback)
}
