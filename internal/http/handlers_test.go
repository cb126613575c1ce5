package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-resale-settlement/internal/allocator"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/catalog"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/robertarktes/ticket-resale-settlement/internal/resale"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/tickets"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct {
	mu    sync.Mutex
	resp  map[string]idempotency.Response
	locks map[string]string
}

func (m *memBackend) Get(_ context.Context, key string) (*idempotency.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resp[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memBackend) Set(_ context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resp[key] = resp
	return nil
}

func (m *memBackend) Lock(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return false, nil
	}
	m.locks[key] = owner
	return true, nil
}

func (m *memBackend) Unlock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] == owner {
		delete(m.locks, key)
	}
	return nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := memory.New()
	logger := observability.NewDiscardLogger()
	emitter := audit.NewEmitter(nil, logger)
	settings := domain.DefaultPlatformSettings()
	gw := payment.Instant{}
	inv := inventory.NewService(st, settings.ReservationTTL, emitter, logger)

	h := NewHandlers(Services{
		Catalog:     catalog.NewService(st, allocator.New(st, logger), settings.RequireApproval, emitter, logger),
		Purchases:   purchase.NewService(st, inv, gw, emitter, settings, logger),
		Resale:      resale.NewService(st, gw, emitter, settings, logger),
		Tickets:     tickets.NewService(st, emitter, logger),
		Ledger:      settlement.NewLedger(st),
		Withdrawals: withdrawal.NewService(st, settings.WithdrawalMinimum, emitter, logger),
	}, nil, logger)
	idemp := idempotency.NewIdempotency(&memBackend{resp: map[string]idempotency.Response{}, locks: map[string]string{}}, time.Hour)

	srv := httptest.NewServer(SetupRouter(h, logger, nil, idemp))
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t    *testing.T
	base string
	id   string
	role domain.Role
}

func (c client) do(method, path string, body interface{}, headers ...string) (*http.Response, map[string]interface{}) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	if c.id != "" {
		req.Header.Set("X-Principal-ID", c.id)
		req.Header.Set("X-Principal-Role", string(c.role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAPI_PrimaryResaleAndWithdrawal(t *testing.T) {
	srv := newServer(t)
	admin := client{t, srv.URL, "root", domain.RoleAdmin}
	org := client{t, srv.URL, "org", domain.RoleOrganizer}
	fan := client{t, srv.URL, "fan", domain.RoleBuyer}
	other := client{t, srv.URL, "other", domain.RoleBuyer}

	resp, event := org.do(http.MethodPost, "/v1/events", map[string]interface{}{
		"name":          "Open Air",
		"organizer_id":  "org",
		"artist_id":     "artist",
		"venue_id":      "venue",
		"royalty_split": map[string]string{"organizer_pct": "60", "artist_pct": "20", "venue_pct": "10", "platform_pct": "10"},
		"resale_policy": map[string]interface{}{"enabled": true, "royalty_pct": "5", "max_price_pct": "150"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, event)
	eventID := event["id"].(string)

	resp, _ = org.do(http.MethodPost, "/v1/events/"+eventID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = admin.do(http.MethodPost, "/v1/events/"+eventID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, class := org.do(http.MethodPost, "/v1/events/"+eventID+"/classes", map[string]interface{}{
		"name": "GA", "face_price": "100", "total_supply": 10, "per_wallet_cap": 4,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, class)

	key := "purchase-key-0000000001"
	body := map[string]interface{}{"class_id": class["id"], "quantity": 2, "payment_method": "card"}
	resp, bought := fan.do(http.MethodPost, "/v1/purchases", body, "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, resp.StatusCode, bought)
	sold := bought["tickets"].([]interface{})
	require.Len(t, sold, 2)

	resp, replay := fan.do(http.MethodPost, "/v1/purchases", body, "Idempotency-Key", key)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replay"))
	assert.Equal(t, bought["transaction"], replay["transaction"])

	ticketID := sold[0].(map[string]interface{})["id"].(string)
	resp, _ = fan.do(http.MethodPost, "/v1/listings", map[string]interface{}{"ticket_id": ticketID, "price": "150.01"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, listing := fan.do(http.MethodPost, "/v1/listings", map[string]interface{}{"ticket_id": ticketID, "price": "120"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, listing)

	resp, self := fan.do(http.MethodPost, "/v1/listings/"+listing["id"].(string)+"/purchase", map[string]interface{}{"payment_method": "card"},
		"Idempotency-Key", "resale-key-self-000001")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, self["error"], "own listing")
	resp, resold := other.do(http.MethodPost, "/v1/listings/"+listing["id"].(string)+"/purchase", map[string]interface{}{"payment_method": "card"},
		"Idempotency-Key", "resale-key-00000000001")
	require.Equal(t, http.StatusCreated, resp.StatusCode, resold)

	resp, ticket := other.do(http.MethodGet, "/v1/tickets/"+ticketID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "other", ticket["holder_id"])
	resp, _ = fan.do(http.MethodGet, "/v1/tickets/"+ticketID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// 120 primary + 4.50 royalty
	resp, bal := org.do(http.MethodGet, "/v1/balances/org", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "124.5", bal["available"])
	resp, _ = fan.do(http.MethodGet, "/v1/balances/org", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, wd := org.do(http.MethodPost, "/v1/withdrawals", map[string]interface{}{"amount": "100", "method": "upi", "destination": "org@upi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, wd)
	assert.Equal(t, "pending", wd["status"])
	resp, short := org.do(http.MethodPost, "/v1/withdrawals", map[string]interface{}{"amount": "50", "method": "upi", "destination": "org@upi"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "insufficient_balance", short["kind"])

	payout := client{t, srv.URL, "rail", domain.RolePayout}
	resp, _ = org.do(http.MethodPost, "/v1/payouts/callback", map[string]interface{}{"withdrawal_id": wd["id"], "succeeded": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = payout.do(http.MethodPost, "/v1/payouts/callback", map[string]interface{}{"withdrawal_id": wd["id"], "succeeded": true, "ref": "r1"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "a pending withdrawal is not yet with the rail")
}

func TestAPI_RequiresPrincipal(t *testing.T) {
	srv := newServer(t)
	anon := client{t: t, base: srv.URL}

	resp, body := anon.do(http.MethodGet, "/v1/tickets", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["kind"])

	resp, _ = anon.do(http.MethodGet, "/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ErrorKinds(t *testing.T) {
	srv := newServer(t)
	fan := client{t, srv.URL, "fan", domain.RoleBuyer}

	resp, body := fan.do(http.MethodGet, "/v1/events/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["kind"])

	resp, body = fan.do(http.MethodGet, "/v1/events/6f1c2a7e-3b8d-4c55-9a0e-1d2b3c4d5e6f", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])

	resp, _ = fan.do(http.MethodPost, "/v1/events", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = fan.do(http.MethodPost, "/v1/withdrawals", map[string]interface{}{"amount": "100", "method": "upi", "destination": "d"},
		"Idempotency-Key", "short")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CancelledEventRefundsOnce(t *testing.T) {
	srv := newServer(t)
	admin := client{t, srv.URL, "root", domain.RoleAdmin}
	org := client{t, srv.URL, "org", domain.RoleOrganizer}
	rival := client{t, srv.URL, "rival", domain.RoleOrganizer}
	fan := client{t, srv.URL, "fan", domain.RoleBuyer}

	resp, event := org.do(http.MethodPost, "/v1/events", map[string]interface{}{
		"name":          "Rain Date",
		"organizer_id":  "org",
		"artist_id":     "artist",
		"venue_id":      "venue",
		"royalty_split": map[string]string{"organizer_pct": "70", "artist_pct": "20", "venue_pct": "5", "platform_pct": "5"},
		"resale_policy": map[string]interface{}{"enabled": false, "royalty_pct": "2", "max_price_pct": "100"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, event)
	eventID := event["id"].(string)
	resp, _ = admin.do(http.MethodPost, "/v1/events/"+eventID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, class := org.do(http.MethodPost, "/v1/events/"+eventID+"/classes", map[string]interface{}{
		"name": "Seated", "face_price": "40", "total_supply": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, class)

	resp, bought := fan.do(http.MethodPost, "/v1/purchases", map[string]interface{}{
		"class_id": class["id"], "quantity": 1, "payment_method": "card",
	}, "Idempotency-Key", "refund-flow-key-000001")
	require.Equal(t, http.StatusCreated, resp.StatusCode, bought)
	txID := bought["transaction"].(map[string]interface{})["id"].(string)

	resp, _ = org.do(http.MethodPost, "/v1/purchases/"+txID+"/refund", map[string]string{"reason": "early"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "event still approved")

	resp, _ = rival.do(http.MethodPost, "/v1/events/"+eventID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, cancelled := org.do(http.MethodPost, "/v1/events/"+eventID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["status"])

	resp, _ = rival.do(http.MethodPost, "/v1/purchases/"+txID+"/refund", map[string]string{"reason": "rain"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, refund := org.do(http.MethodPost, "/v1/purchases/"+txID+"/refund", map[string]string{"reason": "rain"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, refund)
	assert.Equal(t, "refund", refund["kind"])
	resp, again := org.do(http.MethodPost, "/v1/purchases/"+txID+"/refund", map[string]string{"reason": "rain"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, refund["id"], again["id"])

	resp, bal := org.do(http.MethodGet, "/v1/balances/org", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", bal["available"])
}
