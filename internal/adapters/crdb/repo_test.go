package crdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/robertarktes/ticket-resale-settlement/internal/resale"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = crdbContainer.Terminate(ctx) })

	host, err := crdbContainer.Host(ctx)
	require.NoError(t, err)
	port, err := crdbContainer.MappedPort(ctx, "26257")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, "postgresql://root@"+host+":"+port.Port()+"/defaultdb?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool, 10)
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func seedEvent(t *testing.T, repo *crdb.Repository, supply int) (domain.Event, domain.TicketClass) {
	t.Helper()
	ctx := context.Background()
	event := domain.Event{
		ID:          uuid.New(),
		Name:        "Warehouse",
		OrganizerID: "org",
		ArtistID:    "artist",
		VenueID:     "venue",
		Status:      domain.EventApproved,
		Split:       domain.RoyaltySplit{OrganizerPct: d("60"), ArtistPct: d("20"), VenuePct: d("10"), PlatformPct: d("10")},
		Resale:      domain.ResalePolicy{Enabled: true, RoyaltyPct: d("5"), MaxPricePct: d("150")},
	}
	require.NoError(t, repo.CreateEvent(ctx, event))
	tok, err := repo.TokenSequence().Next(ctx)
	require.NoError(t, err)
	class := domain.TicketClass{ID: uuid.New(), EventID: event.ID, Name: "GA", TokenID: domain.TokenID(tok), FacePrice: d("100"), TotalSupply: supply}
	require.NoError(t, repo.CreateClass(ctx, class))
	return event, class
}

func TestRepository_ReserveNeverOversells(t *testing.T) {
	repo := newRepository(t)
	_, class := seedEvent(t, repo, 5)
	logger := observability.NewDiscardLogger()
	inv := inventory.NewService(repo, domain.DefaultPlatformSettings().ReservationTTL, audit.NewEmitter(nil, logger), logger)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Reserve(context.Background(), inventory.ReserveRequest{
				ClassID: class.ID, WalletID: uuid.NewString(), Quantity: 1, IdempotencyKey: uuid.NewString(),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.Equal(t, domain.ErrConflict, domain.KindOf(err), "unexpected error %v", err)
		}()
	}
	wg.Wait()

	got, err := repo.GetClass(context.Background(), class.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.SoldCount, 5)
	assert.Equal(t, succeeded, got.SoldCount)
}

func TestRepository_PrimaryThenResale(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	_, class := seedEvent(t, repo, 10)
	logger := observability.NewDiscardLogger()
	emitter := audit.NewEmitter(nil, logger)
	settings := domain.DefaultPlatformSettings()
	inv := inventory.NewService(repo, settings.ReservationTTL, emitter, logger)
	primary := purchase.NewService(repo, inv, payment.Instant{}, emitter, settings, logger)
	market := resale.NewService(repo, payment.Instant{}, emitter, settings, logger)

	res, err := primary.Purchase(ctx, purchase.Request{ClassID: class.ID, Quantity: 1, WalletID: "seller", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	ticket := res.Instances[0]

	b, err := repo.Balance(ctx, "org")
	require.NoError(t, err)
	assert.True(t, d("60").Equal(b.Available), "org available %s", b.Available)

	l, err := market.CreateListing(ctx, ticket.ID, "seller", d("100"))
	require.NoError(t, err)
	_, err = market.CreateListing(ctx, ticket.ID, "seller", d("110"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyListed), "got %v", err)

	sold, err := market.PurchaseListing(ctx, resale.PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, sold.Transaction.Status)

	in, err := repo.GetInstance(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "buyer", in.HolderID)
	assert.Equal(t, domain.InstanceActive, in.Status)

	// 100 resale: 5 royalty split 3:1, 2.50 platform fee, 92.50 proceeds.
	seller, err := repo.Balance(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, d("92.5").Equal(seller.Available), "seller available %s", seller.Available)

	msgs, err := repo.UnpublishedOutbox(ctx, 100)
	require.NoError(t, err)
	var types []string
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	assert.Contains(t, types, domain.EventListingSold)
}

func TestRepository_RefundWaitsForLaterResales(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	event, class := seedEvent(t, repo, 10)
	logger := observability.NewDiscardLogger()
	emitter := audit.NewEmitter(nil, logger)
	settings := domain.DefaultPlatformSettings()
	inv := inventory.NewService(repo, settings.ReservationTTL, emitter, logger)
	primary := purchase.NewService(repo, inv, payment.Instant{}, emitter, settings, logger)
	market := resale.NewService(repo, payment.Instant{}, emitter, settings, logger)

	res, err := primary.Purchase(ctx, purchase.Request{ClassID: class.ID, Quantity: 1, WalletID: "seller", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)
	ticket := res.Instances[0]
	l, err := market.CreateListing(ctx, ticket.ID, "seller", d("120"))
	require.NoError(t, err)
	sold, err := market.PurchaseListing(ctx, resale.PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)

	e, err := repo.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	e.Status = domain.EventCancelled
	require.NoError(t, repo.UpdateEvent(ctx, *e))

	now := time.Now().UTC()
	err = repo.CommitRefund(ctx, store.RefundCommit{
		Refund: domain.Transaction{
			ID: uuid.New(), Kind: domain.TxRefund, Status: domain.TxCompleted, EventID: event.ID, BuyerID: "seller",
			RefundOf: &res.Transaction.ID, Amount: res.Transaction.Amount, IdempotencyKey: uuid.NewString(),
			CreatedAt: now, UpdatedAt: now,
		},
		EventID: event.ID,
		Revenue: res.Transaction.Amount,
		Tickets: []uuid.UUID{ticket.ID},
		To:      store.InstanceState{Status: domain.InstanceRefunded},
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "got %v", err)

	_, err = primary.Refund(ctx, res.Transaction.ID, "admin", "event cancelled")
	require.NoError(t, err)
	resales, err := repo.ResaleTransactions(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, resales, 1)
	assert.Equal(t, sold.Transaction.ID, resales[0].ID)

	for _, id := range []string{"seller", "buyer", "org", "artist", "venue", "platform"} {
		b, err := repo.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, b.Available.IsZero(), "%s available %s", id, b.Available)
	}
	e, err = repo.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, e.TotalRevenue.IsZero())
	assert.True(t, e.TotalRoyaltiesEarned.IsZero())
	in, err := repo.GetInstance(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceRefunded, in.Status)
	assert.Equal(t, "seller", in.HolderID)
}

func TestRepository_WithdrawalsCannotOverspend(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	_, class := seedEvent(t, repo, 10)
	logger := observability.NewDiscardLogger()
	emitter := audit.NewEmitter(nil, logger)
	settings := domain.DefaultPlatformSettings()
	inv := inventory.NewService(repo, settings.ReservationTTL, emitter, logger)
	primary := purchase.NewService(repo, inv, payment.Instant{}, emitter, settings, logger)

	// Two tickets leave the organizer 120.
	_, err := primary.Purchase(ctx, purchase.Request{ClassID: class.ID, Quantity: 2, WalletID: "fan", PaymentMethod: "card", IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)

	svc := withdrawal.NewService(repo, settings.WithdrawalMinimum, emitter, logger)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Request(context.Background(), withdrawal.Request{
				StakeholderID: "org", Amount: d("70"), Method: domain.PayoutUPI, Destination: "org@upi",
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, succeeded, 1)

	b, err := repo.Balance(ctx, "org")
	require.NoError(t, err)
	assert.False(t, b.Available.IsNegative(), "available %s", b.Available)
	assert.True(t, d("120").Equal(b.Accrued))
}
