package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, supply, walletCap int) (*Service, *memory.Store, domain.TicketClass) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	event := domain.Event{ID: uuid.New(), Name: "Show", OrganizerID: "org", Status: domain.EventApproved}
	require.NoError(t, st.CreateEvent(ctx, event))
	class := domain.TicketClass{
		ID:           uuid.New(),
		EventID:      event.ID,
		Name:         "GA",
		TokenID:      1,
		FacePrice:    decimal.NewFromInt(100),
		TotalSupply:  supply,
		PerWalletCap: walletCap,
	}
	require.NoError(t, st.CreateClass(ctx, class))
	logger := observability.NewDiscardLogger()
	return NewService(st, 10*time.Minute, audit.NewEmitter(nil, logger), logger), st, class
}

func TestReserve_ConcurrentOversizedRequests(t *testing.T) {
	svc, st, class := setup(t, 100, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(context.Background(), ReserveRequest{
				ClassID:        class.ID,
				WalletID:       uuid.NewString(),
				Quantity:       60,
				IdempotencyKey: uuid.NewString(),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrOutOfStock), "unexpected error %v", err)
		assert.Equal(t, domain.ErrConflict, domain.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)

	got, err := st.GetClass(context.Background(), class.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.SoldCount)
}

func TestReserve_ManySmallBuyersNeverOversell(t *testing.T) {
	svc, st, class := setup(t, 25, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Reserve(context.Background(), ReserveRequest{ClassID: class.ID, WalletID: uuid.NewString(), Quantity: 1, IdempotencyKey: uuid.NewString()})
		}()
	}
	wg.Wait()

	got, err := st.GetClass(context.Background(), class.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.SoldCount)
}

func TestReserve_WalletCapCountsPendingReservations(t *testing.T) {
	svc, _, class := setup(t, 100, 4)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 3, IdempotencyKey: "a"})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 2, IdempotencyKey: "b"})
	assert.True(t, errors.Is(err, domain.ErrWalletCapExceeded))
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 1, IdempotencyKey: "c"})
	assert.NoError(t, err)
}

func TestReserve_SameKeyReturnsSameReservation(t *testing.T) {
	svc, st, class := setup(t, 10, 0)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 2, IdempotencyKey: "retry"})
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 2, IdempotencyKey: "retry"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	got, _ := st.GetClass(ctx, class.ID)
	assert.Equal(t, 2, got.SoldCount)
}

func TestReserve_SameKeyDifferentRequestIsRejected(t *testing.T) {
	svc, st, class := setup(t, 10, 0)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 2, IdempotencyKey: "retry"})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 3, IdempotencyKey: "retry"})
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	_, err = svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w2", Quantity: 2, IdempotencyKey: "retry"})
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	assert.Equal(t, domain.ErrConflict, domain.KindOf(err))

	got, _ := st.GetClass(ctx, class.ID)
	assert.Equal(t, 2, got.SoldCount)
}

func TestReserve_Validation(t *testing.T) {
	svc, _, class := setup(t, 10, 0)
	_, err := svc.Reserve(context.Background(), ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 0})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestReserve_EventNotPurchasable(t *testing.T) {
	svc, st, class := setup(t, 10, 0)
	ctx := context.Background()

	e, err := st.GetEvent(ctx, class.EventID)
	require.NoError(t, err)
	e.SalesPaused = true
	require.NoError(t, st.UpdateEvent(ctx, *e))

	_, err = svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 1})
	assert.True(t, errors.Is(err, domain.ErrEventNotPurchasable))
}

func TestRelease_RestoresExactlyOnce(t *testing.T) {
	svc, st, class := setup(t, 10, 0)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 4, IdempotencyKey: "k"})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, res.ID))
	err = svc.Release(ctx, res.ID)
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))

	got, _ := st.GetClass(ctx, class.ID)
	assert.Equal(t, 0, got.SoldCount)
}

func TestExpireStale_FailsBackingTransaction(t *testing.T) {
	svc, st, class := setup(t, 10, 0)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	res, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w1", Quantity: 3, IdempotencyKey: "purchase-1"})
	require.NoError(t, err)
	txID := uuid.New()
	require.NoError(t, st.CreateTransaction(ctx, domain.Transaction{
		ID: txID, Kind: domain.TxPrimary, Status: domain.TxPending, EventID: class.EventID,
		ReservationID: &res.ID, IdempotencyKey: "purchase-1",
	}))
	orphan, err := svc.Reserve(ctx, ReserveRequest{ClassID: class.ID, WalletID: "w2", Quantity: 1, IdempotencyKey: "orphan"})
	require.NoError(t, err)

	n, err := svc.ExpireStale(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is past expiry yet")

	n, err = svc.ExpireStale(ctx, base.Add(11*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tx, err := st.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, tx.Status)
	got, _ := st.GetReservation(ctx, orphan.ID)
	assert.Equal(t, domain.ReservationReleased, got.Status)
	class2, _ := st.GetClass(ctx, class.ID)
	assert.Equal(t, 0, class2.SoldCount)
}
