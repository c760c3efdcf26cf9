package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coinpeak/ledgerex/internal/journal"
	"github.com/coinpeak/ledgerex/internal/settlement"
	"github.com/coinpeak/ledgerex/internal/wallet"
	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/metrics"
	"github.com/coinpeak/ledgerex/pkg/models"
)

func setupEngine(t *testing.T, feeRate string) (*Engine, *wallet.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Wallet{}, &models.Order{}, &models.Transaction{}, &models.JournalEntry{},
	))

	logger := zap.NewNop()
	j := journal.NewJournal(db, logger)
	wallets := wallet.NewStore(db, j, logger, 5*time.Second)
	settler := settlement.NewCoordinator(db, wallets, logger, decimal.RequireFromString(feeRate))
	return NewEngine(db, wallets, settler, logger), wallets
}

func fundWallet(t *testing.T, wallets *wallet.Store, userID uuid.UUID, currency, amount string) {
	t.Helper()
	err := wallets.Settle(context.Background(), userID, currency,
		decimal.RequireFromString(amount), wallet.DirectionCredit, models.JournalDeposit, "test-funding")
	require.NoError(t, err)
}

func requireWallet(t *testing.T, wallets *wallet.Store, userID uuid.UUID, currency, available, locked string) {
	t.Helper()
	w, err := wallets.Get(context.Background(), userID, currency)
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(decimal.RequireFromString(available)),
		"%s available: want %s, got %s", currency, available, w.Available)
	assert.True(t, w.Locked.Equal(decimal.RequireFromString(locked)),
		"%s locked: want %s, got %s", currency, locked, w.Locked)
}

func marketBuy(amount, key string) *models.OrderRequest {
	return &models.OrderRequest{
		Side:           "buy",
		Type:           "market",
		FromCurrency:   "USD",
		ToCurrency:     "BTC",
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	}
}

func TestSubmitValidation(t *testing.T) {
	e, _ := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()

	cases := []struct {
		name string
		req  *models.OrderRequest
	}{
		{"zero amount", &models.OrderRequest{Side: "buy", Type: "market", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.Zero, IdempotencyKey: "k"}},
		{"negative amount", &models.OrderRequest{Side: "buy", Type: "market", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.RequireFromString("-5"), IdempotencyKey: "k"}},
		{"same currency", &models.OrderRequest{Side: "convert", Type: "market", FromCurrency: "USD", ToCurrency: "USD", Amount: decimal.RequireFromString("5"), IdempotencyKey: "k"}},
		{"unknown side", &models.OrderRequest{Side: "short", Type: "market", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.RequireFromString("5"), IdempotencyKey: "k"}},
		{"unknown type", &models.OrderRequest{Side: "buy", Type: "iceberg", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.RequireFromString("5"), IdempotencyKey: "k"}},
		{"limit without price", &models.OrderRequest{Side: "buy", Type: "limit", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.RequireFromString("5"), IdempotencyKey: "k"}},
		{"stop loss without stop price", &models.OrderRequest{Side: "sell", Type: "stop_loss", FromCurrency: "BTC", ToCurrency: "USD", Amount: decimal.RequireFromString("5"), IdempotencyKey: "k"}},
		{"missing idempotency key", &models.OrderRequest{Side: "buy", Type: "market", FromCurrency: "USD", ToCurrency: "BTC", Amount: decimal.RequireFromString("5")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Submit(ctx, userID, tc.req)
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidOrder, errs.KindOf(err))
		})
	}
}

func TestSubmitReservesWorstCase(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	order, err := e.Submit(ctx, userID, marketBuy("60", "ord-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, order.Reserved.Equal(decimal.RequireFromString("60")))
	requireWallet(t, wallets, userID, "USD", "40", "60")

	// A second order beyond the remaining available must be rejected without
	// touching the wallet.
	_, err = e.Submit(ctx, userID, marketBuy("50", "ord-2"))
	require.Error(t, err)
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
	requireWallet(t, wallets, userID, "USD", "40", "60")
}

func TestSubmitLimitReservesAmountTimesPrice(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "1000")

	req := &models.OrderRequest{
		Side:           "buy",
		Type:           "limit",
		FromCurrency:   "USD",
		ToCurrency:     "ETH",
		Amount:         decimal.RequireFromString("2"),
		Price:          decimal.RequireFromString("300"),
		IdempotencyKey: "limit-1",
	}
	order, err := e.Submit(ctx, userID, req)
	require.NoError(t, err)
	assert.True(t, order.Reserved.Equal(decimal.RequireFromString("600")))
	requireWallet(t, wallets, userID, "USD", "400", "600")
}

func TestSubmitIsIdempotent(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	first, err := e.Submit(ctx, userID, marketBuy("60", "same-key"))
	require.NoError(t, err)

	second, err := e.Submit(ctx, userID, marketBuy("60", "same-key"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replayed submission must not have reserved a second time.
	requireWallet(t, wallets, userID, "USD", "40", "60")
}

func TestIdempotencyKeysAreScopedPerUser(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	alice, bob := uuid.New(), uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, alice, "USD", "100")
	fundWallet(t, wallets, bob, "USD", "100")

	// Two users happening to pick the same key each get their own order.
	aliceOrder, err := e.Submit(ctx, alice, marketBuy("10", "shared-key"))
	require.NoError(t, err)
	bobOrder, err := e.Submit(ctx, bob, marketBuy("20", "shared-key"))
	require.NoError(t, err)

	assert.NotEqual(t, aliceOrder.ID, bobOrder.ID)
	requireWallet(t, wallets, alice, "USD", "90", "10")
	requireWallet(t, wallets, bob, "USD", "80", "20")
}

func TestConcurrentSameKeySubmitsCreateOneOrder(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	fundWallet(t, wallets, userID, "USD", "100")

	const workers = 8
	var wg sync.WaitGroup
	orders := make(chan *models.Order, workers)
	failures := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := e.Submit(context.Background(), userID, marketBuy("10", "racy-key"))
			if err != nil {
				failures <- err
				return
			}
			orders <- order
		}()
	}
	wg.Wait()
	close(orders)
	close(failures)

	for err := range failures {
		t.Fatalf("submit failed: %v", err)
	}

	// Every racer replays the single winning order and only one reservation
	// was taken.
	ids := make(map[uuid.UUID]struct{})
	for order := range orders {
		ids[order.ID] = struct{}{}
	}
	assert.Len(t, ids, 1)
	requireWallet(t, wallets, userID, "USD", "90", "10")
}

func TestCancelRestoresBalanceExactlyOnce(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	order, err := e.Submit(ctx, userID, marketBuy("60", "ord-1"))
	require.NoError(t, err)

	cancelled, err := e.Cancel(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	requireWallet(t, wallets, userID, "USD", "100", "0")

	// Cancelling a terminal order is a state error and must not release again.
	_, err = e.Cancel(ctx, userID, order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	requireWallet(t, wallets, userID, "USD", "100", "0")
}

func TestExecuteMarketOrderSettlesWithFee(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	order, err := e.Submit(ctx, userID, &models.OrderRequest{
		Side:           "buy",
		Type:           "market",
		FromCurrency:   "USD",
		ToCurrency:     "USDT",
		Amount:         decimal.RequireFromString("60"),
		IdempotencyKey: "ord-1",
	})
	require.NoError(t, err)

	executed, err := e.Execute(ctx, order.ID, decimal.RequireFromString("1.0"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, executed.Status)
	assert.True(t, executed.Fee.Equal(decimal.RequireFromString("0.6")), "fee %s", executed.Fee)
	require.NotNil(t, executed.CompletedAt)

	// 60 consumed from locked, 59.4 credited after the 1% fee.
	requireWallet(t, wallets, userID, "USD", "40", "0")
	requireWallet(t, wallets, userID, "USDT", "59.4", "0")

	// The ledger must still reconcile on both wallets.
	for _, currency := range []string{"USD", "USDT"} {
		w, err := wallets.Get(ctx, userID, currency)
		require.NoError(t, err)
		require.NoError(t, wallets.Journal().Reconcile(ctx, w))
	}
}

func TestExecuteLimitOrderReleasesLeftover(t *testing.T) {
	e, wallets := setupEngine(t, "0")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "1000")

	order, err := e.Submit(ctx, userID, &models.OrderRequest{
		Side:           "buy",
		Type:           "limit",
		FromCurrency:   "USD",
		ToCurrency:     "ETH",
		Amount:         decimal.RequireFromString("2"),
		Price:          decimal.RequireFromString("300"),
		IdempotencyKey: "limit-1",
	})
	require.NoError(t, err)
	requireWallet(t, wallets, userID, "USD", "400", "600")

	// Executed below the limit price: only 2 * 250 = 500 is consumed and the
	// 100 worst-case remainder goes back to available.
	executed, err := e.Execute(ctx, order.ID, decimal.RequireFromString("250"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, executed.Status)
	requireWallet(t, wallets, userID, "USD", "500", "0")
	requireWallet(t, wallets, userID, "ETH", "2", "0")
}

func TestExecuteTerminalOrderIsInvalidState(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	order, err := e.Submit(ctx, userID, marketBuy("60", "ord-1"))
	require.NoError(t, err)
	_, err = e.Cancel(ctx, userID, order.ID)
	require.NoError(t, err)

	_, err = e.Execute(ctx, order.ID, decimal.RequireFromString("1.0"))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestExecuteUnknownOrder(t *testing.T) {
	e, _ := setupEngine(t, "0.01")

	_, err := e.Execute(context.Background(), uuid.New(), decimal.RequireFromString("1.0"))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidOrder, errs.KindOf(err))
}

func TestExecuteBadPriceLeavesOrderPending(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	order, err := e.Submit(ctx, userID, marketBuy("60", "ord-1"))
	require.NoError(t, err)

	_, err = e.Execute(ctx, order.ID, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidOrder, errs.KindOf(err))

	reloaded, err := e.Get(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, reloaded.Status)
	requireWallet(t, wallets, userID, "USD", "40", "60")
}

func TestFailedSettlementReleasesReservation(t *testing.T) {
	// A fee rate that swallows the whole cost forces the settlement to fail
	// after the order was validly submitted.
	e, wallets := setupEngine(t, "0.999")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "1")

	order, err := e.Submit(ctx, userID, &models.OrderRequest{
		Side:           "buy",
		Type:           "market",
		FromCurrency:   "USD",
		ToCurrency:     "USDT",
		Amount:         decimal.RequireFromString("0.01"),
		IdempotencyKey: "tiny",
	})
	require.NoError(t, err)

	_, err = e.Execute(ctx, order.ID, decimal.RequireFromString("1.0"))
	require.Error(t, err)
	assert.Equal(t, errs.KindSettlementFailed, errs.KindOf(err))

	reloaded, err := e.Get(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, reloaded.Status)
	requireWallet(t, wallets, userID, "USD", "1", "0")
}

func TestFailedOrdersCountedOncePerTransition(t *testing.T) {
	e, wallets := setupEngine(t, "0.999")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "1")

	order, err := e.Submit(ctx, userID, &models.OrderRequest{
		Side:           "buy",
		Type:           "market",
		FromCurrency:   "USD",
		ToCurrency:     "USDT",
		Amount:         decimal.RequireFromString("0.01"),
		IdempotencyKey: "tiny",
	})
	require.NoError(t, err)

	counter := metrics.OrdersTerminal.WithLabelValues(string(models.OrderStatusFailed))
	before := testutil.ToFloat64(counter)

	price := decimal.RequireFromString("1.0")
	_, err = e.Execute(ctx, order.ID, price)
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	// Retrying a terminal order is a state error and must not count again.
	_, err = e.Execute(ctx, order.ID, price)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	// The guarded transition inside failOrder reports no-op for orders that
	// are already terminal, so nothing is released twice.
	reloaded, err := e.Get(ctx, userID, order.ID)
	require.NoError(t, err)
	failed, err := e.failOrder(ctx, reloaded)
	require.NoError(t, err)
	assert.False(t, failed)
	requireWallet(t, wallets, userID, "USD", "1", "0")
}

func TestListForUserFilters(t *testing.T) {
	e, wallets := setupEngine(t, "0.01")
	userID := uuid.New()
	ctx := context.Background()
	fundWallet(t, wallets, userID, "USD", "100")

	first, err := e.Submit(ctx, userID, marketBuy("10", "ord-1"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, userID, marketBuy("20", "ord-2"))
	require.NoError(t, err)
	_, err = e.Cancel(ctx, userID, first.ID)
	require.NoError(t, err)

	all, err := e.ListForUser(ctx, userID, nil, 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := e.ListForUser(ctx, userID, &models.OrderFilter{Status: "pending"}, 50, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OrderStatusPending, pending[0].Status)

	// Orders are scoped to their owner.
	other, err := e.ListForUser(ctx, uuid.New(), nil, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}
