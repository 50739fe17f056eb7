package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
	"market_maker/internal/engine"
	"market_maker/internal/exchange/sim"
	"market_maker/internal/gridbook"
	"market_maker/internal/risk"
	"market_maker/pkg/logging"
)

// fakeFlagStore is an in-memory stand-in for internal/emergency's
// filesystem-backed EmergencyFlagStore, sufficient for exercising
// AccountSupervisor's refuse-to-start and declare-emergency paths without
// touching disk.
type fakeFlagStore struct {
	mu    sync.Mutex
	flags map[int]core.EmergencyFlag
}

func newFakeFlagStore() *fakeFlagStore {
	return &fakeFlagStore{flags: make(map[int]core.EmergencyFlag)}
}

func (f *fakeFlagStore) Exists(accountID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flags[accountID]
	return ok
}

func (f *fakeFlagStore) Read(accountID int) (*core.EmergencyFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.flags[accountID]
	if !ok {
		return nil, nil
	}
	return &flag, nil
}

func (f *fakeFlagStore) Create(accountID int, flag core.EmergencyFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[accountID] = flag
	return nil
}

func (f *fakeFlagStore) Remove(accountID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, accountID)
	return nil
}

func testCfg(t *testing.T, symbol string) core.Configuration {
	t.Helper()
	cfg := core.Configuration{
		Symbol:                 symbol,
		Leverage:               10,
		InitialPositionSizeUSD: decimal.NewFromInt(100),
		GridStepPercent:        decimal.NewFromFloat(2),
		AveragingMultiplier:    decimal.NewFromFloat(2),
		TakeProfitPercent:      decimal.NewFromFloat(1),
		MaxGridLevelsPerSide:   5,
		MMRateThreshold:        decimal.NewFromInt(80),
		BalanceBufferPercent:   decimal.NewFromInt(15),
		TakerFeePercent:        decimal.NewFromFloat(0.055),
		MakerFeePercent:        decimal.NewFromFloat(0.02),
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testInstrument(symbol string) core.InstrumentInfo {
	return core.InstrumentInfo{
		Symbol:        symbol,
		MinQty:        decimal.NewFromFloat(0.001),
		QtyStep:       decimal.NewFromFloat(0.001),
		MaxQty:        decimal.NewFromInt(1000),
		PriceDecimals: 2,
	}
}

type harness struct {
	sup  *AccountSupervisor
	gw   *sim.Gateway
	risk *risk.Controller
	flag *fakeFlagStore
	eng  *engine.SymbolEngine
	book *gridbook.Book
}

func newHarness(t *testing.T, symbol string) *harness {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	gw := sim.NewGateway()
	gw.SetInstrumentInfo(testInstrument(symbol))
	wallet := core.WalletSnapshot{AvailableBalance: decimal.NewFromInt(100000), MMRate: decimal.Zero}
	gw.SetWalletSnapshot(wallet)

	cfg := testCfg(t, symbol)
	riskController := risk.NewController(1, gw, logger, cfg.BalanceBufferPercent, cfg.MMRateThreshold)
	riskController.UpdateWallet(wallet)
	book := gridbook.NewBook(symbol)

	eng := engine.NewSymbolEngine(1, cfg, testInstrument(symbol), book, gw, riskController, nil, nil, logger)
	riskController.RegisterSymbol(symbol, cfg, book, eng)
	eng.Executor().SetRetryPolicy(5*time.Millisecond, 1)

	flag := newFakeFlagStore()
	sup := New(1, "test-account", gw, riskController, flag, nil, logger)
	sup.SetSyncInterval(time.Hour) // tests drive sync manually if ever needed
	sup.AddSymbol(symbol, eng)

	require.NoError(t, gw.SubscribeOrder(context.Background(), eng.Executor().HandleOrderEvent))

	return &harness{sup: sup, gw: gw, risk: riskController, flag: flag, eng: eng, book: book}
}

func TestAccountSupervisor_RefusesToStartWithEmergencyFlag(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	h.flag.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "prior terminal condition"})

	err := h.sup.Run(context.Background())
	require.Error(t, err)
}

func TestAccountSupervisor_RestoresOnStartAndRoutesTicker(t *testing.T) {
	h := newHarness(t, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.sup.Run(ctx)
	}()

	// restoreAll blocks on the first ticker tick per symbol; retry the push
	// until restoration has consumed it and opened both sides from empty.
	require.Eventually(t, func() bool {
		h.gw.PushTicker("BTCUSDT", decimal.NewFromInt(100))
		return h.book.Count(core.Long) > 0 && h.book.Count(core.Short) > 0
	}, 2*time.Second, 10*time.Millisecond, "restoration should open both sides from empty")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
}

func TestAccountSupervisor_PositionWithNoLocalEntriesDeclaresEmergency(t *testing.T) {
	h := newHarness(t, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.sup.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		h.gw.PushTicker("BTCUSDT", decimal.NewFromInt(100))
		return h.book.Count(core.Long) > 0 && h.book.Count(core.Short) > 0
	}, 2*time.Second, 10*time.Millisecond, "restoration must finish (both sides opened) before streams subscribe")

	// A position appears on Short with no locally-initiated entries for
	// it — restoration already completed, so OnPosition must flag this as
	// an emergency rather than silently accepting an exchange-side
	// position the engine never opened. Retried until a subscriber is
	// attached, since subscribeStreams runs just after restoreAll returns.
	h.book.ClearSide(core.Short)
	require.Eventually(t, func() bool {
		h.gw.PushPosition(core.PositionEvent{
			Symbol:      "BTCUSDT",
			PositionIdx: core.Short.PositionIdx(),
			Size:        decimal.NewFromInt(3),
			AvgPrice:    decimal.NewFromInt(100),
		})
		return h.flag.Exists(1)
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "emergency stop")
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not declare emergency and shut down")
	}
	assert.True(t, h.flag.Exists(1))
}
