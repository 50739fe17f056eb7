package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
	"market_maker/internal/exchange/sim"
	"market_maker/internal/gridbook"
	"market_maker/pkg/logging"
)

func testLogger(t *testing.T) core.Logger {
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func cfgWithLeverage(symbol string, leverage int) core.Configuration {
	return core.Configuration{
		Symbol:                 symbol,
		Leverage:               leverage,
		InitialPositionSizeUSD: decimal.NewFromFloat(1),
		GridStepPercent:        decimal.NewFromFloat(1),
		AveragingMultiplier:    decimal.NewFromFloat(2),
		TakeProfitPercent:      decimal.NewFromFloat(1),
		MaxGridLevelsPerSide:   10,
	}
}

// TestController_ReserveCheck_BoundaryEqualPasses verifies §8's boundary
// behavior: available_after == cost_to_balance_after passes; one cent
// below fails.
func TestController_ReserveCheck_BoundaryEqualPasses(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.Zero, decimal.Zero)

	book := gridbook.NewBook("BTCUSDT")
	c.RegisterSymbol("BTCUSDT", cfgWithLeverage("BTCUSDT", 100), book, nil)
	c.UpdatePrice(context.Background(), "BTCUSDT", decimal.NewFromInt(100))

	// candidateQty=1 @100 lev100 => candidateMargin=1; imbalance after=1 =>
	// costToBalance = 1*100/100=1; a zero buffer defaults to 15% => buffered=1.15.
	// availableAfter = available - 1; need availableAfter >= 1.15 => available >= 2.15.
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromFloat(2.15)})
	assert.True(t, c.ReserveCheck("BTCUSDT", core.Long, decimal.NewFromInt(1), decimal.NewFromInt(100)))

	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromFloat(2.14)})
	assert.False(t, c.ReserveCheck("BTCUSDT", core.Long, decimal.NewFromInt(1), decimal.NewFromInt(100)))
}

func TestController_ReserveCheck_RejectsWhenFrozen(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.Zero, decimal.Zero)
	book := gridbook.NewBook("BTCUSDT")
	c.RegisterSymbol("BTCUSDT", cfgWithLeverage("BTCUSDT", 100), book, nil)
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromInt(1000000)})

	// Force LOW_IM by starving the account relative to an existing imbalance.
	book.AppendEntry(core.Long, decimal.NewFromInt(100), decimal.NewFromInt(100), 0, "o1")
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.Zero})
	c.UpdatePrice(context.Background(), "BTCUSDT", decimal.NewFromInt(100))

	frozen, _ := c.IsAveragingFrozen()
	require.True(t, frozen)
	assert.False(t, c.ReserveCheck("BTCUSDT", core.Long, decimal.NewFromInt(1), decimal.NewFromInt(100)))
}

// TestController_S6_PanicAndPartialRebalance reproduces spec.md's literal
// scenario S6: two symbols with quantity imbalances whose buffered
// rebalance cost exceeds available balance, triggering panic and a
// partial-scale adaptive rebalance.
func TestController_S6_PanicAndPartialRebalance(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.NewFromInt(15), decimal.Zero)

	bookX := gridbook.NewBook("X")
	bookX.AppendEntry(core.Long, decimal.NewFromInt(100), decimal.NewFromInt(5), 0, "x-long")
	bookX.AppendEntry(core.Short, decimal.NewFromInt(100), decimal.NewFromInt(1), 0, "x-short")
	c.RegisterSymbol("X", cfgWithLeverage("X", 100), bookX, nil)

	bookY := gridbook.NewBook("Y")
	bookY.AppendEntry(core.Short, decimal.NewFromInt(200), decimal.NewFromInt(2), 0, "y-short")
	c.RegisterSymbol("Y", cfgWithLeverage("Y", 100), bookY, nil)

	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromFloat(5.0)})

	var execOrders []core.ExecutionEvent
	require.NoError(t, gw.SubscribeExecution(context.Background(), func(ev core.ExecutionEvent) {
		execOrders = append(execOrders, ev)
	}))

	ctx := context.Background()
	c.UpdatePrice(ctx, "X", decimal.NewFromInt(100))
	c.UpdatePrice(ctx, "Y", decimal.NewFromInt(200))

	panicMode, reason := c.IsPanicMode()
	require.True(t, panicMode, "expected LOW_IM panic trigger")
	assert.Contains(t, reason, "LOW_IM")

	frozen, _ := c.IsAveragingFrozen()
	assert.True(t, frozen)

	// M_total = margin(X)=4 + margin(Y)=4 = 8; scale = 5/8 = 0.625.
	// X lagging side is Short (gap=4) -> qty 2.5; Y lagging side is Long (gap=2) -> qty 1.25.
	require.Len(t, execOrders, 2)
	totals := map[string]decimal.Decimal{}
	for _, ev := range execOrders {
		totals[ev.Symbol] = ev.ExecQty
	}
	assert.True(t, totals["X"].Equal(decimal.NewFromFloat(2.5)), "got %s", totals["X"])
	assert.True(t, totals["Y"].Equal(decimal.NewFromFloat(1.25)), "got %s", totals["Y"])
}

func TestController_AdaptiveRebalance_AbortsBelowOneDollar(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.NewFromInt(15), decimal.Zero)

	book := gridbook.NewBook("BTCUSDT")
	book.AppendEntry(core.Long, decimal.NewFromInt(100), decimal.NewFromInt(5), 0, "o1")
	c.RegisterSymbol("BTCUSDT", cfgWithLeverage("BTCUSDT", 100), book, nil)
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromFloat(0.5)})

	err := c.AdaptiveRebalance(context.Background())
	assert.Error(t, err)
}

func TestController_MMRateExceeded(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.Zero, decimal.NewFromInt(80))

	assert.False(t, c.MMRateExceeded(decimal.NewFromFloat(79.999)))
	assert.True(t, c.MMRateExceeded(decimal.NewFromInt(80)))
	assert.True(t, c.MMRateExceeded(decimal.NewFromInt(81)))
}

type recordingTPRecomputer struct {
	calls []core.Side
}

func (r *recordingTPRecomputer) RecomputeTP(_ context.Context, _ string, side core.Side) error {
	r.calls = append(r.calls, side)
	return nil
}

func TestController_IntelligentTPManagement_CancelsTrendSideOnly(t *testing.T) {
	gw := sim.NewGateway()
	c := NewController(1, gw, testLogger(t), decimal.NewFromInt(15), decimal.Zero)

	book := gridbook.NewBook("BTCUSDT")
	book.AppendEntry(core.Long, decimal.NewFromInt(100), decimal.NewFromInt(1), 0, "lo")
	book.AppendEntry(core.Long, decimal.NewFromInt(99), decimal.NewFromInt(2), 1, "lo2")
	book.AppendEntry(core.Short, decimal.NewFromInt(100), decimal.NewFromInt(1), 0, "so")
	book.SetTPID(core.Long, "tp-long")
	book.SetTPID(core.Short, "tp-short")

	recomputer := &recordingTPRecomputer{}
	c.RegisterSymbol("BTCUSDT", cfgWithLeverage("BTCUSDT", 100), book, recomputer)
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.Zero})

	c.UpdatePrice(context.Background(), "BTCUSDT", decimal.NewFromInt(100))

	panicMode, _ := c.IsPanicMode()
	require.True(t, panicMode)

	// Long has more averages (trend side) -> its TP is cancelled, short's TP stays.
	assert.Equal(t, "", book.GetTPID(core.Long))
	assert.Equal(t, "tp-short", book.GetTPID(core.Short))

	// Recovering balance clears panic and restores the long TP.
	c.UpdateWallet(core.WalletSnapshot{AvailableBalance: decimal.NewFromInt(1000000)})
	c.UpdatePrice(context.Background(), "BTCUSDT", decimal.NewFromInt(100))

	panicMode, _ = c.IsPanicMode()
	require.False(t, panicMode)
	require.Contains(t, recomputer.calls, core.Long)
}
