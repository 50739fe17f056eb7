package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
)

func TestRestore_BothSidesEmptyOpensInitialAndAdaptivelyMirrors(t *testing.T) {
	h := newTestHarness(t, testCfg(t, "BTCUSDT"))
	ctx := context.Background()

	require.NoError(t, h.engine.Restore(ctx, decimal.NewFromInt(100)))

	assert.True(t, h.engine.restored)
	assert.GreaterOrEqual(t, h.book.Count(core.Long), 1)
	assert.GreaterOrEqual(t, h.book.Count(core.Short), 1)
}

func TestRestore_MatchedQuantitiesBackfillsTP(t *testing.T) {
	h := newTestHarness(t, testCfg(t, "BTCUSDT"))
	ctx := context.Background()

	// Exchange already shows a Long position...
	h.gw.SetExchangePosition("BTCUSDT", core.Long, decimal.NewFromInt(1), decimal.NewFromInt(100))
	// ...and the local book independently agrees on the same quantity, with
	// no TP recorded yet (e.g. the process died between filling the entry
	// and placing the TP).
	h.book.AppendEntry(core.Long, decimal.NewFromInt(100), decimal.NewFromInt(1), 0, "entry-1")
	h.book.RecordReferenceQty(0, decimal.NewFromInt(1))

	require.NoError(t, h.engine.Restore(ctx, decimal.NewFromInt(100)))

	assert.NotEmpty(t, h.book.GetTPID(core.Long))
}

func TestRestore_ReconstructsFromHistoryWhenLocalBookEmpty(t *testing.T) {
	h := newTestHarness(t, testCfg(t, "BTCUSDT"))
	ctx := context.Background()

	// A Long entry was filled on the exchange in a prior process lifetime;
	// the local book never learned about it.
	orderID, err := h.gw.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        core.Buy,
		Qty:         decimal.NewFromInt(1),
		Type:        core.Limit,
		Price:       decimal.NewFromInt(100),
		PositionIdx: core.Long.PositionIdx(),
	})
	require.NoError(t, err)
	require.NoError(t, h.gw.FillOrder(orderID, decimal.NewFromInt(1), decimal.NewFromInt(100)))

	require.NoError(t, h.engine.Restore(ctx, decimal.NewFromInt(100)))

	assert.Equal(t, 1, h.book.Count(core.Long))
	assert.True(t, h.book.TotalQty(core.Long).Equal(decimal.NewFromInt(1)))
	assert.NotEmpty(t, h.book.GetTPID(core.Long))
	qty, ok := h.book.ReferenceQty(0)
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromInt(1)))
}

func TestRestore_UnreconcilableMismatchReturnsError(t *testing.T) {
	h := newTestHarness(t, testCfg(t, "BTCUSDT"))
	ctx := context.Background()

	// Order history alone reconstructs to a larger quantity (two filled
	// opening orders totalling 6) than the exchange now reports (2) — e.g. a
	// manual exchange-side reduction outside the bot's own order flow.
	// reconstructFromHistory has no way to explain more size than the
	// exchange confirms, so it must hard-error rather than silently
	// fabricate a smaller book than what actually got filled.
	for i := 0; i < 2; i++ {
		orderID, err := h.gw.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:      "BTCUSDT",
			Side:        core.Buy,
			Qty:         decimal.NewFromInt(3),
			Type:        core.Limit,
			Price:       decimal.NewFromInt(100),
			PositionIdx: core.Long.PositionIdx(),
		})
		require.NoError(t, err)
		require.NoError(t, h.gw.FillOrder(orderID, decimal.NewFromInt(3), decimal.NewFromInt(100)))
	}
	h.gw.SetExchangePosition("BTCUSDT", core.Long, decimal.NewFromInt(2), decimal.NewFromInt(100))

	err := h.engine.Restore(ctx, decimal.NewFromInt(100))
	require.Error(t, err)
}
