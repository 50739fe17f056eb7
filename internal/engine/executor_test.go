package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
	"market_maker/internal/exchange/sim"
	"market_maker/pkg/logging"
)

func newTestExecutor(t *testing.T, gw *sim.Gateway) *LimitFirstExecutor {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	ex := NewLimitFirstExecutor(gw, logger)
	require.NoError(t, gw.SubscribeOrder(context.Background(), ex.HandleOrderEvent))
	return ex
}

func TestLimitFirstExecutor_FillsAsLimit(t *testing.T) {
	gw := sim.NewGateway()
	ex := newTestExecutor(t, gw)
	ctx := context.Background()

	var orderID string
	var filledPrice decimal.Decimal
	var placeErr error
	done := make(chan struct{})
	go func() {
		orderID, filledPrice, placeErr = ex.PlaceEntry(ctx, "BTCUSDT", core.Buy, core.Long.PositionIdx(), decimal.NewFromInt(1), decimal.NewFromInt(100))
		close(done)
	}()

	// The executor places its first limit order synchronously inside
	// PlaceEntry before it ever blocks, so sim's deterministic sequential
	// ids make this the first order on a fresh gateway.
	require.Eventually(t, func() bool {
		return gw.HasOrder("sim-1")
	}, time.Second, time.Millisecond)

	require.NoError(t, gw.FillOrder("sim-1", decimal.NewFromInt(1), decimal.NewFromFloat(100.03)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PlaceEntry did not return after fill")
	}

	require.NoError(t, placeErr)
	assert.Equal(t, "sim-1", orderID)
	assert.True(t, filledPrice.Equal(decimal.NewFromFloat(100.03)))
}

func TestLimitFirstExecutor_FallsBackToMarketAfterRetries(t *testing.T) {
	gw := sim.NewGateway()
	ex := newTestExecutor(t, gw)
	ex.timeout = 10 * time.Millisecond
	ex.maxRetries = 2
	ctx := context.Background()

	orderID, filledPrice, err := ex.PlaceEntry(ctx, "BTCUSDT", core.Sell, core.Short.PositionIdx(), decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	assert.False(t, filledPrice.IsZero())

	// The market fallback fills immediately in sim, so ActivePositions
	// must reflect it.
	positions, err := gw.ActivePositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, positions.Short)
	assert.True(t, positions.Short.Size.Equal(decimal.NewFromInt(1)))
}

func TestLimitFirstExecutor_CancelledRetriesThenFills(t *testing.T) {
	gw := sim.NewGateway()
	ex := newTestExecutor(t, gw)
	ex.timeout = 2 * time.Second
	ex.maxRetries = 3
	ctx := context.Background()

	var orderID string
	var err error
	done := make(chan struct{})
	go func() {
		orderID, _, err = ex.PlaceEntry(ctx, "ETHUSDT", core.Buy, core.Long.PositionIdx(), decimal.NewFromInt(2), decimal.NewFromInt(50))
		close(done)
	}()

	require.Eventually(t, func() bool { return gw.HasOrder("sim-1") }, time.Second, time.Millisecond)
	require.NoError(t, gw.CancelOrder(ctx, "ETHUSDT", "sim-1"))

	require.Eventually(t, func() bool { return gw.HasOrder("sim-2") }, time.Second, time.Millisecond)
	require.NoError(t, gw.FillOrder("sim-2", decimal.NewFromInt(2), decimal.NewFromFloat(50.015)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PlaceEntry did not return after retry+fill")
	}
	require.NoError(t, err)
	assert.Equal(t, "sim-2", orderID)
}
