package sim

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
)

func TestGateway_PlaceOrder_MarketFillsImmediately(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()

	var execs []core.ExecutionEvent
	require.NoError(t, gw.SubscribeExecution(ctx, func(ev core.ExecutionEvent) {
		execs = append(execs, ev)
	}))

	orderID, err := gw.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        core.Buy,
		Qty:         decimal.RequireFromString("0.01"),
		Type:        core.Market,
		Price:       decimal.RequireFromString("50000"),
		PositionIdx: core.Long.PositionIdx(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].ExecQty.Equal(decimal.RequireFromString("0.01")))

	positions, err := gw.ActivePositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, positions.Long)
	assert.True(t, positions.Long.Size.Equal(decimal.RequireFromString("0.01")))
}

func TestGateway_PlaceOrder_LimitRestsUntilFilled(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()

	orderID, err := gw.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        core.Buy,
		Qty:         decimal.RequireFromString("0.01"),
		Type:        core.Limit,
		Price:       decimal.RequireFromString("49000"),
		PositionIdx: core.Long.PositionIdx(),
	})
	require.NoError(t, err)

	positions, err := gw.ActivePositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, positions.Long, "limit order must not fill on its own")

	var orderEvents []core.OrderEvent
	require.NoError(t, gw.SubscribeOrder(ctx, func(ev core.OrderEvent) {
		orderEvents = append(orderEvents, ev)
	}))

	require.NoError(t, gw.FillOrder(orderID, decimal.RequireFromString("0.01"), decimal.RequireFromString("49000")))

	positions, err = gw.ActivePositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, positions.Long)
	assert.True(t, positions.Long.Size.Equal(decimal.RequireFromString("0.01")))
	require.Len(t, orderEvents, 1)
	assert.Equal(t, core.OrderStatusFilled, orderEvents[0].Status)
}

func TestGateway_PlaceOrder_ClientOrderIDIdempotent(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()

	req := core.PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.Buy,
		Qty:           decimal.RequireFromString("0.01"),
		Type:          core.Limit,
		Price:         decimal.RequireFromString("49000"),
		PositionIdx:   core.Long.PositionIdx(),
		ClientOrderID: "client-1",
	}

	id1, err := gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	id2, err := gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGateway_CancelOrder_IsIdempotent(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()
	assert.NoError(t, gw.CancelOrder(ctx, "BTCUSDT", "unknown-order"))
}

func TestGateway_CancelAllReduceOnly(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()

	id, err := gw.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        core.Sell,
		Qty:         decimal.RequireFromString("0.01"),
		Type:        core.Limit,
		Price:       decimal.RequireFromString("52000"),
		PositionIdx: core.Long.PositionIdx(),
		ReduceOnly:  true,
	})
	require.NoError(t, err)

	require.NoError(t, gw.CancelAllReduceOnly(ctx, "BTCUSDT", core.Long.PositionIdx()))

	history, err := gw.OrderHistory(ctx, "BTCUSDT", false, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].OrderID)
	assert.Equal(t, core.OrderStatusCancelled, history[0].Status)
}

func TestGateway_PushTicker(t *testing.T) {
	gw := NewGateway()
	ctx := context.Background()

	var got core.TickerEvent
	require.NoError(t, gw.SubscribeTicker(ctx, "BTCUSDT", func(ev core.TickerEvent) {
		got = ev
	}))

	gw.PushTicker("BTCUSDT", decimal.RequireFromString("46000"))
	assert.True(t, got.Price.Equal(decimal.RequireFromString("46000")))
}

func TestGateway_OnDisconnect(t *testing.T) {
	gw := NewGateway()
	fired := false
	gw.OnDisconnect(func(err error) { fired = true })
	gw.Disconnect(assert.AnError)
	assert.True(t, fired)
}

func TestGateway_InstrumentInfo_DefaultWhenUnset(t *testing.T) {
	gw := NewGateway()
	info, err := gw.InstrumentInfo(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", info.Symbol)
}
