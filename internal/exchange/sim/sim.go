// Package sim implements core.ExchangeGateway entirely in memory: a
// deterministic fake exchange for engine and risk tests that never touches
// the network. Grounded on the teacher's internal/mock.MockExchange (same
// shape: an order book plus Set*/Simulate* test hooks that push events
// through the same callback lists a real gateway would use), rebuilt
// against core types instead of protobuf.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
)

type simOrder struct {
	id            string
	clientOrderID string
	symbol        string
	side          core.OrderSide
	orderType     core.OrderType
	positionIdx   int
	price         decimal.Decimal
	qty           decimal.Decimal
	reduceOnly    bool
	status        core.OrderStatus
	avgPrice      decimal.Decimal
	createdAtMs   int64
	updatedAtMs   int64
}

// Gateway is a deterministic, in-memory core.ExchangeGateway.
type Gateway struct {
	mu sync.Mutex

	clock func() time.Time

	instruments map[string]core.InstrumentInfo
	wallet      core.WalletSnapshot
	positions   map[string]*core.ActivePositions // symbol -> positions

	orders        map[string]*simOrder
	clientOrderID map[string]string // clientOrderID -> orderID
	orderSeq      int

	tickerCbs    map[string][]func(core.TickerEvent)
	executionCbs []func(core.ExecutionEvent)
	positionCbs  []func(core.PositionEvent)
	orderCbs     []func(core.OrderEvent)
	walletCbs    []func(core.WalletEvent)
	disconnectCbs []func(error)
}

// NewGateway returns a sim Gateway seeded with a generous default wallet.
func NewGateway() *Gateway {
	return &Gateway{
		clock:       time.Now,
		instruments: make(map[string]core.InstrumentInfo),
		positions:   make(map[string]*core.ActivePositions),
		orders:      make(map[string]*simOrder),
		clientOrderID: make(map[string]string),
		tickerCbs:   make(map[string][]func(core.TickerEvent)),
		wallet: core.WalletSnapshot{
			AvailableBalance:  decimal.NewFromInt(10000),
			InitialMargin:     decimal.Zero,
			MaintenanceMargin: decimal.Zero,
			MMRate:            decimal.Zero,
		},
	}
}

// --- test hooks ---

// SetInstrumentInfo seeds the instrument metadata InstrumentInfo returns.
func (g *Gateway) SetInstrumentInfo(info core.InstrumentInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instruments[info.Symbol] = info
}

// SetWalletSnapshot overwrites the wallet state returned by WalletSnapshot
// and pushed to the next PushWallet call.
func (g *Gateway) SetWalletSnapshot(snap core.WalletSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wallet = snap
}

// PushTicker delivers a price tick to every SubscribeTicker callback
// registered for symbol.
func (g *Gateway) PushTicker(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	cbs := append([]func(core.TickerEvent){}, g.tickerCbs[symbol]...)
	g.mu.Unlock()
	ev := core.TickerEvent{Symbol: symbol, Price: price}
	for _, cb := range cbs {
		cb(ev)
	}
}

// PushWallet delivers a wallet-stream event to every SubscribeWallet
// callback.
func (g *Gateway) PushWallet(snap core.WalletSnapshot) {
	g.mu.Lock()
	g.wallet = snap
	cbs := append([]func(core.WalletEvent){}, g.walletCbs...)
	g.mu.Unlock()
	ev := core.WalletEvent{
		AvailableBalance:  snap.AvailableBalance,
		InitialMargin:     snap.InitialMargin,
		MaintenanceMargin: snap.MaintenanceMargin,
		MMRate:            snap.MMRate,
	}
	for _, cb := range cbs {
		cb(ev)
	}
}

// PushPosition delivers a position-stream event directly to every
// SubscribePosition callback, independent of any order fill — for tests
// exercising a position-stream push that the local book didn't cause
// itself (§4.8 priority 2's own-the-mismatch case).
func (g *Gateway) PushPosition(ev core.PositionEvent) {
	g.mu.Lock()
	cbs := append([]func(core.PositionEvent){}, g.positionCbs...)
	g.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// FillOrder simulates a fill of fillQty on a resting order: updates the
// order book and position table, and fans out ExecutionEvent, OrderEvent,
// and PositionEvent, in that order. The order is marked Filled whatever
// fillQty is. This emission order differs from the supervisor's routing
// priority (execution > position > order), which the supervisor's
// priority channels apply to whatever is queued at the time.
func (g *Gateway) FillOrder(orderID string, fillQty, fillPrice decimal.Decimal) error {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	now := g.clock().UnixMilli()
	order.avgPrice = fillPrice
	order.status = core.OrderStatusFilled
	order.updatedAtMs = now

	pos := g.ensurePositionsLocked(order.symbol)
	side := sideSlot(pos, order.positionIdx)
	delta := fillQty
	if order.side == core.Sell {
		delta = delta.Neg()
	}
	if side == nil {
		side = &core.ExchangePosition{}
		setSideSlot(pos, order.positionIdx, side)
	}
	newSize := side.Size.Add(delta)
	if newSize.IsNegative() {
		newSize = decimal.Zero
	}
	side.Size = newSize
	side.AvgPrice = fillPrice

	executionCbs := append([]func(core.ExecutionEvent){}, g.executionCbs...)
	orderCbs := append([]func(core.OrderEvent){}, g.orderCbs...)
	positionCbs := append([]func(core.PositionEvent){}, g.positionCbs...)
	symbol := order.symbol
	g.mu.Unlock()

	execEv := core.ExecutionEvent{
		Symbol:      symbol,
		Side:        order.side,
		PositionIdx: order.positionIdx,
		OrderID:     order.id,
		OrderType:   order.orderType,
		ExecType:    core.ExecTrade,
		ExecQty:     fillQty,
		ExecPrice:   fillPrice,
		ExecTimeMs:  now,
	}
	for _, cb := range executionCbs {
		cb(execEv)
	}

	orderEv := core.OrderEvent{
		Symbol:        symbol,
		OrderID:       order.id,
		ClientOrderID: order.clientOrderID,
		Side:          order.side,
		PositionIdx:   order.positionIdx,
		Status:        core.OrderStatusFilled,
		Price:         order.price,
		Qty:           fillQty,
		ReduceOnly:    order.reduceOnly,
		UpdateTimeMs:  now,
	}
	for _, cb := range orderCbs {
		cb(orderEv)
	}

	posEv := core.PositionEvent{
		Symbol:      symbol,
		PositionIdx: order.positionIdx,
		Size:        newSize,
		AvgPrice:    fillPrice,
	}
	for _, cb := range positionCbs {
		cb(posEv)
	}
	return nil
}

// SetExchangePosition overwrites the exchange-reported position for
// (symbol, side), independent of any order fill history — for tests that
// need ActivePositions to disagree with OrderHistory, e.g. to exercise
// §4.4.1's needs_resync path when reconstruction can't fully account for
// the exchange's reported size.
func (g *Gateway) SetExchangePosition(symbol string, side core.Side, size, avgPrice decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos := g.ensurePositionsLocked(symbol)
	setSideSlot(pos, side.PositionIdx(), &core.ExchangePosition{Size: size, AvgPrice: avgPrice})
}

// HasOrder reports whether orderID has been recorded yet, for tests that
// need to synchronize with an order placed from another goroutine before
// acting on it (e.g. filling or cancelling it).
func (g *Gateway) HasOrder(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.orders[orderID]
	return ok
}

// Disconnect simulates a dropped connection, invoking every registered
// OnDisconnect callback with err.
func (g *Gateway) Disconnect(err error) {
	g.mu.Lock()
	cbs := append([]func(error){}, g.disconnectCbs...)
	g.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func sideSlot(pos *core.ActivePositions, positionIdx int) *core.ExchangePosition {
	if positionIdx == core.Long.PositionIdx() {
		return pos.Long
	}
	return pos.Short
}

func setSideSlot(pos *core.ActivePositions, positionIdx int, v *core.ExchangePosition) {
	if positionIdx == core.Long.PositionIdx() {
		pos.Long = v
	} else {
		pos.Short = v
	}
}

func (g *Gateway) ensurePositionsLocked(symbol string) *core.ActivePositions {
	pos, ok := g.positions[symbol]
	if !ok {
		pos = &core.ActivePositions{}
		g.positions[symbol] = pos
	}
	return pos
}

// --- core.ExchangeGateway ---

func (g *Gateway) InstrumentInfo(_ context.Context, symbol string) (core.InstrumentInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if info, ok := g.instruments[symbol]; ok {
		return info, nil
	}
	return core.InstrumentInfo{
		Symbol:        symbol,
		MinQty:        decimal.NewFromFloat(0.001),
		QtyStep:       decimal.NewFromFloat(0.001),
		MaxQty:        decimal.NewFromInt(100),
		PriceDecimals: 2,
	}, nil
}

func (g *Gateway) SetPositionMode(_ context.Context, _ string) error { return nil }

func (g *Gateway) SetLeverage(_ context.Context, _ string, _ int) error { return nil }

func (g *Gateway) WalletSnapshot(_ context.Context) (core.WalletSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wallet, nil
}

func (g *Gateway) ActivePositions(_ context.Context, symbol string) (core.ActivePositions, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pos, ok := g.positions[symbol]; ok {
		return *pos, nil
	}
	return core.ActivePositions{}, nil
}

func (g *Gateway) OrderHistory(_ context.Context, symbol string, filledOnly bool, limit int) ([]core.HistoricOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rows []core.HistoricOrder
	for _, o := range g.orders {
		if o.symbol != symbol {
			continue
		}
		if filledOnly && o.status != core.OrderStatusFilled {
			continue
		}
		rows = append(rows, core.HistoricOrder{
			OrderID:       o.id,
			Side:          o.side,
			PositionIdx:   o.positionIdx,
			Qty:           o.qty,
			AvgPrice:      o.avgPrice,
			ReduceOnly:    o.reduceOnly,
			Status:        o.status,
			CreatedTimeMs: o.createdAtMs,
			UpdatedTimeMs: o.updatedAtMs,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedTimeMs < rows[j].CreatedTimeMs })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// PlaceOrder records the order. Market orders fill immediately at req.Price
// (the caller is expected to pass the last known ticker price for a market
// order, mirroring how the real gateway has no price discovery of its own
// either); Limit orders rest until a test calls FillOrder or CancelOrder.
func (g *Gateway) PlaceOrder(_ context.Context, req core.PlaceOrderRequest) (string, error) {
	g.mu.Lock()

	if req.ClientOrderID != "" {
		if existing, ok := g.clientOrderID[req.ClientOrderID]; ok {
			g.mu.Unlock()
			return existing, nil
		}
	}

	g.orderSeq++
	id := fmt.Sprintf("sim-%d", g.orderSeq)
	now := g.clock().UnixMilli()

	o := &simOrder{
		id:            id,
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		orderType:     req.Type,
		positionIdx:   req.PositionIdx,
		price:         req.Price,
		qty:           req.Qty,
		reduceOnly:    req.ReduceOnly,
		status:        core.OrderStatusNew,
		createdAtMs:   now,
		updatedAtMs:   now,
	}
	g.orders[id] = o
	if req.ClientOrderID != "" {
		g.clientOrderID[req.ClientOrderID] = id
	}
	g.mu.Unlock()

	if req.Type == core.Market {
		if err := g.FillOrder(id, req.Qty, req.Price); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (g *Gateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return nil // idempotent, matching the real gateway's ErrOrderNotFound normalization
	}
	if order.status == core.OrderStatusFilled || order.status == core.OrderStatusCancelled {
		g.mu.Unlock()
		return nil
	}
	order.status = core.OrderStatusCancelled
	order.updatedAtMs = g.clock().UnixMilli()
	orderCbs := append([]func(core.OrderEvent){}, g.orderCbs...)
	ev := core.OrderEvent{
		Symbol:        order.symbol,
		OrderID:       order.id,
		ClientOrderID: order.clientOrderID,
		Side:          order.side,
		PositionIdx:   order.positionIdx,
		Status:        core.OrderStatusCancelled,
		Price:         order.price,
		Qty:           order.qty,
		ReduceOnly:    order.reduceOnly,
		UpdateTimeMs:  order.updatedAtMs,
	}
	g.mu.Unlock()

	for _, cb := range orderCbs {
		cb(ev)
	}
	return nil
}

func (g *Gateway) CancelAllReduceOnly(ctx context.Context, symbol string, positionIdx int) error {
	g.mu.Lock()
	var toCancel []string
	for id, o := range g.orders {
		if o.symbol == symbol && o.positionIdx == positionIdx && o.reduceOnly && o.status == core.OrderStatusNew {
			toCancel = append(toCancel, id)
		}
	}
	g.mu.Unlock()

	for _, id := range toCancel {
		if err := g.CancelOrder(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) SubscribeTicker(_ context.Context, symbol string, cb func(core.TickerEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickerCbs[symbol] = append(g.tickerCbs[symbol], cb)
	return nil
}

func (g *Gateway) SubscribeExecution(_ context.Context, cb func(core.ExecutionEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executionCbs = append(g.executionCbs, cb)
	return nil
}

func (g *Gateway) SubscribePosition(_ context.Context, cb func(core.PositionEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positionCbs = append(g.positionCbs, cb)
	return nil
}

func (g *Gateway) SubscribeWallet(_ context.Context, cb func(core.WalletEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.walletCbs = append(g.walletCbs, cb)
	return nil
}

func (g *Gateway) SubscribeOrder(_ context.Context, cb func(core.OrderEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderCbs = append(g.orderCbs, cb)
	return nil
}

func (g *Gateway) OnDisconnect(cb func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnectCbs = append(g.disconnectCbs, cb)
}

var _ core.ExchangeGateway = (*Gateway)(nil)
