package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/pkg/decimalx"
)

// placePendingSymmetry places a Limit entry order on side at level, priced
// off basePrice per §4.3 "Pending symmetry orders". Skipped if side already
// has level+1 or more entries filled naturally — the reservation would be
// redundant.
func (e *SymbolEngine) placePendingSymmetry(ctx context.Context, side core.Side, level int, basePrice decimal.Decimal) {
	if e.book.Count(side) >= level+1 {
		return
	}
	if _, ok := e.book.PendingOrderID(side, level); ok {
		return
	}

	price := pendingPrice(side, basePrice, level, e.cfg.GridStepPercent)
	price = decimalx.RoundPrice(price, int32(e.instrument.PriceDecimals))
	qty := e.referenceQtyForLevel(level, basePrice)

	orderID, err := e.gateway.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:        e.symbol,
		Side:          openingOrderSide(side),
		Qty:           qty,
		Type:          core.Limit,
		Price:         price,
		PositionIdx:   side.PositionIdx(),
		TimeInForce:   "GTC",
		ClientOrderID: decimalx.NewClientOrderID(e.accountID, e.symbol),
	})
	if err != nil {
		e.logger.Warn("failed to place pending symmetry order", "side", side, "level", level, "error", err)
		return
	}
	e.book.SetPending(side, level, orderID)

	e.mu.Lock()
	e.pendingBasePrice[side] = basePrice
	delete(e.pendingRetried, pendingKey{side: side, level: level})
	e.mu.Unlock()
}

// pendingPrice implements §4.3's pending-order price formula: minus for Buy
// (opening Long), plus for Sell (opening Short).
func pendingPrice(side core.Side, basePrice decimal.Decimal, level int, stepPercent decimal.Decimal) decimal.Decimal {
	shift := stepPercent.Mul(decimal.NewFromInt(int64(level))).Div(decimal.NewFromInt(100))
	if openingOrderSide(side) == core.Buy {
		return basePrice.Mul(decimal.NewFromInt(1).Sub(shift))
	}
	return basePrice.Mul(decimal.NewFromInt(1).Add(shift))
}

// OnOrder handles a private order-stream push: drives TP and pending-entry
// lifecycle transitions (§4.8 priority 3). Must also be forwarded to
// Executor().HandleOrderEvent so limit-first waiters observe it.
func (e *SymbolEngine) OnOrder(ctx context.Context, ev core.OrderEvent) {
	if ev.Symbol != e.symbol {
		return
	}
	e.executor.HandleOrderEvent(ev)

	side := core.Long
	if ev.PositionIdx == core.Short.PositionIdx() {
		side = core.Short
	}

	level, key, isPending := e.findPending(side, ev.OrderID)
	if !isPending {
		return
	}

	switch ev.Status {
	case core.OrderStatusFilled:
		e.book.RemovePending(side, level)
		e.book.AppendEntry(side, ev.Price, ev.Qty, level, ev.OrderID)
		e.book.RecordReferenceQty(level, ev.Qty)
		e.mu.Lock()
		delete(e.pendingRetried, key)
		e.mu.Unlock()
		if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
			e.logger.Error("tp recompute failed after pending fill", "side", side, "error", err)
		}
	case core.OrderStatusCancelled, core.OrderStatusRejected:
		e.book.RemovePending(side, level)
		e.mu.Lock()
		alreadyRetried := e.pendingRetried[key]
		e.pendingRetried[key] = true
		e.mu.Unlock()
		if !alreadyRetried {
			e.placePendingSymmetry(ctx, side, level, e.currentPrice())
		}
	}
}

func (e *SymbolEngine) findPending(side core.Side, orderID string) (level int, key pendingKey, ok bool) {
	for _, lvl := range e.book.PendingLevels(side) {
		if id, exists := e.book.PendingOrderID(side, lvl); exists && id == orderID {
			return lvl, pendingKey{side: side, level: lvl}, true
		}
	}
	return 0, pendingKey{}, false
}
