package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/gridbook"
	"market_maker/internal/risk"
	"market_maker/pkg/concurrency"
	"market_maker/pkg/decimalx"
	"market_maker/pkg/telemetry"
)

// largeMoveThresholdPercent is the §4.3 "Large-move pending recalculation"
// trigger: cumulative price drift since pending orders were placed.
const largeMoveThresholdPercent = 5

// SymbolEngine is the per-(account, symbol) state machine implementing
// §4.3: opening, averaging, take-profit, close detection, adaptive reopen,
// pending symmetry orders, and large-move pending recalculation. Grounded on
// the teacher's GridStrategy (internal/trading/grid/strategy.go) for the
// overall split between pure decision logic and a thin config struct, but
// rebuilt from scratch: the teacher computes a whole target state from a
// window of price levels every tick, while a dual-sided martingale grid is
// event-driven — each tick only asks "has either side's last entry moved
// far enough to average", and each fill or close drives its own state
// transition directly, so there is no single CalculateTargetState pass here.
type SymbolEngine struct {
	accountID int
	symbol    string
	cfg       core.Configuration
	instrument core.InstrumentInfo

	book     *gridbook.Book
	gateway  core.ExchangeGateway
	risk     *risk.Controller
	executor *LimitFirstExecutor
	logger   core.Logger
	store    core.StateStore
	execPool *concurrency.WorkerPool

	mu               sync.Mutex
	lastPrice        decimal.Decimal
	pendingBasePrice map[core.Side]decimal.Decimal
	pendingRetried   map[pendingKey]bool
	restored         bool
}

type pendingKey struct {
	side  core.Side
	level int
}

// NewSymbolEngine builds the engine for one (account, symbol) pair. The
// caller must call risk.RegisterSymbol(symbol, cfg, book, engine) itself so
// RiskController can call back into RecomputeTP. execPool dispatches
// multi-order CANCEL fan-out (stale pending symmetry orders across grid
// levels) concurrently instead of one cancel-and-wait per level; a nil pool
// falls back to sequential cancellation.
func NewSymbolEngine(accountID int, cfg core.Configuration, instrument core.InstrumentInfo, book *gridbook.Book, gateway core.ExchangeGateway, riskController *risk.Controller, store core.StateStore, execPool *concurrency.WorkerPool, logger core.Logger) *SymbolEngine {
	return &SymbolEngine{
		accountID:        accountID,
		symbol:           cfg.Symbol,
		cfg:              cfg,
		instrument:       instrument,
		book:             book,
		gateway:          gateway,
		risk:             riskController,
		executor:         NewLimitFirstExecutor(gateway, logger),
		logger:           logger.WithField("symbol", cfg.Symbol),
		store:            store,
		execPool:         execPool,
		pendingBasePrice: make(map[core.Side]decimal.Decimal),
		pendingRetried:   make(map[pendingKey]bool),
	}
}

// saveBook persists the book's current state after a mutation, satisfying
// I7: every PositionBook change is durable before the engine's next
// external effect (the next order placement or cancellation) completes.
// A save failure is logged but never blocks trading — statestore.Store
// already guards the write with an atomic rename, so a failed write leaves
// the previous snapshot intact rather than a half-written file.
func (e *SymbolEngine) saveBook(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap := e.book.Snapshot()
	snap.Timestamp = time.Now()
	if err := e.store.SaveBook(ctx, e.accountID, e.symbol, snap); err != nil {
		e.logger.Warn("failed to persist book snapshot", "error", err)
	}
}

// recordTrade appends one row to {id}_trades_history.csv (§6) for a single
// open or close event.
func (e *SymbolEngine) recordTrade(ctx context.Context, side core.Side, action, reason string, price, qty, pnl decimal.Decimal) {
	if e.store == nil {
		return
	}
	row := core.TradeRow{
		Timestamp: time.Now(),
		Symbol:    e.symbol,
		Side:      side.String(),
		Action:    action,
		Price:     price.String(),
		Quantity:  qty.String(),
		Reason:    reason,
		Pnl:       pnl.String(),
	}
	if err := e.store.RecordTrade(ctx, e.accountID, row); err != nil {
		e.logger.Warn("failed to record trade history row", "side", side, "action", action, "error", err)
	}
}

// recordMetrics appends one row to {id}_performance_metrics.csv (§6): a
// point-in-time snapshot of both sides' grid state and cumulative pnl.
func (e *SymbolEngine) recordMetrics(ctx context.Context, price, balance decimal.Decimal) {
	if e.store == nil {
		return
	}
	row := core.MetricsRow{
		Timestamp:      time.Now(),
		Symbol:         e.symbol,
		Price:          price.String(),
		LongPositions:  e.book.Count(core.Long),
		ShortPositions: e.book.Count(core.Short),
		LongQty:        e.book.TotalQty(core.Long).String(),
		ShortQty:       e.book.TotalQty(core.Short).String(),
		TotalPnl:       e.book.CumulativeRealizedPnl().String(),
		Balance:        balance.String(),
	}
	if err := e.store.RecordMetrics(ctx, e.accountID, row); err != nil {
		e.logger.Warn("failed to record performance metrics row", "error", err)
	}
}

// Executor exposes the limit-first executor so the account supervisor can
// route order-stream events to it (it must see every order event, not just
// the ones the engine itself reacts to).
func (e *SymbolEngine) Executor() *LimitFirstExecutor { return e.executor }

// reportGridMetrics publishes the grid-levels and net-position gauges after
// any book mutation, so the scrape endpoint never lags more than one event
// behind the in-memory book.
func (e *SymbolEngine) reportGridMetrics() {
	m := telemetry.GetGlobalMetrics()
	acct := fmt.Sprintf("%d", e.accountID)
	m.SetGridLevels(acct, e.symbol, "long", int64(e.book.Count(core.Long)))
	m.SetGridLevels(acct, e.symbol, "short", int64(e.book.Count(core.Short)))
	net := e.book.TotalQty(core.Long).Sub(e.book.TotalQty(core.Short))
	m.SetPositionSize(acct, e.symbol, net.InexactFloat64())
}

// OnTicker drives averaging and large-move recalculation on every public
// price tick (§4.3 "Averaging", §4.3 "Large-move pending recalculation").
func (e *SymbolEngine) OnTicker(ctx context.Context, price decimal.Decimal) {
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	e.risk.UpdatePrice(ctx, e.symbol, price)

	for _, side := range []core.Side{core.Long, core.Short} {
		e.checkLargeMoveRecalc(ctx, side, price)
		e.tryAverage(ctx, side, price)
	}
}

func (e *SymbolEngine) currentPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

// tryAverage implements the per-tick averaging trigger and sizing for side.
func (e *SymbolEngine) tryAverage(ctx context.Context, side core.Side, price decimal.Decimal) {
	lastEntry, ok := e.book.LastEntryPrice(side)
	if !ok {
		return
	}
	if lastEntry.IsZero() {
		return
	}

	var movePct decimal.Decimal
	if side == core.Long {
		movePct = lastEntry.Sub(price).Div(lastEntry).Mul(decimal.NewFromInt(100))
	} else {
		movePct = price.Sub(lastEntry).Div(lastEntry).Mul(decimal.NewFromInt(100))
	}
	if movePct.LessThan(e.cfg.GridStepPercent) {
		return
	}

	if e.book.Count(side) >= e.cfg.MaxGridLevelsPerSide {
		return
	}

	level := e.book.Count(side)
	qty := e.referenceQtyForLevel(level, price)

	if !e.risk.ReserveCheck(e.symbol, side, qty, price) {
		e.logger.Debug("averaging skipped: reserve check rejected", "side", side, "level", level)
		return
	}

	orderSide := openingOrderSide(side)
	orderID, filledPrice, err := e.executor.PlaceEntry(ctx, e.symbol, orderSide, side.PositionIdx(), qty, price)
	if err != nil {
		e.logger.Error("averaging entry failed", "side", side, "level", level, "error", err)
		return
	}

	e.book.AppendEntry(side, filledPrice, qty, level, orderID)
	e.book.RecordReferenceQty(level, qty)
	e.reportGridMetrics()
	e.recordTrade(ctx, side, "OPEN", "averaging", filledPrice, qty, decimal.Zero)
	e.saveBook(ctx)

	e.placePendingSymmetry(ctx, side.Opposite(), level, filledPrice)

	if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
		e.logger.Error("tp recompute failed after averaging", "side", side, "error", err)
	}
}

// referenceQtyForLevel implements the reference-quantity rule (R, §4.2).
func (e *SymbolEngine) referenceQtyForLevel(level int, price decimal.Decimal) decimal.Decimal {
	if qty, ok := e.book.ReferenceQty(level); ok {
		return qty
	}
	qty := e.cfg.InitialPositionSizeUSD.
		Mul(powDecimal(e.cfg.AveragingMultiplier, level)).
		Mul(decimal.NewFromInt(int64(e.cfg.Leverage))).
		Div(price)
	qty = decimalx.RoundToStep(qty, e.instrument.QtyStep)
	e.book.RecordReferenceQty(level, qty)
	return qty
}

func powDecimal(base decimal.Decimal, exp int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		result = result.Mul(base)
	}
	return result
}

func openingOrderSide(side core.Side) core.OrderSide {
	if side == core.Long {
		return core.Buy
	}
	return core.Sell
}

func closingOrderSide(side core.Side) core.OrderSide {
	if side == core.Long {
		return core.Sell
	}
	return core.Buy
}

// RecomputeTP implements risk.TPRecomputer and the §4.3 "Take-profit"
// section: cancel any existing TP, compute the honest TP price incorporating
// cumulative fees, and place a fresh reduce-only Limit TP for side's current
// total quantity. A side with no entries has no TP.
func (e *SymbolEngine) RecomputeTP(ctx context.Context, symbol string, side core.Side) error {
	if symbol != e.symbol {
		return nil
	}

	if existing := e.book.GetTPID(side); existing != "" && existing != core.TPPending {
		if err := e.gateway.CancelOrder(ctx, e.symbol, existing); err != nil {
			e.logger.Warn("failed to cancel existing tp before recompute", "side", side, "error", err)
		}
	}
	e.book.SetTPID(side, "")

	qty := e.book.TotalQty(side)
	if qty.IsZero() {
		return nil
	}

	avgEntry := e.book.AverageEntry(side)
	count := decimal.NewFromInt(int64(e.book.Count(side)))
	totalFeesPct := count.Mul(e.cfg.TakerFeePercent).Add(e.cfg.MakerFeePercent)
	honestTPPct := e.cfg.TakeProfitPercent.Add(totalFeesPct)

	var tpPrice decimal.Decimal
	if side == core.Long {
		tpPrice = avgEntry.Mul(decimal.NewFromInt(1).Add(honestTPPct.Div(decimal.NewFromInt(100))))
	} else {
		tpPrice = avgEntry.Mul(decimal.NewFromInt(1).Sub(honestTPPct.Div(decimal.NewFromInt(100))))
	}
	tpPrice = decimalx.RoundPrice(tpPrice, int32(e.instrument.PriceDecimals))

	e.book.SetTPID(side, core.TPPending)
	orderID, err := e.gateway.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:        e.symbol,
		Side:          closingOrderSide(side),
		Qty:           qty,
		Type:          core.Limit,
		Price:         tpPrice,
		ReduceOnly:    true,
		PositionIdx:   side.PositionIdx(),
		TimeInForce:   "GTC",
		ClientOrderID: decimalx.NewClientOrderID(e.accountID, e.symbol),
	})
	if err != nil {
		e.book.SetTPID(side, "")
		e.saveBook(ctx)
		return fmt.Errorf("engine: tp placement failed for %s %s: %w", e.symbol, side, err)
	}
	e.book.SetTPID(side, orderID)
	e.saveBook(ctx)
	return nil
}

// --- close detection (§4.3 "Close detection") ---

type closeReason string

const (
	closeReasonNone          closeReason = ""
	closeReasonLiquidation   closeReason = "liquidation"
	closeReasonADL           closeReason = "adl"
	closeReasonStopLoss      closeReason = "stop_loss"
	closeReasonTakeProfit    closeReason = "take_profit"
	closeReasonManual        closeReason = "manual"
)

// classifyExecution implements the §4.3 close-detection table. isClose is
// true iff closed_size>0 or exec_pnl != 0.
func classifyExecution(ev core.ExecutionEvent) (isClose bool, reason closeReason) {
	isClose = ev.ClosedSize.IsPositive() || !ev.ExecPnl.IsZero()

	switch ev.ExecType {
	case core.ExecBustTrade:
		return true, closeReasonLiquidation
	case core.ExecAdlTrade:
		return true, closeReasonADL
	case core.ExecFunding:
		return false, closeReasonNone
	}

	if !isClose {
		return false, closeReasonNone
	}

	switch {
	case ev.StopOrderType == core.StopOrderStopLoss || ev.StopOrderType == core.StopOrderTrailingStop:
		return true, closeReasonStopLoss
	case ev.StopOrderType == core.StopOrderTakeProfit:
		return true, closeReasonTakeProfit
	case ev.OrderType == core.Limit && ev.ExecPnl.IsPositive():
		return true, closeReasonTakeProfit
	case ev.ExecPnl.IsNegative():
		return true, closeReasonStopLoss
	default:
		return true, closeReasonManual
	}
}

// OnExecution handles a private execution-stream push: the authoritative
// signal for fills, closes, and realized PnL (§4.8 priority 1).
func (e *SymbolEngine) OnExecution(ctx context.Context, ev core.ExecutionEvent) {
	if ev.Symbol != e.symbol {
		return
	}

	side := core.Long
	if ev.PositionIdx == core.Short.PositionIdx() {
		side = core.Short
	}

	isClose, reason := classifyExecution(ev)
	if !isClose {
		return
	}

	e.book.AddRealizedPnl(ev.ExecPnl)
	e.recordTrade(ctx, side, "CLOSE", string(reason), ev.ExecPrice, ev.ExecQty, ev.ExecPnl)

	if reason == closeReasonLiquidation || reason == closeReasonADL {
		e.logger.Error("emergency: position closed via liquidation/ADL", "side", side, "reason", reason, "order_id", ev.OrderID)
		return
	}

	e.handleClose(ctx, side, reason)
}

// handleClose implements the §4.3 close-detection table's non-liquidation
// branch: clear the closed side, wipe shared reference quantities if both
// sides are now empty (I6), cancel every pending symmetry order on both
// sides (they're stale against the grid that just closed), then schedule
// adaptive reopen.
func (e *SymbolEngine) handleClose(ctx context.Context, side core.Side, reason closeReason) {
	e.logger.Info("side closed", "side", side, "reason", reason)

	e.book.ClearSide(side)
	e.book.SetTPID(side, "")
	e.book.ClearReferenceQtyIfBothSidesEmpty()
	e.reportGridMetrics()
	e.saveBook(ctx)

	for _, s := range []core.Side{core.Long, core.Short} {
		e.cancelAllPending(ctx, s)
	}

	e.adaptiveReopen(ctx, side)
}

// CloseAllMarket implements the §4.6/§7 maintenance-margin emergency close:
// cancel every live order on both sides, then flatten whatever quantity
// remains with a reduce-only Market order per side. Best-effort — errors
// are logged, never returned, since the caller (the MM-rate emergency path)
// must still declare the account emergency and halt regardless of whether
// every close succeeded.
func (e *SymbolEngine) CloseAllMarket(ctx context.Context) {
	for _, side := range []core.Side{core.Long, core.Short} {
		if existing := e.book.GetTPID(side); existing != "" && existing != core.TPPending {
			if err := e.gateway.CancelOrder(ctx, e.symbol, existing); err != nil {
				e.logger.Warn("mm-rate emergency: failed to cancel tp before flattening", "side", side, "error", err)
			}
		}
		e.cancelAllPending(ctx, side)

		qty := e.book.TotalQty(side)
		if qty.IsZero() {
			continue
		}

		orderID, err := e.gateway.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:        e.symbol,
			Side:          closingOrderSide(side),
			Qty:           qty,
			Type:          core.Market,
			ReduceOnly:    true,
			PositionIdx:   side.PositionIdx(),
			ClientOrderID: decimalx.NewClientOrderID(e.accountID, e.symbol),
		})
		if err != nil {
			e.logger.Error("mm-rate emergency: market close failed", "side", side, "qty", qty.String(), "error", err)
			continue
		}
		e.logger.Warn("mm-rate emergency: closed position via market order", "side", side, "qty", qty.String(), "order_id", orderID)
	}
}

// cancelAllPending fans the CANCEL for every stale pending symmetry order on
// side out across execPool (mirroring the teacher's GridEngine.execute
// dispatch: one task per action, a WaitGroup barrier before continuing) so
// a side with many open levels doesn't pay N sequential round-trips to
// clear them. Falls back to sequential cancellation with no pool configured.
func (e *SymbolEngine) cancelAllPending(ctx context.Context, side core.Side) {
	levels := e.book.PendingLevels(side)
	var wg sync.WaitGroup
	for _, level := range levels {
		level := level
		orderID, ok := e.book.PendingOrderID(side, level)
		if !ok {
			e.book.RemovePending(side, level)
			continue
		}

		task := func() {
			if err := e.gateway.CancelOrder(ctx, e.symbol, orderID); err != nil {
				e.logger.Warn("failed to cancel stale pending order", "side", side, "level", level, "error", err)
			}
			e.book.RemovePending(side, level)
		}

		if e.execPool != nil {
			wg.Add(1)
			submitted := task
			if err := e.execPool.Submit(func() { defer wg.Done(); submitted() }); err != nil {
				wg.Done()
				task()
			}
			continue
		}
		task()
	}
	wg.Wait()
}

// adaptiveReopen implements §4.3 "Adaptive reopen sizing".
func (e *SymbolEngine) adaptiveReopen(ctx context.Context, side core.Side) {
	price := e.currentPrice()
	if price.IsZero() {
		e.risk.NoteFailedReopen(e.symbol, side)
		return
	}

	lOpp := e.book.Count(side.Opposite()) - 1
	if lOpp < 0 {
		lOpp = 0
	}
	lReopen := lOpp - 2
	if lReopen < 0 {
		lReopen = 0
	}

	if e.openUpTo(ctx, side, lReopen, price) {
		return
	}

	// Fall back to a single level-0 open at initial size.
	if e.openUpTo(ctx, side, 0, price) {
		return
	}

	e.logger.Warn("adaptive reopen failed even at initial size", "side", side)
	e.risk.NoteFailedReopen(e.symbol, side)
}

// openUpTo opens every level in [0, upToLevel] not already present on side,
// reserve-checking the aggregate first. Returns false without placing any
// order if the reserve check rejects. Each level's quantity comes from
// referenceQtyForLevel's geometric progression off initial_position_size_usd
// (§4.2's reference-quantity rule), not from a separately-tracked budget —
// there is nothing for a caller-supplied total to override.
func (e *SymbolEngine) openUpTo(ctx context.Context, side core.Side, upToLevel int, price decimal.Decimal) bool {
	startLevel := e.book.Count(side)
	if startLevel > upToLevel {
		return true
	}

	totalQty := decimal.Zero
	for level := startLevel; level <= upToLevel; level++ {
		totalQty = totalQty.Add(e.referenceQtyForLevel(level, price))
	}
	if !e.risk.ReserveCheck(e.symbol, side, totalQty, price) {
		return false
	}

	orderSide := openingOrderSide(side)
	for level := startLevel; level <= upToLevel; level++ {
		qty := e.referenceQtyForLevel(level, price)
		orderID, filledPrice, err := e.executor.PlaceEntry(ctx, e.symbol, orderSide, side.PositionIdx(), qty, price)
		if err != nil {
			e.logger.Error("reopen level placement failed", "side", side, "level", level, "error", err)
			return level > startLevel // partial progress still counts as "attempted"
		}
		e.book.AppendEntry(side, filledPrice, qty, level, orderID)
		e.recordTrade(ctx, side, "OPEN", "reopen", filledPrice, qty, decimal.Zero)
		time.Sleep(interLevelDelay)
	}
	e.reportGridMetrics()
	e.saveBook(ctx)

	if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
		e.logger.Error("tp recompute failed after reopen", "side", side, "error", err)
	}
	return true
}

// checkLargeMoveRecalc implements §4.3 "Large-move pending recalculation".
func (e *SymbolEngine) checkLargeMoveRecalc(ctx context.Context, side core.Side, price decimal.Decimal) {
	e.mu.Lock()
	base, ok := e.pendingBasePrice[side]
	e.mu.Unlock()
	if !ok || base.IsZero() {
		return
	}

	movePct := price.Sub(base).Abs().Div(base).Mul(decimal.NewFromInt(100))
	if movePct.LessThan(decimal.NewFromInt(largeMoveThresholdPercent)) {
		return
	}

	for _, level := range e.book.PendingLevels(side) {
		orderID, ok := e.book.PendingOrderID(side, level)
		if !ok {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, e.symbol, orderID); err != nil {
			e.logger.Warn("failed to cancel stale pending before recalc", "side", side, "level", level, "error", err)
		}
		e.book.RemovePending(side, level)
		e.placePendingSymmetry(ctx, side, level, price)
	}
}
