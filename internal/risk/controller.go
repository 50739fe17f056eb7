// Package risk implements RiskController: the per-account, cross-symbol
// supervisor that computes the dynamic safety reserve, decides early-freeze
// and panic transitions, and performs intelligent TP cancellation and
// adaptive rebalancing (§4.6). Grounded on the teacher's RiskMonitor
// (monitor.go) for the broad shape — a registry of per-symbol stats behind
// one mutex, a triggered/frozen flag flipped only on state transitions, and
// a logger scoped with WithField("component", ...) — generalized from its
// kline-volume-anomaly detector to the grid engine's quantity-imbalance
// model.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/gridbook"
	"market_maker/pkg/telemetry"
)

const (
	reserveBasePercent = 10 // fees, rounding
	reserveTierPercent = 5  // cross-margin tier rate non-linearity

	atrGapLowPercent  = 2  // ATR < 1%
	atrGapMidPercent  = 5  // ATR < 2%
	atrGapHighPercent = 10 // ATR >= 2%

)

// MissedCloseDebounce is the §4.5 debounce window a periodic sync must wait
// before treating an exchange-side zero quantity as a confirmed missed
// close, guarding against a stream event racing the REST snapshot.
const MissedCloseDebounce = 3 * time.Second

// TPRecomputer is the SymbolEngine-side hook RiskController calls to
// re-place a side's TP order after an adaptive rebalance appends a virtual
// entry, or after a panic-cancelled TP must be restored. Implemented by
// internal/engine.SymbolEngine; kept as a narrow interface here so risk
// never imports engine (engine imports risk for reserve checks).
type TPRecomputer interface {
	RecomputeTP(ctx context.Context, symbol string, side core.Side) error
}

type symbolRisk struct {
	cfg          core.Configuration
	book         *gridbook.Book
	tpRecomputer TPRecomputer
	lastPrice    decimal.Decimal
	priceHistory *core.PriceRingBuffer
	panicCancelledTP map[core.Side]bool
}

// Controller is the per-account RiskController.
type Controller struct {
	accountID string
	gateway   core.ExchangeGateway
	logger    core.Logger

	mu                   sync.RWMutex
	symbols              map[string]*symbolRisk
	wallet               core.WalletSnapshot
	balanceBufferPercent decimal.Decimal
	mmRateThreshold      decimal.Decimal

	averagingFrozen bool
	freezeReason    string
	panicMode       bool
	panicReason     string
	panicEnteredAt  time.Time

	// failedReopenSides records (symbol,side) pairs whose adaptive reopen
	// downgraded all the way to initial size and still failed the reserve
	// check, for the periodic sync (§4.5) to retry.
	failedReopenSides map[string]map[core.Side]bool
}

// NewController builds a RiskController for one account.
func NewController(accountID int, gateway core.ExchangeGateway, logger core.Logger, balanceBufferPercent, mmRateThreshold decimal.Decimal) *Controller {
	if balanceBufferPercent.IsZero() {
		balanceBufferPercent = decimal.NewFromInt(15)
	}
	return &Controller{
		accountID:            fmt.Sprintf("%d", accountID),
		gateway:              gateway,
		logger:               logger.WithField("component", "risk_controller"),
		symbols:              make(map[string]*symbolRisk),
		balanceBufferPercent: balanceBufferPercent,
		mmRateThreshold:      mmRateThreshold,
		failedReopenSides:    make(map[string]map[core.Side]bool),
	}
}

// RegisterSymbol adds symbol to the controller's cross-symbol imbalance
// accounting. Must be called once per symbol before any price tick or
// reserve check references it.
func (c *Controller) RegisterSymbol(symbol string, cfg core.Configuration, book *gridbook.Book, tpRecomputer TPRecomputer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[symbol] = &symbolRisk{
		cfg:              cfg,
		book:             book,
		tpRecomputer:     tpRecomputer,
		priceHistory:     core.NewPriceRingBuffer(20),
		panicCancelledTP: make(map[core.Side]bool),
	}
}

// UpdateWallet refreshes the balance/margin snapshot used by every
// computation below. Called exclusively from the wallet-stream handler
// (§5's shared-resource policy: BalanceCache writable only there).
func (c *Controller) UpdateWallet(snap core.WalletSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet = snap

	m := telemetry.GetGlobalMetrics()
	for symbol := range c.symbols {
		m.SetMMRate(c.accountID, symbol, snap.MMRate.InexactFloat64())
	}
}

// UpdatePrice records a tick for symbol's ATR buffer and re-evaluates
// early-freeze/panic. Call on every public ticker event.
func (c *Controller) UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) {
	c.mu.Lock()
	sr, ok := c.symbols[symbol]
	if !ok {
		c.mu.Unlock()
		return
	}
	sr.lastPrice = price
	sr.priceHistory.Push(price.InexactFloat64())
	c.mu.Unlock()

	c.evaluate(ctx)
}

// MMRateExceeded reports whether mmRate has reached the configured
// threshold — the trigger for "close all positions, emergency stop" (§7),
// executed by the caller (AccountSupervisor), not by RiskController itself.
func (c *Controller) MMRateExceeded(mmRate decimal.Decimal) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mmRateThreshold.IsZero() {
		return false
	}
	return mmRate.GreaterThanOrEqual(c.mmRateThreshold)
}

// IsAveragingFrozen reports whether new averaging/reopen is currently
// blocked (early-freeze or panic).
func (c *Controller) IsAveragingFrozen() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.averagingFrozen, c.freezeReason
}

// IsPanicMode reports whether panic mode is active and why.
func (c *Controller) IsPanicMode() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.panicMode, c.panicReason
}

// FailedReopenSides returns, and clears, the sides recorded as failing
// adaptive reopen even at initial size, for the periodic sync to retry.
func (c *Controller) FailedReopenSides() map[string][]core.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]core.Side)
	for symbol, sides := range c.failedReopenSides {
		for side := range sides {
			out[symbol] = append(out[symbol], side)
		}
	}
	c.failedReopenSides = make(map[string]map[core.Side]bool)
	return out
}

func (c *Controller) recordFailedReopen(symbol string, side core.Side) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failedReopenSides[symbol] == nil {
		c.failedReopenSides[symbol] = make(map[core.Side]bool)
	}
	c.failedReopenSides[symbol][side] = true
}

// costToBalanceAfter sums, across every registered symbol, the margin
// needed to fully close each symbol's long/short quantity imbalance,
// optionally simulating an extra candidateQty added to (extraSymbol,
// extraSide) first. Passing extraQty=0 computes the imbalance cost as it
// stands right now.
func (c *Controller) costToBalanceAfter(extraSymbol string, extraSide core.Side, extraQty decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for symbol, sr := range c.symbols {
		longQty := sr.book.TotalQty(core.Long)
		shortQty := sr.book.TotalQty(core.Short)
		if symbol == extraSymbol && !extraQty.IsZero() {
			if extraSide == core.Long {
				longQty = longQty.Add(extraQty)
			} else {
				shortQty = shortQty.Add(extraQty)
			}
		}
		imbalance := longQty.Sub(shortQty).Abs()
		if imbalance.IsZero() || sr.lastPrice.IsZero() || sr.cfg.Leverage == 0 {
			continue
		}
		margin := imbalance.Mul(sr.lastPrice).Div(decimal.NewFromInt(int64(sr.cfg.Leverage)))
		total = total.Add(margin)
	}
	return total
}

// ReserveCheck is the required pre-check before any averaging or reopen
// (§4.6): simulate adding candidateQty to (symbol, side), and accept only
// if the balance remaining after paying its margin still covers the
// resulting cross-symbol rebalance cost plus buffer. Unconditionally
// rejects while averaging is frozen.
func (c *Controller) ReserveCheck(symbol string, side core.Side, candidateQty, price decimal.Decimal) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.averagingFrozen {
		return false
	}
	sr, ok := c.symbols[symbol]
	if !ok {
		return false
	}

	candidateMargin := candidateQty.Mul(price).Div(decimal.NewFromInt(int64(sr.cfg.Leverage)))
	costToBalance := c.costToBalanceAfter(symbol, side, candidateQty)
	buffered := costToBalance.Mul(decimal.NewFromInt(1).Add(c.balanceBufferPercent.Div(decimal.NewFromInt(100))))
	availableAfter := c.wallet.AvailableBalance.Sub(candidateMargin)
	return availableAfter.GreaterThanOrEqual(buffered)
}

// SafetyReserve returns the current final_reserve figure (§4.6): the
// volatility- and tier-adjusted amount the controller treats as spoken for.
// This is a reported risk metric, not itself the averaging gate — ReserveCheck
// is — but feeds telemetry and operator visibility into how much headroom
// the dynamic reserve currently claims.
func (c *Controller) SafetyReserve() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safetyReserveLocked()
}

func (c *Controller) safetyReserveLocked() decimal.Decimal {
	baseReserve := decimal.Zero
	worstATR := decimal.Zero
	for _, sr := range c.symbols {
		longQty := sr.book.TotalQty(core.Long)
		shortQty := sr.book.TotalQty(core.Short)
		imbalance := longQty.Sub(shortQty).Abs()
		if !imbalance.IsZero() && !sr.lastPrice.IsZero() && sr.cfg.Leverage != 0 {
			baseReserve = baseReserve.Add(imbalance.Mul(sr.lastPrice).Div(decimal.NewFromInt(int64(sr.cfg.Leverage))))
		}
		atr := sr.priceHistory.ATRPercent()
		if atr.GreaterThan(worstATR) {
			worstATR = atr
		}
	}

	gap := decimal.NewFromInt(atrGapHighPercent)
	switch {
	case worstATR.LessThan(decimal.NewFromInt(1)):
		gap = decimal.NewFromInt(atrGapLowPercent)
	case worstATR.LessThan(decimal.NewFromInt(2)):
		gap = decimal.NewFromInt(atrGapMidPercent)
	}

	factor := decimal.NewFromInt(reserveBasePercent).Add(gap).Add(decimal.NewFromInt(reserveTierPercent)).Div(decimal.NewFromInt(100))
	return baseReserve.Mul(decimal.NewFromInt(1).Add(factor))
}

// evaluate re-checks the LOW_IM panic trigger and the (identical, per the
// resolved Open Question) Early Freeze predicate on every tick, and drives
// the transitions described in §4.6.
func (c *Controller) evaluate(ctx context.Context) {
	c.mu.Lock()
	cost := c.costToBalanceAfter("", core.Long, decimal.Zero)
	buffered := cost.Mul(decimal.NewFromInt(1).Add(c.balanceBufferPercent.Div(decimal.NewFromInt(100))))
	triggersNow := c.wallet.AvailableBalance.LessThan(buffered)

	wasFrozen := c.averagingFrozen
	wasPanic := c.panicMode

	c.averagingFrozen = triggersNow
	if triggersNow {
		c.freezeReason = "early_freeze: LOW_IM predicate would trigger panic"
	} else {
		c.freezeReason = ""
	}

	enteringPanic := triggersNow && !wasPanic
	clearingPanic := !triggersNow && wasPanic
	c.panicMode = triggersNow
	if triggersNow {
		c.panicReason = "LOW_IM: available_balance below buffered rebalance cost"
		if enteringPanic {
			c.panicEnteredAt = time.Now()
		}
	} else {
		c.panicReason = ""
	}

	reserve := c.safetyReserveLocked()
	m := telemetry.GetGlobalMetrics()
	for symbol := range c.symbols {
		m.SetAveragingFrozen(c.accountID, symbol, triggersNow)
		m.SetPanicMode(c.accountID, symbol, triggersNow)
		m.SetReserveAmount(c.accountID, symbol, reserve.InexactFloat64())
	}
	c.mu.Unlock()

	if triggersNow && !wasFrozen {
		c.logger.Warn("averaging frozen", "reason", "early_freeze")
	} else if !triggersNow && wasFrozen {
		c.logger.Info("averaging unfrozen")
	}

	if enteringPanic {
		c.logger.Warn("panic mode entered", "reason", "LOW_IM")
		c.applyIntelligentTPManagement(ctx)
		if err := c.AdaptiveRebalance(ctx); err != nil {
			c.logger.Error("adaptive rebalance failed", "error", err)
		}
	} else if clearingPanic {
		c.logger.Info("panic mode cleared")
		c.restoreCancelledTPs(ctx)
	}
}

// applyIntelligentTPManagement cancels the trend-side TP only (the side
// with more averages), freeing reduce-only margin while leaving the
// counter-trend TP in place as a natural exit. Reversible via
// restoreCancelledTPs once panic clears.
func (c *Controller) applyIntelligentTPManagement(ctx context.Context) {
	c.mu.RLock()
	type cancelTarget struct {
		symbol string
		side   core.Side
		tpID   string
	}
	var targets []cancelTarget
	for symbol, sr := range c.symbols {
		longCount := sr.book.Count(core.Long)
		shortCount := sr.book.Count(core.Short)
		if longCount == shortCount {
			continue
		}
		trend := core.Long
		if shortCount > longCount {
			trend = core.Short
		}
		tpID := sr.book.GetTPID(trend)
		if tpID == "" || tpID == core.TPPending {
			continue
		}
		targets = append(targets, cancelTarget{symbol: symbol, side: trend, tpID: tpID})
	}
	c.mu.RUnlock()

	for _, t := range targets {
		if err := c.gateway.CancelOrder(ctx, t.symbol, t.tpID); err != nil {
			c.logger.Warn("failed to cancel trend-side TP during panic", "symbol", t.symbol, "side", t.side, "error", err)
			continue
		}
		c.mu.Lock()
		sr := c.symbols[t.symbol]
		sr.book.SetTPID(t.side, "")
		sr.panicCancelledTP[t.side] = true
		c.mu.Unlock()
	}
}

// restoreCancelledTPs re-creates a TP for every side that has entries and
// no live TP — whether or not this controller is the one that cancelled
// it — matching I3.
func (c *Controller) restoreCancelledTPs(ctx context.Context) {
	c.mu.RLock()
	type restoreTarget struct {
		symbol       string
		side         core.Side
		tpRecomputer TPRecomputer
	}
	var targets []restoreTarget
	for symbol, sr := range c.symbols {
		for _, side := range []core.Side{core.Long, core.Short} {
			if sr.book.Count(side) == 0 {
				continue
			}
			if sr.book.GetTPID(side) != "" {
				continue
			}
			targets = append(targets, restoreTarget{symbol: symbol, side: side, tpRecomputer: sr.tpRecomputer})
		}
	}
	for _, sr := range c.symbols {
		sr.panicCancelledTP = make(map[core.Side]bool)
	}
	c.mu.RUnlock()

	for _, t := range targets {
		if t.tpRecomputer == nil {
			continue
		}
		if err := t.tpRecomputer.RecomputeTP(ctx, t.symbol, t.side); err != nil {
			c.logger.Error("failed to restore TP after panic clear", "symbol", t.symbol, "side", t.side, "error", err)
		}
	}
}

// AdaptiveRebalance implements §4.6.1: scale each symbol's lagging-side
// top-up by min(1, available_balance / total_margin_needed) and execute it
// as a Market order, continuing past any single symbol's failure.
func (c *Controller) AdaptiveRebalance(ctx context.Context) error {
	type plan struct {
		symbol string
		side   core.Side
		gap    decimal.Decimal
		price  decimal.Decimal
		sr     *symbolRisk
	}

	c.mu.RLock()
	available := c.wallet.AvailableBalance
	var plans []plan
	mTotal := decimal.Zero
	for symbol, sr := range c.symbols {
		longQty := sr.book.TotalQty(core.Long)
		shortQty := sr.book.TotalQty(core.Short)
		if longQty.Equal(shortQty) || sr.lastPrice.IsZero() {
			continue
		}
		laggingSide := core.Long
		gap := shortQty.Sub(longQty)
		if longQty.GreaterThan(shortQty) {
			laggingSide = core.Short
			gap = longQty.Sub(shortQty)
		}
		margin := gap.Mul(sr.lastPrice).Div(decimal.NewFromInt(int64(sr.cfg.Leverage)))
		mTotal = mTotal.Add(margin)
		plans = append(plans, plan{symbol: symbol, side: laggingSide, gap: gap, price: sr.lastPrice, sr: sr})
	}
	c.mu.RUnlock()

	if available.LessThan(decimal.NewFromInt(1)) {
		c.logger.Error("adaptive rebalance aborted: available balance below $1", "available", available.String())
		return fmt.Errorf("risk: critical — available balance %s below $1 minimum for rebalance", available.String())
	}
	if len(plans) == 0 {
		return nil
	}

	scale := decimal.NewFromInt(1)
	if mTotal.GreaterThan(decimal.Zero) && available.LessThan(mTotal) {
		scale = available.Div(mTotal)
	}

	for _, p := range plans {
		qty := p.gap.Mul(scale)
		if qty.IsZero() || qty.IsNegative() {
			continue
		}
		orderSide := core.Buy
		if p.side == core.Short {
			orderSide = core.Sell
		}
		orderID, err := c.gateway.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:      p.symbol,
			Side:        orderSide,
			Qty:         qty,
			Type:        core.Market,
			PositionIdx: p.side.PositionIdx(),
		})
		if err != nil {
			c.logger.Error("adaptive rebalance order failed", "symbol", p.symbol, "side", p.side, "error", err)
			continue
		}

		level := p.sr.book.Count(p.side)
		p.sr.book.AppendEntry(p.side, p.price, qty, level, orderID)
		p.sr.book.RecordReferenceQty(level, qty)

		if p.sr.tpRecomputer != nil {
			if err := p.sr.tpRecomputer.RecomputeTP(ctx, p.symbol, p.side); err != nil {
				c.logger.Error("failed to recompute TP after rebalance", "symbol", p.symbol, "side", p.side, "error", err)
			}
		}
	}
	return nil
}

// NoteFailedReopen records that side on symbol failed adaptive reopen even
// at initial size (§4.4's fall-through), for periodic sync to retry.
func (c *Controller) NoteFailedReopen(symbol string, side core.Side) {
	c.recordFailedReopen(symbol, side)
}
