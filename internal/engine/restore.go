package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
)

const (
	qtyMatchTolerance  = "0.001"
	maxRestoreAttempts = 3
	historyPageSize    = 200
	missedCloseDebounce = 3 * time.Second
)

var qtyTolerance = decimal.RequireFromString(qtyMatchTolerance)

// Restore implements §4.4 startup restoration: no trading may occur until
// local state is reconciled to exchange truth. Retries the whole procedure
// up to maxRestoreAttempts times if a concurrent stream event signals
// needs_resync mid-restoration; on repeated failure returns an error the
// caller must treat as an emergency stop.
func (e *SymbolEngine) Restore(ctx context.Context, price decimal.Decimal) error {
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	e.loadPersistedBook(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxRestoreAttempts; attempt++ {
		needsResync, err := e.restoreOnce(ctx, price)
		if err != nil {
			return err
		}
		if !needsResync {
			e.mu.Lock()
			e.restored = true
			e.mu.Unlock()
			return nil
		}
		lastErr = fmt.Errorf("restoration needed resync after attempt %d", attempt)
		e.logger.Warn("restoration signalled needs_resync, retrying", "attempt", attempt)
	}
	return fmt.Errorf("engine: restoration failed for %s after %d attempts: %w — position mismatch requires manual intervention", e.symbol, maxRestoreAttempts, lastErr)
}

// loadPersistedBook loads the last durable snapshot into the in-memory book
// before restoreOnce begins reconciling against exchange truth (§6, I7): a
// non-zero local book lets restoreOnce take the "quantities already match"
// fast path instead of paying reconstructFromHistory's order-history replay
// on every restart. Exchange truth still wins on any mismatch — this is a
// starting point for reconciliation, never a substitute for it.
func (e *SymbolEngine) loadPersistedBook(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap, found, err := e.store.LoadBook(ctx, e.accountID, e.symbol)
	if err != nil {
		e.logger.Warn("failed to load persisted book snapshot, reconciling from exchange truth only", "error", err)
		return
	}
	if !found {
		return
	}
	if err := e.book.Restore(*snap); err != nil {
		e.logger.Warn("failed to apply persisted book snapshot, reconciling from exchange truth only", "error", err)
		return
	}
	e.logger.Info("loaded persisted book snapshot", "long_levels", e.book.Count(core.Long), "short_levels", e.book.Count(core.Short))
}

func (e *SymbolEngine) restoreOnce(ctx context.Context, price decimal.Decimal) (needsResync bool, err error) {
	positions, err := e.gateway.ActivePositions(ctx, e.symbol)
	if err != nil {
		return false, fmt.Errorf("engine: active_positions failed: %w", err)
	}

	for _, side := range []core.Side{core.Long, core.Short} {
		exchangeQty := decimal.Zero
		var avgPrice decimal.Decimal
		if pos := sidePosition(positions, side); pos != nil {
			exchangeQty = pos.Size
			avgPrice = pos.AvgPrice
		}
		localQty := e.book.TotalQty(side)

		switch {
		case exchangeQty.IsZero() && localQty.IsZero():
			e.restoreOpenEmpty(ctx, side, price)

		case exchangeQty.Sub(localQty).Abs().LessThanOrEqual(qtyTolerance):
			if e.book.Count(side) > 0 && e.book.GetTPID(side) == "" {
				if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
					return false, err
				}
			}

		case exchangeQty.IsPositive() && localQty.IsZero():
			resync, err := e.reconstructFromHistory(ctx, side, exchangeQty, avgPrice)
			if err != nil {
				return false, err
			}
			if resync {
				needsResync = true
			}

		default:
			return false, fmt.Errorf("engine: position mismatch requires manual intervention (%s %s: exchange=%s local=%s)", e.symbol, side, exchangeQty, localQty)
		}
	}

	return needsResync, nil
}

func sidePosition(positions core.ActivePositions, side core.Side) *core.ExchangePosition {
	if side == core.Long {
		return positions.Long
	}
	return positions.Short
}

// restoreOpenEmpty handles the (0,0) restoration case: open the initial
// position, using adaptive reopen sizing if the opposite side already has
// entries restored earlier in this loop.
func (e *SymbolEngine) restoreOpenEmpty(ctx context.Context, side core.Side, price decimal.Decimal) {
	if e.book.Count(side.Opposite()) > 0 {
		e.adaptiveReopen(ctx, side)
		return
	}
	e.openUpTo(ctx, side, 0, price)
}

// reconstructFromHistory implements §4.4.1: rebuild side's grid levels from
// the exchange's own filled-order history.
func (e *SymbolEngine) reconstructFromHistory(ctx context.Context, side core.Side, exchangeQty, avgPrice decimal.Decimal) (needsResync bool, err error) {
	rows, err := e.gateway.OrderHistory(ctx, e.symbol, true, historyPageSize)
	if err != nil {
		return false, fmt.Errorf("engine: order_history failed: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedTimeMs < rows[j].CreatedTimeMs })

	var sideRows []core.HistoricOrder
	for _, r := range rows {
		if r.PositionIdx == side.PositionIdx() {
			sideRows = append(sideRows, r)
		}
	}

	lastTPIndex := -1
	openSide := openingOrderSide(side)
	closeSide := closingOrderSide(side)
	for i, r := range sideRows {
		if r.ReduceOnly && r.Side == closeSide {
			lastTPIndex = i
		}
	}

	var opens []core.HistoricOrder
	for i := lastTPIndex + 1; i < len(sideRows); i++ {
		r := sideRows[i]
		if !r.ReduceOnly && r.Side == openSide {
			opens = append(opens, r)
		}
	}

	var restoredQty decimal.Decimal
	for level, r := range opens {
		e.book.AppendEntry(side, r.AvgPrice, r.Qty, level, r.OrderID)
		e.book.RecordReferenceQty(level, r.Qty)
		restoredQty = restoredQty.Add(r.Qty)
	}

	if len(opens) == 0 && exchangeQty.IsPositive() {
		// TP partial-close fallback: a single reconstructed level-0 entry.
		e.book.AppendEntry(side, avgPrice, exchangeQty, 0, "")
		e.book.RecordReferenceQty(0, exchangeQty)
		restoredQty = exchangeQty
	}

	diff := exchangeQty.Sub(restoredQty)
	switch {
	case diff.Abs().LessThanOrEqual(qtyTolerance):
		// matched
	case diff.IsPositive():
		needsResync = true
	default:
		return false, fmt.Errorf("engine: restored more than exchange for %s %s (restored=%s exchange=%s)", e.symbol, side, restoredQty, exchangeQty)
	}

	if err := e.gateway.CancelAllReduceOnly(ctx, e.symbol, side.PositionIdx()); err != nil {
		e.logger.Warn("failed to force-cancel stale reduce-only orders during restoration", "side", side, "error", err)
	}
	e.book.SetTPID(side, "")
	if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
		return needsResync, err
	}

	return needsResync, nil
}

// OnPosition handles a private position-stream push (§4.8 priority 2):
// mirror-of-truth. Outside restoration, a position appearing while local is
// empty is the only invalid way to acquire a position (anything real comes
// through an execution the engine itself initiated) and is an emergency
// condition the caller must act on; a position going to zero is treated as
// a backstop confirmation of a close execution already handled via
// OnExecution, not acted on again here to avoid double-clearing the book.
func (e *SymbolEngine) OnPosition(ev core.PositionEvent) (emergency bool, reason string) {
	if ev.Symbol != e.symbol {
		return false, ""
	}
	e.mu.Lock()
	restored := e.restored
	e.mu.Unlock()
	if !restored {
		return false, ""
	}

	side := core.Long
	if ev.PositionIdx == core.Short.PositionIdx() {
		side = core.Short
	}
	if ev.Size.IsPositive() && e.book.Count(side) == 0 {
		return true, fmt.Sprintf("position appeared on %s %s with no locally-initiated entries", e.symbol, side)
	}
	return false, ""
}

// OnWallet feeds a private wallet-stream push into the shared risk
// controller (§4.8 priority 4). Safe to call from every symbol's engine for
// the same account; RiskController's wallet state is account-wide, not
// per-symbol.
func (e *SymbolEngine) OnWallet(ev core.WalletEvent) {
	e.risk.UpdateWallet(core.WalletSnapshot{
		AvailableBalance:  ev.AvailableBalance,
		InitialMargin:     ev.InitialMargin,
		MaintenanceMargin: ev.MaintenanceMargin,
		MMRate:            ev.MMRate,
	})
}

// RunPeriodicSync blocks, running Sync every interval until ctx is done
// (§4.5). The caller runs this in its own goroutine per symbol.
func (e *SymbolEngine) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	firstRun := true
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sync(ctx, firstRun)
			firstRun = false
		}
	}
}

// Sync implements §4.5 periodic sync. On the very first call after process
// start it force-cancels every live order on the symbol first, guaranteeing
// clean state after an outage.
func (e *SymbolEngine) Sync(ctx context.Context, firstRun bool) {
	if firstRun {
		for _, side := range []core.Side{core.Long, core.Short} {
			if err := e.gateway.CancelAllReduceOnly(ctx, e.symbol, side.PositionIdx()); err != nil {
				e.logger.Warn("periodic sync: failed to cancel live orders on first run", "side", side, "error", err)
			}
			e.cancelAllPending(ctx, side)
			e.book.SetTPID(side, "")
		}
	}

	positions, err := e.gateway.ActivePositions(ctx, e.symbol)
	if err != nil {
		e.logger.Warn("periodic sync: active_positions failed", "error", err)
		return
	}

	recoveryNeeded := map[core.Side]bool{}
	for _, side := range []core.Side{core.Long, core.Short} {
		exchangeQty := decimal.Zero
		if pos := sidePosition(positions, side); pos != nil {
			exchangeQty = pos.Size
		}
		localQty := e.book.TotalQty(side)

		switch {
		case exchangeQty.Equal(localQty) && exchangeQty.IsPositive() && e.book.GetTPID(side) == "":
			if err := e.RecomputeTP(ctx, e.symbol, side); err != nil {
				e.logger.Error("periodic sync: tp recompute failed", "side", side, "error", err)
			}
		case exchangeQty.IsZero() && localQty.IsPositive():
			time.Sleep(missedCloseDebounce)
			positions2, err := e.gateway.ActivePositions(ctx, e.symbol)
			if err == nil {
				if pos := sidePosition(positions2, side); pos == nil || pos.Size.IsZero() {
					e.logger.Warn("periodic sync: missed close detected", "side", side)
					e.handleClose(ctx, side, closeReasonManual)
				}
			}
		case !exchangeQty.Equal(localQty):
			e.logger.Warn("periodic sync: quantity mismatch, not self-healing", "side", side, "exchange_qty", exchangeQty, "local_qty", localQty)
		}

		if e.book.Count(side) == 0 && e.book.Count(side.Opposite()) > 0 {
			recoveryNeeded[side] = true
		}
	}

	for symbol, sides := range e.risk.FailedReopenSides() {
		if symbol != e.symbol {
			continue
		}
		for _, side := range sides {
			recoveryNeeded[side] = true
		}
	}

	for side := range recoveryNeeded {
		e.adaptiveReopen(ctx, side)
	}

	for _, side := range []core.Side{core.Long, core.Short} {
		if e.book.Count(side) == 0 {
			continue
		}
		level := e.book.Count(side)
		if _, ok := e.book.PendingOrderID(side, level); !ok {
			if basePrice, ok := e.book.LastEntryPrice(side); ok {
				e.placePendingSymmetry(ctx, side.Opposite(), level, basePrice)
			}
		}
	}

	wallet, err := e.gateway.WalletSnapshot(ctx)
	if err == nil {
		e.logger.Info("periodic sync cycle complete", "available_balance", wallet.AvailableBalance.String(), "mm_rate", wallet.MMRate.String())
		e.recordMetrics(ctx, e.currentPrice(), wallet.AvailableBalance)
	}
}
