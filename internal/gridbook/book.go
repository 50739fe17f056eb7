// Package gridbook implements PositionBook: the per-symbol ledger of
// confirmed fills, live TP orders, pending symmetry orders, and the
// reference-quantity table that keeps both sides of a hedge-mode grid
// perfectly symmetric (§4.2).
//
// LOCK ORDERING: a caller that also holds an account-level supervisor lock
// must acquire it before calling into a Book — never the reverse. Within a
// Book itself there is exactly one lock; it does not call out to anything
// that takes another lock while held.
package gridbook

import (
	"sync"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
)

const qtyRoundingDecimals = 8

// Book is the PositionBook for one (account, symbol) pair.
type Book struct {
	mu sync.RWMutex

	symbol string
	sides  map[core.Side]*sideLedger

	// referenceQty guarantees symmetric quantities across sides for the same
	// grid level; cleared only when both sides are simultaneously empty (I6).
	referenceQty map[int]decimal.Decimal

	cumulativeRealizedPnl decimal.Decimal
}

type sideLedger struct {
	entries        []core.GridEntry
	tpOrderID      string
	pendingEntries map[int]string // grid level -> pending entry order id
}

// NewBook creates an empty PositionBook for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		sides: map[core.Side]*sideLedger{
			core.Long:  {pendingEntries: make(map[int]string)},
			core.Short: {pendingEntries: make(map[int]string)},
		},
		referenceQty: make(map[int]decimal.Decimal),
	}
}

func (b *Book) ledger(side core.Side) *sideLedger {
	return b.sides[side]
}

// AppendEntry records one confirmed fill on side. Immutable once appended.
func (b *Book) AppendEntry(side core.Side, price, qty decimal.Decimal, level int, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger(side).entries = append(b.ledger(side).entries, core.GridEntry{
		Side:            side,
		EntryPrice:      price,
		Quantity:        qty,
		GridLevel:       level,
		ExchangeOrderID: orderID,
	})
}

// ClearSide wipes side's entries, TP id, and pending entries — used on a
// confirmed close. Reference quantities are untouched here; the caller
// checks ClearReferenceQtyIfBothSidesEmpty separately (I6).
func (b *Book) ClearSide(side core.Side) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sides[side] = &sideLedger{pendingEntries: make(map[int]string)}
}

// TotalQty returns Σ quantity for side, rounded to 8 decimal places to
// absorb floating-point drift accumulated across many small fills.
func (b *Book) TotalQty(side core.Side) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalQtyLocked(side)
}

func (b *Book) totalQtyLocked(side core.Side) decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.ledger(side).entries {
		total = total.Add(e.Quantity)
	}
	return total.Round(qtyRoundingDecimals)
}

// AverageEntry returns the volume-weighted average entry price for side:
// Σ(price·qty) / Σ(qty). Zero if side is empty.
func (b *Book) AverageEntry(side core.Side) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var weighted, total decimal.Decimal
	for _, e := range b.ledger(side).entries {
		weighted = weighted.Add(e.EntryPrice.Mul(e.Quantity))
		total = total.Add(e.Quantity)
	}
	total = total.Round(qtyRoundingDecimals)
	if total.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(total)
}

// Count returns the number of confirmed fills on side — also the side's
// current max grid level plus one, since levels are appended in order.
func (b *Book) Count(side core.Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ledger(side).entries)
}

// LastEntryPrice returns the most recent fill price on side, and false if
// side is empty.
func (b *Book) LastEntryPrice(side core.Side) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.ledger(side).entries
	if len(entries) == 0 {
		return decimal.Zero, false
	}
	return entries[len(entries)-1].EntryPrice, true
}

// SetTPID stores the live TP order id for side. Pass core.TPPending while an
// order is in flight, and the real id once the order stream confirms it.
func (b *Book) SetTPID(side core.Side, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger(side).tpOrderID = id
}

// GetTPID returns side's current TP order id, or "" if none.
func (b *Book) GetTPID(side core.Side) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ledger(side).tpOrderID
}

// SetPending records a live pending symmetry entry order for (side, level).
func (b *Book) SetPending(side core.Side, level int, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger(side).pendingEntries[level] = orderID
}

// RemovePending drops the pending symmetry order tracked for (side, level),
// e.g. once it fills and becomes a real entry, or is cancelled.
func (b *Book) RemovePending(side core.Side, level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ledger(side).pendingEntries, level)
}

// PendingOrderID returns the order id pending at (side, level), if any.
func (b *Book) PendingOrderID(side core.Side, level int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.ledger(side).pendingEntries[level]
	return id, ok
}

// PendingLevels returns every level side currently has a pending symmetry
// order tracked for.
func (b *Book) PendingLevels(side core.Side) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := make([]int, 0, len(b.ledger(side).pendingEntries))
	for l := range b.ledger(side).pendingEntries {
		levels = append(levels, l)
	}
	return levels
}

// ReferenceQty returns the recorded reference quantity for level, and false
// if level has never been opened on either side.
func (b *Book) ReferenceQty(level int) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.referenceQty[level]
	return q, ok
}

// RecordReferenceQty stores qty as the reference quantity for level,
// first-writer-wins — callers check ReferenceQty before calling this.
func (b *Book) RecordReferenceQty(level int, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.referenceQty[level]; exists {
		return
	}
	b.referenceQty[level] = qty
}

// AddRealizedPnl accumulates pnl from a closed trade into the book's
// running total, persisted as part of Snapshot (§6's cumulative_realized_pnl).
func (b *Book) AddRealizedPnl(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cumulativeRealizedPnl = b.cumulativeRealizedPnl.Add(pnl)
}

// CumulativeRealizedPnl returns the running total recorded by AddRealizedPnl.
func (b *Book) CumulativeRealizedPnl() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cumulativeRealizedPnl
}

// ClearReferenceQtyIfBothSidesEmpty wipes the reference-quantity table when
// both sides are simultaneously empty (I6), so the next open recomputes
// quantities from scratch rather than replaying a stale grid.
func (b *Book) ClearReferenceQtyIfBothSidesEmpty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ledger(core.Long).entries) == 0 && len(b.ledger(core.Short).entries) == 0 {
		b.referenceQty = make(map[int]decimal.Decimal)
	}
}

// Snapshot returns a deep copy of the book's current state for concurrent
// readers (the CSV metrics writer, the persisted state store) — no shared mutable
// sub-structures with the live book.
func (b *Book) Snapshot() core.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := core.BookSnapshot{
		LongPositions:        append([]core.GridEntry{}, b.ledger(core.Long).entries...),
		ShortPositions:       append([]core.GridEntry{}, b.ledger(core.Short).entries...),
		LongTPOrderID:        b.ledger(core.Long).tpOrderID,
		ShortTPOrderID:       b.ledger(core.Short).tpOrderID,
		ReferenceQtyPerLevel:  make(map[int]string, len(b.referenceQty)),
		CumulativeRealizedPnl: b.cumulativeRealizedPnl.String(),
	}
	for level, qty := range b.referenceQty {
		snap.ReferenceQtyPerLevel[level] = qty.String()
	}
	return snap
}

// Restore replaces the book's state with snap's contents, used at startup
// to load a persisted snapshot before any stream is consumed.
func (b *Book) Restore(snap core.BookSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sides[core.Long] = &sideLedger{
		entries:        append([]core.GridEntry{}, snap.LongPositions...),
		tpOrderID:      snap.LongTPOrderID,
		pendingEntries: make(map[int]string),
	}
	b.sides[core.Short] = &sideLedger{
		entries:        append([]core.GridEntry{}, snap.ShortPositions...),
		tpOrderID:      snap.ShortTPOrderID,
		pendingEntries: make(map[int]string),
	}

	b.referenceQty = make(map[int]decimal.Decimal)
	for level, raw := range snap.ReferenceQtyPerLevel {
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			return err
		}
		b.referenceQty[level] = qty
	}

	b.cumulativeRealizedPnl = decimal.Zero
	if snap.CumulativeRealizedPnl != "" {
		pnl, err := decimal.NewFromString(snap.CumulativeRealizedPnl)
		if err != nil {
			return err
		}
		b.cumulativeRealizedPnl = pnl
	}
	return nil
}
