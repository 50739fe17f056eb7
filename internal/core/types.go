// Package core holds the shared types and narrow interfaces that every other
// package in this module is built against: the grid data model, the
// exchange-facing event/order types, and the small seams (ExchangeGateway,
// StateStore, Logger) that let the strategy core stay free of transport and
// persistence detail.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one leg of a hedge-mode position.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Long {
		return "LONG"
	}
	return "SHORT"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// PositionIdx is the exchange's hedge-mode position index: 1=Long, 2=Short.
func (s Side) PositionIdx() int {
	if s == Long {
		return 1
	}
	return 2
}

// OrderSide is the exchange order direction, independent of Side: closing a
// Short position is a Buy, closing a Long position is a Sell.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType as accepted by the exchange gateway.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus mirrors the exchange's order lifecycle states relevant to us.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// GridEntry is one confirmed fill on a side. Immutable once appended.
type GridEntry struct {
	Side            Side            `json:"side"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	GridLevel       int             `json:"grid_level"`
	Timestamp       time.Time       `json:"timestamp"`
	ExchangeOrderID string          `json:"order_id,omitempty"`
}

// SideState is the per-side ledger: the append-only fill sequence, the
// currently live TP order, and any pending symmetry orders keyed by level.
type SideState struct {
	Entries            []GridEntry      `json:"entries"`
	ActiveTPOrderID     string           `json:"active_tp_order_id,omitempty"`
	PendingEntryOrders  map[int]string   `json:"pending_entry_orders,omitempty"`
}

// TPPending is the sentinel stored in ActiveTPOrderID between placing a TP
// order and the order stream confirming its exchange order id, so a `New`
// event arriving first never races an empty field into looking unset.
const TPPending = "PENDING"

// InstrumentInfo is per-symbol exchange metadata, loaded once at startup.
type InstrumentInfo struct {
	Symbol        string          `json:"symbol"`
	MinQty        decimal.Decimal `json:"min_qty"`
	QtyStep       decimal.Decimal `json:"qty_step"`
	MaxQty        decimal.Decimal `json:"max_qty"`
	PriceDecimals int             `json:"price_decimals"`
}

// Configuration is the per-symbol strategy configuration. Validate must be
// called before use; construction alone performs no range checking.
type Configuration struct {
	Symbol                 string          `yaml:"symbol" json:"symbol"`
	Leverage               int             `yaml:"leverage" json:"leverage"`
	InitialPositionSizeUSD decimal.Decimal `yaml:"initial_position_size_usd" json:"initial_position_size_usd"`
	GridStepPercent        decimal.Decimal `yaml:"grid_step_percent" json:"grid_step_percent"`
	AveragingMultiplier    decimal.Decimal `yaml:"averaging_multiplier" json:"averaging_multiplier"`
	TakeProfitPercent      decimal.Decimal `yaml:"take_profit_percent" json:"take_profit_percent"`
	MaxGridLevelsPerSide   int             `yaml:"max_grid_levels_per_side" json:"max_grid_levels_per_side"`
	MMRateThreshold        decimal.Decimal `yaml:"mm_rate_threshold" json:"mm_rate_threshold"`
	BalanceBufferPercent   decimal.Decimal `yaml:"balance_buffer_percent" json:"balance_buffer_percent"`
	TakerFeePercent        decimal.Decimal `yaml:"taker_fee_percent" json:"taker_fee_percent"`
	MakerFeePercent        decimal.Decimal `yaml:"maker_fee_percent" json:"maker_fee_percent"`
}

// Validate enforces the §3 range constraints. Construction of a Configuration
// must always be followed by Validate before it is used by any engine.
func (c *Configuration) Validate() error {
	var errs []string
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: %s", field, msg))
		}
	}
	check(c.Leverage >= 1 && c.Leverage <= 200, "leverage", "must be in [1,200]")
	check(c.InitialPositionSizeUSD.GreaterThanOrEqual(decimal.NewFromFloat(0.1)) &&
		c.InitialPositionSizeUSD.LessThanOrEqual(decimal.NewFromInt(100000)),
		"initial_position_size_usd", "must be in [0.1,100000]")
	check(c.GridStepPercent.GreaterThanOrEqual(decimal.NewFromFloat(0.01)) &&
		c.GridStepPercent.LessThanOrEqual(decimal.NewFromInt(100)),
		"grid_step_percent", "must be in [0.01,100]")
	check(c.AveragingMultiplier.GreaterThan(decimal.NewFromInt(1)) &&
		c.AveragingMultiplier.LessThanOrEqual(decimal.NewFromInt(10)),
		"averaging_multiplier", "must be in (1,10]")
	check(c.TakeProfitPercent.GreaterThanOrEqual(decimal.NewFromFloat(0.01)) &&
		c.TakeProfitPercent.LessThanOrEqual(decimal.NewFromInt(100)),
		"take_profit_percent", "must be in [0.01,100]")
	check(c.MaxGridLevelsPerSide >= 1 && c.MaxGridLevelsPerSide <= 50,
		"max_grid_levels_per_side", "must be in [1,50]")
	check(c.MMRateThreshold.GreaterThanOrEqual(decimal.Zero) &&
		c.MMRateThreshold.LessThanOrEqual(decimal.NewFromInt(100)),
		"mm_rate_threshold", "must be in [0,100]")
	if c.BalanceBufferPercent.IsZero() {
		c.BalanceBufferPercent = decimal.NewFromInt(15)
	}
	if c.TakerFeePercent.IsZero() {
		c.TakerFeePercent = decimal.NewFromFloat(0.055)
	}
	if c.MakerFeePercent.IsZero() {
		c.MakerFeePercent = decimal.NewFromFloat(0.02)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidationError aggregates every Configuration field that failed range
// validation so construction fails loudly and completely, not one field at
// a time.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Fields, "; ")
}

// AccountState is the per-account supervisory state: freeze/panic flags,
// the ATR price-history ring buffer, and the terminal emergency flag.
type AccountState struct {
	AveragingFrozen      bool
	FreezeReason         string
	PanicMode            bool
	PanicReason          string
	PanicEnteredAt       time.Time
	EmergencyStopped     bool
	EmergencyReason      string
	PriceHistory         map[string]*PriceRingBuffer
	LastWebsocketUpdate  time.Time
}

// PriceRingBuffer holds the last N ticks for ATR% estimation.
type PriceRingBuffer struct {
	Prices   []float64
	Capacity int
}

// NewPriceRingBuffer creates a ring buffer with the given capacity (spec
// default: 20).
func NewPriceRingBuffer(capacity int) *PriceRingBuffer {
	return &PriceRingBuffer{Capacity: capacity}
}

// Push appends a price, evicting the oldest if at capacity.
func (b *PriceRingBuffer) Push(p float64) {
	b.Prices = append(b.Prices, p)
	if len(b.Prices) > b.Capacity {
		b.Prices = b.Prices[len(b.Prices)-b.Capacity:]
	}
}

// ATRPercent returns mean(|P_i - P_i-1|) / lastPrice * 100, defaulting to
// 1.5% when fewer than 2 samples are available.
func (b *PriceRingBuffer) ATRPercent() decimal.Decimal {
	if len(b.Prices) < 2 {
		return decimal.NewFromFloat(1.5)
	}
	var sumAbsDelta float64
	for i := 1; i < len(b.Prices); i++ {
		d := b.Prices[i] - b.Prices[i-1]
		if d < 0 {
			d = -d
		}
		sumAbsDelta += d
	}
	mean := sumAbsDelta / float64(len(b.Prices)-1)
	last := b.Prices[len(b.Prices)-1]
	if last == 0 {
		return decimal.NewFromFloat(1.5)
	}
	return decimal.NewFromFloat(mean / last * 100)
}

// EmergencyFlag is the durable on-disk sentinel blocking automatic restart.
type EmergencyFlag struct {
	Timestamp      time.Time         `json:"timestamp"`
	AccountID      int               `json:"account_id"`
	Symbol         string            `json:"symbol,omitempty"`
	Reason         string            `json:"reason"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

// WalletSnapshot is the balance/margin state, seeded via REST and kept
// current exclusively by wallet-stream events thereafter.
type WalletSnapshot struct {
	AvailableBalance decimal.Decimal
	InitialMargin    decimal.Decimal
	MaintenanceMargin decimal.Decimal
	MMRate           decimal.Decimal
}

// ExchangePosition is one side's exchange-reported position.
type ExchangePosition struct {
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

// ActivePositions is the exchange's current Long/Short snapshot for a symbol.
type ActivePositions struct {
	Long  *ExchangePosition
	Short *ExchangePosition
}

// HistoricOrder is one row of exchange order history, used for §4.4.1
// grid-level reconstruction.
type HistoricOrder struct {
	OrderID       string
	Side          OrderSide
	PositionIdx   int
	Qty           decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	Status        OrderStatus
	CreatedTimeMs int64
	UpdatedTimeMs int64
}

// PlaceOrderRequest is the ExchangeGateway.PlaceOrder argument.
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Type          OrderType
	Price         decimal.Decimal // zero for Market
	ReduceOnly    bool
	PositionIdx   int
	TimeInForce   string // "GTC" for limits, empty for market
	ClientOrderID string
}

// StopOrderType classifies the exchange's stop_order_type execution field.
type StopOrderType string

const (
	StopOrderNone         StopOrderType = ""
	StopOrderStopLoss     StopOrderType = "StopLoss"
	StopOrderTrailingStop StopOrderType = "TrailingStop"
	StopOrderTakeProfit   StopOrderType = "TakeProfit"
)

// ExecType classifies the exchange's execution-event type.
type ExecType string

const (
	ExecTrade    ExecType = "Trade"
	ExecBustTrade ExecType = "BustTrade"
	ExecAdlTrade ExecType = "AdlTrade"
	ExecFunding  ExecType = "Funding"
)

// ExecutionEvent is a private execution-stream push: the authoritative
// source of truth for fills, closes, and realized PnL.
type ExecutionEvent struct {
	Symbol        string
	Side          OrderSide
	PositionIdx   int
	OrderID       string
	OrderType     OrderType
	ExecType      ExecType
	StopOrderType StopOrderType
	ExecQty       decimal.Decimal
	ExecPrice     decimal.Decimal
	ExecPnl       decimal.Decimal
	ClosedSize    decimal.Decimal
	ExecTimeMs    int64
}

// PositionEvent is a private position-stream push: mirror-of-truth, used to
// detect missed closes and to drive `needs_resync` during restoration.
type PositionEvent struct {
	Symbol      string
	PositionIdx int
	Size        decimal.Decimal
	AvgPrice    decimal.Decimal
}

// OrderEvent is a private order-stream push: drives TP and pending-entry
// state transitions.
type OrderEvent struct {
	Symbol      string
	OrderID     string
	ClientOrderID string
	Side        OrderSide
	PositionIdx int
	Status      OrderStatus
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ReduceOnly  bool
	UpdateTimeMs int64
}

// WalletEvent is a private wallet-stream push updating BalanceCache.
type WalletEvent struct {
	AvailableBalance  decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	MMRate            decimal.Decimal
}

// TickerEvent is a public price tick.
type TickerEvent struct {
	Symbol string
	Price  decimal.Decimal
}
