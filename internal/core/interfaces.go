package core

import (
	"context"
	"time"
)

// Logger is the structured-logging seam every component depends on.
// Grounded on the teacher's ILogger: level methods plus With-style
// scoping, kept deliberately narrow so zap, slog, or a test recorder can
// all implement it.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ExchangeGateway is the typed facade over the exchange's REST and
// WebSocket surface (§4.1). All operations may fail with an *ExchangeError.
type ExchangeGateway interface {
	InstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
	SetPositionMode(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	WalletSnapshot(ctx context.Context) (WalletSnapshot, error)
	ActivePositions(ctx context.Context, symbol string) (ActivePositions, error)
	OrderHistory(ctx context.Context, symbol string, filledOnly bool, limit int) ([]HistoricOrder, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllReduceOnly(ctx context.Context, symbol string, positionIdx int) error

	SubscribeTicker(ctx context.Context, symbol string, cb func(TickerEvent)) error
	SubscribeExecution(ctx context.Context, cb func(ExecutionEvent)) error
	SubscribePosition(ctx context.Context, cb func(PositionEvent)) error
	SubscribeWallet(ctx context.Context, cb func(WalletEvent)) error
	SubscribeOrder(ctx context.Context, cb func(OrderEvent)) error
	OnDisconnect(cb func(err error))
}

// StateStore persists one account's per-symbol PositionBook snapshots
// durably and crash-safely (§6, I7).
type StateStore interface {
	SaveBook(ctx context.Context, accountID int, symbol string, snap BookSnapshot) error
	LoadBook(ctx context.Context, accountID int, symbol string) (*BookSnapshot, bool, error)
	RecordTrade(ctx context.Context, accountID int, row TradeRow) error
	RecordMetrics(ctx context.Context, accountID int, row MetricsRow) error
	// MarkProcessed/WasProcessed back the idempotency ledger so a duplicate
	// execution event with the same order id and exec time is a no-op even
	// across a process restart.
	MarkProcessed(ctx context.Context, key string) error
	WasProcessed(ctx context.Context, key string) (bool, error)
}

// BookSnapshot is the on-disk shape of one symbol's PositionBook, matching
// §6's `{id}_bot_state.json` per-symbol object exactly.
type BookSnapshot struct {
	Timestamp             time.Time      `json:"timestamp"`
	LongPositions         []GridEntry    `json:"long_positions"`
	ShortPositions        []GridEntry    `json:"short_positions"`
	LongTPOrderID         string         `json:"long_tp_order_id,omitempty"`
	ShortTPOrderID        string         `json:"short_tp_order_id,omitempty"`
	ReferenceQtyPerLevel  map[int]string `json:"reference_qty_per_level,omitempty"`
	CumulativeRealizedPnl string         `json:"cumulative_realized_pnl,omitempty"`
}

// TradeRow is one line of `{id}_trades_history.csv`.
type TradeRow struct {
	Timestamp  time.Time
	Symbol     string
	Side       string
	Action     string // OPEN, CLOSE, BALANCE, RESTORE
	Price      string
	Quantity   string
	Reason     string
	Pnl        string
	OpenFee    string
	CloseFee   string
	FundingFee string
}

// MetricsRow is one line of `{id}_performance_metrics.csv`.
type MetricsRow struct {
	Timestamp      time.Time
	Symbol         string
	Price          string
	LongPositions  int
	ShortPositions int
	LongQty        string
	ShortQty       string
	LongPnl        string
	ShortPnl       string
	TotalPnl       string
	TotalTrades    int
	Balance        string
}

// EmergencyFlagStore is the filesystem-backed sentinel preventing automatic
// restart after a terminal condition.
type EmergencyFlagStore interface {
	Exists(accountID int) bool
	Read(accountID int) (*EmergencyFlag, error)
	Create(accountID int, flag EmergencyFlag) error
	Remove(accountID int) error
}
