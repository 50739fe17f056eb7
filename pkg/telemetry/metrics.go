package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "gridbot_pnl_realized_total"
	MetricPnLUnrealized      = "gridbot_pnl_unrealized"
	MetricOrdersActive       = "gridbot_orders_active"
	MetricOrdersPlacedTotal  = "gridbot_orders_placed_total"
	MetricOrdersFilledTotal  = "gridbot_orders_filled_total"
	MetricVolumeTotal        = "gridbot_volume_total"
	MetricPositionSize       = "gridbot_position_size"
	MetricGridLevels         = "gridbot_grid_levels"
	MetricLatencyExchange    = "gridbot_latency_exchange_ms"
	MetricLatencyTickToTrade = "gridbot_latency_tick_to_trade_ms"
	MetricAveragingFrozen    = "gridbot_averaging_frozen"
	MetricPanicMode          = "gridbot_panic_mode"
	MetricCircuitBreakerOpen = "gridbot_circuit_breaker_open"
	MetricReserveAmount      = "gridbot_reserve_amount"
	MetricMMRate             = "gridbot_mm_rate"
)

// MetricsHolder holds initialized instruments. Per-account-per-symbol series
// carry both attributes since the same symbol can run under more than one
// account.
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	VolumeTotal        metric.Float64Counter
	PositionSize       metric.Float64ObservableGauge
	GridLevels         metric.Int64ObservableGauge
	LatencyExchange    metric.Float64Histogram
	LatencyTickToTrade metric.Float64Histogram
	AveragingFrozen    metric.Int64ObservableGauge
	PanicMode          metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	ReserveAmount      metric.Float64ObservableGauge
	MMRate             metric.Float64ObservableGauge

	mu               sync.RWMutex
	unrealizedPnLMap map[seriesKey]float64
	activeOrdersMap  map[seriesKey]int64
	positionSizeMap  map[seriesKey]float64
	gridLevelsMap    map[seriesKey]int64
	frozenMap        map[seriesKey]int64
	panicMap         map[seriesKey]int64
	cbOpenMap        map[seriesKey]int64
	reserveMap       map[seriesKey]float64
	mmRateMap        map[seriesKey]float64
}

// seriesKey identifies one (account, symbol) observable series.
type seriesKey struct {
	accountID string
	symbol    string
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[seriesKey]float64),
			activeOrdersMap:  make(map[seriesKey]int64),
			positionSizeMap:  make(map[seriesKey]float64),
			gridLevelsMap:    make(map[seriesKey]int64),
			frozenMap:        make(map[seriesKey]int64),
			panicMap:         make(map[seriesKey]int64),
			cbOpenMap:        make(map[seriesKey]int64),
			reserveMap:       make(map[seriesKey]float64),
			mmRateMap:        make(map[seriesKey]float64),
		}
	})
	return globalMetrics
}

func attrs(k seriesKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("account", k.accountID),
		attribute.String("symbol", k.symbol),
	}
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total trading volume in base asset"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade, metric.WithDescription("Time from price update to order action"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current net position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GridLevels, err = meter.Int64ObservableGauge(MetricGridLevels, metric.WithDescription("Number of filled grid levels on one side"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.gridLevelsMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AveragingFrozen, err = meter.Int64ObservableGauge(MetricAveragingFrozen, metric.WithDescription("Averaging frozen state (1=frozen, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.frozenMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PanicMode, err = meter.Int64ObservableGauge(MetricPanicMode, metric.WithDescription("Panic mode state (1=panicking, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.panicMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReserveAmount, err = meter.Float64ObservableGauge(MetricReserveAmount, metric.WithDescription("Dynamic safety reserve held back from available balance"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.reserveMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MMRate, err = meter.Float64ObservableGauge(MetricMMRate, metric.WithDescription("Maintenance margin rate reported by the exchange"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, val := range m.mmRateMap {
				obs.Observe(val, metric.WithAttributes(attrs(k)...))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state.

func (m *MetricsHolder) SetAveragingFrozen(accountID, symbol string, frozen bool) {
	val := int64(0)
	if frozen {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozenMap[seriesKey{accountID, symbol}] = val
}

func (m *MetricsHolder) SetPanicMode(accountID, symbol string, panicking bool) {
	val := int64(0)
	if panicking {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMap[seriesKey{accountID, symbol}] = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(accountID, symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[seriesKey{accountID, symbol}] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(accountID, symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[seriesKey{accountID, symbol}] = value
}

func (m *MetricsHolder) SetActiveOrders(accountID, symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[seriesKey{accountID, symbol}] = count
}

func (m *MetricsHolder) SetPositionSize(accountID, symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[seriesKey{accountID, symbol}] = size
}

func (m *MetricsHolder) SetGridLevels(accountID, symbol string, side string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gridLevelsMap[seriesKey{accountID, symbol + ":" + side}] = count
}

func (m *MetricsHolder) SetReserveAmount(accountID, symbol string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveMap[seriesKey{accountID, symbol}] = amount
}

func (m *MetricsHolder) SetMMRate(accountID, symbol string, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmRateMap[seriesKey{accountID, symbol}] = rate
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.unrealizedPnLMap))
	for k, v := range m.unrealizedPnLMap {
		res[k.accountID+"/"+k.symbol] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.activeOrdersMap))
	for k, v := range m.activeOrdersMap {
		res[k.accountID+"/"+k.symbol] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k.accountID+"/"+k.symbol] = v
	}
	return res
}
