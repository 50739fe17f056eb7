// Package engine implements SymbolEngine: the per-(account, symbol) state
// machine that opens, averages, takes profit on, and reopens a dual-sided
// martingale grid (§4.3), restores itself from exchange truth at startup
// (§4.4), resyncs periodically (§4.5), and executes orders through the
// limit-first-with-fallback wrapper (§4.7).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"market_maker/internal/core"
	"market_maker/pkg/decimalx"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/telemetry"
)

const (
	limitOffsetPercent = "0.03" // maker-friendly Buy-above/Sell-below offset
	limitTimeout        = 10 * time.Second
	limitMaxRetries     = 3
	interLevelDelay     = 100 * time.Millisecond

	placeOrderRateLimit = 8  // requests/sec, well under Bybit's per-account order-create limit
	placeOrderBurst     = 10
)

// LimitFirstExecutor places entry/averaging orders per §4.7: a maker-offset
// Limit with a timeout, retried up to limitMaxRetries times at the current
// price, falling back to a Market order once retries are exhausted.
// Grounded on the teacher's OrderExecutor (internal/trading/order/executor.go)
// for the overall shape — a thin wrapper around the gateway with its own
// retry/backoff policy, rate limiter, and OTel counters — generalized from
// its rate-limited batch-retry loop to a single order's limit-then-market
// escalation, since the grid engine places one order at a time and needs to
// know definitively whether it filled as Limit or had to fall back, not
// just whether it eventually succeeded. The rate limiter carries over
// unchanged. Each SymbolEngine builds its own executor, so the limiter
// paces one symbol's placements; placements of different symbols are not
// paced against each other.
type LimitFirstExecutor struct {
	gateway core.ExchangeGateway
	logger  core.Logger
	limiter *rate.Limiter

	// timeout/maxRetries default to limitTimeout/limitMaxRetries; tests
	// shrink them so a retry-exhaustion path doesn't take half a minute.
	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	waiters map[string]chan core.OrderEvent

	orderCounter     metric.Int64Counter
	retryCounter     metric.Int64Counter
	fallbackCounter  metric.Int64Counter
}

func NewLimitFirstExecutor(gateway core.ExchangeGateway, logger core.Logger) *LimitFirstExecutor {
	meter := telemetry.GetMeter("limit-first-executor")
	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("total number of orders placed"))
	retryCounter, _ := meter.Int64Counter("order_retries_total",
		metric.WithDescription("total number of limit entry retries"))
	fallbackCounter, _ := meter.Int64Counter("order_market_fallbacks_total",
		metric.WithDescription("total number of entries that exhausted limit retries and fell back to market"))

	e := &LimitFirstExecutor{
		gateway:         gateway,
		logger:          logger.WithField("component", "limit_first_executor"),
		limiter:         rate.NewLimiter(rate.Limit(placeOrderRateLimit), placeOrderBurst),
		timeout:         limitTimeout,
		maxRetries:      limitMaxRetries,
		waiters:         make(map[string]chan core.OrderEvent),
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		fallbackCounter: fallbackCounter,
	}
	return e
}

// SetRetryPolicy overrides the limit-order timeout and retry count, for
// tests that need the Market fallback to trigger quickly rather than
// waiting out the real §4.7 10s/3-retry policy.
func (e *LimitFirstExecutor) SetRetryPolicy(timeout time.Duration, maxRetries int) {
	e.timeout = timeout
	e.maxRetries = maxRetries
}

// placeOrder wraps gateway.PlaceOrder with the shared rate limit.
func (e *LimitFirstExecutor) placeOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return e.gateway.PlaceOrder(ctx, req)
}

// HandleOrderEvent must be wired into the account's order stream so pending
// waiters can observe Filled/Cancelled/Rejected terminal events.
func (e *LimitFirstExecutor) HandleOrderEvent(ev core.OrderEvent) {
	e.mu.Lock()
	ch, ok := e.waiters[ev.OrderID]
	e.mu.Unlock()
	if !ok {
		return
	}
	switch ev.Status {
	case core.OrderStatusFilled, core.OrderStatusCancelled, core.OrderStatusRejected:
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *LimitFirstExecutor) register(orderID string) chan core.OrderEvent {
	ch := make(chan core.OrderEvent, 1)
	e.mu.Lock()
	e.waiters[orderID] = ch
	e.mu.Unlock()
	return ch
}

func (e *LimitFirstExecutor) unregister(orderID string) {
	e.mu.Lock()
	delete(e.waiters, orderID)
	e.mu.Unlock()
}

// PlaceEntry places qty on side's opening side at the current price, trying
// a maker Limit order up to limitMaxRetries times before escalating to
// Market. Returns the exchange order id that ultimately filled (or is
// resting, for the caller's Market case that never rests) and the price it
// was placed at.
func (e *LimitFirstExecutor) PlaceEntry(ctx context.Context, symbol string, orderSide core.OrderSide, positionIdx int, qty, currentPrice decimal.Decimal) (orderID string, filledPrice decimal.Decimal, err error) {
	offset := decimal.RequireFromString(limitOffsetPercent).Div(decimal.NewFromInt(100))
	price := currentPrice
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		limitPrice := currentPrice
		if orderSide == core.Buy {
			limitPrice = currentPrice.Mul(decimal.NewFromInt(1).Add(offset))
		} else {
			limitPrice = currentPrice.Mul(decimal.NewFromInt(1).Sub(offset))
		}

		id, placeErr := e.placeOrder(ctx, core.PlaceOrderRequest{
			Symbol:        symbol,
			Side:          orderSide,
			Qty:           qty,
			Type:          core.Limit,
			Price:         limitPrice,
			PositionIdx:   positionIdx,
			TimeInForce:   "GTC",
			ClientOrderID: decimalx.NewClientOrderID(0, symbol),
		})
		attrs := metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("side", string(orderSide)))
		if placeErr != nil {
			e.logger.Warn("limit entry placement failed", "symbol", symbol, "attempt", attempt, "error", placeErr)
			if !isRetryable(placeErr) {
				return "", decimal.Zero, placeErr
			}
			e.retryCounter.Add(ctx, 1, attrs)
			continue
		}
		e.orderCounter.Add(ctx, 1, attrs)

		waitCh := e.register(id)
		select {
		case ev := <-waitCh:
			e.unregister(id)
			if ev.Status == core.OrderStatusFilled {
				return id, ev.Price, nil
			}
			// Cancelled/Rejected: fall through to retry at the current price.
			e.retryCounter.Add(ctx, 1, attrs)
		case <-time.After(e.timeout):
			e.unregister(id)
			if cancelErr := e.gateway.CancelOrder(ctx, symbol, id); cancelErr != nil {
				e.logger.Warn("failed to cancel timed-out limit entry", "symbol", symbol, "order_id", id, "error", cancelErr)
			}
			e.retryCounter.Add(ctx, 1, attrs)
		case <-ctx.Done():
			e.unregister(id)
			return "", decimal.Zero, ctx.Err()
		}
		price = limitPrice
	}

	e.logger.Info("limit entry exhausted retries, falling back to market", "symbol", symbol, "side", orderSide)
	e.fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("side", string(orderSide))))
	id, err := e.placeOrder(ctx, core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          orderSide,
		Qty:           qty,
		Type:          core.Market,
		Price:         currentPrice,
		PositionIdx:   positionIdx,
		ClientOrderID: decimalx.NewClientOrderID(0, symbol),
	})
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("engine: market fallback failed: %w", err)
	}
	e.orderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("side", string(orderSide)), attribute.String("type", "market_fallback")))
	return id, price, nil
}

func isRetryable(err error) bool {
	var exchErr *apperrors.ExchangeError
	if errors.As(err, &exchErr) {
		return exchErr.IsRetryable()
	}
	return false
}
