package base

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"market_maker/internal/core"
)

// DryRunGateway wraps a real core.ExchangeGateway and turns every
// order-mutating call into a log line plus a synthetic order id, passing
// every read/subscribe call straight through. Grounded on
// original_source's grid_strategy/order_management.py, which guards every
// `place_limit_order`/`cancel_order`/`cancel_all_reduce_only` call with
// `if not self.dry_run` and otherwise proceeds with `order_id = None` (an
// engine running dry never sees a close, exactly as this decorator never
// delivers a corresponding fill).
type DryRunGateway struct {
	core.ExchangeGateway
	logger core.Logger
}

// NewDryRunGateway wraps gateway for an account configured with dry_run: true.
func NewDryRunGateway(gateway core.ExchangeGateway, logger core.Logger) *DryRunGateway {
	return &DryRunGateway{ExchangeGateway: gateway, logger: logger.WithField("component", "dry_run_gateway")}
}

func (g *DryRunGateway) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	orderID := fmt.Sprintf("dryrun-%s", uuid.NewString())
	g.logger.Info("dry run: would place order", "order_id", orderID, "symbol", req.Symbol, "side", req.Side, "type", req.Type, "qty", req.Qty.String(), "price", req.Price.String())
	return orderID, nil
}

func (g *DryRunGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.logger.Info("dry run: would cancel order", "symbol", symbol, "order_id", orderID)
	return nil
}

func (g *DryRunGateway) CancelAllReduceOnly(ctx context.Context, symbol string, positionIdx int) error {
	g.logger.Info("dry run: would cancel all reduce-only orders", "symbol", symbol, "position_idx", positionIdx)
	return nil
}

func (g *DryRunGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.logger.Info("dry run: would set leverage", "symbol", symbol, "leverage", leverage)
	return nil
}

func (g *DryRunGateway) SetPositionMode(ctx context.Context, symbol string) error {
	g.logger.Info("dry run: would set position mode", "symbol", symbol)
	return nil
}
