// Package supervisor implements AccountSupervisor (§4.8): the per-account
// event router. One supervisor owns every SymbolEngine for its account,
// the account-wide RiskController, and the single-writer work queue that
// serializes every stream callback into one goroutine per priority order
// (execution > position > order > wallet > ticker).
//
// Grounded on the teacher's Orchestrator/SymbolManager
// (internal/trading/orchestrator/orchestrator.go): one manager per symbol
// reading off its own channels in a dedicated goroutine, with the
// orchestrator fanning incoming stream callbacks out by symbol and
// dropping (with a warning) rather than blocking when a channel is full.
// This package generalizes that shape to a single per-account consumer
// instead of one goroutine per symbol, since §4.8 requires one ordered
// queue per account, not independent per-symbol queues — a plain buffered
// channel per event kind plus one dispatch goroutine, not a
// pkg/concurrency.WorkerPool, exactly as SPEC_FULL.md's note on
// single-writer queues prescribes (a pond pool is for fan-out, this needs
// none). The engine package's own execPool, passed down from main and used
// for CANCEL fan-out within a single symbol, is a separate concern from
// this account-level ordering queue and doesn't change that.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/alert"
	"market_maker/internal/core"
	"market_maker/internal/engine"
	"market_maker/internal/risk"
)

const (
	queueDepth          = 256
	restorePriceTimeout = 15 * time.Second
	defaultSyncInterval = 60 * time.Second
	shutdownGrace       = 10 * time.Second
)

// AccountSupervisor routes every stream event for one account to the
// correct SymbolEngine, in priority order, off a single consumer goroutine.
type AccountSupervisor struct {
	accountID int
	name      string

	gateway   core.ExchangeGateway
	risk      *risk.Controller
	emergency core.EmergencyFlagStore
	alerts    *alert.AlertManager
	logger    core.Logger

	syncInterval time.Duration

	engines map[string]*engine.SymbolEngine

	execCh   chan core.ExecutionEvent
	posCh    chan core.PositionEvent
	orderCh  chan core.OrderEvent
	walletCh chan core.WalletEvent
	tickerCh chan core.TickerEvent
	stopCh   chan error
}

// New builds an AccountSupervisor for one account. Call AddSymbol for every
// symbol this account trades before calling Run.
func New(accountID int, name string, gateway core.ExchangeGateway, riskController *risk.Controller, emergency core.EmergencyFlagStore, alerts *alert.AlertManager, logger core.Logger) *AccountSupervisor {
	return &AccountSupervisor{
		accountID:    accountID,
		name:         name,
		gateway:      gateway,
		risk:         riskController,
		emergency:    emergency,
		alerts:       alerts,
		logger:       logger.WithField("account_id", accountID).WithField("account_name", name),
		syncInterval: defaultSyncInterval,
		engines:      make(map[string]*engine.SymbolEngine),
		execCh:       make(chan core.ExecutionEvent, queueDepth),
		posCh:        make(chan core.PositionEvent, queueDepth),
		orderCh:      make(chan core.OrderEvent, queueDepth),
		walletCh:     make(chan core.WalletEvent, queueDepth),
		tickerCh:     make(chan core.TickerEvent, queueDepth),
		stopCh:       make(chan error, 1),
	}
}

// AddSymbol registers eng as the handler for symbol's events. Must be
// called before Run.
func (s *AccountSupervisor) AddSymbol(symbol string, eng *engine.SymbolEngine) {
	s.engines[symbol] = eng
}

// SetSyncInterval overrides the default ~60s periodic sync cadence (tests
// use a much shorter one).
func (s *AccountSupervisor) SetSyncInterval(d time.Duration) {
	s.syncInterval = d
}

// Run implements bootstrap.Runner. It refuses to start if an emergency
// flag is already set for this account (§6: no automatic restart after a
// terminal condition), restores every symbol from exchange truth before
// consuming any private stream (§4.4), then routes events at the
// account's single-writer priority queue until ctx is cancelled.
func (s *AccountSupervisor) Run(ctx context.Context) error {
	if s.emergency.Exists(s.accountID) {
		return fmt.Errorf("supervisor: account %d has an active emergency flag, refusing to start automatically", s.accountID)
	}

	if err := s.restoreAll(ctx); err != nil {
		s.declareEmergency(ctx, "", fmt.Sprintf("restoration failed: %v", err))
		return err
	}

	if err := s.subscribeStreams(ctx); err != nil {
		return fmt.Errorf("supervisor: subscribe streams: %w", err)
	}

	for symbol, eng := range s.engines {
		go eng.RunPeriodicSync(ctx, s.syncInterval)
		s.logger.Info("periodic sync started", "symbol", symbol, "interval", s.syncInterval)
	}

	return s.dispatchLoop(ctx)
}

// restoreAll subscribes each symbol's ticker, captures the first price it
// delivers, then calls Restore before any other stream is consumed. The
// ticker subscription stays in place and routes every tick to the queue.
func (s *AccountSupervisor) restoreAll(ctx context.Context) error {
	firstPrice := make(map[string]chan decimal.Decimal, len(s.engines))
	for symbol := range s.engines {
		ch := make(chan decimal.Decimal, 1)
		firstPrice[symbol] = ch
		sym := symbol
		if err := s.gateway.SubscribeTicker(ctx, sym, func(ev core.TickerEvent) {
			select {
			case ch <- ev.Price:
			default:
			}
			s.routeTicker(ev)
		}); err != nil {
			return fmt.Errorf("subscribe ticker for %s: %w", sym, err)
		}
	}

	for symbol, eng := range s.engines {
		select {
		case price := <-firstPrice[symbol]:
			s.logger.Info("restoring symbol", "symbol", symbol, "price", price.String())
			if err := eng.Restore(ctx, price); err != nil {
				return fmt.Errorf("restore %s: %w", symbol, err)
			}
		case <-time.After(restorePriceTimeout):
			return fmt.Errorf("restore %s: no ticker price within %s", symbol, restorePriceTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *AccountSupervisor) subscribeStreams(ctx context.Context) error {
	if err := s.gateway.SubscribeExecution(ctx, s.routeExecution); err != nil {
		return err
	}
	if err := s.gateway.SubscribePosition(ctx, s.routePosition); err != nil {
		return err
	}
	if err := s.gateway.SubscribeOrder(ctx, s.routeOrder); err != nil {
		return err
	}
	if err := s.gateway.SubscribeWallet(ctx, s.routeWallet); err != nil {
		return err
	}
	s.gateway.OnDisconnect(func(err error) {
		s.logger.Warn("exchange stream disconnected", "error", err)
	})
	return nil
}

func (s *AccountSupervisor) routeExecution(ev core.ExecutionEvent) {
	select {
	case s.execCh <- ev:
	default:
		s.logger.Warn("execution channel full, dropping event", "symbol", ev.Symbol)
	}
}

func (s *AccountSupervisor) routePosition(ev core.PositionEvent) {
	select {
	case s.posCh <- ev:
	default:
		s.logger.Warn("position channel full, dropping event", "symbol", ev.Symbol)
	}
}

func (s *AccountSupervisor) routeOrder(ev core.OrderEvent) {
	select {
	case s.orderCh <- ev:
	default:
		s.logger.Warn("order channel full, dropping event", "symbol", ev.Symbol)
	}
}

func (s *AccountSupervisor) routeWallet(ev core.WalletEvent) {
	select {
	case s.walletCh <- ev:
	default:
		s.logger.Warn("wallet channel full, dropping event")
	}
}

func (s *AccountSupervisor) routeTicker(ev core.TickerEvent) {
	select {
	case s.tickerCh <- ev:
	default:
		s.logger.Warn("ticker channel full, dropping event", "symbol", ev.Symbol)
	}
}

// dispatchLoop is the single-writer work queue: it always drains a
// higher-priority channel before looking at a lower-priority one, so a
// burst of ticker ticks can never delay an execution or position event
// already queued (§4.8).
func (s *AccountSupervisor) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case err := <-s.stopCh:
			return err
		default:
		}

		select {
		case ev := <-s.execCh:
			s.handleExecution(ctx, ev)
			continue
		default:
		}
		select {
		case ev := <-s.posCh:
			s.handlePosition(ctx, ev)
			continue
		default:
		}
		select {
		case ev := <-s.orderCh:
			s.handleOrder(ctx, ev)
			continue
		default:
		}
		select {
		case ev := <-s.walletCh:
			s.handleWallet(ctx, ev)
			continue
		default:
		}
		select {
		case ev := <-s.tickerCh:
			s.handleTicker(ctx, ev)
			continue
		default:
		}

		select {
		case ev := <-s.execCh:
			s.handleExecution(ctx, ev)
		case ev := <-s.posCh:
			s.handlePosition(ctx, ev)
		case ev := <-s.orderCh:
			s.handleOrder(ctx, ev)
		case ev := <-s.walletCh:
			s.handleWallet(ctx, ev)
		case ev := <-s.tickerCh:
			s.handleTicker(ctx, ev)
		case err := <-s.stopCh:
			return err
		case <-ctx.Done():
			return s.drain()
		}
	}
}

// drain gives the queue shutdownGrace to flush whatever is already
// buffered (§5 shutdown walk) before returning.
func (s *AccountSupervisor) drain() error {
	deadline := time.After(shutdownGrace)
	for {
		select {
		case ev := <-s.execCh:
			s.handleExecution(context.Background(), ev)
		case ev := <-s.posCh:
			s.handlePosition(context.Background(), ev)
		case ev := <-s.orderCh:
			s.handleOrder(context.Background(), ev)
		case ev := <-s.walletCh:
			s.handleWallet(context.Background(), ev)
		case ev := <-s.tickerCh:
			s.handleTicker(context.Background(), ev)
		case <-deadline:
			s.logger.Info("shutdown grace period elapsed, remaining queued events dropped")
			return nil
		default:
			return nil
		}
	}
}

func (s *AccountSupervisor) handleExecution(ctx context.Context, ev core.ExecutionEvent) {
	if eng, ok := s.engines[ev.Symbol]; ok {
		eng.OnExecution(ctx, ev)
	}
}

func (s *AccountSupervisor) handlePosition(ctx context.Context, ev core.PositionEvent) {
	eng, ok := s.engines[ev.Symbol]
	if !ok {
		return
	}
	if emergency, reason := eng.OnPosition(ev); emergency {
		s.declareEmergency(ctx, ev.Symbol, reason)
	}
}

func (s *AccountSupervisor) handleOrder(ctx context.Context, ev core.OrderEvent) {
	if eng, ok := s.engines[ev.Symbol]; ok {
		eng.OnOrder(ctx, ev)
	}
}

func (s *AccountSupervisor) handleWallet(ctx context.Context, ev core.WalletEvent) {
	snap := core.WalletSnapshot{
		AvailableBalance:  ev.AvailableBalance,
		InitialMargin:     ev.InitialMargin,
		MaintenanceMargin: ev.MaintenanceMargin,
		MMRate:            ev.MMRate,
	}
	s.risk.UpdateWallet(snap)

	if s.risk.MMRateExceeded(snap.MMRate) {
		s.closeAllPositions(ctx, snap.MMRate)
	}
}

// closeAllPositions implements the §7 maintenance-margin emergency close:
// flatten every symbol's open positions at Market, reduce-only, then
// declare the account-wide emergency stop with the same severity as a
// liquidation/ADL close (engine.go's OnExecution).
func (s *AccountSupervisor) closeAllPositions(ctx context.Context, mmRate decimal.Decimal) {
	reason := fmt.Sprintf("maintenance margin rate %s reached configured threshold, closing all positions", mmRate.String())
	s.logger.Error("mm-rate emergency triggered", "mm_rate", mmRate.String())
	for symbol, eng := range s.engines {
		s.logger.Warn("mm-rate emergency: flattening symbol", "symbol", symbol)
		eng.CloseAllMarket(ctx)
	}
	s.declareEmergency(ctx, "", reason)
}

func (s *AccountSupervisor) handleTicker(ctx context.Context, ev core.TickerEvent) {
	if eng, ok := s.engines[ev.Symbol]; ok {
		eng.OnTicker(ctx, ev.Price)
	}
}

// declareEmergency writes the durable emergency flag, fires a critical
// alert, and stops this account's dispatch loop — §6/§7's halt-and-alert
// contract, never an automatic recovery attempt.
func (s *AccountSupervisor) declareEmergency(ctx context.Context, symbol, reason string) {
	flag := core.EmergencyFlag{
		Timestamp: time.Now(),
		AccountID: s.accountID,
		Symbol:    symbol,
		Reason:    reason,
	}
	if err := s.emergency.Create(s.accountID, flag); err != nil {
		s.logger.Error("failed to persist emergency flag", "error", err)
	}
	if s.alerts != nil {
		s.alerts.Alert(ctx, fmt.Sprintf("EMERGENCY STOP: account %d", s.accountID), reason, alert.Critical, map[string]string{
			"account_id": fmt.Sprintf("%d", s.accountID),
			"symbol":     symbol,
		})
	}
	s.logger.Error("emergency stop declared", "symbol", symbol, "reason", reason)
	select {
	case s.stopCh <- fmt.Errorf("supervisor: emergency stop for account %d: %s", s.accountID, reason):
	default:
	}
}
