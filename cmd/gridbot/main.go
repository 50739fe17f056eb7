// Command gridbot is the process entrypoint: it loads the multi-account
// configuration, builds one AccountSupervisor per account (each wired to
// its own exchange gateway, risk controller, state store, and one
// SymbolEngine per configured strategy), and runs them all under
// bootstrap.App's errgroup-based lifecycle until a termination signal
// arrives.
//
// Grounded on the teacher's cmd/live_server/main.go for the overall shape
// (flag parsing, logger-then-metrics-then-dependencies-then-run ordering,
// version flag) generalized from "one exchange, one symbol" to "N
// accounts, each with M symbols."
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"market_maker/internal/alert"
	"market_maker/internal/bootstrap"
	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/emergency"
	"market_maker/internal/engine"
	"market_maker/internal/exchange/base"
	"market_maker/internal/exchange/bybit"
	"market_maker/internal/gridbook"
	"market_maker/internal/risk"
	"market_maker/internal/statestore"
	"market_maker/internal/supervisor"
	"market_maker/pkg/concurrency"
	"market_maker/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// Bybit's demo-trading endpoints: same V5 API surface as production,
// paper-traded fills, used when an account sets demo_trading: true.
const (
	demoRESTURL   = "https://api-demo.bybit.com"
	demoPublicWS  = "wss://stream-demo.bybit.com/v5/public/linear"
	demoPrivateWS = "wss://stream-demo.bybit.com/v5/private"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger

	logger.Info("starting gridbot", "version", version, "accounts", len(app.Cfg.Accounts))

	var runners []bootstrap.Runner
	if app.Cfg.System.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("failed to initialize metrics exporter", "error", err)
		} else {
			runners = append(runners, telemetry.NewServer(app.Cfg.System.MetricsPort, logger))
			logger.Info("metrics exporter initialized", "port", app.Cfg.System.MetricsPort)
		}
	}

	for _, acctCfg := range app.Cfg.Accounts {
		sup, err := buildAccountSupervisor(acctCfg, app.Cfg.System, logger)
		if err != nil {
			logger.Error("failed to build account supervisor, skipping account", "account_id", acctCfg.ID, "account_name", acctCfg.Name, "error", err)
			continue
		}
		runners = append(runners, sup)
	}

	if len(runners) == 0 {
		logger.Fatal("no accounts could be started, exiting")
	}

	if err := app.Run(runners...); err != nil {
		logger.Error("gridbot exited with error", "error", err)
		os.Exit(1)
	}
}

// buildAccountSupervisor wires one account's gateway, risk controller,
// state store, emergency flag store, alert manager, and one SymbolEngine
// per configured strategy into an AccountSupervisor ready for Run.
func buildAccountSupervisor(acctCfg config.AccountConfig, sysCfg config.SystemConfig, logger core.Logger) (*supervisor.AccountSupervisor, error) {
	acctLogger := logger.WithField("account_id", acctCfg.ID).WithField("account_name", acctCfg.Name)

	var gateway core.ExchangeGateway
	restURL, publicWS, privateWS := "", "", ""
	if acctCfg.DemoTrading {
		restURL, publicWS, privateWS = demoRESTURL, demoPublicWS, demoPrivateWS
	}
	gateway = bybit.NewGateway(string(acctCfg.APIKey), string(acctCfg.APISecret), restURL, publicWS, privateWS, acctLogger)
	if acctCfg.DryRun {
		gateway = base.NewDryRunGateway(gateway, acctLogger)
	}

	store, err := statestore.New(sysCfg.DataDir, acctCfg.ID)
	if err != nil {
		return nil, fmt.Errorf("account %d: state store: %w", acctCfg.ID, err)
	}

	riskController := risk.NewController(acctCfg.ID, gateway, acctLogger, acctCfg.RiskManagement.BalanceBufferPercent, acctCfg.RiskManagement.MMRateThreshold)

	alerts := alert.NewAlertManager(acctLogger)
	if sysCfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(sysCfg.Alerts.SlackWebhookURL))
	}
	if sysCfg.Alerts.TelegramBotToken != "" && sysCfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(sysCfg.Alerts.TelegramBotToken, sysCfg.Alerts.TelegramChatID))
	}

	flagStore := emergency.New(sysCfg.DataDir)

	// Dedicated pool for this account's CANCEL fan-out (stale pending
	// symmetry orders across grid levels); PLACE stays sequential since each
	// averaging/reopen step depends on the previous fill's price.
	execPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        fmt.Sprintf("account-%d-exec-pool", acctCfg.ID),
		MaxWorkers:  8,
		MaxCapacity: 256,
		NonBlocking: true,
	}, acctLogger)

	sup := supervisor.New(acctCfg.ID, acctCfg.Name, gateway, riskController, flagStore, alerts, acctLogger)

	ctx := context.Background()
	for _, strategyCfg := range acctCfg.Strategies {
		strategyCfg := strategyCfg
		if err := strategyCfg.Validate(); err != nil {
			return nil, fmt.Errorf("account %d, symbol %s: invalid strategy: %w", acctCfg.ID, strategyCfg.Symbol, err)
		}

		instrument, err := gateway.InstrumentInfo(ctx, strategyCfg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("account %d, symbol %s: instrument info: %w", acctCfg.ID, strategyCfg.Symbol, err)
		}
		if err := gateway.SetPositionMode(ctx, strategyCfg.Symbol); err != nil {
			return nil, fmt.Errorf("account %d, symbol %s: set position mode: %w", acctCfg.ID, strategyCfg.Symbol, err)
		}
		if err := gateway.SetLeverage(ctx, strategyCfg.Symbol, strategyCfg.Leverage); err != nil {
			return nil, fmt.Errorf("account %d, symbol %s: set leverage: %w", acctCfg.ID, strategyCfg.Symbol, err)
		}

		book := gridbook.NewBook(strategyCfg.Symbol)
		eng := engine.NewSymbolEngine(acctCfg.ID, strategyCfg, instrument, book, gateway, riskController, store, execPool, acctLogger)
		riskController.RegisterSymbol(strategyCfg.Symbol, strategyCfg, book, eng)
		sup.AddSymbol(strategyCfg.Symbol, eng)
	}

	return sup, nil
}
