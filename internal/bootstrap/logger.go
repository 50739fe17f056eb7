package bootstrap

import (
	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/pkg/logging"
)

// InitLogger builds the process-wide structured logger from system
// configuration and installs it as the package-level global logger.
func InitLogger(cfg *config.Config) core.Logger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(logger)
	return logger
}
