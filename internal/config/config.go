// Package config handles configuration loading and validation for the grid
// trading engine: one top-level file listing every account, each account
// carrying its own credentials, strategies, and risk thresholds.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"market_maker/internal/core"
)

// Config is the complete top-level configuration file: a set of accounts
// and process-wide system settings.
type Config struct {
	Accounts []AccountConfig `yaml:"accounts"`
	System   SystemConfig    `yaml:"system"`
}

// AccountConfig is one account's full configuration: which symbols it
// trades (Strategies), its credentials, and its risk thresholds.
type AccountConfig struct {
	ID             int                  `yaml:"id"`
	Name           string               `yaml:"name"`
	APIKeyEnv      string               `yaml:"api_key_env"`
	APISecretEnv   string               `yaml:"api_secret_env"`
	DemoTrading    bool                 `yaml:"demo_trading"`
	DryRun         bool                 `yaml:"dry_run"`
	Strategies     []core.Configuration `yaml:"strategies"`
	RiskManagement RiskConfig           `yaml:"risk_management"`

	// APIKey/APISecret are resolved from the environment (named by
	// APIKeyEnv/APISecretEnv) after load, never read directly from the file.
	APIKey    Secret `yaml:"-"`
	APISecret Secret `yaml:"-"`
}

// RiskConfig carries the account-wide thresholds used by RiskController,
// distinct from the per-symbol mm_rate_threshold/balance_buffer_percent
// that ship with each Strategies entry.
type RiskConfig struct {
	MMRateThreshold      decimal.Decimal `yaml:"mm_rate_threshold"`
	BalanceBufferPercent decimal.Decimal `yaml:"balance_buffer_percent"`
}

// SystemConfig contains process-wide settings that apply to every account.
type SystemConfig struct {
	LogLevel      string     `yaml:"log_level"`
	DataDir       string     `yaml:"data_dir"`
	MetricsPort   int        `yaml:"metrics_port"`
	EnableMetrics bool       `yaml:"enable_metrics"`
	Alerts        AlertsConfig `yaml:"alerts"`
}

// AlertsConfig wires AlertManager's optional notification channels.
// Fields are left empty (channel simply isn't added) when unset; nothing
// here is required for the bot to run.
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError aggregates every configuration field that failed a range
// or presence check, so a bad config file fails loudly and completely.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads filename, expands ${VAR} references, unmarshals the
// YAML, resolves each account's credentials from the environment, and
// validates the result. Construction never succeeds with an invalid
// configuration (§7 "Configuration invalid" is fatal at startup).
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	for i := range cfg.Accounts {
		cfg.Accounts[i].APIKey = Secret(os.Getenv(cfg.Accounts[i].APIKeyEnv))
		cfg.Accounts[i].APISecret = Secret(os.Getenv(cfg.Accounts[i].APISecretEnv))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks every account and its strategies. Credentials failures
// (§7 "Credentials missing") are reported here so they surface before any
// account attempts to start.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Accounts) == 0 {
		errs = append(errs, "accounts: at least one account must be configured")
	}

	seen := make(map[int]bool)
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if err := acct.validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if seen[acct.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d]: duplicate account id", acct.ID))
		}
		seen[acct.ID] = true
	}

	if !contains([]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL",
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (a *AccountConfig) validate() error {
	var errs []string
	if a.ID < 1 || a.ID > 999 {
		errs = append(errs, ValidationError{Field: "accounts[].id", Value: a.ID, Message: "must be in [1,999]"}.Error())
	}
	if a.Name == "" {
		errs = append(errs, "accounts[].name: required")
	}
	if a.APIKeyEnv == "" {
		errs = append(errs, "accounts[].api_key_env: required")
	}
	if a.APISecretEnv == "" {
		errs = append(errs, "accounts[].api_secret_env: required")
	}
	if a.APIKey == "" || a.APISecret == "" {
		errs = append(errs, fmt.Sprintf("account %d: credentials missing from environment (%s/%s)", a.ID, a.APIKeyEnv, a.APISecretEnv))
	}
	if len(a.Strategies) == 0 {
		errs = append(errs, fmt.Sprintf("account %d: at least one strategy is required", a.ID))
	}
	for _, s := range a.Strategies {
		strategy := s
		if err := strategy.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("account %d, symbol %s: %v", a.ID, s.Symbol, err))
		}
	}
	if a.RiskManagement.MMRateThreshold.GreaterThan(decimal.NewFromInt(100)) ||
		a.RiskManagement.MMRateThreshold.LessThan(decimal.Zero) {
		errs = append(errs, fmt.Sprintf("account %d: risk_management.mm_rate_threshold must be in [0,100]", a.ID))
	}
	if a.RiskManagement.BalanceBufferPercent.IsZero() {
		a.RiskManagement.BalanceBufferPercent = decimal.NewFromInt(15)
	}
	if len(errs) > 0 {
		return fmt.Errorf(strings.Join(errs, "; "))
	}
	return nil
}

// String returns a YAML representation of the configuration with every
// credential masked, safe to place in logs.
func (c *Config) String() string {
	type maskedAccount struct {
		AccountConfig `yaml:",inline"`
		APIKey        string `yaml:"api_key"`
		APISecret     string `yaml:"api_secret"`
	}
	view := struct {
		Accounts []maskedAccount `yaml:"accounts"`
		System   SystemConfig    `yaml:"system"`
	}{System: c.System}
	for _, a := range c.Accounts {
		view.Accounts = append(view.Accounts, maskedAccount{
			AccountConfig: a,
			APIKey:        maskString(string(a.APIKey)),
			APISecret:     maskString(string(a.APISecret)),
		})
	}
	data, _ := yaml.Marshal(view)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a minimal valid configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		Accounts: []AccountConfig{
			{
				ID:           1,
				Name:         "test-account",
				APIKeyEnv:    "TEST_API_KEY",
				APISecretEnv: "TEST_API_SECRET",
				APIKey:       Secret("test-key"),
				APISecret:    Secret("test-secret"),
				DemoTrading:  true,
				DryRun:       true,
				Strategies: []core.Configuration{
					{
						Symbol:                 "BTCUSDT",
						Leverage:               10,
						InitialPositionSizeUSD: decimal.NewFromFloat(10),
						GridStepPercent:        decimal.NewFromFloat(1.5),
						AveragingMultiplier:    decimal.NewFromFloat(1.5),
						TakeProfitPercent:      decimal.NewFromFloat(1.0),
						MaxGridLevelsPerSide:   10,
						MMRateThreshold:        decimal.NewFromInt(80),
						BalanceBufferPercent:   decimal.NewFromInt(15),
					},
				},
				RiskManagement: RiskConfig{
					MMRateThreshold:      decimal.NewFromInt(80),
					BalanceBufferPercent: decimal.NewFromInt(15),
				},
			},
		},
		System: SystemConfig{
			LogLevel: "INFO",
			DataDir:  "data",
		},
	}
}
