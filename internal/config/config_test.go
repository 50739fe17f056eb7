package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key_env: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key_env: test_key_123",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key_env: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key_env: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
accounts:
  - id: 1
    name: "primary"
    api_key_env: "TEST_BYBIT_API_KEY"
    api_secret_env: "TEST_BYBIT_API_SECRET"
    demo_trading: true
    dry_run: false
    strategies:
      - symbol: "BTCUSDT"
        leverage: 10
        initial_position_size_usd: 10
        grid_step_percent: 1.5
        averaging_multiplier: 1.5
        take_profit_percent: 1.0
        max_grid_levels_per_side: 10
        mm_rate_threshold: 80
        balance_buffer_percent: 15
    risk_management:
      mm_rate_threshold: 80
      balance_buffer_percent: 15
system:
  log_level: "INFO"
  data_dir: "data"
`
	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BYBIT_API_KEY", "key_from_env")
	os.Setenv("TEST_BYBIT_API_SECRET", "secret_from_env")
	defer os.Unsetenv("TEST_BYBIT_API_KEY")
	defer os.Unsetenv("TEST_BYBIT_API_SECRET")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, Secret("key_from_env"), cfg.Accounts[0].APIKey)
	assert.Equal(t, Secret("secret_from_env"), cfg.Accounts[0].APISecret)
	assert.Equal(t, "BTCUSDT", cfg.Accounts[0].Strategies[0].Symbol)
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(`
accounts:
  - id: 1
    name: "primary"
    api_key_env: "UNSET_KEY_VAR"
    api_secret_env: "UNSET_SECRET_VAR"
    strategies:
      - symbol: "BTCUSDT"
        leverage: 10
        initial_position_size_usd: 10
        grid_step_percent: 1.5
        averaging_multiplier: 1.5
        take_profit_percent: 1.0
        max_grid_levels_per_side: 10
        mm_rate_threshold: 80
system:
  log_level: "INFO"
`))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	assert.Error(t, err)
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_DuplicateAccountID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate account id")
}

func TestConfig_String_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts[0].APIKey = Secret("my_super_secret_api_key")
	cfg.Accounts[0].APISecret = Secret("my_super_secret_secret_key")

	output := cfg.String()
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
	assert.Contains(t, output, "****")
}
