package config

import (
	"os"
	"testing"
	"time"

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
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\napi_secret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\napi_secret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "listen_addr: \":8080\"\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "listen_addr: \":8080\"\napi_key: dynamic_key",
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

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `exchange:
  api_key: "${TEST_BYBIT_API_KEY}"
  api_secret: "${TEST_BYBIT_API_SECRET}"

webhook:
  listen_addr: "8099"
  secret: "${TEST_WEBHOOK_SECRET}"

monitor:
  queries:
    - category: "linear"
      symbol: "btcusdt"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BYBIT_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BYBIT_API_SECRET", "test_secret_key_from_env")
	os.Setenv("TEST_WEBHOOK_SECRET", "hook_secret_from_env")
	defer os.Unsetenv("TEST_BYBIT_API_KEY")
	defer os.Unsetenv("TEST_BYBIT_API_SECRET")
	defer os.Unsetenv("TEST_WEBHOOK_SECRET")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "test_api_key_from_env", config.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), config.Exchange.APISecret)
	assert.Equal(t, Secret("hook_secret_from_env"), config.Webhook.Secret)
}

func TestValidateDefaults(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{APIKey: "k", APISecret: "s"},
		Webhook:  WebhookConfig{Secret: "hook"},
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 5000, cfg.Exchange.RecvWindowMS)
	assert.Equal(t, 5*time.Second, cfg.Exchange.Timeout())
	assert.Equal(t, ":80", cfg.Webhook.ListenAddr)
	assert.Equal(t, 100, cfg.Webhook.MaxClients)
	assert.Equal(t, []string{"*"}, cfg.Webhook.AllowedOrigins)
	assert.Equal(t, 10000, cfg.Monitor.RefreshIntervalMS)
	assert.Equal(t, 3, cfg.Monitor.AlertAfterFailures)
	assert.Equal(t, "INFO", cfg.GetLogLevel())

	require.Len(t, cfg.Monitor.Queries, 1)
	assert.Equal(t, "linear", cfg.Monitor.Queries[0].Category)
	assert.Equal(t, "USDT", cfg.Monitor.Queries[0].SettleCoin)
}

func TestValidateListenAddrNormalization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhook.ListenAddr = "9000"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":9000", cfg.Webhook.ListenAddr)

	cfg.Webhook.ListenAddr = "127.0.0.1:9000"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9000", cfg.Webhook.ListenAddr)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Exchange.APIKey = "" },
			wantErr: "exchange.api_key",
		},
		{
			name:    "missing api secret",
			mutate:  func(c *Config) { c.Exchange.APISecret = "" },
			wantErr: "exchange.api_secret",
		},
		{
			name: "empty webhook secret without opt-in",
			mutate: func(c *Config) {
				c.Webhook.Secret = ""
				c.Webhook.AllowUnauthenticated = false
			},
			wantErr: "webhook.secret",
		},
		{
			name: "invalid query category",
			mutate: func(c *Config) {
				c.Monitor.Queries = []QueryConfig{{Category: "futures", Symbol: "BTCUSDT"}}
			},
			wantErr: "monitor.queries[0].category",
		},
		{
			name: "query without symbol or settle coin",
			mutate: func(c *Config) {
				c.Monitor.Queries = []QueryConfig{{Category: "linear"}}
			},
			wantErr: "monitor.queries[0]",
		},
		{
			name:    "refresh interval too small",
			mutate:  func(c *Config) { c.Monitor.RefreshIntervalMS = 500 },
			wantErr: "monitor.refresh_interval_ms",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.System.LogLevel = "VERBOSE" },
			wantErr: "system.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateOpenModeOptIn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhook.Secret = ""
	cfg.Webhook.AllowUnauthenticated = true
	assert.NoError(t, cfg.Validate())
}

func TestQueryNormalization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.Queries = []QueryConfig{{Category: "linear", Symbol: "btcusdt"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "BTCUSDT", cfg.Monitor.Queries[0].Symbol)
}

func TestCacheTTL(t *testing.T) {
	tests := []struct {
		name       string
		intervalMS int
		want       time.Duration
	}{
		{"default interval", 10000, 9 * time.Second},
		{"short interval floors at one second", 1500, time.Second},
		{"long interval", 60000, 59 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MonitorConfig{RefreshIntervalMS: tt.intervalMS}
			assert.Equal(t, tt.want, m.CacheTTL())
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "my_super_secret_api_key"
	cfg.Exchange.APISecret = "my_super_secret_secret_key"
	cfg.Webhook.Secret = "my_super_secret_webhook_token"

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "secrets should be redacted")
	assert.NotContains(t, output, "my_super_secret_secret_key", "output should NOT contain the API secret")
	assert.NotContains(t, output, "my_super_secret_webhook_token", "output should NOT contain the webhook secret")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain the full API key")
}
