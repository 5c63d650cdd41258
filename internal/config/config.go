// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ExchangeConfig carries the credentials and transport policy for the
// exchange API. The secret never leaves the Secret type unredacted.
type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      Secret `yaml:"api_secret"`
	BaseURL        string `yaml:"base_url"`
	RecvWindowMS   int    `yaml:"recv_window_ms"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request HTTP timeout.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// WebhookConfig configures the inbound HTTP listener.
type WebhookConfig struct {
	ListenAddr           string   `yaml:"listen_addr"`
	Secret               Secret   `yaml:"secret"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimit            float64  `yaml:"rate_limit"` // requests/sec per client IP, 0 disables
	RateBurst            int      `yaml:"rate_burst"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	MaxClients           int      `yaml:"max_clients"`
}

// QueryConfig is one watched position filter.
type QueryConfig struct {
	Category   string `yaml:"category"`
	Symbol     string `yaml:"symbol"`
	SettleCoin string `yaml:"settle_coin"`
}

// MonitorConfig configures the polling loop.
type MonitorConfig struct {
	RefreshIntervalMS  int           `yaml:"refresh_interval_ms"`
	Queries            []QueryConfig `yaml:"queries"`
	AlertAfterFailures int           `yaml:"alert_after_failures"`
}

// RefreshInterval returns the poll period.
func (m MonitorConfig) RefreshInterval() time.Duration {
	return time.Duration(m.RefreshIntervalMS) * time.Millisecond
}

// CacheTTL derives the position cache TTL: one tick short of the refresh
// interval so a scheduled poll never reuses data that is about to expire,
// with a one second floor.
func (m MonitorConfig) CacheTTL() time.Duration {
	ttl := m.RefreshInterval() - time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// AlertingConfig configures the outbound notification channels. Empty
// values disable the corresponding channel.
type AlertingConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate applies defaults and performs comprehensive validation.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateWebhook(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMonitor(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required",
		}
	}
	if c.Exchange.APISecret == "" {
		return ValidationError{
			Field:   "exchange.api_secret",
			Message: "API secret is required",
		}
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://api.bybit.com"
	}
	if c.Exchange.RecvWindowMS == 0 {
		c.Exchange.RecvWindowMS = 5000
	}
	if c.Exchange.RecvWindowMS < 0 {
		return ValidationError{
			Field:   "exchange.recv_window_ms",
			Value:   c.Exchange.RecvWindowMS,
			Message: "must be positive",
		}
	}
	if c.Exchange.TimeoutSeconds == 0 {
		c.Exchange.TimeoutSeconds = 5
	}
	if c.Exchange.TimeoutSeconds < 0 {
		return ValidationError{
			Field:   "exchange.timeout_seconds",
			Value:   c.Exchange.TimeoutSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":80"
	}
	// A bare port number is accepted the way the original WEBHOOK_PORT was.
	if !strings.Contains(c.Webhook.ListenAddr, ":") {
		c.Webhook.ListenAddr = ":" + c.Webhook.ListenAddr
	}

	if c.Webhook.Secret == "" && !c.Webhook.AllowUnauthenticated {
		return ValidationError{
			Field:   "webhook.secret",
			Message: "webhook secret is required unless webhook.allow_unauthenticated is set",
		}
	}

	if c.Webhook.RateLimit < 0 {
		return ValidationError{
			Field:   "webhook.rate_limit",
			Value:   c.Webhook.RateLimit,
			Message: "must not be negative",
		}
	}
	if c.Webhook.RateLimit > 0 && c.Webhook.RateBurst == 0 {
		c.Webhook.RateBurst = int(c.Webhook.RateLimit * 2)
	}
	if c.Webhook.MaxClients == 0 {
		c.Webhook.MaxClients = 100
	}
	if len(c.Webhook.AllowedOrigins) == 0 {
		c.Webhook.AllowedOrigins = []string{"*"}
	}
	return nil
}

func (c *Config) validateMonitor() error {
	if c.Monitor.RefreshIntervalMS == 0 {
		c.Monitor.RefreshIntervalMS = 10000
	}
	if c.Monitor.RefreshIntervalMS < 1000 {
		return ValidationError{
			Field:   "monitor.refresh_interval_ms",
			Value:   c.Monitor.RefreshIntervalMS,
			Message: "must be at least 1000",
		}
	}
	if len(c.Monitor.Queries) == 0 {
		c.Monitor.Queries = []QueryConfig{{Category: "linear", SettleCoin: "USDT"}}
	}

	validCategories := []string{"linear", "inverse", "option", "spot"}
	for i, q := range c.Monitor.Queries {
		if !contains(validCategories, q.Category) {
			return ValidationError{
				Field:   fmt.Sprintf("monitor.queries[%d].category", i),
				Value:   q.Category,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validCategories, ", ")),
			}
		}
		if q.Symbol == "" && q.SettleCoin == "" {
			return ValidationError{
				Field:   fmt.Sprintf("monitor.queries[%d]", i),
				Message: "either symbol or settle_coin is required",
			}
		}
		c.Monitor.Queries[i].Symbol = strings.ToUpper(q.Symbol)
		c.Monitor.Queries[i].SettleCoin = strings.ToUpper(q.SettleCoin)
	}

	if c.Monitor.AlertAfterFailures == 0 {
		c.Monitor.AlertAfterFailures = 3
	}
	return nil
}

func (c *Config) validateSystem() error {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// GetLogLevel returns the normalized log level.
func (c *Config) GetLogLevel() string {
	return strings.ToUpper(c.System.LogLevel)
}

// String returns a string representation of the configuration with sensitive
// data masked. Secret fields redact themselves when marshaled.
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

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
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			APIKey:         "test_api_key",
			APISecret:      "test_api_secret",
			BaseURL:        "https://api.bybit.com",
			RecvWindowMS:   5000,
			TimeoutSeconds: 5,
		},
		Webhook: WebhookConfig{
			ListenAddr:     ":8080",
			Secret:         "test_webhook_secret",
			RateLimit:      10,
			RateBurst:      20,
			AllowedOrigins: []string{"*"},
			MaxClients:     100,
		},
		Monitor: MonitorConfig{
			RefreshIntervalMS: 10000,
			Queries: []QueryConfig{
				{Category: "linear", SettleCoin: "USDT"},
			},
			AlertAfterFailures: 3,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}
