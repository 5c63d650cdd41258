package bootstrap

import (
	"fmt"

	"margin_relay/internal/config"
)

// Config is an alias for the relay's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	// A secret and the open-mode flag together is contradictory intent.
	if cfg.Webhook.Secret != "" && cfg.Webhook.AllowUnauthenticated {
		return fmt.Errorf("webhook.allow_unauthenticated has no effect while webhook.secret is set; remove one")
	}

	// Half a Telegram configuration delivers nothing, silently.
	if (cfg.Alerting.TelegramBotToken == "") != (cfg.Alerting.TelegramChatID == "") {
		return fmt.Errorf("telegram alerting requires both telegram_bot_token and telegram_chat_id")
	}

	return nil
}
