// Package alert delivers operator notifications (poll outages, recovery)
// through Slack and Telegram channels.
package alert

import (
	"context"
	"sync"
	"time"

	"margin_relay/internal/config"
	"margin_relay/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewFromConfig builds a manager with every channel the configuration
// enables. A manager without channels still logs alerts.
func NewFromConfig(cfg config.AlertingConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(string(cfg.SlackWebhookURL)))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(string(cfg.TelegramBotToken), cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert fans the payload out to every channel. Delivery is asynchronous so
// the polling path never blocks on a notification endpoint.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
