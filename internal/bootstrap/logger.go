package bootstrap

import (
	"margin_relay/internal/core"
	"margin_relay/pkg/logging"
)

// InitLogger builds the process logger from configuration and installs it as
// the package-global default.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.GetLogLevel())
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
