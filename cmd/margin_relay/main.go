package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"margin_relay/internal/alert"
	"margin_relay/internal/bootstrap"
	"margin_relay/internal/cache"
	"margin_relay/internal/exchange/bybit"
	"margin_relay/internal/infrastructure/health"
	"margin_relay/internal/monitor"
	"margin_relay/internal/webhook"
	"margin_relay/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/margin_relay.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Webhook listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("margin_relay version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Credentials and the webhook secret arrive through the environment;
	// a local .env file is a development convenience.
	_ = godotenv.Load()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	if *listenAddr != "" {
		cfg.Webhook.ListenAddr = *listenAddr
	}

	logger.Info("Starting margin_relay",
		"version", version,
		"exchange", cfg.Exchange.BaseURL,
		"listen", cfg.Webhook.ListenAddr,
		"queries", len(cfg.Monitor.Queries),
		"refresh_interval", cfg.Monitor.RefreshInterval().String(),
	)

	// Full OTel pipeline when enabled, otherwise just the Prometheus
	// exporter so /metrics still serves real data.
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.Setup("margin_relay")
		if err != nil {
			logger.Error("Failed to set up telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	} else if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Failed to initialize metrics exporter", "error", err)
	}

	client := bybit.NewClient(cfg.Exchange, logger)
	positions := cache.New(client, cfg.Monitor.CacheTTL(), logger)
	hub := webhook.NewHub(logger)

	mon := monitor.NewMonitor(cfg.Monitor, positions, hub, logger)
	mon.SetAlertManager(alert.NewFromConfig(cfg.Alerting, logger))

	server := webhook.NewServer(cfg.Webhook, hub, positions, client, mon, logger)
	if queries := monitor.QueriesFromConfig(cfg.Monitor.Queries); len(queries) > 0 {
		server.SetDefaultQuery(queries[0])
	}

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("exchange_poll", mon.Healthy)
	server.SetHealthManager(healthMgr)

	logger.Info("margin_relay is running",
		"webhook_url", fmt.Sprintf("http://localhost%s/webhook", cfg.Webhook.ListenAddr),
		"websocket_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Webhook.ListenAddr),
		"health_url", fmt.Sprintf("http://localhost%s/health", cfg.Webhook.ListenAddr),
	)

	err = app.Run(
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		mon,
		server,
	)
	if err != nil {
		os.Exit(1)
	}
}
