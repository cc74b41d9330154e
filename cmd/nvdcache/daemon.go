// ABOUTME: Daemon command running scheduled refreshes and the HTTP API
// ABOUTME: Publishes update outcomes to NATS and shuts down gracefully on signals

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/api"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/config"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/events"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	var (
		httpAddr       string
		natsURL        string
		updateEnabled  bool
		updateInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cache daemon",
		Long: `Start the nvdcache daemon. With updates enabled it refreshes the
database on a schedule, retrying failed runs with exponential backoff, and
publishes every outcome to NATS when a server is configured.

The HTTP API serves health, update status, metrics and dependency scans.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTP.Addr = httpAddr
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if cmd.Flags().Changed("update") {
				cfg.Update.Enabled = updateEnabled
			}
			if cmd.Flags().Changed("interval") {
				cfg.Update.Interval = updateInterval
			}
			if err := validateDaemonConfig(cfg); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP address for health/status/metrics")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL for update events")
	cmd.Flags().BoolVar(&updateEnabled, "update", true, "enable scheduled database refreshes")
	cmd.Flags().DurationVar(&updateInterval, "interval", 6*time.Hour, "refresh interval")

	return cmd
}

// validateDaemonConfig checks settings only the daemon uses.
func validateDaemonConfig(cfg *config.Config) error {
	if cfg.Update.Enabled && cfg.Update.Interval <= 0 {
		return fmt.Errorf("update.interval must be positive, got %s", cfg.Update.Interval)
	}
	retry := backoffConfig(cfg.Update.GetRetry())
	if err := retry.Validate(); err != nil {
		return fmt.Errorf("update.retry: %w", err)
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg)
	logger.Info("starting nvdcache daemon",
		slog.String("version", version),
		slog.String("cache_dir", cfg.Cache.Dir),
		slog.String("database_url", observability.RedactURL(cfg.Feed.DatabaseURL)),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.Bool("updates", cfg.Update.Enabled),
	)

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to NATS if configured. A broker outage must not stop refreshes.
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		ncfg := events.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		if cfg.NATS.Subject != "" {
			ncfg.Subject = cfg.NATS.Subject
		}
		publisher, err = events.Connect(ncfg, c.updater, logger)
		if err != nil {
			logger.Warn("NATS unavailable, update events disabled",
				slog.String("url", observability.RedactURL(cfg.NATS.URL)),
				slog.String("error", err.Error()),
			)
		}
	}

	var service *dbupdater.DBUpdateService
	if cfg.Update.Enabled {
		scfg := dbupdater.DBUpdateServiceConfig{
			Coordinator:      c.coordinator,
			Logger:           logger,
			RetryConfig:      backoffConfig(cfg.Update.GetRetry()),
			RunInitialUpdate: true,
		}
		if publisher != nil {
			scfg.OnResult = publisher.OnResult
		}
		service = dbupdater.NewDBUpdateService(scfg)
		service.RegisterUpdater(c.updater, cfg.Update.Interval)
		if err := service.Start(ctx); err != nil {
			return fmt.Errorf("starting update service: %w", err)
		}
		logger.Info("update service started", slog.Duration("interval", cfg.Update.Interval))
	}

	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		hcfg := api.HandlerConfig{
			Database: c.verifier,
			Runs:     c.updater,
			Runner:   newRunner(c, true, 4),
			Metrics:  c.metrics,
			Logger:   logger,
		}
		if service != nil {
			hcfg.Updates = service
		}
		if c.results != nil {
			hcfg.Cache = c.results
		}

		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewServerHandler(api.NewHandler(hcfg), logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting HTTP server", slog.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", slog.String("error", err.Error()))
				cancel()
			}
		}()
	}

	logger.Info("daemon ready")
	<-ctx.Done()
	logger.Info("shutting down daemon")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
		}
	}
	if service != nil {
		service.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("NATS close error", slog.String("error", err.Error()))
		}
	}
	if err := c.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("daemon stopped")
	return nil
}
