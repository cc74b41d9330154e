// ABOUTME: Component wiring shared by every nvdcache command
// ABOUTME: Builds the client, oracle, downloader, integrity layer and updater from config

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/compat"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/config"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/download"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/oracle"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/probe"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/resilience"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/resultcache"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/transport"
)

// components holds everything a command may need. Only results and tracer
// own resources.
type components struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *observability.UpdateMetrics
	client      *http.Client
	breaker     *resilience.CircuitBreaker
	probe       *probe.Probe
	store       *cachestate.Store
	oracle      *oracle.Oracle
	verifier    *integrity.Verifier
	initializer *integrity.Initializer
	recovery    *integrity.RecoveryManager
	coordinator *dbupdater.ScanCoordinator
	updater     *dbupdater.NVDUpdater
	results     *resultcache.Cache
	tracer      *observability.TracerProvider
}

// buildComponents wires the refresh pipeline from cfg.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	tracer, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:       cfg.Tracing.Enabled,
		ServiceName:   "nvdcache",
		Version:       version,
		Endpoint:      cfg.Tracing.Endpoint,
		Insecure:      cfg.Tracing.Insecure,
		SamplingRatio: cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("creating tracer provider: %w", err)
	}

	c := &components{
		cfg:         cfg,
		logger:      logger,
		metrics:     observability.NewUpdateMetrics(),
		store:       cachestate.NewStore(cfg.Cache.Dir),
		coordinator: dbupdater.NewScanCoordinator(),
		tracer:      tracer,
	}

	c.client = transport.NewClient(transport.Config{
		UserAgent:       cfg.Feed.UserAgent,
		ConnectTimeout:  cfg.Download.ConnectTimeout,
		ReadTimeout:     cfg.Download.ReadTimeout,
		FeedHost:        cfg.Feed.FeedHost(),
		MaxConnsPerHost: cfg.Download.MaxParallel,
		Logger:          logger,
	})

	c.breaker = resilience.NewCircuitBreaker(resilience.Config{
		Name:             "nvd-probe",
		FailureThreshold: cfg.Probe.FailureThreshold,
		ResetTimeout:     cfg.Probe.ResetTimeout,
		Logger:           logger,
	})

	c.probe = probe.New(c.client, probe.Config{
		ModifiedURL:        cfg.Feed.LastModifiedURL(),
		APIURL:             cfg.Feed.APIURL,
		APIKey:             cfg.Feed.APIKey,
		IntervalWithKey:    cfg.Probe.IntervalWithKey,
		IntervalWithoutKey: cfg.Probe.IntervalWithoutKey,
		Breaker:            c.breaker,
		Metrics:            c.metrics,
		Logger:             logger,
	})

	c.oracle = oracle.New(oracle.Config{
		ValidityWindow:     time.Duration(cfg.Cache.ValidityHours * float64(time.Hour)),
		ThresholdPercent:   cfg.Cache.ThresholdPercent,
		RemoteValidation:   cfg.Cache.RemoteValidation,
		MinRecheckInterval: cfg.Cache.MinRecheckInterval,
		LocalOnly:          cfg.Cache.LocalOnly,
		Offline:            cfg.Cache.Offline,
	}, c.store, c.probe, oracle.WithMetrics(c.metrics), oracle.WithLogger(logger))

	c.verifier = integrity.NewVerifier(integrity.VerifierConfig{
		DatabasePath: cfg.Cache.DatabasePath(),
		StateDir:     cfg.Cache.Dir,
		MinSize:      cfg.Cache.MinDatabaseSize,
		Signature:    []byte(cfg.Cache.HeaderSignature),
		StaleLockAge: cfg.Cache.StaleLockAge,
		Logger:       logger,
	})

	audit := observability.NewAuditLogger(logger)
	c.initializer = integrity.NewInitializer(integrity.InitializerConfig{
		Dir:          cfg.Cache.Dir,
		MinFreeSpace: cfg.Cache.MinFreeSpace,
		Verifier:     c.verifier,
		Audit:        audit,
		Logger:       logger,
	})
	c.recovery = integrity.NewRecoveryManager(integrity.RecoveryConfig{
		Dir:      cfg.Cache.Dir,
		Verifier: c.verifier,
		Store:    c.store,
		Audit:    audit,
		Logger:   logger,
	})

	if cfg.ResultCache.Enabled {
		dir := cfg.ResultCache.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Cache.Dir, "results")
		}
		results, err := resultcache.Open(resultcache.Config{
			Path: dir,
			TTL:  cfg.ResultCache.TTL,
			Bloom: resultcache.BloomConfig{
				ExpectedItems:     cfg.ResultCache.BloomCapacity,
				FalsePositiveRate: cfg.ResultCache.BloomFPRate,
			},
			Logger: logger,
		})
		if err != nil {
			tracer.Shutdown(ctx)
			return nil, fmt.Errorf("opening result cache: %w", err)
		}
		c.results = results
		c.recovery.Register(results)
	}

	downloader := download.NewChunkedDownloader(c.client, download.Config{
		ChunkSize:     cfg.Download.ChunkSize,
		MaxParallel:   cfg.Download.MaxParallel,
		ReadTimeout:   cfg.Download.ReadTimeout,
		RecencyWindow: cfg.Download.RecencyWindow,
	}, logger)

	retry := cfg.Update.RecoveryRetry()
	c.updater = dbupdater.NewNVDUpdater(dbupdater.NVDUpdaterConfig{
		Dir:              cfg.Cache.Dir,
		DatabaseURL:      cfg.Feed.DatabaseURL,
		ExtraURLs:        cfg.Feed.ExtraURLs,
		APIKey:           cfg.Feed.APIKey,
		Offline:          cfg.Cache.Offline,
		ThresholdPercent: cfg.Cache.ThresholdPercent,
		Oracle:           c.oracle,
		Probe:            c.probe,
		Downloader:       downloader,
		Verifier:         c.verifier,
		Initializer:      c.initializer,
		Recovery:         c.recovery,
		Store:            c.store,
		Rewriter:         compat.NewRewriter(nil, nil),
		Coordinator:      c.coordinator,
		RecoveryRetry:    backoffConfig(retry),
		Metrics:          c.metrics,
		Logger:           logger,
	})

	return c, nil
}

// Close releases the result cache and flushes traces.
func (c *components) Close(ctx context.Context) error {
	var errs error
	if c.results != nil {
		errs = multierr.Append(errs, c.results.Close())
	}
	if c.tracer != nil {
		errs = multierr.Append(errs, c.tracer.Shutdown(ctx))
	}
	return errs
}

// backoffConfig converts the config retry policy to the updater's.
func backoffConfig(r config.RetryConfig) dbupdater.BackoffConfig {
	return dbupdater.BackoffConfig{
		MaxRetries:     r.MaxRetries,
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
	}
}

// withComponents loads config, builds components and runs fn.
func withComponents(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, c *components) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown error", slog.String("error", err.Error()))
		}
	}()

	return fn(ctx, c)
}
