// ABOUTME: DB update service scheduling registered updaters
// ABOUTME: Manages lifecycle, manual triggers, error retries and status tracking

package dbupdater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// ResultFunc observes every finished update.
type ResultFunc func(ctx context.Context, name string, result *UpdateResult)

// DBUpdateServiceConfig configures the DB update service.
type DBUpdateServiceConfig struct {
	// Coordinator manages scan/update coordination. Updaters that replace
	// files hold it themselves while doing so.
	Coordinator *ScanCoordinator

	// Logger for structured logging.
	Logger *slog.Logger

	// RetryConfig spaces retries of updates that returned an error.
	// Configuration and permanent errors are not retried, nor are degraded
	// results; the next tick handles those.
	RetryConfig BackoffConfig

	// RunInitialUpdate triggers an update immediately on Start.
	RunInitialUpdate bool

	// OnResult is called after every update. Optional.
	OnResult ResultFunc
}

// updaterEntry holds an updater and its configuration.
type updaterEntry struct {
	updater  Updater
	interval time.Duration
	trigger  chan struct{}
}

// DBUpdateService runs registered updaters on their schedules.
type DBUpdateService struct {
	config   DBUpdateServiceConfig
	status   *StatusTracker
	updaters map[string]*updaterEntry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDBUpdateService creates a new DB update service.
func NewDBUpdateService(config DBUpdateServiceConfig) *DBUpdateService {
	if config.Coordinator == nil {
		config.Coordinator = NewScanCoordinator()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &DBUpdateService{
		config:   config,
		status:   NewStatusTracker(),
		updaters: make(map[string]*updaterEntry),
	}
}

// RegisterUpdater registers an updater with the service.
func (s *DBUpdateService) RegisterUpdater(updater Updater, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := updater.Name()
	s.updaters[name] = &updaterEntry{
		updater:  updater,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
	s.status.Register(name)
	s.status.SetVersion(name, updater.GetVersionInfo())
	s.status.SetReady(name, updater.IsReady())
}

// Start starts one worker per registered updater.
func (s *DBUpdateService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for name, entry := range s.updaters {
		s.wg.Add(1)
		go s.runUpdaterWorker(ctx, name, entry)
	}
	n := len(s.updaters)
	s.mu.Unlock()

	s.config.Logger.Info("db update service started", slog.Int("updaters", n))
	return nil
}

// Stop cancels the workers and waits for them.
func (s *DBUpdateService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.config.Logger.Info("db update service stopped")
}

// IsRunning returns true if the service is running.
func (s *DBUpdateService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ErrUpdaterNotFound is returned for an unregistered updater name.
var ErrUpdaterNotFound = errors.New("updater not found")

// TriggerUpdate asks a worker to run now. A trigger already pending
// absorbs the new one.
func (s *DBUpdateService) TriggerUpdate(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, ok := s.updaters[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUpdaterNotFound, name)
	}

	select {
	case entry.trigger <- struct{}{}:
	default:
	}
	return nil
}

// GetStatus returns the status of all updaters.
func (s *DBUpdateService) GetStatus() map[string]*UpdaterStatus {
	return s.status.GetAll()
}

// Coordinator returns the scan coordinator.
func (s *DBUpdateService) Coordinator() *ScanCoordinator {
	return s.config.Coordinator
}

func (s *DBUpdateService) runUpdaterWorker(ctx context.Context, name string, entry *updaterEntry) {
	defer s.wg.Done()

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	logger := s.config.Logger.With(slog.String("updater", name))
	s.status.SetNextScheduled(name, time.Now().Add(entry.interval))

	if s.config.RunInitialUpdate {
		s.executeUpdate(ctx, name, entry, logger)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("updater worker stopped")
			return

		case <-ticker.C:
			s.executeUpdate(ctx, name, entry, logger)
			s.status.SetNextScheduled(name, time.Now().Add(entry.interval))

		case <-entry.trigger:
			logger.Info("manual update triggered")
			s.executeUpdate(ctx, name, entry, logger)
		}
	}
}

// executeUpdate runs one update, retrying returned errors with backoff.
func (s *DBUpdateService) executeUpdate(ctx context.Context, name string, entry *updaterEntry, logger *slog.Logger) {
	s.status.SetStatus(name, StatusUpdating)
	logger.Info("starting update")

	backoff := NewBackoff(s.config.RetryConfig)

	for {
		runCtx := observability.WithRunID(ctx, observability.NewRunID())
		result, err := entry.updater.Update(runCtx)
		if result == nil {
			result = &UpdateResult{}
		}
		if err != nil && result.Error == "" {
			result.Error = err.Error()
		}

		s.status.SetResult(name, result, time.Now())
		s.status.SetVersion(name, entry.updater.GetVersionInfo())
		s.status.SetReady(name, entry.updater.IsReady())
		if s.config.OnResult != nil {
			s.config.OnResult(runCtx, name, result)
		}

		if err == nil {
			logger.Info("update finished",
				slog.Bool("success", result.Success),
				slog.Bool("degraded", result.Degraded),
				slog.String("reason", result.Reason),
				slog.Int("downloaded", result.Downloaded),
				slog.Int("skipped", result.Skipped),
				slog.Duration("duration", result.Duration),
			)
			return
		}

		switch cat := observability.CategoryOf(err); cat {
		case observability.CategoryConfiguration, observability.CategoryPermanent:
			logger.Error("update failed, not retrying",
				slog.String("error", err.Error()),
				slog.String("category", cat),
			)
			return
		}

		logger.Warn("update failed",
			slog.String("error", err.Error()),
			slog.Int("attempt", backoff.Attempts()+1),
		)
		if err := backoff.Wait(ctx); err != nil {
			logger.Error("update abandoned", slog.Int("attempts", backoff.Attempts()), slog.String("error", err.Error()))
			return
		}
	}
}
