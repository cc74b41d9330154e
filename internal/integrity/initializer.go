// ABOUTME: First-time setup detection, environment checks and post-download validation
// ABOUTME: Writes the initialization marker and the checksum record of verified databases

package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// InitializationResult summarizes one initialization run.
type InitializationResult struct {
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Success         bool      `json:"success"`
	FirstTime       bool      `json:"first_time"`
	APIKeyUsed      bool      `json:"api_key_used"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	Checksum        string    `json:"checksum,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Initializer handles first-time setup of a cache directory.
type Initializer struct {
	dir          string
	minFreeSpace uint64
	verifier     *Verifier
	audit        *observability.AuditLogger
	now          func() time.Time
	logger       *slog.Logger
}

// InitializerConfig configures an Initializer.
type InitializerConfig struct {
	// Dir is the cache directory.
	Dir string

	// MinFreeSpace is required free space in bytes. Zero disables the check.
	MinFreeSpace uint64

	// Verifier validates the database.
	Verifier *Verifier

	// Audit records database replacements. Optional.
	Audit *observability.AuditLogger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for setup events.
	Logger *slog.Logger
}

// NewInitializer creates a new initializer.
func NewInitializer(cfg InitializerConfig) *Initializer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	audit := cfg.Audit
	if audit == nil {
		audit = observability.NewAuditLogger(logger)
	}
	return &Initializer{
		dir:          cfg.Dir,
		minFreeSpace: cfg.MinFreeSpace,
		verifier:     cfg.Verifier,
		audit:        audit,
		now:          now,
		logger:       logger.With(slog.String("component", "initializer")),
	}
}

// IsFirstTimeSetup reports whether the cache needs a full setup. Any one of
// a missing marker, a failed or outdated marker, or an invalid database is
// enough.
func (i *Initializer) IsFirstTimeSetup() bool {
	return i.SetupRequired(nil)
}

// SetupRequired is IsFirstTimeSetup for a caller that already validated the
// database. A nil vr validates on demand.
func (i *Initializer) SetupRequired(vr *ValidationResult) bool {
	marker, err := cachestate.LoadInitMarker(i.dir)
	switch {
	case errors.Is(err, cachestate.ErrNoInitMarker):
		i.logger.Info("first-time setup required", slog.String("reason", "no initialization marker"))
		return true
	case err != nil:
		i.logger.Warn("first-time setup required", slog.String("reason", "unreadable initialization marker"), slog.String("error", err.Error()))
		return true
	case marker.Version != cachestate.InitVersion:
		i.logger.Info("first-time setup required",
			slog.String("reason", "initialization marker version mismatch"),
			slog.String("found", marker.Version),
			slog.String("want", cachestate.InitVersion),
		)
		return true
	case !marker.Success:
		i.logger.Info("first-time setup required", slog.String("reason", "previous initialization failed"))
		return true
	}

	if vr == nil {
		vr = i.verifier.Validate(context.Background())
	}
	if !vr.Valid {
		i.logger.Info("first-time setup required", slog.String("reason", "no valid database"))
		return true
	}
	return false
}

// CheckEnvironment verifies the cache directory is usable. Failures are
// configuration errors: retrying cannot fix them.
func (i *Initializer) CheckEnvironment() error {
	const op = "check_environment"

	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return observability.ConfigurationError(observability.CodeCacheDir, op,
			fmt.Errorf("cache directory %s cannot be created: %w", i.dir, err))
	}

	probe, err := os.CreateTemp(i.dir, ".write-check-*")
	if err != nil {
		return observability.ConfigurationError(observability.CodeCacheDir, op,
			fmt.Errorf("cache directory %s is not writable: %w", i.dir, err))
	}
	probe.Close()
	os.Remove(probe.Name())

	if i.minFreeSpace == 0 {
		return nil
	}
	free, known, err := freeSpace(i.dir)
	if err != nil {
		i.logger.Warn("free space check skipped", slog.String("error", err.Error()))
		return nil
	}
	if known && free < i.minFreeSpace {
		return observability.ConfigurationError(observability.CodeDiskSpace, op,
			fmt.Errorf("%d bytes free in %s, at least %d required", free, i.dir, i.minFreeSpace)).
			WithDetails(map[string]any{"free": free, "required": i.minFreeSpace})
	}
	return nil
}

// ValidateAfterDownload validates a freshly written database. The previous
// checksum record describes the old file, so it is not consulted; on
// success a new record is written for the new file.
func (i *Initializer) ValidateAfterDownload(ctx context.Context) *ValidationResult {
	res := i.verifier.validate(ctx, validateOptions{skipChecksum: true})
	if !res.Valid {
		return res
	}

	info, err := os.Stat(i.verifier.Path())
	if err != nil {
		return res.fail(CheckChecksum, err)
	}
	sum, err := i.verifier.checksum(ctx, info)
	if err != nil {
		return res.fail(CheckChecksum, err)
	}
	res.ChecksRun = append(res.ChecksRun, CheckChecksum)
	res.Checksum = sum
	size := info.Size()

	rec := &cachestate.ChecksumRecord{
		DatabasePath: i.verifier.Path(),
		Checksum:     sum,
		Size:         size,
		ValidatedAt:  i.now(),
	}
	if err := cachestate.SaveChecksum(i.verifier.StateDir(), rec); err != nil {
		i.logger.Warn("could not record database checksum", slog.String("error", err.Error()))
	} else {
		i.audit.LogDatabaseUpdate(ctx, rec.DatabasePath, sum, size)
	}

	return res
}

// MarkInitialized writes the initialization marker.
func (i *Initializer) MarkInitialized(success, apiKeyUsed bool) (*InitializationResult, error) {
	now := i.now()
	res := &InitializationResult{
		StartedAt:   now,
		CompletedAt: now,
		Success:     success,
		APIKeyUsed:  apiKeyUsed,
	}

	err := cachestate.SaveInitMarker(i.dir, &cachestate.InitMarker{
		Version:    cachestate.InitVersion,
		Time:       now,
		Success:    success,
		APIKeyUsed: apiKeyUsed,
	})
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("writing %s: %w", filepath.Join(i.dir, cachestate.InitMarkerFile), err)
	}
	return res, nil
}
