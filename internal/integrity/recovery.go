// ABOUTME: Recovery manager for corrupted or half-written cache directories
// ABOUTME: Backs up the suspect database, clears cache state and removes stale locks

package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// BackupDirName is the backup directory inside the cache directory.
const BackupDirName = "corrupted-backups"

// DerivedState is state computed from the database that must be dropped
// whenever the database is recovered.
type DerivedState interface {
	Name() string
	Reset(ctx context.Context) error
}

// RecoveryConfig configures a RecoveryManager.
type RecoveryConfig struct {
	// Dir is the cache directory.
	Dir string

	// Verifier identifies and judges the database file.
	Verifier *Verifier

	// Store is the metadata store to clear.
	Store *cachestate.Store

	// Derived lists state to reset along with the metadata.
	Derived []DerivedState

	// Audit records every mutation. Optional.
	Audit *observability.AuditLogger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for recovery events.
	Logger *slog.Logger
}

// RecoveryManager repairs a cache directory without losing data.
type RecoveryManager struct {
	dir      string
	verifier *Verifier
	store    *cachestate.Store
	derived  []DerivedState
	audit    *observability.AuditLogger
	now      func() time.Time
	logger   *slog.Logger
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager(cfg RecoveryConfig) *RecoveryManager {
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
	return &RecoveryManager{
		dir:      cfg.Dir,
		verifier: cfg.Verifier,
		store:    cfg.Store,
		derived:  cfg.Derived,
		audit:    audit,
		now:      now,
		logger:   logger.With(slog.String("component", "recovery")),
	}
}

// Register adds derived state to reset during recovery.
func (m *RecoveryManager) Register(d DerivedState) {
	m.derived = append(m.derived, d)
}

// BackupDir returns the directory receiving suspect files.
func (m *RecoveryManager) BackupDir() string {
	return filepath.Join(m.dir, BackupDirName)
}

// AttemptRecovery repairs the cache directory and reports whether it did
// anything. Running it again with nothing left to repair returns false and
// no error. A database that fails its content checks is moved into the
// backup directory; a database that passes them stays in place.
func (m *RecoveryManager) AttemptRecovery(ctx context.Context) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "integrity.AttemptRecovery")

	acted := false
	var errs error

	backedUp, err := m.backupSuspect(ctx)
	acted = acted || backedUp
	errs = multierr.Append(errs, err)

	cleared, err := m.clearState(ctx)
	acted = acted || cleared
	errs = multierr.Append(errs, err)

	unlocked, err := m.removeStaleLocks(ctx)
	acted = acted || unlocked
	errs = multierr.Append(errs, err)

	if errs != nil {
		errs = observability.NewErrorContext(observability.CodeRecoveryFailed, observability.CategoryIntegrity, "attempt_recovery").
			WithError(errs)
	}
	observability.EndSpan(span, errs)

	if acted {
		m.logger.Info("cache recovery performed",
			slog.Bool("backed_up", backedUp),
			slog.Bool("cleared_state", cleared),
			slog.Bool("removed_locks", unlocked),
		)
	} else {
		m.logger.Debug("cache recovery found nothing to do")
	}

	return acted, errs
}

// backupSuspect moves a database that fails its content checks into the
// backup directory. Lock files are handled separately.
func (m *RecoveryManager) backupSuspect(ctx context.Context) (bool, error) {
	src := m.verifier.Path()
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	res := m.verifier.validate(ctx, validateOptions{skipLocks: true})
	if res.Valid {
		return false, nil
	}

	if err := os.MkdirAll(m.BackupDir(), 0o755); err != nil {
		return false, fmt.Errorf("creating backup directory: %w", err)
	}

	base := filepath.Join(m.BackupDir(), fmt.Sprintf("%s.%s", filepath.Base(src), m.now().UTC().Format("20060102T150405.000Z")))
	dst := base
	var size int64
	var err error
	for n := 1; ; n++ {
		size, err = moveFile(src, dst)
		if !errors.Is(err, os.ErrExist) || n > maxBackupSuffix {
			break
		}
		dst = fmt.Sprintf("%s.%d", base, n)
	}
	if err != nil {
		return false, fmt.Errorf("backing up %s: %w", src, err)
	}
	m.verifier.forget()

	m.logger.Warn("suspect database moved to backup",
		slog.String("path", src),
		slog.String("backup", dst),
		slog.String("reason", res.Error),
	)
	m.audit.LogBackup(ctx, src, dst, size)
	return true, nil
}

// clearState drops metadata, checksum record, init marker and derived state.
func (m *RecoveryManager) clearState(ctx context.Context) (bool, error) {
	acted := false
	var errs error

	clear := func(name, path string, fn func() (bool, error)) {
		removed, err := fn()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clearing %s: %w", name, err))
			return
		}
		if removed {
			acted = true
			m.audit.LogClear(ctx, path, "recovery")
		}
	}

	clear("metadata", m.store.Path(), m.store.Clear)
	clear("checksum record", cachestate.ChecksumPath(m.verifier.StateDir()), func() (bool, error) {
		return cachestate.ClearChecksum(m.verifier.StateDir())
	})
	clear("initialization marker", cachestate.InitMarkerPath(m.dir), func() (bool, error) {
		return cachestate.ClearInitMarker(m.dir)
	})

	// Derived state is reset only when something else changed, so a clean
	// directory stays a no-op.
	if acted {
		for _, d := range m.derived {
			if err := d.Reset(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("resetting %s: %w", d.Name(), err))
				continue
			}
			m.audit.LogClear(ctx, d.Name(), "recovery")
		}
	}

	return acted, errs
}

// removeStaleLocks deletes lock files older than the stale threshold.
// Lock files carry no data, so they are removed without a backup.
func (m *RecoveryManager) removeStaleLocks(ctx context.Context) (bool, error) {
	locks, err := FindLocks(m.verifier.Path())
	if err != nil {
		return false, fmt.Errorf("listing lock files: %w", err)
	}

	now := m.now()
	acted := false
	var errs error
	for _, l := range staleLocks(locks, now, m.verifier.lockAge) {
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("removing %s: %w", l.Path, err))
			continue
		}
		acted = true
		m.logger.Info("removed stale lock file", slog.String("lock", l.Path), slog.Duration("age", l.Age(now)))
		m.audit.LogLockRemoved(ctx, l.Path, l.Age(now))
	}
	return acted, errs
}

// maxBackupSuffix bounds the search for a free backup name.
const maxBackupSuffix = 100

// moveFile moves src to dst without ever replacing an existing dst, copying
// across filesystems when a hard link is not possible. An existing dst
// yields an error matching os.ErrExist.
func moveFile(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	switch err := os.Link(src, dst); {
	case err == nil:
		return info.Size(), os.Remove(src)
	case errors.Is(err, os.ErrExist):
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, err
	}

	// The copy is durable; only now may the original go.
	if err := os.Remove(src); err != nil {
		return n, err
	}
	return n, nil
}
