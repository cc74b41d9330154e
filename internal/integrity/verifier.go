// ABOUTME: Integrity verifier for the cached database file
// ABOUTME: Runs size, header, stale lock and checksum checks, stopping at the first failure

package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
)

// Check names, in execution order.
const (
	CheckSize     = "size"
	CheckHeader   = "header"
	CheckLock     = "lock"
	CheckChecksum = "checksum"
)

// Validation errors.
var (
	ErrMissing          = errors.New("database file missing")
	ErrTooSmall         = errors.New("database file below minimum size")
	ErrHeaderMismatch   = errors.New("database header signature mismatch")
	ErrStaleLock        = errors.New("stale lock file present")
	ErrChecksumMismatch = errors.New("database checksum mismatch")
)

// DatabaseFile describes the database as found on disk.
type DatabaseFile struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Header   []byte
	Locks    []LockFile
	Checksum *cachestate.ChecksumRecord
}

// ValidationResult summarizes one validation run.
type ValidationResult struct {
	Path        string        `json:"path"`
	Valid       bool          `json:"valid"`
	ChecksRun   []string      `json:"checks_run"`
	FailedCheck string        `json:"failed_check,omitempty"`
	Size        int64         `json:"size"`
	Checksum    string        `json:"checksum,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	err error
}

// Err returns the error behind a failed validation, or nil.
func (r *ValidationResult) Err() error {
	return r.err
}

func (r *ValidationResult) fail(check string, err error) *ValidationResult {
	r.Valid = false
	r.FailedCheck = check
	r.err = err
	r.Error = err.Error()
	return r
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// DatabasePath is the database file to verify.
	DatabasePath string

	// StateDir holds the checksum record. Defaults to the database directory.
	StateDir string

	// MinSize is the smallest acceptable file size.
	MinSize int64

	// Signature is the expected header prefix.
	Signature []byte

	// StaleLockAge marks lock files older than this as abandoned.
	StaleLockAge time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for validation events.
	Logger *slog.Logger
}

// Verifier checks the database file against the validity invariants.
type Verifier struct {
	path     string
	stateDir string
	minSize  int64
	sig      []byte
	lockAge  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// digest is the last computed checksum, reused while the file's size
	// and modification time are unchanged.
	mu     sync.Mutex
	digest *fileDigest
	hashes atomic.Int64
}

type fileDigest struct {
	size    int64
	modTime time.Time
	sum     string
}

// NewVerifier creates a new verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	path, err := filepath.Abs(cfg.DatabasePath)
	if err != nil {
		path = cfg.DatabasePath
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Dir(path)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockAge := cfg.StaleLockAge
	if lockAge <= 0 {
		lockAge = 30 * time.Minute
	}

	return &Verifier{
		path:     path,
		stateDir: stateDir,
		minSize:  cfg.MinSize,
		sig:      cfg.Signature,
		lockAge:  lockAge,
		now:      now,
		logger:   logger.With(slog.String("component", "integrity")),
	}
}

// Path returns the absolute database path.
func (v *Verifier) Path() string {
	return v.path
}

// StateDir returns the directory holding the checksum record.
func (v *Verifier) StateDir() string {
	return v.stateDir
}

// Inspect collects what is on disk without judging it.
func (v *Verifier) Inspect() (*DatabaseFile, error) {
	info, err := os.Stat(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, err
	}

	df := &DatabaseFile{Path: v.path, Size: info.Size(), ModTime: info.ModTime()}

	if df.Header, err = readHeader(v.path, len(v.sig)); err != nil {
		return nil, err
	}
	if df.Locks, err = FindLocks(v.path); err != nil {
		return nil, err
	}
	if rec, err := cachestate.LoadChecksum(v.stateDir); err == nil {
		df.Checksum = rec
	}

	return df, nil
}

// HasValidDatabase reports whether the database passes every check.
func (v *Verifier) HasValidDatabase() bool {
	return v.Validate(context.Background()).Valid
}

// Validate runs the full check sequence.
func (v *Verifier) Validate(ctx context.Context) *ValidationResult {
	return v.validate(ctx, validateOptions{})
}

type validateOptions struct {
	skipLocks    bool
	skipChecksum bool
}

func (v *Verifier) validate(ctx context.Context, opts validateOptions) *ValidationResult {
	res := &ValidationResult{Path: v.path, StartedAt: v.now()}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if !res.Valid {
			v.logger.Debug("database validation failed",
				slog.String("path", v.path),
				slog.String("check", res.FailedCheck),
				slog.String("error", res.Error),
			)
		}
	}()

	res.ChecksRun = append(res.ChecksRun, CheckSize)
	info, err := os.Stat(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res.fail(CheckSize, ErrMissing)
		}
		return res.fail(CheckSize, err)
	}
	res.Size = info.Size()
	if res.Size < v.minSize {
		return res.fail(CheckSize, fmt.Errorf("%w: %d < %d bytes", ErrTooSmall, res.Size, v.minSize))
	}

	res.ChecksRun = append(res.ChecksRun, CheckHeader)
	header, err := readHeader(v.path, len(v.sig))
	if err != nil {
		return res.fail(CheckHeader, err)
	}
	if !bytes.Equal(header, v.sig) {
		return res.fail(CheckHeader, fmt.Errorf("%w: got %q", ErrHeaderMismatch, header))
	}

	if !opts.skipLocks {
		res.ChecksRun = append(res.ChecksRun, CheckLock)
		locks, err := FindLocks(v.path)
		if err != nil {
			return res.fail(CheckLock, err)
		}
		now := v.now()
		for _, l := range locks {
			if l.IsStale(now, v.lockAge) {
				return res.fail(CheckLock, fmt.Errorf("%w: %s (age %s)", ErrStaleLock, l.Path, l.Age(now).Round(time.Second)))
			}
			v.logger.Warn("database lock file present, another process may be using the cache",
				slog.String("lock", l.Path),
				slog.Duration("age", l.Age(now)),
			)
		}
	}

	if !opts.skipChecksum {
		rec, err := cachestate.LoadChecksum(v.stateDir)
		switch {
		case errors.Is(err, cachestate.ErrNoChecksum):
			// Nothing recorded yet.
		case err != nil:
			v.logger.Warn("ignoring unreadable checksum record", slog.String("error", err.Error()))
		case !rec.Matches(v.path):
			v.logger.Info("checksum record belongs to another path, skipping",
				slog.String("recorded", rec.DatabasePath),
				slog.String("path", v.path),
			)
		default:
			res.ChecksRun = append(res.ChecksRun, CheckChecksum)
			if rec.Size != res.Size {
				return res.fail(CheckChecksum, fmt.Errorf("%w: size %d, recorded %d", ErrChecksumMismatch, res.Size, rec.Size))
			}
			sum, err := v.checksum(ctx, info)
			if err != nil {
				return res.fail(CheckChecksum, err)
			}
			res.Checksum = sum
			if sum != rec.Checksum {
				return res.fail(CheckChecksum, fmt.Errorf("%w: %s, recorded %s", ErrChecksumMismatch, sum, rec.Checksum))
			}
		}
	}

	res.Valid = true
	return res
}

// Hashes returns how many times the database has been hashed.
func (v *Verifier) Hashes() int64 {
	return v.hashes.Load()
}

// Checksum returns the SHA-256 of the database file.
func (v *Verifier) Checksum(ctx context.Context) (string, error) {
	info, err := os.Stat(v.path)
	if err != nil {
		return "", err
	}
	return v.checksum(ctx, info)
}

// checksum returns the SHA-256 of the database described by info.
func (v *Verifier) checksum(ctx context.Context, info os.FileInfo) (string, error) {
	v.mu.Lock()
	d := v.digest
	v.mu.Unlock()
	if d != nil && d.size == info.Size() && d.modTime.Equal(info.ModTime()) {
		return d.sum, nil
	}

	sum, _, err := ComputeChecksum(ctx, v.path)
	v.hashes.Add(1)
	if err != nil {
		return "", err
	}
	v.remember(info, sum)
	return sum, nil
}

func (v *Verifier) remember(info os.FileInfo, sum string) {
	v.mu.Lock()
	v.digest = &fileDigest{size: info.Size(), modTime: info.ModTime(), sum: sum}
	v.mu.Unlock()
}

// forget drops the cached digest.
func (v *Verifier) forget() {
	v.mu.Lock()
	v.digest = nil
	v.mu.Unlock()
}

// readHeader reads up to n leading bytes of path.
func readHeader(path string, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}
