// ABOUTME: Checksum record bound to the absolute database path
// ABOUTME: Stores SHA-256, size and validation time of the last verified database

package cachestate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ChecksumFile is the checksum record file name inside the cache directory.
const ChecksumFile = "database.sha256"

// ErrNoChecksum indicates no checksum record exists.
var ErrNoChecksum = errors.New("checksum record not found")

// ChecksumRecord is the last verified state of the database file.
type ChecksumRecord struct {
	DatabasePath string
	Checksum     string
	Size         int64
	ValidatedAt  time.Time
}

// Matches reports whether the record belongs to path.
func (r *ChecksumRecord) Matches(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Clean(r.DatabasePath) == abs
}

// ChecksumPath returns the checksum record path for a cache directory.
func ChecksumPath(dir string) string {
	return filepath.Join(dir, ChecksumFile)
}

// LoadChecksum reads the checksum record.
func LoadChecksum(dir string) (*ChecksumRecord, error) {
	props, err := readProperties(ChecksumPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoChecksum
		}
		return nil, err
	}

	rec := &ChecksumRecord{
		DatabasePath: props["database.path"],
		Checksum:     props["database.checksum"],
	}
	if rec.Size, err = strconv.ParseInt(props["database.size"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: database.size: %v", ErrCorrupt, err)
	}
	if rec.ValidatedAt, err = parseMillis(props["validated.time"]); err != nil {
		return nil, fmt.Errorf("%w: validated.time: %v", ErrCorrupt, err)
	}
	if rec.DatabasePath == "" || rec.Checksum == "" {
		return nil, fmt.Errorf("%w: incomplete checksum record", ErrCorrupt)
	}

	return rec, nil
}

// SaveChecksum writes the checksum record. The database path is stored
// in absolute form.
func SaveChecksum(dir string, rec *ChecksumRecord) error {
	abs, err := filepath.Abs(rec.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", rec.DatabasePath, err)
	}
	return writeProperties(ChecksumPath(dir), "nvdcache database checksum", map[string]string{
		"database.path":     abs,
		"database.checksum": rec.Checksum,
		"database.size":     strconv.FormatInt(rec.Size, 10),
		"validated.time":    formatMillis(rec.ValidatedAt),
	})
}

// ClearChecksum removes the checksum record and reports whether it existed.
func ClearChecksum(dir string) (bool, error) {
	return removeIfExists(ChecksumPath(dir))
}
