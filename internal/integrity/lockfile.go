// ABOUTME: Advisory lock file detection next to the database file
// ABOUTME: Known naming patterns and age-based staleness

package integrity

import (
	"errors"
	"os"
	"time"
)

// LockSuffixes are appended to the database path to form lock file names.
var LockSuffixes = []string{".lock", ".update.lock", "-journal"}

// LockFile is a lock file found next to the database.
type LockFile struct {
	Path    string
	ModTime time.Time
}

// Age returns how long ago the lock was last modified.
func (l LockFile) Age(now time.Time) time.Duration {
	return now.Sub(l.ModTime)
}

// IsStale reports whether the lock is older than maxAge.
func (l LockFile) IsStale(now time.Time, maxAge time.Duration) bool {
	return l.Age(now) >= maxAge
}

// FindLocks returns the lock files present for dbPath.
func FindLocks(dbPath string) ([]LockFile, error) {
	var locks []LockFile
	for _, suffix := range LockSuffixes {
		path := dbPath + suffix
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return locks, err
		}
		if info.IsDir() {
			continue
		}
		locks = append(locks, LockFile{Path: path, ModTime: info.ModTime()})
	}
	return locks, nil
}

// staleLocks filters locks down to the stale ones.
func staleLocks(locks []LockFile, now time.Time, maxAge time.Duration) []LockFile {
	var stale []LockFile
	for _, l := range locks {
		if l.IsStale(now, maxAge) {
			stale = append(stale, l)
		}
	}
	return stale
}
