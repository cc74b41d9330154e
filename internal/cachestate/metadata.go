// ABOUTME: CacheMetadata persistence for the validity oracle
// ABOUTME: Wholesale saves, monotonic last-check timestamps, Touch and Clear

package cachestate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// CurrentVersion is the metadata schema version. A stored version that
// differs forces a refresh.
const CurrentVersion = "2"

// MetadataFile is the metadata file name inside the cache directory.
const MetadataFile = "nvd-cache.properties"

// Metadata property keys.
const (
	keyLastCheck        = "last.update.check"
	keyCacheVersion     = "cache.version"
	keyLastRemoteMod    = "last.remote.modified"
	keyLastRecordCount  = "last.record.count"
	keyThresholdPercent = "update.threshold.percent"
)

// ErrNoMetadata indicates the cache directory has no metadata file.
var ErrNoMetadata = errors.New("cache metadata not found")

// Metadata is the freshness record for one cache directory.
type Metadata struct {
	CacheVersion           string
	LastCheck              time.Time
	LastRemoteModified     time.Time
	LastRecordCount        int64
	UpdateThresholdPercent float64
}

// HasRecordCount reports whether a prior remote record count is known.
func (m *Metadata) HasRecordCount() bool {
	return m.LastRecordCount > 0
}

// Store reads and writes the metadata file of one cache directory.
// Writes from one process are serialized; writes from several processes
// are not coordinated.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a metadata store for the given cache directory.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, MetadataFile)}
}

// Path returns the metadata file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the metadata file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the metadata file.
// Returns ErrNoMetadata if absent and ErrCorrupt if unparsable.
func (s *Store) Load() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Metadata, error) {
	props, err := readProperties(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoMetadata
		}
		return nil, err
	}

	m := &Metadata{CacheVersion: props[keyCacheVersion]}

	if m.LastCheck, err = parseMillis(props[keyLastCheck]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyLastCheck, err)
	}
	if m.LastRemoteModified, err = parseMillis(props[keyLastRemoteMod]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyLastRemoteMod, err)
	}
	if v := props[keyLastRecordCount]; v != "" {
		if m.LastRecordCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyLastRecordCount, err)
		}
	}
	if v := props[keyThresholdPercent]; v != "" {
		if m.UpdateThresholdPercent, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyThresholdPercent, err)
		}
	}

	return m, nil
}

// Save overwrites the metadata file with m. Fields are never merged with
// the stored record, except that a stored LastCheck later than m.LastCheck
// is kept.
func (s *Store) Save(m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *m
	if rec.CacheVersion == "" {
		rec.CacheVersion = CurrentVersion
	}
	if prev, err := s.load(); err == nil && prev.LastCheck.After(rec.LastCheck) {
		rec.LastCheck = prev.LastCheck
	}

	return writeProperties(s.path, "nvdcache metadata", map[string]string{
		keyLastCheck:        formatMillis(rec.LastCheck),
		keyCacheVersion:     rec.CacheVersion,
		keyLastRemoteMod:    formatMillis(rec.LastRemoteModified),
		keyLastRecordCount:  strconv.FormatInt(rec.LastRecordCount, 10),
		keyThresholdPercent: strconv.FormatFloat(rec.UpdateThresholdPercent, 'f', -1, 64),
	})
}

// Touch advances last.update.check to now and leaves every other stored
// key untouched. It never moves the timestamp backwards.
func (s *Store) Touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, err := readProperties(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoMetadata
		}
		return err
	}

	prev, err := parseMillis(props[keyLastCheck])
	if err == nil && prev.After(now) {
		return nil
	}
	props[keyLastCheck] = formatMillis(now)

	return writeProperties(s.path, "nvdcache metadata", props)
}

// Clear removes the metadata file and reports whether it existed.
func (s *Store) Clear() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeIfExists(s.path)
}
