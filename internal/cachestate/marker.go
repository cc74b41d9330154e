// ABOUTME: Initialization marker written after the first complete setup
// ABOUTME: Records marker version, time, success and whether an API key was used

package cachestate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// InitMarkerFile is the marker file name inside the cache directory.
const InitMarkerFile = ".nvd-initialized"

// InitVersion is the current marker schema version.
const InitVersion = "1"

// ErrNoInitMarker indicates the cache directory was never initialized.
var ErrNoInitMarker = errors.New("initialization marker not found")

// InitMarker records the outcome of the first-time setup.
type InitMarker struct {
	Version    string
	Time       time.Time
	Success    bool
	APIKeyUsed bool
}

// InitMarkerPath returns the marker path for a cache directory.
func InitMarkerPath(dir string) string {
	return filepath.Join(dir, InitMarkerFile)
}

// LoadInitMarker reads the initialization marker.
func LoadInitMarker(dir string) (*InitMarker, error) {
	props, err := readProperties(InitMarkerPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoInitMarker
		}
		return nil, err
	}

	t, err := parseMillis(props["init.time"])
	if err != nil {
		return nil, fmt.Errorf("%w: init.time: %v", ErrCorrupt, err)
	}

	// Unparsable booleans read as false, which forces setup again.
	success, _ := strconv.ParseBool(props["init.success"])
	keyUsed, _ := strconv.ParseBool(props["api.key.used"])

	return &InitMarker{
		Version:    props["init.version"],
		Time:       t,
		Success:    success,
		APIKeyUsed: keyUsed,
	}, nil
}

// SaveInitMarker writes the initialization marker.
func SaveInitMarker(dir string, m *InitMarker) error {
	version := m.Version
	if version == "" {
		version = InitVersion
	}
	return writeProperties(InitMarkerPath(dir), "nvdcache initialization", map[string]string{
		"init.version": version,
		"init.time":    formatMillis(m.Time),
		"init.success": strconv.FormatBool(m.Success),
		"api.key.used": strconv.FormatBool(m.APIKeyUsed),
	})
}

// ClearInitMarker removes the marker and reports whether it existed.
func ClearInitMarker(dir string) (bool, error) {
	return removeIfExists(InitMarkerPath(dir))
}
