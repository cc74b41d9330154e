// ABOUTME: Key/value properties file IO backed by gopkg.in/ini.v1
// ABOUTME: Atomic whole-file writes via temp file and rename

package cachestate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// ErrCorrupt indicates a state file exists but cannot be parsed.
var ErrCorrupt = errors.New("state file is corrupt")

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:        true,
	SkipUnrecognizableLines:    false,
	AllowPythonMultilineValues: false,
}

// readProperties loads the top-level keys of a properties file.
// A missing file returns an error wrapping os.ErrNotExist.
func readProperties(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return f.Section(ini.DefaultSection).KeysHash(), nil
}

// writeProperties replaces path with the given keys, sorted by name.
func writeProperties(path, comment string, values map[string]string) error {
	f := ini.Empty()
	sec := f.Section(ini.DefaultSection)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		key, err := sec.NewKey(k, values[k])
		if err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
		if i == 0 && comment != "" {
			key.Comment = "# " + comment
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// removeIfExists deletes path and reports whether it existed.
func removeIfExists(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
