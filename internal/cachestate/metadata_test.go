// ABOUTME: Tests for metadata persistence
// ABOUTME: Round trips, wholesale overwrite, monotonic last check, Touch and Clear

package cachestate

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	if s.Exists() {
		t.Error("Exists() = true for empty directory")
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("Load() error = %v, want ErrNoMetadata", err)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	want := &Metadata{
		CacheVersion:           CurrentVersion,
		LastCheck:              time.UnixMilli(1_700_000_000_123),
		LastRemoteModified:     time.UnixMilli(1_699_999_000_000),
		LastRecordCount:        250_000,
		UpdateThresholdPercent: 7.5,
	}

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"last.update.check", "cache.version", "last.remote.modified", "last.record.count", "update.threshold.percent"} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("file missing key %q:\n%s", key, raw)
		}
	}
	if !strings.Contains(string(raw), "1700000000123") {
		t.Errorf("timestamps should be epoch millis:\n%s", raw)
	}
}

func TestStore_SaveDefaultsVersion(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	if err := s.Save(&Metadata{LastCheck: time.UnixMilli(1)}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.CacheVersion != CurrentVersion {
		t.Errorf("CacheVersion = %q, want %q", got.CacheVersion, CurrentVersion)
	}
}

func TestStore_SaveIsWholesale(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	first := &Metadata{LastCheck: time.UnixMilli(1000), LastRecordCount: 10, UpdateThresholdPercent: 3}
	if err := s.Save(first); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&Metadata{LastCheck: time.UnixMilli(2000)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRecordCount != 0 || got.UpdateThresholdPercent != 0 {
		t.Errorf("fields from the previous record leaked through: %+v", got)
	}
	if got.HasRecordCount() {
		t.Error("HasRecordCount() = true, want false")
	}
}

func TestStore_LastCheckMonotonic(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	newer := time.UnixMilli(5000)
	if err := s.Save(&Metadata{LastCheck: newer, LastRecordCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&Metadata{LastCheck: time.UnixMilli(4000), LastRecordCount: 2}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastCheck.Equal(newer) {
		t.Errorf("LastCheck = %v, want %v", got.LastCheck, newer)
	}
	if got.LastRecordCount != 2 {
		t.Errorf("LastRecordCount = %d, want 2", got.LastRecordCount)
	}
}

func TestStore_Touch(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())

	if err := s.Touch(time.Now()); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("Touch() on missing file error = %v, want ErrNoMetadata", err)
	}

	base := &Metadata{
		LastCheck:              time.UnixMilli(1000),
		LastRemoteModified:     time.UnixMilli(900),
		LastRecordCount:        42,
		UpdateThresholdPercent: 9,
	}
	if err := s.Save(base); err != nil {
		t.Fatal(err)
	}

	if err := s.Touch(time.UnixMilli(3000)); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	want := *base
	want.CacheVersion = CurrentVersion
	want.LastCheck = time.UnixMilli(3000)
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("Touch changed other fields (-want +got):\n%s", diff)
	}

	if err := s.Touch(time.UnixMilli(2000)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load()
	if !got.LastCheck.Equal(time.UnixMilli(3000)) {
		t.Errorf("Touch moved LastCheck backwards to %v", got.LastCheck)
	}
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	if err := s.Save(&Metadata{LastCheck: time.Now()}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Clear()
	if err != nil || !removed {
		t.Fatalf("Clear() = %v, %v, want true, nil", removed, err)
	}
	removed, err = s.Clear()
	if err != nil || removed {
		t.Errorf("second Clear() = %v, %v, want false, nil", removed, err)
	}
}

func TestStore_Corrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not key value", "this is not a properties file\n"},
		{"bad timestamp", "last.update.check=yesterday\ncache.version=2\n"},
		{"bad count", "last.update.check=1\nlast.record.count=many\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewStore(t.TempDir())
			if err := os.WriteFile(s.Path(), []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Load() error = %v, want ErrCorrupt", err)
			}
		})
	}
}
