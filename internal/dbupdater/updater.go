// ABOUTME: Updater interface and result types for database refreshes
// ABOUTME: Contract the scheduling service drives, with run and check summaries

package dbupdater

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Updater refreshes one local database.
type Updater interface {
	// Name returns the updater identifier (e.g., "nvd").
	Name() string

	// Update refreshes the database if needed.
	// Only configuration errors are returned as error.
	Update(ctx context.Context) (*UpdateResult, error)

	// CheckForUpdates reports whether a refresh is due without downloading.
	CheckForUpdates(ctx context.Context) (*CheckResult, error)

	// GetVersionInfo describes the database currently on disk.
	GetVersionInfo() VersionInfo

	// IsReady reports whether a verified database is available.
	IsReady() bool
}

// UpdateResult summarizes one update.
type UpdateResult struct {
	// Success is true when a verified database is in place.
	Success bool `json:"success"`

	// CacheHit is true when no download was needed.
	CacheHit bool `json:"cache_hit"`

	// Degraded is true when the run fell back to existing data or failed.
	Degraded bool `json:"degraded"`

	// Downloaded is the number of files fetched.
	Downloaded int `json:"downloaded"`

	// Skipped is the number of files left alone.
	Skipped int `json:"skipped"`

	// Failed is the number of files that could not be fetched.
	Failed int `json:"failed"`

	// Bytes is the total transferred.
	Bytes int64 `json:"bytes"`

	// Duration is how long the update took.
	Duration time.Duration `json:"duration"`

	// Reason is the validity decision that drove the run.
	Reason string `json:"reason,omitempty"`

	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
}

// HasErrors reports whether anything failed.
func (r *UpdateResult) HasErrors() bool {
	return r.Failed > 0 || r.Error != ""
}

// String returns a one-line summary.
func (r *UpdateResult) String() string {
	var parts []string

	switch {
	case r.Success && r.CacheHit:
		parts = append(parts, "cache-hit")
	case r.Success:
		parts = append(parts, "updated")
	default:
		parts = append(parts, "failed")
	}
	if r.Degraded {
		parts = append(parts, "degraded")
	}

	parts = append(parts, fmt.Sprintf("downloaded=%d", r.Downloaded))
	parts = append(parts, fmt.Sprintf("skipped=%d", r.Skipped))
	if r.Failed > 0 {
		parts = append(parts, fmt.Sprintf("failed=%d", r.Failed))
	}
	if r.Bytes > 0 {
		parts = append(parts, fmt.Sprintf("bytes=%d", r.Bytes))
	}
	parts = append(parts, fmt.Sprintf("duration=%v", r.Duration))
	if r.Reason != "" {
		parts = append(parts, "reason="+r.Reason)
	}
	if r.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%q", r.Error))
	}

	return strings.Join(parts, " ")
}

// CheckResult is the outcome of a check without download.
type CheckResult struct {
	// UpdateAvailable is true when the cache is not valid.
	UpdateAvailable bool `json:"update_available"`

	// Reason is the validity decision reason.
	Reason string `json:"reason"`

	// Details carries decision specifics for display.
	Details map[string]string `json:"details,omitempty"`
}

// NeedsUpdate reports whether a refresh is due.
func (r *CheckResult) NeedsUpdate() bool {
	return r.UpdateAvailable
}

// String returns a one-line summary of the version info.
func (v VersionInfo) String() string {
	if v.Checksum == "" {
		return "no database"
	}

	parts := []string{fmt.Sprintf("sha256=%.12s", v.Checksum), fmt.Sprintf("size=%d", v.Size)}
	if !v.ValidatedAt.IsZero() {
		parts = append(parts, "validated="+v.ValidatedAt.UTC().Format(time.RFC3339))
	}
	if !v.RemoteModified.IsZero() {
		parts = append(parts, "remote="+v.RemoteModified.UTC().Format(time.RFC3339))
	}
	if v.RecordCount > 0 {
		parts = append(parts, fmt.Sprintf("records=%d", v.RecordCount))
	}
	return strings.Join(parts, " ")
}
