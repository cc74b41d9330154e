// ABOUTME: Event payloads published on NATS
// ABOUTME: UpdateEvent describes the outcome of one database update

package events

import (
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
)

// Header keys carried on every event.
const (
	HeaderRunID   = "Nvdcache-Run-Id"
	HeaderTraceID = "Nvdcache-Trace-Id"
)

// UpdateEvent is published after every update run.
type UpdateEvent struct {
	// Updater names the updater that ran.
	Updater string `json:"updater"`

	// Status is "updated", "cache_hit", "degraded" or "failed".
	Status string `json:"status"`

	Reason     string `json:"reason,omitempty"`
	Downloaded int    `json:"downloaded"`
	Failed     int    `json:"failed"`
	Bytes      int64  `json:"bytes"`
	Error      string `json:"error,omitempty"`

	// DurationMs is the run time in milliseconds.
	DurationMs float64 `json:"duration_ms"`

	// Checksum is the database checksum after the run.
	Checksum string `json:"checksum,omitempty"`

	// At is when the run finished.
	At time.Time `json:"at"`
}

// Event statuses.
const (
	StatusUpdated  = "updated"
	StatusCacheHit = "cache_hit"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// NewUpdateEvent builds an event from an update result.
func NewUpdateEvent(name string, r *dbupdater.UpdateResult, checksum string, at time.Time) UpdateEvent {
	ev := UpdateEvent{
		Updater:    name,
		Reason:     r.Reason,
		Downloaded: r.Downloaded,
		Failed:     r.Failed,
		Bytes:      r.Bytes,
		Error:      r.Error,
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
		Checksum:   checksum,
		At:         at.UTC(),
	}
	switch {
	case r.Success && r.Degraded:
		ev.Status = StatusDegraded
	case r.Success && r.CacheHit:
		ev.Status = StatusCacheHit
	case r.Success:
		ev.Status = StatusUpdated
	case r.Degraded:
		ev.Status = StatusDegraded
	default:
		ev.Status = StatusFailed
	}
	return ev
}
