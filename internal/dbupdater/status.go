// ABOUTME: Status tracking for scheduled database updaters
// ABOUTME: Thread-safe tracker feeding the status endpoint and the CLI

package dbupdater

import (
	"sync"
	"time"
)

// Status is the operational state of an updater.
type Status string

// Status values.
const (
	StatusPending  Status = "pending"
	StatusIdle     Status = "idle"
	StatusUpdating Status = "updating"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// VersionInfo describes the database on disk.
type VersionInfo struct {
	Checksum       string    `json:"checksum,omitempty"`
	Size           int64     `json:"size,omitempty"`
	ValidatedAt    time.Time `json:"validated_at,omitzero"`
	RemoteModified time.Time `json:"remote_modified,omitzero"`
	RecordCount    int64     `json:"record_count,omitempty"`
}

// UpdaterStatus is the tracked state of one updater.
type UpdaterStatus struct {
	Name          string        `json:"name"`
	Status        Status        `json:"status"`
	LastUpdate    time.Time     `json:"last_update,omitzero"`
	NextScheduled time.Time     `json:"next_scheduled,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
	LastResult    *UpdateResult `json:"last_result,omitempty"`
	Version       VersionInfo   `json:"version"`
	Ready         bool          `json:"ready"`
}

// IsReady reports whether the updater has a usable database.
func (s *UpdaterStatus) IsReady() bool {
	return s.Ready
}

// TimeSinceLastUpdate returns the age of the last successful update, or
// zero if there was none.
func (s *UpdaterStatus) TimeSinceLastUpdate() time.Duration {
	if s.LastUpdate.IsZero() {
		return 0
	}
	return time.Since(s.LastUpdate)
}

func (s *UpdaterStatus) clone() *UpdaterStatus {
	cp := *s
	if s.LastResult != nil {
		r := *s.LastResult
		cp.LastResult = &r
	}
	return &cp
}

// StatusTracker records status for several updaters.
type StatusTracker struct {
	mu       sync.RWMutex
	statuses map[string]*UpdaterStatus
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{statuses: make(map[string]*UpdaterStatus)}
}

// Register adds an updater in the pending state.
func (t *StatusTracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[name] = &UpdaterStatus{Name: name, Status: StatusPending}
}

// Get returns a copy of one status, or nil.
func (t *StatusTracker) Get(name string) *UpdaterStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[name]
	if !ok {
		return nil
	}
	return s.clone()
}

// GetAll returns copies of every status.
func (t *StatusTracker) GetAll() map[string]*UpdaterStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*UpdaterStatus, len(t.statuses))
	for name, s := range t.statuses {
		out[name] = s.clone()
	}
	return out
}

// update applies fn to a registered status.
func (t *StatusTracker) update(name string, fn func(*UpdaterStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[name]; ok {
		fn(s)
	}
}

// SetStatus sets the operational state.
func (t *StatusTracker) SetStatus(name string, status Status) {
	t.update(name, func(s *UpdaterStatus) { s.Status = status })
}

// SetReady sets whether a verified database is available.
func (t *StatusTracker) SetReady(name string, ready bool) {
	t.update(name, func(s *UpdaterStatus) { s.Ready = ready })
}

// SetLastUpdate sets the time of the last successful update.
func (t *StatusTracker) SetLastUpdate(name string, at time.Time) {
	t.update(name, func(s *UpdaterStatus) { s.LastUpdate = at })
}

// SetNextScheduled sets the next scheduled run.
func (t *StatusTracker) SetNextScheduled(name string, next time.Time) {
	t.update(name, func(s *UpdaterStatus) { s.NextScheduled = next })
}

// SetError sets the last error message.
func (t *StatusTracker) SetError(name string, msg string) {
	t.update(name, func(s *UpdaterStatus) { s.LastError = msg })
}

// SetVersion sets the database description.
func (t *StatusTracker) SetVersion(name string, version VersionInfo) {
	t.update(name, func(s *UpdaterStatus) { s.Version = version })
}

// SetResult records the last run outcome and derives the status from it.
func (t *StatusTracker) SetResult(name string, r *UpdateResult, at time.Time) {
	t.update(name, func(s *UpdaterStatus) {
		cp := *r
		s.LastResult = &cp
		s.LastError = r.Error
		switch {
		case r.Success && !r.Degraded:
			s.Status = StatusIdle
			s.LastUpdate = at
		case r.Success:
			s.Status = StatusDegraded
		default:
			s.Status = StatusFailed
		}
	})
}
