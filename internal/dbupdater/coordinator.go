// ABOUTME: Scan coordinator keeping analysis off the database while it is replaced
// ABOUTME: Shared scans, exclusive updates with writer preference and context-aware waits

package dbupdater

import (
	"context"
	"sync"
)

// CoordinatorStatus is a snapshot of the coordinator.
type CoordinatorStatus struct {
	ActiveScans      int  `json:"active_scans"`
	UpdateInProgress bool `json:"update_in_progress"`
	UpdatesWaiting   int  `json:"updates_waiting"`
}

// ScanCoordinator lets any number of scans read the database together and
// gives an update exclusive access. A waiting update blocks new scans so a
// steady stream of scans cannot starve it.
type ScanCoordinator struct {
	mu          sync.Mutex
	activeScans int
	updating    bool
	waiting     int

	// changed is closed and replaced on every state change.
	changed chan struct{}
}

// NewScanCoordinator creates an idle coordinator.
func NewScanCoordinator() *ScanCoordinator {
	return &ScanCoordinator{changed: make(chan struct{})}
}

// broadcast must be called with mu held.
func (c *ScanCoordinator) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// waitUntil blocks until ready reports true, then runs take. Both run
// with mu held.
func (c *ScanCoordinator) waitUntil(ctx context.Context, ready func() bool, take func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	for !ready() {
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	take()
	c.mu.Unlock()
	return nil
}

// AcquireForScan waits for any running or waiting update, then registers a
// scan. The returned release is safe to call more than once.
func (c *ScanCoordinator) AcquireForScan(ctx context.Context) (release func(), err error) {
	err = c.waitUntil(ctx,
		func() bool { return !c.updating && c.waiting == 0 },
		func() { c.activeScans++ },
	)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.activeScans--
			if c.activeScans == 0 {
				c.broadcast()
			}
			c.mu.Unlock()
		})
	}, nil
}

// AcquireForUpdate waits for active scans to drain, then takes exclusive
// access. The returned release is safe to call more than once.
func (c *ScanCoordinator) AcquireForUpdate(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.waiting++
	c.mu.Unlock()

	err = c.waitUntil(ctx,
		func() bool { return !c.updating && c.activeScans == 0 },
		func() {
			c.waiting--
			c.updating = true
		},
	)
	if err != nil {
		c.mu.Lock()
		c.waiting--
		c.broadcast()
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.updating = false
			c.broadcast()
			c.mu.Unlock()
		})
	}, nil
}

// HasActiveScans reports whether any scan holds the database.
func (c *ScanCoordinator) HasActiveScans() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeScans > 0
}

// IsUpdating reports whether an update holds the database.
func (c *ScanCoordinator) IsUpdating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updating
}

// Status returns a snapshot.
func (c *ScanCoordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorStatus{
		ActiveScans:      c.activeScans,
		UpdateInProgress: c.updating,
		UpdatesWaiting:   c.waiting,
	}
}
