// ABOUTME: Tests for the scan coordinator
// ABOUTME: Shared scans, exclusive updates, writer preference and cancellation

package dbupdater

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScanCoordinator_ScansShare(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	ctx := context.Background()

	var releases []func()
	for range 3 {
		release, err := c.AcquireForScan(ctx)
		if err != nil {
			t.Fatalf("AcquireForScan() error = %v", err)
		}
		releases = append(releases, release)
	}
	if got := c.Status().ActiveScans; got != 3 {
		t.Errorf("ActiveScans = %d, want 3", got)
	}

	for _, r := range releases {
		r()
		r()
	}
	if c.HasActiveScans() {
		t.Error("double release must not drive the count negative or leave scans")
	}
}

func TestScanCoordinator_UpdateWaitsForScans(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	ctx := context.Background()

	releaseScan, err := c.AcquireForScan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan func())
	go func() {
		release, err := c.AcquireForUpdate(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- release
	}()

	select {
	case <-acquired:
		t.Fatal("update acquired while a scan was active")
	case <-time.After(50 * time.Millisecond):
	}

	releaseScan()
	select {
	case release := <-acquired:
		if !c.IsUpdating() {
			t.Error("IsUpdating() = false after acquire")
		}
		release()
	case <-time.After(time.Second):
		t.Fatal("update never acquired after scans drained")
	}
}

func TestScanCoordinator_WaitingUpdateBlocksNewScans(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	ctx := context.Background()

	releaseScan, _ := c.AcquireForScan(ctx)

	updateDone := make(chan struct{})
	go func() {
		release, err := c.AcquireForUpdate(ctx)
		if err == nil {
			time.Sleep(20 * time.Millisecond)
			release()
		}
		close(updateDone)
	}()

	for c.Status().UpdatesWaiting == 0 {
		time.Sleep(time.Millisecond)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := c.AcquireForScan(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("new scan with a waiting update: err = %v, want deadline exceeded", err)
	}

	releaseScan()
	<-updateDone

	release, err := c.AcquireForScan(ctx)
	if err != nil {
		t.Fatalf("scan after update: %v", err)
	}
	release()
}

func TestScanCoordinator_UpdatesExclusive(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.AcquireForUpdate(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent updates = %d, want 1", maxInside.Load())
	}
}

func TestScanCoordinator_CancelledUpdateUnblocksScans(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	releaseScan, _ := c.AcquireForScan(context.Background())
	defer releaseScan()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.AcquireForUpdate(ctx); err == nil {
		t.Fatal("AcquireForUpdate() should time out while a scan is active")
	}

	if got := c.Status().UpdatesWaiting; got != 0 {
		t.Errorf("UpdatesWaiting = %d after cancellation, want 0", got)
	}
	release, err := c.AcquireForScan(context.Background())
	if err != nil {
		t.Fatalf("scan blocked by an abandoned update: %v", err)
	}
	release()
}

func TestScanCoordinator_CancelledContext(t *testing.T) {
	t.Parallel()

	c := NewScanCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.AcquireForScan(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("AcquireForScan() error = %v", err)
	}
	if _, err := c.AcquireForUpdate(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("AcquireForUpdate() error = %v", err)
	}
}
