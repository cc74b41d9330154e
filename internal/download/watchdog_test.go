// ABOUTME: Tests for the idle-read watchdog
// ABOUTME: Verifies firing, kicking and error mapping

package download

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWatchdog_FiresWhenIdle(t *testing.T) {
	t.Parallel()

	wd := newWatchdog(context.Background(), 20*time.Millisecond)
	defer wd.Stop()

	select {
	case <-wd.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	if got := wd.Err(context.Canceled); !errors.Is(got, ErrIdleTimeout) {
		t.Errorf("Err() = %v, want ErrIdleTimeout", got)
	}
}

func TestWatchdog_KickPostpones(t *testing.T) {
	t.Parallel()

	wd := newWatchdog(context.Background(), 80*time.Millisecond)
	defer wd.Stop()

	r := wd.Reader(strings.NewReader("abc"))
	buf := make([]byte, 1)
	for range 3 {
		time.Sleep(40 * time.Millisecond)
		if _, err := r.Read(buf); err != nil {
			t.Fatal(err)
		}
	}
	if err := wd.ctx.Err(); err != nil {
		t.Errorf("watchdog fired despite reads: %v", context.Cause(wd.ctx))
	}
}

func TestWatchdog_ZeroTimeoutDisabled(t *testing.T) {
	t.Parallel()

	wd := newWatchdog(context.Background(), 0)
	time.Sleep(10 * time.Millisecond)
	if wd.ctx.Err() != nil {
		t.Error("disabled watchdog cancelled its context")
	}

	wd.Stop()
	if got := wd.Err(errors.New("other")); errors.Is(got, ErrIdleTimeout) {
		t.Error("Stop must not be reported as an idle timeout")
	}
}
