// ABOUTME: Idle-read watchdog for HTTP bodies
// ABOUTME: Cancels a request whose body stops producing bytes for too long

package download

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrIdleTimeout indicates a transfer stalled longer than the read timeout.
var ErrIdleTimeout = errors.New("read stalled past idle timeout")

// watchdog cancels its context when Kick is not called within timeout.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

// newWatchdog arms a watchdog over a child of parent.
// A zero timeout disables it.
func newWatchdog(parent context.Context, timeout time.Duration) *watchdog {
	ctx, cancel := context.WithCancelCause(parent)
	w := &watchdog{ctx: ctx, cancel: cancel, timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) })
	}
	return w
}

// Kick postpones the deadline.
func (w *watchdog) Kick() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

// Stop disarms the watchdog and releases its context.
func (w *watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel(context.Canceled)
}

// Err maps a transfer error to ErrIdleTimeout when the watchdog fired.
func (w *watchdog) Err(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(w.ctx), ErrIdleTimeout) {
		return ErrIdleTimeout
	}
	return err
}

// Reader wraps r so every successful read kicks the watchdog.
func (w *watchdog) Reader(r io.Reader) io.Reader {
	return &kickReader{r: r, w: w}
}

type kickReader struct {
	r io.Reader
	w *watchdog
}

func (k *kickReader) Read(p []byte) (int, error) {
	n, err := k.r.Read(p)
	if n > 0 {
		k.w.Kick()
	}
	return n, err
}
