// ABOUTME: Tests for the update backoff schedule
// ABOUTME: Delay growth, capping, jitter bounds, exhaustion and context-aware waits

package dbupdater

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{})
	want := DefaultBackoffConfig()
	want.JitterFraction = 0

	if b.config != want {
		t.Errorf("config = %+v, want %+v", b.config, want)
	}
}

func TestBackoff_Schedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  BackoffConfig
		want []time.Duration
	}{
		{
			name: "doubling",
			cfg:  BackoffConfig{MaxRetries: 4, InitialDelay: time.Second, MaxDelay: time.Hour, Multiplier: 2},
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name: "capped",
			cfg:  BackoffConfig{MaxRetries: 4, InitialDelay: 10 * time.Second, MaxDelay: 25 * time.Second, Multiplier: 2},
			want: []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second},
		},
		{
			name: "single recovery retry",
			cfg:  BackoffConfig{MaxRetries: 1, InitialDelay: 2 * time.Second, MaxDelay: 2 * time.Second, Multiplier: 1},
			want: []time.Duration{2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := NewBackoff(tt.cfg)
			for i, want := range tt.want {
				got, ok := b.NextDelay()
				if !ok || got != want {
					t.Errorf("NextDelay() #%d = %v, %v; want %v, true", i, got, ok, want)
				}
			}
			if _, ok := b.NextDelay(); ok {
				t.Error("NextDelay() should be exhausted")
			}
			if b.Attempts() != len(tt.want) {
				t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(tt.want))
			}
		})
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Second, JitterFraction: 0.2})
		b.random = func() float64 { return r }

		got, _ := b.NextDelay()
		if got < 8*time.Second || got > 12*time.Second {
			t.Errorf("random=%v: delay %v outside ±20%% of 10s", r, got)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{MaxRetries: 2, InitialDelay: time.Second, Multiplier: 3})
	b.NextDelay()
	b.NextDelay()
	b.Reset()

	if got, ok := b.NextDelay(); !ok || got != time.Second {
		t.Errorf("after Reset NextDelay() = %v, %v", got, ok)
	}
}

func TestBackoff_Wait(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := b.Wait(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Wait() error = %v, want ErrRetriesExhausted", err)
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestBackoffConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     BackoffConfig
		wantErr bool
	}{
		{"defaults", DefaultBackoffConfig(), false},
		{"zero", BackoffConfig{}, false},
		{"jitter too high", BackoffConfig{JitterFraction: 1.5}, true},
		{"negative jitter", BackoffConfig{JitterFraction: -0.1}, true},
		{"shrinking multiplier", BackoffConfig{Multiplier: 0.5}, true},
		{"negative retries", BackoffConfig{MaxRetries: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
