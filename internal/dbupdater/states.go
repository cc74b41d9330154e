// ABOUTME: States and transitions of the NVD update coordinator
// ABOUTME: Records every transition with timing so a run can be reconstructed

package dbupdater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// State is a coordinator state.
type State string

// Coordinator states.
const (
	StateCheckingValidity State = "checking_validity"
	StateCacheHit         State = "cache_hit"
	StateDownloading      State = "downloading"
	StateValidating       State = "validating"
	StateValid            State = "valid"
	StateRecovering       State = "recovering"
	StateRetrying         State = "retrying"
	StateFailed           State = "failed"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateCheckingValidity: {StateCacheHit, StateDownloading, StateFailed},
	StateDownloading:      {StateValidating, StateRecovering, StateFailed},
	StateValidating:       {StateValid, StateRecovering},
	StateRecovering:       {StateRetrying, StateFailed},
	StateRetrying:         {StateDownloading, StateFailed},
}

// IsTerminal reports whether the run ends in s.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State         `json:"from"`
	To   State         `json:"to"`
	At   time.Time     `json:"at"`
	In   time.Duration `json:"time_in_from"`
	Note string        `json:"note,omitempty"`
}

// machine tracks the current state of one run.
type machine struct {
	state   State
	entered time.Time
	history []Transition
	now     func() time.Time
	metrics *observability.UpdateMetrics
	logger  *slog.Logger
}

func newMachine(now func() time.Time, metrics *observability.UpdateMetrics, logger *slog.Logger) *machine {
	return &machine{
		state:   StateCheckingValidity,
		entered: now(),
		now:     now,
		metrics: metrics,
		logger:  logger,
	}
}

// move changes state. An illegal transition is a programming error and
// panics.
func (m *machine) move(ctx context.Context, to State, note string, stageOK bool) {
	if !m.state.CanTransition(to) {
		panic(fmt.Sprintf("dbupdater: illegal transition %s -> %s", m.state, to))
	}

	at := m.now()
	tr := Transition{From: m.state, To: to, At: at, In: at.Sub(m.entered), Note: note}
	m.history = append(m.history, tr)

	if m.metrics != nil {
		m.metrics.RecordStage(string(m.state), tr.In, stageOK)
	}

	attrs := []any{slog.String("from", string(tr.From)), slog.String("to", string(to))}
	if note != "" {
		attrs = append(attrs, slog.String("reason", note))
	}
	m.logger.DebugContext(ctx, "update state change", attrs...)

	m.state = to
	m.entered = at
}
