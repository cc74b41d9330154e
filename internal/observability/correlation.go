// ABOUTME: Run ID system tying together logs of one update run or HTTP request
// ABOUTME: Generates, propagates, and extracts run IDs via context and headers

package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RunIDHeader is the HTTP header carrying run IDs on the status API.
const RunIDHeader = "X-Run-ID"

type runIDKey struct{}

// RunID identifies one coordinator run or one API request.
type RunID string

// String returns the string representation of the run ID.
func (r RunID) String() string {
	return string(r)
}

// NewRunID generates a new unique run ID.
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// WithRunID returns a new context with the run ID attached.
func WithRunID(ctx context.Context, id RunID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// FromContext extracts the run ID from the context.
// Returns an empty RunID if none is present.
func FromContext(ctx context.Context) RunID {
	id, _ := ctx.Value(runIDKey{}).(RunID)
	return id
}

// EnsureRunID returns ctx unchanged if it already carries a run ID,
// otherwise a child context with a fresh one.
func EnsureRunID(ctx context.Context) (context.Context, RunID) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// RunIDMiddleware wraps an HTTP handler to inject run IDs.
// An incoming X-Run-ID header is reused; otherwise a new ID is generated.
func RunIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RunID(r.Header.Get(RunIDHeader))
		if id == "" {
			id = NewRunID()
		}
		w.Header().Set(RunIDHeader, id.String())
		next.ServeHTTP(w, r.WithContext(WithRunID(r.Context(), id)))
	})
}
