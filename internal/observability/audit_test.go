// ABOUTME: Tests for the cache audit logger
// ABOUTME: Each event type must carry its resource and run ID

package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

func TestAuditLogger_Events(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		log       func(a *observability.AuditLogger, ctx context.Context)
		wantEvent string
		wantField string
	}{
		{
			name: "backup",
			log: func(a *observability.AuditLogger, ctx context.Context) {
				a.LogBackup(ctx, "/c/nvd.db", "/c/corrupted-backups/nvd.db.1", 42)
			},
			wantEvent: observability.EventBackup,
			wantField: "backup",
		},
		{
			name: "clear",
			log: func(a *observability.AuditLogger, ctx context.Context) {
				a.LogClear(ctx, "/c/nvd-cache.properties", "corrupted")
			},
			wantEvent: observability.EventClear,
			wantField: "reason",
		},
		{
			name: "lock removed",
			log: func(a *observability.AuditLogger, ctx context.Context) {
				a.LogLockRemoved(ctx, "/c/nvd.db.lock", time.Hour)
			},
			wantEvent: observability.EventLockRemoved,
			wantField: "age",
		},
		{
			name: "database update",
			log: func(a *observability.AuditLogger, ctx context.Context) {
				a.LogDatabaseUpdate(ctx, "/c/nvd.db", "deadbeef", 1024)
			},
			wantEvent: observability.EventDatabaseUpdate,
			wantField: "checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := observability.NewLogger(observability.LoggingConfig{Format: "json"}, &buf)
			audit := observability.NewAuditLogger(logger)
			ctx := observability.WithRunID(context.Background(), "run-9")

			tt.log(audit, ctx)

			var entry map[string]any
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
				t.Fatalf("parse log: %v\n%s", err, buf.String())
			}
			if entry["msg"] != "audit_event" {
				t.Errorf("msg = %v", entry["msg"])
			}
			if entry["event_type"] != tt.wantEvent {
				t.Errorf("event_type = %v, want %s", entry["event_type"], tt.wantEvent)
			}
			if entry["run_id"] != "run-9" {
				t.Errorf("run_id = %v", entry["run_id"])
			}
			if _, ok := entry[tt.wantField]; !ok {
				t.Errorf("missing field %q in %s", tt.wantField, strings.TrimSpace(buf.String()))
			}
		})
	}
}

func TestNewAuditLogger_NilLogger(t *testing.T) {
	t.Parallel()

	audit := observability.NewAuditLogger(nil)
	audit.LogClear(context.Background(), "/tmp/x", "test")
}
