// ABOUTME: Audit trail for destructive-looking cache operations
// ABOUTME: Records backups, clears, lock removals and database replacements

package observability

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventBackup         = "BACKUP"
	EventClear          = "CLEAR"
	EventLockRemoved    = "LOCK_REMOVED"
	EventDatabaseUpdate = "DATABASE_UPDATE"
)

// AuditLogger records cache mutations so operators can reconstruct what
// recovery did to a cache directory.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger}
}

func (a *AuditLogger) log(ctx context.Context, event, resource string, attrs ...slog.Attr) {
	base := []any{
		slog.String("event_type", event),
		slog.String("resource", resource),
		slog.String("run_id", FromContext(ctx).String()),
		slog.Time("timestamp", time.Now().UTC()),
	}
	for _, attr := range attrs {
		base = append(base, attr)
	}
	a.logger.InfoContext(ctx, "audit_event", base...)
}

// LogBackup records that a file was copied into the backup directory.
func (a *AuditLogger) LogBackup(ctx context.Context, source, backup string, size int64) {
	a.log(ctx, EventBackup, source,
		slog.String("backup", backup),
		slog.Int64("size", size),
	)
}

// LogClear records that a cache state file was removed.
func (a *AuditLogger) LogClear(ctx context.Context, path, reason string) {
	a.log(ctx, EventClear, path, slog.String("reason", reason))
}

// LogLockRemoved records removal of a stale lock file.
func (a *AuditLogger) LogLockRemoved(ctx context.Context, path string, age time.Duration) {
	a.log(ctx, EventLockRemoved, path, slog.Duration("age", age))
}

// LogDatabaseUpdate records a verified database replacement.
func (a *AuditLogger) LogDatabaseUpdate(ctx context.Context, path, checksum string, size int64) {
	a.log(ctx, EventDatabaseUpdate, path,
		slog.String("checksum", checksum),
		slog.Int64("size", size),
	)
}
