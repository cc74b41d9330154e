// ABOUTME: Structured error context for the cache refresh pipeline
// ABOUTME: Error codes, categories (transient, format, integrity, configuration), slog integration

package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// Error category constants.
const (
	CategoryTransient     = "transient"     // Network timeouts, non-2xx responses.
	CategoryFormat        = "format"        // Remote schema drift, unparsable payloads.
	CategoryIntegrity     = "integrity"     // Checksum, header, size or lock failures.
	CategoryConfiguration = "configuration" // Unwritable cache dir, no disk space.
	CategoryPermanent     = "permanent"     // Anything else that will not heal by retrying.
)

// Common error codes.
const (
	CodeProbeFailed      = "PROBE_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeRecoveryFailed   = "RECOVERY_FAILED"
	CodeCacheDir         = "CACHE_DIR_UNUSABLE"
	CodeDiskSpace        = "INSUFFICIENT_DISK_SPACE"
	CodeMetadata         = "METADATA_UNREADABLE"
)

// ErrorContext provides structured context for errors.
type ErrorContext struct {
	// Code is a unique error identifier (e.g., "PROBE_FAILED").
	Code string `json:"code"`

	// Category classifies the error type.
	Category string `json:"category"`

	// Operation is the operation that failed (e.g., "probe_last_modified").
	Operation string `json:"operation"`

	// StackTrace contains the call stack if captured.
	StackTrace string `json:"stack_trace,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`

	// Err is the underlying error if any.
	Err error `json:"-"`
}

// NewErrorContext creates a new error context.
func NewErrorContext(code, category, operation string) *ErrorContext {
	return &ErrorContext{
		Code:      code,
		Category:  category,
		Operation: operation,
	}
}

// ConfigurationError is shorthand for a configuration-class error.
func ConfigurationError(code, operation string, err error) *ErrorContext {
	return NewErrorContext(code, CategoryConfiguration, operation).WithError(err)
}

// WithStack captures the current call stack.
func (e *ErrorContext) WithStack() *ErrorContext {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	e.StackTrace = sb.String()
	return e
}

// WithDetails adds additional context details.
func (e *ErrorContext) WithDetails(details any) *ErrorContext {
	e.Details = details
	return e
}

// WithError attaches the underlying error.
func (e *ErrorContext) WithError(err error) *ErrorContext {
	e.Err = err
	return e
}

// IsRetryable returns true if the error is retryable.
func (e *ErrorContext) IsRetryable() bool {
	return e.Category == CategoryTransient
}

// IsFatal reports whether the error must escalate to the caller.
// Only configuration errors do; retrying cannot fix them.
func (e *ErrorContext) IsFatal() bool {
	return e.Category == CategoryConfiguration
}

// Error implements the error interface.
func (e *ErrorContext) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Category, e.Operation, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Operation)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ErrorContext) Unwrap() error {
	return e.Err
}

// LogValue implements slog.LogValuer for structured logging.
func (e *ErrorContext) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", e.Code),
		slog.String("category", e.Category),
		slog.String("operation", e.Operation),
		slog.Bool("is_retryable", e.IsRetryable()),
	}

	if e.StackTrace != "" {
		attrs = append(attrs, slog.String("stack_trace", e.StackTrace))
	}
	if e.Details != nil {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	return slog.GroupValue(attrs...)
}

// CategoryOf returns the category of the first ErrorContext in err's chain,
// or an empty string.
func CategoryOf(err error) string {
	var ec *ErrorContext
	if errors.As(err, &ec) {
		return ec.Category
	}
	return ""
}

// IsConfigurationError reports whether err carries a configuration category.
func IsConfigurationError(err error) bool {
	return CategoryOf(err) == CategoryConfiguration
}
