// ABOUTME: Cache validity oracle combining local timestamps with remote probes
// ABOUTME: Produces a Decision with the reason, observed remote values and network calls

package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// DefaultThresholdPercent is the record-count delta that forces a refresh
// when neither the configuration nor the metadata sets one.
const DefaultThresholdPercent = 5.0

// Reason explains a Decision.
type Reason string

// Decision reasons.
const (
	ReasonNoMetadata          Reason = "no_metadata"
	ReasonMetadataUnreadable  Reason = "metadata_unreadable"
	ReasonVersionMismatch     Reason = "version_mismatch"
	ReasonExpired             Reason = "validity_window_expired"
	ReasonLocalOnly           Reason = "local_only"
	ReasonOffline             Reason = "offline"
	ReasonRemoteDisabled      Reason = "remote_validation_disabled"
	ReasonRecentlyChecked     Reason = "recently_checked"
	ReasonTimestampUnchanged  Reason = "timestamp_unchanged"
	ReasonNoPriorCount        Reason = "no_prior_record_count"
	ReasonCountBelowThreshold Reason = "record_count_below_threshold"
	ReasonCountAboveThreshold Reason = "record_count_above_threshold"
	ReasonProbeFailed         Reason = "probe_failed_local_fallback"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Probe reports remote freshness.
type Probe interface {
	LastModified(ctx context.Context, hasCredential bool) (time.Time, error)
	RecordCount(ctx context.Context, hasCredential bool) (int64, error)
}

// MetadataStore persists CacheMetadata.
type MetadataStore interface {
	Load() (*cachestate.Metadata, error)
	Touch(now time.Time) error
}

// Config configures an Oracle.
type Config struct {
	// ValidityWindow is the local freshness window.
	ValidityWindow time.Duration

	// ThresholdPercent overrides the persisted threshold when positive.
	ThresholdPercent float64

	// RemoteValidation enables the remote probes.
	RemoteValidation bool

	// MinRecheckInterval skips probes when the last check is younger.
	MinRecheckInterval time.Duration

	// LocalOnly answers from the metadata file alone.
	LocalOnly bool

	// Offline forbids network calls.
	Offline bool

	// Version is the expected metadata schema version.
	// Defaults to cachestate.CurrentVersion.
	Version string
}

// Decision is the answer to one validity check.
type Decision struct {
	Valid          bool                 `json:"valid"`
	Reason         Reason               `json:"reason"`
	Detail         string               `json:"detail,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
	Metadata       *cachestate.Metadata `json:"-"`
	RemoteModified time.Time            `json:"remote_modified,omitzero"`
	RemoteCount    int64                `json:"remote_count,omitempty"`
	DeltaPercent   float64              `json:"delta_percent,omitempty"`
	Threshold      float64              `json:"threshold_percent,omitempty"`
	NetworkCalls   int                  `json:"network_calls"`
	RemoteChecked  bool                 `json:"remote_checked"`
}

// Oracle decides whether the cached database may be used as is.
type Oracle struct {
	cfg     Config
	store   MetadataStore
	probe   Probe
	clock   Clock
	metrics *observability.UpdateMetrics
	logger  *slog.Logger
}

// Option customizes an Oracle.
type Option func(*Oracle)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(o *Oracle) { o.clock = c }
}

// WithMetrics records every decision.
func WithMetrics(m *observability.UpdateMetrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// New creates an oracle. probe may be nil when remote validation is off.
func New(cfg Config, store MetadataStore, probe Probe, opts ...Option) *Oracle {
	if cfg.Version == "" {
		cfg.Version = cachestate.CurrentVersion
	}
	o := &Oracle{
		cfg:    cfg,
		store:  store,
		probe:  probe,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "oracle"))
	return o
}

// IsValid reports whether the cached database is fresh enough to use.
func (o *Oracle) IsValid(ctx context.Context, hasCredential bool) bool {
	return o.Evaluate(ctx, hasCredential).Valid
}

// Evaluate runs the validity check and explains its answer.
func (o *Oracle) Evaluate(ctx context.Context, hasCredential bool) Decision {
	ctx, span := observability.StartSpan(ctx, "oracle.Evaluate")

	d := o.evaluate(ctx, hasCredential)

	span.SetAttributes(
		attribute.Bool("valid", d.Valid),
		attribute.String("reason", string(d.Reason)),
		attribute.Int("network_calls", d.NetworkCalls),
	)
	observability.EndSpan(span, nil)

	if o.metrics != nil {
		o.metrics.RecordDecision(d.Valid)
	}
	o.log(ctx, d)
	return d
}

func (o *Oracle) evaluate(ctx context.Context, hasCredential bool) Decision {
	now := o.clock.Now()
	d := Decision{CheckedAt: now}

	meta, err := o.store.Load()
	switch {
	case errors.Is(err, cachestate.ErrNoMetadata):
		return d.invalid(ReasonNoMetadata, "first run")
	case err != nil:
		return d.invalid(ReasonMetadataUnreadable, err.Error())
	}
	d.Metadata = meta

	if meta.CacheVersion != o.cfg.Version {
		return d.invalid(ReasonVersionMismatch, fmt.Sprintf("stored %q, current %q", meta.CacheVersion, o.cfg.Version))
	}

	elapsed := now.Sub(meta.LastCheck)
	if elapsed >= o.cfg.ValidityWindow {
		return d.invalid(ReasonExpired, fmt.Sprintf("last check %s ago, window %s", elapsed.Round(time.Second), o.cfg.ValidityWindow))
	}

	switch {
	case o.cfg.LocalOnly:
		return d.valid(ReasonLocalOnly, "")
	case o.cfg.Offline:
		return d.valid(ReasonOffline, "")
	case !o.cfg.RemoteValidation || o.probe == nil:
		return d.valid(ReasonRemoteDisabled, "")
	case elapsed < o.cfg.MinRecheckInterval:
		return d.valid(ReasonRecentlyChecked, fmt.Sprintf("last check %s ago", elapsed.Round(time.Second)))
	}

	d.RemoteChecked = true
	d.NetworkCalls++
	remote, err := o.probe.LastModified(ctx, hasCredential)
	if err != nil {
		return d.fallback(err)
	}
	d.RemoteModified = remote

	if !remote.After(meta.LastRemoteModified) {
		o.touch(now)
		return d.valid(ReasonTimestampUnchanged, "")
	}

	if !meta.HasRecordCount() {
		return d.invalid(ReasonNoPriorCount, fmt.Sprintf("remote modified %s", remote.UTC().Format(time.RFC3339)))
	}

	d.NetworkCalls++
	count, err := o.probe.RecordCount(ctx, hasCredential)
	if err != nil {
		return d.fallback(err)
	}
	d.RemoteCount = count
	d.Threshold = o.threshold(meta)
	d.DeltaPercent = DeltaPercent(meta.LastRecordCount, count)

	detail := fmt.Sprintf("delta %.2f%% of %d records, threshold %.2f%%", d.DeltaPercent, meta.LastRecordCount, d.Threshold)
	if d.DeltaPercent >= d.Threshold {
		return d.invalid(ReasonCountAboveThreshold, detail)
	}
	o.touch(now)
	return d.valid(ReasonCountBelowThreshold, detail)
}

// threshold resolves configuration, then metadata, then the default.
func (o *Oracle) threshold(meta *cachestate.Metadata) float64 {
	switch {
	case o.cfg.ThresholdPercent > 0:
		return o.cfg.ThresholdPercent
	case meta.UpdateThresholdPercent > 0:
		return meta.UpdateThresholdPercent
	default:
		return DefaultThresholdPercent
	}
}

func (o *Oracle) touch(now time.Time) {
	if err := o.store.Touch(now); err != nil {
		o.logger.Warn("could not record last check time", slog.String("error", err.Error()))
	}
}

func (o *Oracle) log(ctx context.Context, d Decision) {
	attrs := []any{
		slog.Bool("valid", d.Valid),
		slog.String("reason", string(d.Reason)),
		slog.Int("network_calls", d.NetworkCalls),
	}
	if d.Detail != "" {
		attrs = append(attrs, slog.String("detail", observability.RedactSensitive(d.Detail)))
	}

	switch d.Reason {
	case ReasonTimestampUnchanged:
		o.logger.InfoContext(ctx, "timestamp-based cache hit", attrs...)
	case ReasonProbeFailed:
		o.logger.WarnContext(ctx, "remote check failed, using local validity window", attrs...)
	case ReasonLocalOnly, ReasonOffline, ReasonRemoteDisabled, ReasonRecentlyChecked:
		o.logger.DebugContext(ctx, "cache valid without remote check", attrs...)
	default:
		o.logger.InfoContext(ctx, "cache validity decided", attrs...)
	}
}

// DeltaPercent returns |current-last|/last*100. A zero last count yields
// +Inf for any change.
func DeltaPercent(last, current int64) float64 {
	diff := math.Abs(float64(current - last))
	if last == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return diff / float64(last) * 100
}

func (d Decision) valid(r Reason, detail string) Decision {
	d.Valid = true
	d.Reason = r
	d.Detail = detail
	return d
}

func (d Decision) invalid(r Reason, detail string) Decision {
	d.Valid = false
	d.Reason = r
	d.Detail = detail
	return d
}

// fallback answers from the local window, which has already passed.
func (d Decision) fallback(err error) Decision {
	return d.valid(ReasonProbeFailed, err.Error())
}
