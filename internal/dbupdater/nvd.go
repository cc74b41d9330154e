// ABOUTME: Resilient NVD database updater sequencing oracle, download, validation and recovery
// ABOUTME: Bounded single retry at reduced scope, degraded outcomes instead of errors

package dbupdater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/compat"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/download"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/oracle"
)

// NVDUpdaterName identifies the NVD updater.
const NVDUpdaterName = "nvd"

// ErrNoDatabaseURL is returned when a download is needed but no source is
// configured.
var ErrNoDatabaseURL = errors.New("feed.database_url is not configured")

// Validator decides whether the cache is fresh.
type Validator interface {
	Evaluate(ctx context.Context, hasCredential bool) oracle.Decision
}

// Fetcher downloads a batch of files.
type Fetcher interface {
	Download(ctx context.Context, reqs []download.Request, apiKey string) *download.Outcome
}

// NVDUpdaterConfig wires the updater's collaborators.
type NVDUpdaterConfig struct {
	// Dir is the cache directory.
	Dir string

	// DatabaseURL serves the database file.
	DatabaseURL string

	// ExtraURLs are auxiliary feed files stored next to the database.
	ExtraURLs []string

	// APIKey is the optional feed credential.
	APIKey string

	// Offline forbids downloads; existing data is used as is.
	Offline bool

	// ThresholdPercent is persisted with the metadata.
	ThresholdPercent float64

	Oracle      Validator
	Probe       oracle.Probe
	Downloader  Fetcher
	Verifier    *integrity.Verifier
	Initializer *integrity.Initializer
	Recovery    *integrity.RecoveryManager
	Store       *cachestate.Store

	// Rewriter fixes JSON feed files after download. Optional.
	Rewriter *compat.Rewriter

	// Coordinator keeps scans off the database during replacement. Optional.
	Coordinator *ScanCoordinator

	// RecoveryRetry spaces the single in-run retry.
	RecoveryRetry BackoffConfig

	// Metrics records the run. Optional.
	Metrics *observability.UpdateMetrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for run events.
	Logger *slog.Logger
}

// RunResult describes one coordinator run.
type RunResult struct {
	RunID       string                       `json:"run_id"`
	State       State                        `json:"state"`
	Success     bool                         `json:"success"`
	Degraded    bool                         `json:"degraded"`
	Usable      bool                         `json:"usable"`
	FirstTime   bool                         `json:"first_time"`
	Retried     bool                         `json:"retried"`
	Recovered   bool                         `json:"recovered"`
	Decision    *oracle.Decision             `json:"decision,omitempty"`
	Download    *download.Outcome            `json:"download,omitempty"`
	Validation  *integrity.ValidationResult  `json:"validation,omitempty"`
	Transitions []Transition                 `json:"transitions"`
	StartedAt   time.Time                    `json:"started_at"`
	Duration    time.Duration                `json:"duration"`
	Error       string                       `json:"error,omitempty"`
}

// AsyncResult carries the outcome of RunAsync.
type AsyncResult struct {
	Result *RunResult
	Err    error
}

// NVDUpdater keeps the local NVD database fresh and verified.
type NVDUpdater struct {
	cfg    NVDUpdaterConfig
	logger *slog.Logger

	// runMu serializes runs against the cache directory.
	runMu sync.Mutex

	mu   sync.RWMutex
	last *RunResult
}

// NewNVDUpdater creates an updater.
func NewNVDUpdater(cfg NVDUpdaterConfig) *NVDUpdater {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RecoveryRetry.MaxRetries == 0 {
		cfg.RecoveryRetry.MaxRetries = 1
	}
	return &NVDUpdater{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "updater"), slog.String("updater", NVDUpdaterName)),
	}
}

// Run executes one update. Only configuration errors are returned; every
// other failure is reported in the result with Degraded set.
func (u *NVDUpdater) Run(ctx context.Context) (*RunResult, error) {
	u.runMu.Lock()
	defer u.runMu.Unlock()

	ctx, runID := observability.EnsureRunID(ctx)
	ctx, span := observability.StartSpan(ctx, "dbupdater.Run")

	res := &RunResult{RunID: runID.String(), StartedAt: u.cfg.Now()}
	m := newMachine(u.cfg.Now, u.cfg.Metrics, u.logger.With(slog.String("run_id", res.RunID)))

	err := u.run(ctx, m, res)

	res.State = m.state
	res.Transitions = m.history
	res.Duration = u.cfg.Now().Sub(res.StartedAt)
	if res.State == StateCacheHit {
		res.Usable = true
	} else {
		res.Usable = u.cfg.Verifier.HasValidDatabase()
	}

	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.Bool("degraded", res.Degraded),
		attribute.Bool("retried", res.Retried),
	)
	observability.EndSpan(span, err)

	if u.cfg.Metrics != nil {
		u.cfg.Metrics.RecordRun(res.Success)
	}
	u.logResult(ctx, res)

	u.mu.Lock()
	u.last = res
	u.mu.Unlock()

	return res, err
}

// RunAsync starts Run in the background. The channel receives exactly one
// value.
func (u *NVDUpdater) RunAsync(ctx context.Context) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		res, err := u.Run(ctx)
		ch <- AsyncResult{Result: res, Err: err}
		close(ch)
	}()
	return ch
}

// LastResult returns the most recent run, or nil.
func (u *NVDUpdater) LastResult() *RunResult {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.last
}

func (u *NVDUpdater) run(ctx context.Context, m *machine, res *RunResult) error {
	hasCred := u.cfg.APIKey != ""

	if err := u.cfg.Initializer.CheckEnvironment(); err != nil {
		m.move(ctx, StateFailed, "environment unusable", false)
		res.Degraded = true
		res.Error = err.Error()
		return err
	}
	current := u.cfg.Verifier.Validate(ctx)
	dbValid := current.Valid
	res.FirstTime = u.cfg.Initializer.SetupRequired(current)

	decision := u.cfg.Oracle.Evaluate(ctx, hasCred)
	res.Decision = &decision

	switch {
	case decision.Valid && dbValid:
		m.move(ctx, StateCacheHit, string(decision.Reason), true)
		res.Success = true
		res.Degraded = decision.Reason == oracle.ReasonProbeFailed
		if res.FirstTime {
			u.markInitialized(true, hasCred)
		}
		return nil

	case u.cfg.Offline && dbValid:
		m.move(ctx, StateCacheHit, "offline, using existing database", true)
		res.Success = true
		res.Degraded = true
		u.logger.WarnContext(ctx, "offline mode, proceeding with existing database",
			slog.String("reason", string(decision.Reason)))
		return nil

	case u.cfg.Offline:
		m.move(ctx, StateFailed, "offline without a valid database", false)
		res.Degraded = true
		res.Error = "offline mode and no valid database on disk"
		return nil

	case u.cfg.DatabaseURL == "":
		m.move(ctx, StateFailed, "no database URL", false)
		res.Degraded = true
		err := observability.ConfigurationError(observability.CodeDownloadFailed, "update", ErrNoDatabaseURL)
		res.Error = err.Error()
		return err
	}

	note := string(decision.Reason)
	if decision.Valid {
		note = "metadata fresh but database failed verification"
	}
	m.move(ctx, StateDownloading, note, false)

	release := func() {}
	if u.cfg.Coordinator != nil {
		r, err := u.cfg.Coordinator.AcquireForUpdate(ctx)
		if err != nil {
			m.move(ctx, StateFailed, "could not acquire update lock", false)
			res.Degraded = true
			res.Error = fmt.Sprintf("acquiring update lock: %v", err)
			return nil
		}
		release = r
	}
	defer release()

	var failure error
	for attempt := 0; ; attempt++ {
		reduced := attempt > 0

		failure = u.downloadAndValidate(ctx, m, res, hasCred, reduced)
		if failure == nil {
			return nil
		}

		m.move(ctx, StateRecovering, failure.Error(), false)
		u.recover(ctx, res)

		if reduced {
			break
		}

		m.move(ctx, StateRetrying, "", true)
		res.Retried = true
		if err := NewBackoff(u.cfg.RecoveryRetry).Wait(ctx); err != nil {
			failure = fmt.Errorf("%w (retry abandoned: %v)", failure, err)
			break
		}
		m.move(ctx, StateDownloading, "retry at reduced scope", true)
	}

	m.move(ctx, StateFailed, failure.Error(), false)
	res.Degraded = true
	res.Error = failure.Error()
	u.markInitialized(false, hasCred)
	return nil
}

// downloadAndValidate runs Downloading and Validating. The machine is left
// in Validating on validation failure and in Downloading on total download
// failure; the returned error describes the failure.
func (u *NVDUpdater) downloadAndValidate(ctx context.Context, m *machine, res *RunResult, hasCred, reduced bool) error {
	out := u.cfg.Downloader.Download(ctx, u.requests(reduced), u.cfg.APIKey)
	res.Download = out
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.RecordDownload(out.FilesDownloaded, out.TotalBytes, len(out.Errors))
	}

	// Extra feed files may fail on their own; the database may not.
	if err := out.TargetErr(u.cfg.Verifier.Path()); err != nil {
		return observability.NewErrorContext(observability.CodeDownloadFailed, observability.CategoryTransient, "download").
			WithError(err)
	}
	if out.Partial {
		u.logger.WarnContext(ctx, "some feed files failed to download",
			slog.String("error", observability.RedactSensitive(out.Err().Error())))
	}

	m.move(ctx, StateValidating, "", true)
	vr := u.cfg.Initializer.ValidateAfterDownload(ctx)
	res.Validation = vr
	if !vr.Valid {
		return observability.NewErrorContext(observability.CodeValidationFailed, observability.CategoryIntegrity, "validate").
			WithError(fmt.Errorf("%s check failed: %w", vr.FailedCheck, vr.Err()))
	}

	u.persistMetadata(ctx, res.Decision, hasCred, reduced)
	u.markInitialized(true, hasCred)

	m.move(ctx, StateValid, "", true)
	res.Success = true
	return nil
}

// requests builds the download batch. Reduced scope fetches only the
// database.
func (u *NVDUpdater) requests(reduced bool) []download.Request {
	reqs := []download.Request{{URL: u.cfg.DatabaseURL, Target: u.cfg.Verifier.Path()}}
	if reduced {
		return reqs
	}
	for _, raw := range u.cfg.ExtraURLs {
		name := extraFileName(raw)
		if name == "" {
			u.logger.Warn("skipping feed URL without a file name", slog.String("url", observability.RedactURL(raw)))
			continue
		}
		req := download.Request{URL: raw, Target: filepath.Join(u.cfg.Dir, name)}
		if u.cfg.Rewriter != nil && strings.HasSuffix(name, ".json") {
			rw := u.cfg.Rewriter
			req.Finalize = func(p string) error {
				_, err := rw.RewriteFile(p)
				return err
			}
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func extraFileName(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// persistMetadata records the fresh database. The full-scope run fills in
// remote values the oracle did not observe; the reduced-scope retry makes
// no remote calls.
func (u *NVDUpdater) persistMetadata(ctx context.Context, d *oracle.Decision, hasCred, reduced bool) {
	meta := &cachestate.Metadata{
		CacheVersion:           cachestate.CurrentVersion,
		LastCheck:              u.cfg.Now(),
		UpdateThresholdPercent: u.cfg.ThresholdPercent,
	}
	if d != nil {
		meta.LastRemoteModified = d.RemoteModified
		meta.LastRecordCount = d.RemoteCount
	}

	if !reduced && u.cfg.Probe != nil && !u.cfg.Offline {
		if meta.LastRemoteModified.IsZero() {
			if t, err := u.cfg.Probe.LastModified(ctx, hasCred); err == nil {
				meta.LastRemoteModified = t
			} else {
				u.logger.InfoContext(ctx, "remote modification time unavailable, metadata stored without it",
					slog.String("error", err.Error()))
			}
		}
		if meta.LastRecordCount == 0 {
			if n, err := u.cfg.Probe.RecordCount(ctx, hasCred); err == nil {
				meta.LastRecordCount = n
			} else {
				u.logger.InfoContext(ctx, "remote record count unavailable, metadata stored without it",
					slog.String("error", err.Error()))
			}
		}
	}

	if err := u.cfg.Store.Save(meta); err != nil {
		u.logger.WarnContext(ctx, "could not persist cache metadata", slog.String("error", err.Error()))
	}
}

func (u *NVDUpdater) recover(ctx context.Context, res *RunResult) {
	acted, err := u.cfg.Recovery.AttemptRecovery(ctx)
	if acted {
		res.Recovered = true
		if u.cfg.Metrics != nil {
			u.cfg.Metrics.RecordRecovery()
		}
	}
	if err != nil {
		u.logger.WarnContext(ctx, "recovery incomplete", slog.Any("error", err))
	}
}

func (u *NVDUpdater) markInitialized(success, hasCred bool) {
	if _, err := u.cfg.Initializer.MarkInitialized(success, hasCred); err != nil {
		u.logger.Warn("could not write initialization marker", slog.String("error", err.Error()))
	}
}

func (u *NVDUpdater) logResult(ctx context.Context, res *RunResult) {
	attrs := []any{
		slog.String("state", string(res.State)),
		slog.Bool("success", res.Success),
		slog.Bool("degraded", res.Degraded),
		slog.Bool("usable", res.Usable),
		slog.Bool("retried", res.Retried),
		slog.Duration("duration", res.Duration),
	}
	if res.Decision != nil {
		attrs = append(attrs, slog.String("decision", string(res.Decision.Reason)))
	}

	switch {
	case res.Success && !res.Degraded:
		u.logger.InfoContext(ctx, "update run finished", attrs...)
	case res.Usable:
		attrs = append(attrs, slog.String("error", observability.RedactSensitive(res.Error)))
		u.logger.WarnContext(ctx, "update run degraded, proceeding with existing database", attrs...)
	default:
		attrs = append(attrs, slog.String("error", observability.RedactSensitive(res.Error)))
		u.logger.ErrorContext(ctx, "update run failed, no usable database", attrs...)
	}
}

// Name implements Updater.
func (u *NVDUpdater) Name() string {
	return NVDUpdaterName
}

// Update implements Updater.
func (u *NVDUpdater) Update(ctx context.Context) (*UpdateResult, error) {
	res, err := u.Run(ctx)
	out := &UpdateResult{
		Success:  res.Success,
		CacheHit: res.State == StateCacheHit,
		Degraded: res.Degraded,
		Duration: res.Duration,
		Error:    res.Error,
	}
	if res.Decision != nil {
		out.Reason = string(res.Decision.Reason)
	}
	if res.Download != nil {
		out.Downloaded = res.Download.FilesDownloaded
		out.Skipped = res.Download.FilesSkipped
		out.Failed = len(res.Download.Errors)
		out.Bytes = res.Download.TotalBytes
	}
	return out, err
}

// CheckForUpdates implements Updater.
func (u *NVDUpdater) CheckForUpdates(ctx context.Context) (*CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := u.cfg.Oracle.Evaluate(ctx, u.cfg.APIKey != "")
	out := &CheckResult{
		UpdateAvailable: !d.Valid,
		Reason:          string(d.Reason),
		Details:         map[string]string{"network_calls": fmt.Sprint(d.NetworkCalls)},
	}
	if d.Detail != "" {
		out.Details["detail"] = d.Detail
	}
	if !d.RemoteModified.IsZero() {
		out.Details["remote_modified"] = d.RemoteModified.UTC().Format(time.RFC3339)
	}
	if d.RemoteCount > 0 {
		out.Details["remote_count"] = fmt.Sprint(d.RemoteCount)
	}
	if d.Valid && !u.cfg.Verifier.HasValidDatabase() {
		out.UpdateAvailable = true
		out.Details["database"] = "failed verification"
	}
	return out, nil
}

// GetVersionInfo implements Updater.
func (u *NVDUpdater) GetVersionInfo() VersionInfo {
	var v VersionInfo
	if rec, err := cachestate.LoadChecksum(u.cfg.Verifier.StateDir()); err == nil && rec.Matches(u.cfg.Verifier.Path()) {
		v.Checksum = rec.Checksum
		v.Size = rec.Size
		v.ValidatedAt = rec.ValidatedAt
	}
	if meta, err := u.cfg.Store.Load(); err == nil {
		v.RemoteModified = meta.LastRemoteModified
		v.RecordCount = meta.LastRecordCount
	}
	return v
}

// IsReady implements Updater.
func (u *NVDUpdater) IsReady() bool {
	return u.cfg.Verifier.HasValidDatabase()
}

var _ Updater = (*NVDUpdater)(nil)
