// ABOUTME: Analysis runner guarding the engine boundary
// ABOUTME: Holds a scan slot, requires a verified database, consults the result cache

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// ErrNoDatabase is returned when no verified database is available.
var ErrNoDatabase = errors.New("no verified database available")

// DatabaseVerifier validates the database before analysis.
type DatabaseVerifier interface {
	Path() string
	Validate(ctx context.Context) *integrity.ValidationResult
	Checksum(ctx context.Context) (string, error)
}

// ResultStore caches findings per database checksum.
type ResultStore interface {
	Get(ctx context.Context, checksum, key string, out any) (bool, error)
	Put(ctx context.Context, checksum, key string, value any) error
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	Analyzer Analyzer
	Verifier DatabaseVerifier

	// Dir is the cache directory. Defaults to the database directory.
	Dir string

	// Coordinator keeps updates from replacing the database mid-run. Optional.
	Coordinator *dbupdater.ScanCoordinator

	// Cache stores findings. Optional.
	Cache ResultStore

	// IgnoreAnalyzerErrors records analyzer failures in the report instead
	// of failing the run.
	IgnoreAnalyzerErrors bool

	// MaxParallel bounds concurrent Analyze calls. Defaults to 4.
	MaxParallel int

	Logger *slog.Logger
}

// Runner runs an Analyzer over a set of dependencies.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "analysis"))}
}

// Run analyzes deps. Results keep the order of deps.
func (r *Runner) Run(ctx context.Context, deps []Dependency) (*Report, error) {
	if r.cfg.Analyzer == nil {
		return nil, fmt.Errorf("analysis: no analyzer configured")
	}

	ctx, runID := observability.EnsureRunID(ctx)
	ctx, span := observability.StartSpan(ctx, "analysis.Run")

	report, err := r.run(ctx, deps)
	if report != nil {
		report.RunID = runID.String()
		span.SetAttributes(
			attribute.Int("dependencies", len(deps)),
			attribute.Int("vulnerable", report.Vulnerable),
			attribute.Int("errors", report.Errors),
		)
	}
	observability.EndSpan(span, err)
	return report, err
}

func (r *Runner) run(ctx context.Context, deps []Dependency) (*Report, error) {
	start := time.Now()

	if r.cfg.Coordinator != nil {
		release, err := r.cfg.Coordinator.AcquireForScan(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for database update: %w", err)
		}
		defer release()
	}

	db, err := r.database(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Analyzer:         r.cfg.Analyzer.Name(),
		DatabaseChecksum: db.Checksum,
		Results:          make([]DependencyResult, len(deps)),
		StartedAt:        start,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for i, dep := range deps {
		g.Go(func() error {
			res, err := r.analyze(gctx, db, dep)
			report.Results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range report.Results {
		switch {
		case res.Error != "":
			report.Errors++
		case len(res.Findings) > 0:
			report.Vulnerable++
		}
		if res.Cached {
			report.CacheHits++
		}
	}
	report.Duration = time.Since(start)

	r.logger.InfoContext(ctx, "analysis finished",
		slog.String("analyzer", report.Analyzer),
		slog.Int("dependencies", len(deps)),
		slog.Int("vulnerable", report.Vulnerable),
		slog.Int("errors", report.Errors),
		slog.Int("cache_hits", report.CacheHits),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// database verifies the database and resolves its checksum.
func (r *Runner) database(ctx context.Context) (Database, error) {
	vr := r.cfg.Verifier.Validate(ctx)
	if !vr.Valid {
		return Database{}, observability.NewErrorContext(observability.CodeValidationFailed, observability.CategoryIntegrity, "analysis").
			WithError(fmt.Errorf("%w: %s check failed: %w", ErrNoDatabase, vr.FailedCheck, vr.Err()))
	}

	db := Database{Path: r.cfg.Verifier.Path(), Dir: r.cfg.Dir, Checksum: vr.Checksum}
	if db.Dir == "" {
		db.Dir = filepath.Dir(db.Path)
	}
	if db.Checksum == "" {
		sum, err := r.cfg.Verifier.Checksum(ctx)
		if err != nil {
			return Database{}, fmt.Errorf("checksumming database: %w", err)
		}
		db.Checksum = sum
	}
	return db, nil
}

func (r *Runner) analyze(ctx context.Context, db Database, dep Dependency) (DependencyResult, error) {
	res := DependencyResult{Dependency: dep}
	key := r.cfg.Analyzer.Name() + "/" + dep.Key()

	if r.cfg.Cache != nil {
		var cached []Finding
		found, err := r.cfg.Cache.Get(ctx, db.Checksum, key, &cached)
		if err != nil {
			r.logger.WarnContext(ctx, "result cache read failed", slog.String("dependency", dep.Key()), slog.String("error", err.Error()))
		} else if found {
			res.Findings = cached
			res.Cached = true
			return res, nil
		}
	}

	findings, err := r.cfg.Analyzer.Analyze(ctx, db, dep)
	if err != nil {
		aerr := &AnalyzerError{Analyzer: r.cfg.Analyzer.Name(), Dependency: dep, Err: err}
		if !r.cfg.IgnoreAnalyzerErrors {
			return res, aerr
		}
		r.logger.WarnContext(ctx, "analyzer failed, continuing", slog.String("error", aerr.Error()))
		res.Error = aerr.Error()
		return res, nil
	}
	if findings == nil {
		findings = []Finding{}
	}
	res.Findings = findings

	if r.cfg.Cache != nil {
		if err := r.cfg.Cache.Put(ctx, db.Checksum, key, findings); err != nil {
			r.logger.WarnContext(ctx, "result cache write failed", slog.String("dependency", dep.Key()), slog.String("error", err.Error()))
		}
	}
	return res, nil
}
