// ABOUTME: Tests for the analysis runner with a mocked analyzer
// ABOUTME: Covers verified-database gating, error policy, result caching and scan coordination

package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/resultcache"
)

// mockAnalyzer reports one finding per dependency named "vuln" and fails
// on dependencies named "broken".
type mockAnalyzer struct {
	calls atomic.Int32
}

func (m *mockAnalyzer) Name() string { return "mock" }

func (m *mockAnalyzer) Analyze(ctx context.Context, db Database, dep Dependency) ([]Finding, error) {
	m.calls.Add(1)
	switch dep.Name {
	case "broken":
		return nil, errors.New("engine crashed")
	case "vuln":
		return []Finding{{CVE: "CVE-2024-1234", Severity: "HIGH"}}, nil
	}
	return nil, nil
}

func writeDB(t *testing.T, content string) *integrity.Verifier {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nvd.db")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return integrity.NewVerifier(integrity.VerifierConfig{
		DatabasePath: path,
		MinSize:      8,
		Signature:    []byte("NVDDB1"),
		Logger:       observability.NopLogger(),
	})
}

func deps(names ...string) []Dependency {
	out := make([]Dependency, len(names))
	for i, n := range names {
		out[i] = Dependency{Ecosystem: "npm", Name: n, Version: "1.0.0"}
	}
	return out
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()

	mock := &mockAnalyzer{}
	r := NewRunner(RunnerConfig{
		Analyzer: mock,
		Verifier: writeDB(t, "NVDDB1 records"),
		Logger:   observability.NopLogger(),
	})

	report, err := r.Run(context.Background(), deps("clean", "vuln"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []DependencyResult{
		{Dependency: deps("clean")[0], Findings: []Finding{}},
		{Dependency: deps("vuln")[0], Findings: []Finding{{CVE: "CVE-2024-1234", Severity: "HIGH"}}},
	}
	if diff := cmp.Diff(want, report.Results); diff != "" {
		t.Errorf("Results mismatch (-want +got):\n%s", diff)
	}
	if report.Vulnerable != 1 || report.Errors != 0 || report.Analyzer != "mock" {
		t.Errorf("report = %+v", report)
	}
	if report.DatabaseChecksum == "" || report.RunID == "" {
		t.Errorf("report missing checksum or run id: %+v", report)
	}
}

func TestRunner_RequiresVerifiedDatabase(t *testing.T) {
	t.Parallel()

	mock := &mockAnalyzer{}
	r := NewRunner(RunnerConfig{
		Analyzer: mock,
		Verifier: writeDB(t, "not a database at all"),
		Logger:   observability.NopLogger(),
	})

	_, err := r.Run(context.Background(), deps("vuln"))
	if !errors.Is(err, ErrNoDatabase) || !errors.Is(err, integrity.ErrHeaderMismatch) {
		t.Fatalf("Run() error = %v, want ErrNoDatabase wrapping the header failure", err)
	}
	if observability.CategoryOf(err) != observability.CategoryIntegrity {
		t.Errorf("category = %q, want integrity", observability.CategoryOf(err))
	}
	if mock.calls.Load() != 0 {
		t.Error("analyzer called without a verified database")
	}
}

func TestRunner_AnalyzerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ignore  bool
		wantErr bool
	}{
		{name: "propagated", ignore: false, wantErr: true},
		{name: "ignored", ignore: true, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRunner(RunnerConfig{
				Analyzer:             &mockAnalyzer{},
				Verifier:             writeDB(t, "NVDDB1 records"),
				IgnoreAnalyzerErrors: tt.ignore,
				Logger:               observability.NopLogger(),
			})

			report, err := r.Run(context.Background(), deps("vuln", "broken"))
			if tt.wantErr {
				var aerr *AnalyzerError
				if !errors.As(err, &aerr) {
					t.Fatalf("Run() error = %v, want *AnalyzerError", err)
				}
				if aerr.Dependency.Name != "broken" || aerr.Analyzer != "mock" {
					t.Errorf("AnalyzerError = %+v", aerr)
				}
				return
			}

			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if report.Errors != 1 || report.Vulnerable != 1 {
				t.Errorf("report = %+v", report)
			}
			if report.Results[1].Error == "" {
				t.Error("ignored failure missing from report")
			}
		})
	}
}

func TestRunner_UsesResultCache(t *testing.T) {
	t.Parallel()

	cache, err := resultcache.Open(resultcache.Config{InMemory: true, Logger: observability.NopLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	mock := &mockAnalyzer{}
	r := NewRunner(RunnerConfig{
		Analyzer: mock,
		Verifier: writeDB(t, "NVDDB1 records"),
		Cache:    cache,
		Logger:   observability.NopLogger(),
	})

	if _, err := r.Run(context.Background(), deps("vuln", "clean")); err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background(), deps("vuln", "clean"))
	if err != nil {
		t.Fatal(err)
	}

	if got := mock.calls.Load(); got != 2 {
		t.Errorf("Analyze calls = %d, want 2 (second run served from cache)", got)
	}
	if report.CacheHits != 2 || report.Vulnerable != 1 {
		t.Errorf("report = %+v", report)
	}

	if err := cache.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), deps("vuln")); err != nil {
		t.Fatal(err)
	}
	if got := mock.calls.Load(); got != 3 {
		t.Errorf("Analyze calls after reset = %d, want 3", got)
	}
}

func TestRunner_WaitsForUpdate(t *testing.T) {
	t.Parallel()

	coord := dbupdater.NewScanCoordinator()
	release, err := coord.AcquireForUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner(RunnerConfig{
		Analyzer:    &mockAnalyzer{},
		Verifier:    writeDB(t, "NVDDB1 records"),
		Coordinator: coord,
		Logger:      observability.NopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Run(ctx, deps("vuln")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() during update error = %v, want deadline exceeded", err)
	}

	release()
	if _, err := r.Run(context.Background(), deps("vuln")); err != nil {
		t.Errorf("Run() after update error = %v", err)
	}
}

func TestParseDependency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Dependency
		wantErr bool
	}{
		{in: "lodash@4.17.20", want: Dependency{Name: "lodash", Version: "4.17.20"}},
		{in: "npm:lodash@4.17.20", want: Dependency{Ecosystem: "npm", Name: "lodash", Version: "4.17.20"}},
		{in: "@scope/pkg@1.0.0", want: Dependency{Name: "@scope/pkg", Version: "1.0.0"}},
		{in: "lodash", wantErr: true},
		{in: "lodash@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDependency(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDependency() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
