// ABOUTME: Engine boundary types: dependencies, findings and the Analyzer interface
// ABOUTME: AnalyzerError carries engine failures for the runner to ignore or propagate

package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Dependency is one component to analyze.
type Dependency struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// Key identifies the dependency in caches and reports.
func (d Dependency) Key() string {
	if d.Ecosystem == "" {
		return d.Name + "@" + d.Version
	}
	return d.Ecosystem + ":" + d.Name + "@" + d.Version
}

// ParseDependency parses "name@version" or "ecosystem:name@version".
func ParseDependency(s string) (Dependency, error) {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Dependency{}, fmt.Errorf("dependency %q: want [ecosystem:]name@version", s)
	}
	d := Dependency{Name: s[:at], Version: s[at+1:]}
	if eco, name, ok := strings.Cut(d.Name, ":"); ok {
		d.Ecosystem, d.Name = eco, name
	}
	return d, nil
}

// Finding is one vulnerability affecting a dependency.
type Finding struct {
	CVE          string  `json:"cve"`
	Severity     string  `json:"severity,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Description  string  `json:"description,omitempty"`
	FixedVersion string  `json:"fixed_version,omitempty"`
}

// Database is the verified database handed to an analyzer.
type Database struct {
	// Path is the database file.
	Path string

	// Dir holds the database and its auxiliary feed files.
	Dir string

	// Checksum is the SHA-256 of the database file.
	Checksum string
}

// Analyzer analyzes a dependency against a verified database.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, db Database, dep Dependency) ([]Finding, error)
}

// AnalyzerError reports an analyzer failure for one dependency.
type AnalyzerError struct {
	Analyzer   string
	Dependency Dependency
	Err        error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer %s failed on %s: %v", e.Analyzer, e.Dependency.Key(), e.Err)
}

func (e *AnalyzerError) Unwrap() error {
	return e.Err
}

// DependencyResult is the outcome for one dependency.
type DependencyResult struct {
	Dependency Dependency `json:"dependency"`
	Findings   []Finding  `json:"findings"`
	Cached     bool       `json:"cached"`
	Error      string     `json:"error,omitempty"`
}

// Report is the outcome of one analysis run.
type Report struct {
	RunID            string             `json:"run_id"`
	Analyzer         string             `json:"analyzer"`
	DatabaseChecksum string             `json:"database_checksum"`
	Results          []DependencyResult `json:"results"`
	Vulnerable       int                `json:"vulnerable"`
	Errors           int                `json:"errors"`
	CacheHits        int                `json:"cache_hits"`
	StartedAt        time.Time          `json:"started_at"`
	Duration         time.Duration      `json:"duration"`
}
