// ABOUTME: Update pipeline metrics for observability
// ABOUTME: Counters for cache decisions, transfers, recoveries and per-stage latency

package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot contains a point-in-time snapshot of all metrics.
type MetricsSnapshot struct {
	ValidityChecks  int64     `json:"validity_checks"`
	CacheHits       int64     `json:"cache_hits"`
	CacheMisses     int64     `json:"cache_misses"`
	RemoteProbes    int64     `json:"remote_probes"`
	ProbeFailures   int64     `json:"probe_failures"`
	FilesDownloaded int64     `json:"files_downloaded"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	DownloadErrors  int64     `json:"download_errors"`
	Recoveries      int64     `json:"recoveries"`
	RunsSucceeded   int64     `json:"runs_succeeded"`
	RunsFailed      int64     `json:"runs_failed"`
	Timestamp       time.Time `json:"timestamp"`
}

// String returns a human-readable representation.
func (s *MetricsSnapshot) String() string {
	return fmt.Sprintf(
		"checks=%d (hit=%d miss=%d) probes=%d (fail=%d) files=%d bytes=%d dlerr=%d recoveries=%d runs=%d/%d",
		s.ValidityChecks, s.CacheHits, s.CacheMisses,
		s.RemoteProbes, s.ProbeFailures,
		s.FilesDownloaded, s.BytesDownloaded, s.DownloadErrors,
		s.Recoveries, s.RunsSucceeded, s.RunsSucceeded+s.RunsFailed,
	)
}

// LatencyPercentiles contains latency distribution.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// StageStat contains statistics for one pipeline stage.
type StageStat struct {
	Count          int64         `json:"count"`
	Failures       int64         `json:"failures"`
	AverageLatency time.Duration `json:"average_latency"`
}

type stageStats struct {
	count     int64
	failures  int64
	latencies []time.Duration
}

// UpdateMetrics collects metrics for validity checks and refresh runs.
type UpdateMetrics struct {
	validityChecks  atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	remoteProbes    atomic.Int64
	probeFailures   atomic.Int64
	filesDownloaded atomic.Int64
	bytesDownloaded atomic.Int64
	downloadErrors  atomic.Int64
	recoveries      atomic.Int64
	runsSucceeded   atomic.Int64
	runsFailed      atomic.Int64

	mu     sync.Mutex
	stages map[string]*stageStats
}

// NewUpdateMetrics creates a new metrics collector.
func NewUpdateMetrics() *UpdateMetrics {
	return &UpdateMetrics{
		stages: make(map[string]*stageStats),
	}
}

// RecordDecision records the outcome of one validity check.
func (m *UpdateMetrics) RecordDecision(valid bool) {
	m.validityChecks.Add(1)
	if valid {
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
}

// RecordProbe records one remote probe request.
func (m *UpdateMetrics) RecordProbe(err error) {
	m.remoteProbes.Add(1)
	if err != nil {
		m.probeFailures.Add(1)
	}
}

// RecordDownload records the aggregate of one download batch.
func (m *UpdateMetrics) RecordDownload(files int, bytes int64, failures int) {
	m.filesDownloaded.Add(int64(files))
	m.bytesDownloaded.Add(bytes)
	m.downloadErrors.Add(int64(failures))
}

// RecordRecovery records a recovery that took action.
func (m *UpdateMetrics) RecordRecovery() {
	m.recoveries.Add(1)
}

// RecordRun records the terminal outcome of one coordinator run.
func (m *UpdateMetrics) RecordRun(success bool) {
	if success {
		m.runsSucceeded.Add(1)
	} else {
		m.runsFailed.Add(1)
	}
}

// RecordStage records the latency and outcome of one pipeline stage.
func (m *UpdateMetrics) RecordStage(stage string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stages[stage]
	if !ok {
		st = &stageStats{}
		m.stages[stage] = st
	}
	st.count++
	if !success {
		st.failures++
	}
	st.latencies = append(st.latencies, duration)
	if len(st.latencies) > 1000 {
		st.latencies = st.latencies[len(st.latencies)-500:]
	}
}

// Snapshot returns a point-in-time snapshot of all counters.
func (m *UpdateMetrics) Snapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		ValidityChecks:  m.validityChecks.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		RemoteProbes:    m.remoteProbes.Load(),
		ProbeFailures:   m.probeFailures.Load(),
		FilesDownloaded: m.filesDownloaded.Load(),
		BytesDownloaded: m.bytesDownloaded.Load(),
		DownloadErrors:  m.downloadErrors.Load(),
		Recoveries:      m.recoveries.Load(),
		RunsSucceeded:   m.runsSucceeded.Load(),
		RunsFailed:      m.runsFailed.Load(),
		Timestamp:       time.Now(),
	}
}

// StageLatency returns the latency distribution of one stage.
func (m *UpdateMetrics) StageLatency(stage string) LatencyPercentiles {
	m.mu.Lock()
	st, ok := m.stages[stage]
	var sorted []time.Duration
	if ok {
		sorted = make([]time.Duration, len(st.latencies))
		copy(sorted, st.latencies)
	}
	m.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyPercentiles{}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 50),
		P90: percentile(sorted, 90),
		P99: percentile(sorted, 99),
		Max: sorted[len(sorted)-1],
	}
}

// Stages returns per-stage statistics.
func (m *UpdateMetrics) Stages() map[string]StageStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]StageStat, len(m.stages))
	for name, st := range m.stages {
		stat := StageStat{Count: st.count, Failures: st.failures}
		if len(st.latencies) > 0 {
			var total time.Duration
			for _, l := range st.latencies {
				total += l
			}
			stat.AverageLatency = total / time.Duration(len(st.latencies))
		}
		out[name] = stat
	}
	return out
}

// percentile calculates the pth percentile of a sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
