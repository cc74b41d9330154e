// ABOUTME: HTTP API handlers for cache health, updater status and dependency analysis
// ABOUTME: Exposes readiness, refresh triggers, pipeline metrics and synchronous scans

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/analysis"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/resultcache"
)

// maxDependencies bounds one analyze request.
const maxDependencies = 1000

// DBUpdateStatusProvider provides DB update status information.
type DBUpdateStatusProvider interface {
	GetStatus() map[string]*dbupdater.UpdaterStatus
	TriggerUpdate(ctx context.Context, name string) error
}

// DatabaseChecker reports whether the cached database is usable.
type DatabaseChecker interface {
	HasValidDatabase() bool
}

// RunReporter exposes the most recent refresh run.
type RunReporter interface {
	LastResult() *dbupdater.RunResult
}

// DependencyRunner analyzes dependencies against the cached database.
type DependencyRunner interface {
	Run(ctx context.Context, deps []analysis.Dependency) (*analysis.Report, error)
}

// CacheStatsProvider exposes result cache counters.
type CacheStatsProvider interface {
	Stats() resultcache.Stats
}

// Handler provides HTTP handlers for the cache API.
type Handler struct {
	updates  DBUpdateStatusProvider
	database DatabaseChecker
	runs     RunReporter
	runner   DependencyRunner
	cache    CacheStatsProvider
	metrics  *observability.UpdateMetrics
	logger   *slog.Logger
}

// HandlerConfig configures the API handler. Every field is optional; the
// endpoints backed by a missing field answer 503.
type HandlerConfig struct {
	Updates  DBUpdateStatusProvider
	Database DatabaseChecker
	Runs     RunReporter
	Runner   DependencyRunner
	Cache    CacheStatsProvider
	Metrics  *observability.UpdateMetrics
	Logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		updates:  cfg.Updates,
		database: cfg.Database,
		runs:     cfg.Runs,
		runner:   cfg.Runner,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.HandleHealth)
	mux.HandleFunc("GET /api/v1/updates", h.HandleGetUpdates)
	mux.HandleFunc("GET /api/v1/updates/last", h.HandleGetLastRun)
	mux.HandleFunc("POST /api/v1/updates/{name}", h.HandleTriggerUpdate)
	mux.HandleFunc("GET /api/v1/metrics", h.HandleMetrics)
	mux.HandleFunc("POST /api/v1/dependencies/scan", h.HandleDependencyScan)
}

// HandleHealth handles health check requests.
// GET /api/v1/health
// Answers 503 while no valid database is cached.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]any)

	if h.database != nil {
		if h.database.HasValidDatabase() {
			checks["database"] = "ok"
		} else {
			status = "unavailable"
			code = http.StatusServiceUnavailable
			checks["database"] = "missing or invalid"
		}
	}

	if h.runs != nil {
		if last := h.runs.LastResult(); last != nil {
			checks["last_run"] = fmt.Sprintf("%s (degraded: %t)", last.State, last.Degraded)
			if last.Degraded && code == http.StatusOK {
				status = "degraded"
			}
		}
	}

	if h.updates != nil {
		if st := h.updates.GetStatus(); len(st) > 0 {
			checks["db_updates"] = st
		}
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// HandleGetUpdates returns the status of every registered updater.
// GET /api/v1/updates
func (h *Handler) HandleGetUpdates(w http.ResponseWriter, r *http.Request) {
	if h.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "update service is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.updates.GetStatus())
}

// HandleGetLastRun returns the most recent refresh run with its decision
// and state transitions.
// GET /api/v1/updates/last
func (h *Handler) HandleGetLastRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "update service is not enabled")
		return
	}
	last := h.runs.LastResult()
	if last == nil {
		writeError(w, http.StatusNotFound, "no refresh has run yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// HandleTriggerUpdate queues an immediate refresh.
// POST /api/v1/updates/{name}
func (h *Handler) HandleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	if h.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "update service is not enabled")
		return
	}

	name := r.PathValue("name")
	if err := h.updates.TriggerUpdate(r.Context(), name); err != nil {
		if errors.Is(err, dbupdater.ErrUpdaterNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "refresh triggered",
		slog.String("updater", name),
		slog.String("run_id", observability.FromContext(r.Context()).String()),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"updater": name,
		"status":  "triggered",
	})
}

// HandleMetrics returns pipeline counters, stage latencies and result cache
// statistics.
// GET /api/v1/metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics are not enabled")
		return
	}

	stages := h.metrics.Stages()
	latency := make(map[string]observability.LatencyPercentiles, len(stages))
	for name := range stages {
		latency[name] = h.metrics.StageLatency(name)
	}

	body := map[string]any{
		"counters": h.metrics.Snapshot(),
		"stages":   stages,
		"latency":  latency,
	}
	if h.cache != nil {
		body["result_cache"] = h.cache.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// ScanRequest lists dependencies to analyze, each as "[ecosystem:]name@version".
type ScanRequest struct {
	Dependencies []string `json:"dependencies"`
}

// Validate checks the request bounds.
func (req *ScanRequest) Validate() error {
	if len(req.Dependencies) == 0 {
		return errors.New("dependencies must not be empty")
	}
	if len(req.Dependencies) > maxDependencies {
		return fmt.Errorf("too many dependencies: %d > %d", len(req.Dependencies), maxDependencies)
	}
	return nil
}

// HandleDependencyScan analyzes dependencies synchronously. The scan waits
// for any database replacement in progress.
// POST /api/v1/dependencies/scan
func (h *Handler) HandleDependencyScan(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "dependency analysis is not enabled")
		return
	}

	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	deps := make([]analysis.Dependency, 0, len(req.Dependencies))
	for _, s := range req.Dependencies {
		dep, err := analysis.ParseDependency(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
			return
		}
		deps = append(deps, dep)
	}

	report, err := h.runner.Run(r.Context(), deps)
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrNoDatabase):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request except health checks. It runs
// inside observability.RunIDMiddleware so each line carries the run ID.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if strings.HasSuffix(r.URL.Path, "/health") {
			return
		}
		logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("run_id", observability.FromContext(r.Context()).String()),
		)
	})
}

// NewServerHandler wires routes and middleware into one http.Handler.
func NewServerHandler(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return observability.RunIDMiddleware(LoggingMiddleware(logger, mux))
}
