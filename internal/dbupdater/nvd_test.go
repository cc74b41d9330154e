// ABOUTME: Tests for the resilient NVD updater
// ABOUTME: Covers first run, cache hits, bounded retry, recovery, offline and configuration failures

package dbupdater

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/compat"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/download"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/oracle"
)

var testSignature = []byte("NVDDB1")

func goodDB() []byte {
	return append(append([]byte{}, testSignature...), bytes.Repeat([]byte("cve-record;"), 8)...)
}

// badDB has the right size but a foreign header.
func badDB() []byte {
	b := goodDB()
	copy(b, "XXXXXX")
	return b
}

type fakeProbe struct {
	modified time.Time
	count    int64
	err      error
	calls    atomic.Int32
}

func (p *fakeProbe) LastModified(context.Context, bool) (time.Time, error) {
	p.calls.Add(1)
	return p.modified, p.err
}

func (p *fakeProbe) RecordCount(context.Context, bool) (int64, error) {
	p.calls.Add(1)
	return p.count, p.err
}

// feedServer serves the database. body picks the payload for the n-th GET
// (one based); a nil payload answers 500.
type feedServer struct {
	*httptest.Server
	gets atomic.Int32
	hits atomic.Int32
}

func newFeedServer(t *testing.T, body func(n int32) []byte) *feedServer {
	t.Helper()

	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if strings.HasSuffix(r.URL.Path, ".json") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"cve":{"baseSeverity":"MODERATE","id":"CVE-2024-0001"}}`))
			return
		}
		n := fs.gets.Load()
		if r.Method == http.MethodGet {
			n = fs.gets.Add(1)
		}
		payload := body(max(n, 1))
		if payload == nil {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "nvd.db", time.Unix(0, 0), bytes.NewReader(payload))
	}))
	t.Cleanup(fs.Close)
	return fs
}

type harness struct {
	dir   string
	probe *fakeProbe
	store *cachestate.Store
	ver   *integrity.Verifier
	cfg   NVDUpdaterConfig
}

func newHarness(t *testing.T, dbURL string, mutate func(*oracle.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	logger := observability.NopLogger()
	h := &harness{
		dir:   dir,
		probe: &fakeProbe{modified: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), count: 250_000},
		store: cachestate.NewStore(dir),
	}
	h.ver = integrity.NewVerifier(integrity.VerifierConfig{
		DatabasePath: filepath.Join(dir, "nvd.db"),
		MinSize:      32,
		Signature:    testSignature,
		Logger:       logger,
	})

	ocfg := oracle.Config{ValidityWindow: 24 * time.Hour, RemoteValidation: true}
	if mutate != nil {
		mutate(&ocfg)
	}

	h.cfg = NVDUpdaterConfig{
		Dir:         dir,
		DatabaseURL: dbURL,
		Oracle:      oracle.New(ocfg, h.store, h.probe, oracle.WithLogger(logger)),
		Probe:       h.probe,
		Downloader: download.NewChunkedDownloader(http.DefaultClient, download.Config{
			ChunkSize:   1 << 20,
			MaxParallel: 2,
			ReadTimeout: 5 * time.Second,
		}, logger),
		Verifier:    h.ver,
		Initializer: integrity.NewInitializer(integrity.InitializerConfig{Dir: dir, Verifier: h.ver, Logger: logger}),
		Recovery:    integrity.NewRecoveryManager(integrity.RecoveryConfig{Dir: dir, Verifier: h.ver, Store: h.store, Logger: logger}),
		Store:       h.store,
		Coordinator: NewScanCoordinator(),
		RecoveryRetry: BackoffConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		Metrics: observability.NewUpdateMetrics(),
		Logger:  logger,
	}
	return h
}

func (h *harness) updater() *NVDUpdater {
	return NewNVDUpdater(h.cfg)
}

func states(res *RunResult) []State {
	out := []State{StateCheckingValidity}
	for _, tr := range res.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestNVDUpdater_FirstRunThenCacheHit(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return goodDB() })
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	u := h.updater()

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []State{StateCheckingValidity, StateDownloading, StateValidating, StateValid}
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if !res.Success || res.Degraded || !res.Usable || !res.FirstTime {
		t.Errorf("result = %+v", res)
	}
	if res.Decision.Reason != oracle.ReasonNoMetadata {
		t.Errorf("Decision.Reason = %s, want %s", res.Decision.Reason, oracle.ReasonNoMetadata)
	}
	if res.RunID == "" {
		t.Error("RunID empty")
	}

	meta, err := h.store.Load()
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	if !meta.LastRemoteModified.Equal(h.probe.modified) || meta.LastRecordCount != h.probe.count {
		t.Errorf("metadata = %+v, want remote values from probe", meta)
	}
	if meta.CacheVersion != cachestate.CurrentVersion {
		t.Errorf("CacheVersion = %q", meta.CacheVersion)
	}
	marker, err := cachestate.LoadInitMarker(h.dir)
	if err != nil || !marker.Success {
		t.Errorf("init marker = %+v, err = %v", marker, err)
	}
	if v := u.GetVersionInfo(); v.Checksum == "" || v.Size != int64(len(goodDB())) {
		t.Errorf("GetVersionInfo() = %+v", v)
	}

	hits := srv.hits.Load()
	res, err = u.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.State != StateCacheHit || !res.Success || res.Degraded {
		t.Errorf("second run = %s success=%v degraded=%v", res.State, res.Success, res.Degraded)
	}
	if res.Decision.Reason != oracle.ReasonTimestampUnchanged {
		t.Errorf("Decision.Reason = %s, want %s", res.Decision.Reason, oracle.ReasonTimestampUnchanged)
	}
	if got := srv.hits.Load(); got != hits {
		t.Errorf("cache hit contacted the feed: %d requests", got-hits)
	}
	if res.FirstTime {
		t.Error("second run reported first-time setup")
	}
	if !u.IsReady() {
		t.Error("IsReady() = false after successful update")
	}
	if u.LastResult() != res {
		t.Error("LastResult() does not return the latest run")
	}
}

func TestNVDUpdater_PersistentCorruptionDegrades(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return badDB() })
	h := newHarness(t, srv.URL+"/nvd.db", nil)

	res, err := h.updater().Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, degraded runs must not return errors", err)
	}

	want := []State{
		StateCheckingValidity, StateDownloading, StateValidating, StateRecovering,
		StateRetrying, StateDownloading, StateValidating, StateRecovering, StateFailed,
	}
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if res.Success || !res.Degraded || res.Usable || !res.Retried || !res.Recovered {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Error, integrity.CheckHeader) {
		t.Errorf("Error = %q, want the failed check named", res.Error)
	}
	if got := srv.gets.Load(); got != 2 {
		t.Errorf("GET requests = %d, want 2 (one retry only)", got)
	}

	backups, err := os.ReadDir(filepath.Join(h.dir, integrity.BackupDirName))
	if err != nil || len(backups) == 0 {
		t.Errorf("expected corrupt database in backup dir, err = %v", err)
	}
	if _, err := h.store.Load(); !errors.Is(err, cachestate.ErrNoMetadata) {
		t.Errorf("metadata should not be written on failure, Load() err = %v", err)
	}
	marker, err := cachestate.LoadInitMarker(h.dir)
	if err != nil || marker.Success {
		t.Errorf("init marker = %+v, err = %v, want failed marker", marker, err)
	}
}

func TestNVDUpdater_RetrySucceedsAtReducedScope(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(n int32) []byte {
		if n == 1 {
			return badDB()
		}
		return goodDB()
	})
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	h.cfg.ExtraURLs = []string{srv.URL + "/feeds/recent.json"}
	h.cfg.Rewriter = compat.NewRewriter(nil, nil)

	res, err := h.updater().Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateValid || !res.Success || !res.Retried || !res.Recovered || res.Degraded {
		t.Errorf("result = %+v", res)
	}
	if res.Download.FilesDownloaded != 1 {
		t.Errorf("retry downloaded %d files, want only the database", res.Download.FilesDownloaded)
	}

	data, err := os.ReadFile(filepath.Join(h.dir, "recent.json"))
	if err != nil {
		t.Fatalf("extra feed not written: %v", err)
	}
	if !bytes.Contains(data, []byte(`"MEDIUM"`)) || bytes.Contains(data, []byte("MODERATE")) {
		t.Errorf("extra feed not rewritten: %s", data)
	}
}

func TestNVDUpdater_DownloadFailureDegrades(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return nil })
	h := newHarness(t, srv.URL+"/nvd.db", nil)

	res, err := h.updater().Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []State{
		StateCheckingValidity, StateDownloading, StateRecovering,
		StateRetrying, StateDownloading, StateRecovering, StateFailed,
	}
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if res.Success || !res.Degraded || res.Usable {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(h.ver.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("failed download left a database behind: %v", err)
	}
}

func TestNVDUpdater_FailureKeepsUsableDatabase(t *testing.T) {
	t.Parallel()

	var broken atomic.Bool
	srv := newFeedServer(t, func(int32) []byte {
		if broken.Load() {
			return nil
		}
		return goodDB()
	})
	h := newHarness(t, srv.URL+"/nvd.db", func(c *oracle.Config) { c.ValidityWindow = time.Nanosecond })
	u := h.updater()

	if res, err := u.Run(context.Background()); err != nil || !res.Success {
		t.Fatalf("seed run = %+v, %v", res, err)
	}

	broken.Store(true)
	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Decision.Reason != oracle.ReasonExpired {
		t.Errorf("Decision.Reason = %s, want %s", res.Decision.Reason, oracle.ReasonExpired)
	}
	if res.Success || !res.Degraded || !res.Usable {
		t.Errorf("result = %+v, want degraded but usable", res)
	}
	if !u.IsReady() {
		t.Error("previous database should still be ready")
	}
}

func TestNVDUpdater_DatabaseFailureWithExtrasArriving(t *testing.T) {
	t.Parallel()

	var broken atomic.Bool
	srv := newFeedServer(t, func(int32) []byte {
		if broken.Load() {
			return nil
		}
		return goodDB()
	})
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	h.cfg.ExtraURLs = []string{srv.URL + "/feeds/recent.json"}
	u := h.updater()

	if res, err := u.Run(context.Background()); err != nil || !res.Success {
		t.Fatalf("seed run = %+v, %v", res, err)
	}

	// Age the metadata past the window and publish a newer remote database.
	old, err := h.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	old.LastCheck = time.Now().Add(-48 * time.Hour)
	if _, err := h.store.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Save(old); err != nil {
		t.Fatal(err)
	}
	h.probe.modified = h.probe.modified.Add(24 * time.Hour)
	broken.Store(true)

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []State{
		StateCheckingValidity, StateDownloading, StateRecovering,
		StateRetrying, StateDownloading, StateRecovering, StateFailed,
	}
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if res.Success || !res.Degraded || !res.Usable {
		t.Errorf("result = %+v, want degraded failure over a usable database", res)
	}

	if meta, err := h.store.Load(); err == nil && meta.LastRemoteModified.Equal(h.probe.modified) {
		t.Errorf("metadata records remote time %s for a database that never arrived", meta.LastRemoteModified)
	}
	if d := h.cfg.Oracle.Evaluate(context.Background(), false); d.Valid {
		t.Errorf("Evaluate() after failed refresh = %s, want a refresh", d.Reason)
	}
}

func TestNVDUpdater_CacheHitReusesDigest(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return goodDB() })
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	u := h.updater()

	if res, err := u.Run(context.Background()); err != nil || !res.Success {
		t.Fatalf("seed run = %+v, %v", res, err)
	}
	if got := h.ver.Hashes(); got != 1 {
		t.Errorf("hashes after first run = %d, want 1", got)
	}

	for range 3 {
		res, err := u.Run(context.Background())
		if err != nil || res.State != StateCacheHit || !res.Usable {
			t.Fatalf("Run() = %+v, %v", res, err)
		}
		_ = u.IsReady()
	}
	if got := h.ver.Hashes(); got != 1 {
		t.Errorf("hashes after cache hits = %d, want 1", got)
	}

	// A fresh verifier over the same cache hashes once and then reuses it.
	cold := integrity.NewVerifier(integrity.VerifierConfig{
		DatabasePath: h.ver.Path(),
		MinSize:      32,
		Signature:    testSignature,
		Logger:       observability.NopLogger(),
	})
	for range 3 {
		if !cold.HasValidDatabase() {
			t.Fatal("HasValidDatabase() = false")
		}
	}
	if got := cold.Hashes(); got != 1 {
		t.Errorf("cold verifier hashes = %d, want 1", got)
	}
}

func TestNVDUpdater_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing database URL", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "", nil)
		res, err := h.updater().Run(context.Background())
		if !errors.Is(err, ErrNoDatabaseURL) || !observability.IsConfigurationError(err) {
			t.Fatalf("Run() error = %v, want configuration error", err)
		}
		if res.State != StateFailed {
			t.Errorf("State = %s, want %s", res.State, StateFailed)
		}
	})

	t.Run("cache dir is a file", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "http://127.0.0.1:1/nvd.db", nil)
		file := filepath.Join(h.dir, "not-a-dir")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		h.cfg.Dir = file
		h.cfg.Initializer = integrity.NewInitializer(integrity.InitializerConfig{Dir: file, Verifier: h.ver})

		res, err := h.updater().Run(context.Background())
		if !observability.IsConfigurationError(err) {
			t.Fatalf("Run() error = %v, want configuration error", err)
		}
		if res.State != StateFailed || res.Decision != nil {
			t.Errorf("result = %+v, want failure before the validity check", res)
		}
		if h.probe.calls.Load() != 0 {
			t.Error("probe contacted despite unusable environment")
		}
	})
}

func TestNVDUpdater_Offline(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return goodDB() })

	t.Run("no database", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, srv.URL+"/nvd.db", func(c *oracle.Config) { c.Offline = true })
		h.cfg.Offline = true

		res, err := h.updater().Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.State != StateFailed || !res.Degraded || res.Usable {
			t.Errorf("result = %+v", res)
		}
		if h.probe.calls.Load() != 0 {
			t.Error("offline run contacted the probe")
		}
	})

	t.Run("existing database", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, srv.URL+"/nvd.db", nil)
		if res, err := h.updater().Run(context.Background()); err != nil || !res.Success {
			t.Fatalf("seed run = %+v, %v", res, err)
		}

		h.cfg.Offline = true
		h.cfg.Oracle = oracle.New(oracle.Config{ValidityWindow: time.Nanosecond, Offline: true}, h.store, nil)
		gets := srv.gets.Load()
		res, err := h.updater().Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.State != StateCacheHit || !res.Success || !res.Degraded || !res.Usable {
			t.Errorf("result = %+v", res)
		}
		if srv.gets.Load() != gets {
			t.Error("offline run downloaded")
		}
	})
}

func TestNVDUpdater_RunAsync(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return goodDB() })
	h := newHarness(t, srv.URL+"/nvd.db", nil)

	select {
	case out := <-h.updater().RunAsync(context.Background()):
		if out.Err != nil || out.Result == nil || !out.Result.Success {
			t.Errorf("RunAsync() = %+v", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunAsync did not deliver a result")
	}
}

func TestNVDUpdater_UpdaterInterface(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, func(int32) []byte { return goodDB() })
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	u := h.updater()

	if u.Name() != NVDUpdaterName {
		t.Errorf("Name() = %q", u.Name())
	}
	if u.IsReady() {
		t.Error("IsReady() = true before any download")
	}

	check, err := u.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdates() error = %v", err)
	}
	if !check.NeedsUpdate() || check.Reason != string(oracle.ReasonNoMetadata) {
		t.Errorf("CheckForUpdates() = %+v", check)
	}

	res, err := u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !res.Success || res.CacheHit || res.Downloaded != 1 || res.Bytes != int64(len(goodDB())) {
		t.Errorf("Update() = %+v", res)
	}

	res, err = u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !res.CacheHit || res.Reason != string(oracle.ReasonTimestampUnchanged) {
		t.Errorf("second Update() = %+v", res)
	}

	check, err = u.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdates() error = %v", err)
	}
	if check.NeedsUpdate() {
		t.Errorf("CheckForUpdates() after update = %+v", check)
	}
}

func TestNVDUpdater_ScanWaitsForReplacement(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := newFeedServer(t, func(n int32) []byte {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return goodDB()
	})
	h := newHarness(t, srv.URL+"/nvd.db", nil)
	coord := h.cfg.Coordinator

	done := h.updater().RunAsync(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := coord.AcquireForScan(ctx)
	cancel()
	if err == nil {
		t.Error("AcquireForScan() succeeded while the database was being replaced")
	}

	close(release)
	if out := <-done; out.Err != nil || !out.Result.Success {
		t.Fatalf("run = %+v", out)
	}

	rel, err := coord.AcquireForScan(context.Background())
	if err != nil {
		t.Fatalf("AcquireForScan() after update error = %v", err)
	}
	rel()
}
