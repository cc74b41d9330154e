// ABOUTME: Tests for the chunked downloader
// ABOUTME: Merge equals single stream, all-or-nothing chunks, recency skip, batches and stalls

package download

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

func randomPayload(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

// rangeServer serves payload with full Range support via http.ServeContent.
func rangeServer(t *testing.T, payload []byte, fail func(r *http.Request) bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var ranged atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranged.Add(1)
		}
		if fail != nil && fail(r) {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		http.ServeContent(w, r, "nvd.db", time.Unix(0, 0), bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv, &ranged
}

// plainServer never advertises byte ranges.
func plainServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDownloader(chunk int64, parallel int) *ChunkedDownloader {
	return NewChunkedDownloader(http.DefaultClient, Config{
		ChunkSize:   chunk,
		MaxParallel: parallel,
		ReadTimeout: 5 * time.Second,
	}, observability.NopLogger())
}

func TestPlanChunks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		size, chunk int64
		parallel    int
		wantN       int
	}{
		{"exact multiple", 400, 100, 4, 4},
		{"capped by parallelism", 1000, 100, 4, 4},
		{"fewer chunks than workers", 250, 100, 8, 3},
		{"single chunk", 50, 100, 4, 1},
		{"uneven tail", 1001, 100, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chunks := PlanChunks(tt.size, tt.chunk, tt.parallel, "/tmp/t")
			if len(chunks) != tt.wantN {
				t.Fatalf("len = %d, want %d", len(chunks), tt.wantN)
			}

			var next int64
			for i, c := range chunks {
				if c.Index != i || c.Start != next {
					t.Fatalf("chunk %d = %+v, want contiguous from %d", i, c, next)
				}
				if c.TempPath != "/tmp/t.part"+string(rune('0'+i)) {
					t.Errorf("TempPath = %q", c.TempPath)
				}
				next = c.End + 1
			}
			if next != tt.size {
				t.Errorf("chunks cover %d bytes, want %d", next, tt.size)
			}
		})
	}
}

func TestDownloadFile_ChunkedMatchesSingleStream(t *testing.T) {
	t.Parallel()

	payload := randomPayload(10_000)
	ranged, rangedCount := rangeServer(t, payload, nil)
	plain := plainServer(t, payload)
	dir := t.TempDir()

	for _, n := range []int{2, 3, 4, 7} {
		target := filepath.Join(dir, "chunked.db")
		os.Remove(target)

		res := newTestDownloader(1000, n).DownloadFile(context.Background(), Request{URL: ranged.URL, Target: target}, "")
		if res.Err != nil {
			t.Fatalf("N=%d: DownloadFile() error = %v", n, res.Err)
		}
		if res.Chunks != n {
			t.Errorf("N=%d: Chunks = %d", n, res.Chunks)
		}
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("N=%d: merged file differs from source", n)
		}
		assertNoLeftovers(t, target)
	}
	if rangedCount.Load() == 0 {
		t.Error("no ranged requests were issued")
	}

	single := filepath.Join(dir, "single.db")
	res := newTestDownloader(1000, 4).DownloadFile(context.Background(), Request{URL: plain.URL, Target: single}, "")
	if res.Err != nil {
		t.Fatalf("single-stream DownloadFile() error = %v", res.Err)
	}
	if res.Chunks != 1 {
		t.Errorf("plain server should use one stream, got %d chunks", res.Chunks)
	}
	got, _ := os.ReadFile(single)
	if !bytes.Equal(got, payload) {
		t.Error("single-stream file differs from source")
	}
}

func TestDownloadFile_SmallFileUsesSingleStream(t *testing.T) {
	t.Parallel()

	payload := randomPayload(1500)
	srv, rangedCount := rangeServer(t, payload, nil)
	target := filepath.Join(t.TempDir(), "small.db")

	res := newTestDownloader(1000, 4).DownloadFile(context.Background(), Request{URL: srv.URL, Target: target}, "")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if rangedCount.Load() != 0 || res.Chunks != 1 {
		t.Errorf("files under twice the chunk size must not be chunked (ranged=%d chunks=%d)", rangedCount.Load(), res.Chunks)
	}
}

func TestDownloadFile_ChunkFailureIsAllOrNothing(t *testing.T) {
	t.Parallel()

	payload := randomPayload(8000)
	srv, _ := rangeServer(t, payload, func(r *http.Request) bool {
		return strings.HasPrefix(r.Header.Get("Range"), "bytes=4000-")
	})

	dir := t.TempDir()
	target := filepath.Join(dir, "nvd.db")
	original := []byte("previous database contents")
	if err := os.WriteFile(target, original, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(target, old, old)

	d := newTestDownloader(2000, 4)
	d.cfg.RecencyWindow = time.Minute

	res := d.DownloadFile(context.Background(), Request{URL: srv.URL, Target: target}, "")
	if !errors.Is(res.Err, ErrChunkFailed) {
		t.Fatalf("DownloadFile() error = %v, want ErrChunkFailed", res.Err)
	}
	if !errors.Is(res.Err, ErrUnexpectedStatus) {
		t.Errorf("error should carry the failing chunk's cause: %v", res.Err)
	}

	got, err := os.ReadFile(target)
	if err != nil || !bytes.Equal(got, original) {
		t.Error("the original target must be left untouched")
	}
	assertNoLeftovers(t, target)
}

func TestDownloadFile_ChunkFailureNoPriorFile(t *testing.T) {
	t.Parallel()

	srv, _ := rangeServer(t, randomPayload(8000), func(r *http.Request) bool {
		return strings.HasPrefix(r.Header.Get("Range"), "bytes=0-")
	})
	target := filepath.Join(t.TempDir(), "nvd.db")

	res := newTestDownloader(2000, 4).DownloadFile(context.Background(), Request{URL: srv.URL, Target: target}, "")
	if res.Err == nil {
		t.Fatal("DownloadFile() should fail")
	}
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Error("no merged file may exist after a chunk failure")
	}
	assertNoLeftovers(t, target)
}

func TestDownloadFile_RecencySkip(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "nvd.db")
	if err := os.WriteFile(target, []byte("fresh"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newTestDownloader(1000, 2)
	d.cfg.RecencyWindow = time.Hour

	res := d.DownloadFile(context.Background(), Request{URL: srv.URL, Target: target}, "")
	if !res.Skipped || res.Err != nil {
		t.Errorf("result = %+v, want skipped", res)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want 0", hits.Load())
	}
}

func TestDownloadFile_APIKeyAndFinalize(t *testing.T) {
	t.Parallel()

	var keys sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys.Store(r.Method, r.Header.Get("apiKey"))
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "feed.json")
	var finalized string
	req := Request{URL: srv.URL, Target: target, Finalize: func(path string) error {
		finalized = path
		return os.WriteFile(path, []byte("rewritten"), 0o644)
	}}

	res := newTestDownloader(1000, 2).DownloadFile(context.Background(), req, "k-1")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	for _, m := range []string{http.MethodHead, http.MethodGet} {
		if v, _ := keys.Load(m); v != "k-1" {
			t.Errorf("%s apiKey = %v, want k-1", m, v)
		}
	}
	if finalized != stagingPath(target) {
		t.Errorf("Finalize got %q, want the staging file", finalized)
	}
	got, _ := os.ReadFile(target)
	if string(got) != "rewritten" {
		t.Errorf("target = %q, want finalized contents", got)
	}
}

func TestDownloadFile_FinalizeErrorKeepsTarget(t *testing.T) {
	t.Parallel()

	srv := plainServer(t, []byte("new"))
	target := filepath.Join(t.TempDir(), "feed.json")
	os.WriteFile(target, []byte("old"), 0o644)
	old := time.Now().Add(-time.Hour)
	os.Chtimes(target, old, old)

	req := Request{URL: srv.URL, Target: target, Finalize: func(string) error { return errors.New("bad json") }}
	res := newTestDownloader(1000, 2).DownloadFile(context.Background(), req, "")
	if res.Err == nil {
		t.Fatal("DownloadFile() should fail")
	}
	got, _ := os.ReadFile(target)
	if string(got) != "old" {
		t.Errorf("target = %q, want untouched", got)
	}
	assertNoLeftovers(t, target)
}

func TestDownloadFile_IdleTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := newTestDownloader(1000, 2)
	d.cfg.ReadTimeout = 100 * time.Millisecond
	target := filepath.Join(t.TempDir(), "stall.db")

	res := d.DownloadFile(context.Background(), Request{URL: srv.URL, Target: target}, "")
	if !errors.Is(res.Err, ErrIdleTimeout) {
		t.Errorf("DownloadFile() error = %v, want ErrIdleTimeout", res.Err)
	}
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Error("a stalled download must not produce a target")
	}
}

func TestDownload_BatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	good := plainServer(t, []byte("good"))
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	dir := t.TempDir()
	reqs := []Request{
		{URL: good.URL, Target: filepath.Join(dir, "a.json")},
		{URL: bad.URL + "/missing?apiKey=secret", Target: filepath.Join(dir, "b.json")},
		{URL: good.URL, Target: filepath.Join(dir, "c.json")},
	}

	var progressCalls atomic.Int32
	d := newTestDownloader(1000, 2)
	d.SetProgress(func(string, int64, int64) { progressCalls.Add(1) })

	out := d.Download(context.Background(), reqs, "")

	if out.Success || !out.Partial {
		t.Errorf("Success=%v Partial=%v, want partial", out.Success, out.Partial)
	}
	if out.FilesDownloaded != 2 || len(out.Errors) != 1 {
		t.Fatalf("downloaded=%d errors=%d, want 2/1", out.FilesDownloaded, len(out.Errors))
	}
	if out.Errors[0].Target != reqs[1].Target {
		t.Errorf("error target = %s", out.Errors[0].Target)
	}
	if strings.Contains(out.Err().Error(), "secret") {
		t.Errorf("error message leaks the API key: %v", out.Err())
	}
	if out.TotalBytes != 8 {
		t.Errorf("TotalBytes = %d, want 8", out.TotalBytes)
	}
	if progressCalls.Load() == 0 {
		t.Error("progress callback never called")
	}
}

func TestDownload_AllFailed(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	out := newTestDownloader(1000, 2).Download(context.Background(), []Request{
		{URL: bad.URL, Target: filepath.Join(t.TempDir(), "x")},
	}, "")
	if out.Success || out.Partial {
		t.Errorf("Success=%v Partial=%v, want complete failure", out.Success, out.Partial)
	}
	if out.Err() == nil {
		t.Error("Err() should report the failure")
	}
}

func assertNoLeftovers(t *testing.T, target string) {
	t.Helper()

	matches, _ := filepath.Glob(target + ".part*")
	if _, err := os.Stat(stagingPath(target)); err == nil {
		matches = append(matches, stagingPath(target))
	}
	if len(matches) > 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}
