// ABOUTME: Chunked downloader for database and feed files
// ABOUTME: HEAD sizing, ranged parallel chunks or single stream, batch downloads with isolated failures

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/transport"
)

// Download errors.
var (
	ErrChunkFailed      = errors.New("chunk download failed")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrShortTransfer    = errors.New("transfer ended early")
)

// Config holds configuration for the downloader.
type Config struct {
	// ChunkSize is the target size of one ranged request.
	ChunkSize int64

	// MaxParallel bounds concurrent chunks per file and concurrent files.
	MaxParallel int

	// ReadTimeout cancels a transfer that produces no bytes for this long.
	ReadTimeout time.Duration

	// RecencyWindow skips targets modified within this window.
	RecencyWindow time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     8 << 20,
		MaxParallel:   4,
		ReadTimeout:   60 * time.Second,
		RecencyWindow: 5 * time.Minute,
	}
}

// Request names one file to fetch.
type Request struct {
	URL    string
	Target string

	// Finalize runs on the fully written staging file before it replaces
	// Target. An error fails the file.
	Finalize func(path string) error
}

// FileError reports the failure of one file in a batch.
type FileError struct {
	URL    string
	Target string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", observability.RedactURL(e.URL), e.Target, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// FileResult is the outcome of one file.
type FileResult struct {
	URL      string
	Target   string
	Bytes    int64
	Chunks   int
	Skipped  bool
	Duration time.Duration
	Err      error
}

// Outcome summarizes one batch.
type Outcome struct {
	Success         bool          `json:"success"`
	Partial         bool          `json:"partial"`
	TotalBytes      int64         `json:"total_bytes"`
	Duration        time.Duration `json:"duration"`
	FilesDownloaded int           `json:"files_downloaded"`
	FilesSkipped    int           `json:"files_skipped"`
	BytesPerSecond  float64       `json:"bytes_per_second"`
	Errors          []FileError   `json:"-"`
	Files           []FileResult  `json:"-"`
}

// Err combines the per-file errors, or returns nil.
func (o *Outcome) Err() error {
	var err error
	for i := range o.Errors {
		err = multierr.Append(err, &o.Errors[i])
	}
	return err
}

// TargetErr returns the error recorded for target, or nil when it arrived
// or was skipped.
func (o *Outcome) TargetErr(target string) error {
	for i := range o.Errors {
		if o.Errors[i].Target == target {
			return &o.Errors[i]
		}
	}
	return nil
}

// ProgressFunc receives byte progress for one target. total is -1 when
// the length is unknown.
type ProgressFunc func(target string, written, total int64)

// Chunk is one byte range of a chunked download. End is inclusive.
type Chunk struct {
	Index    int
	Start    int64
	End      int64
	TempPath string
	Bytes    int64
	Err      error
}

// Len returns the number of bytes in the range.
func (c Chunk) Len() int64 {
	return c.End - c.Start + 1
}

// ChunkedDownloader downloads files with parallel range requests.
type ChunkedDownloader struct {
	client   *http.Client
	cfg      Config
	logger   *slog.Logger
	progress ProgressFunc
}

// NewChunkedDownloader creates a new downloader over client.
func NewChunkedDownloader(client *http.Client, cfg Config, logger *slog.Logger) *ChunkedDownloader {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkedDownloader{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "downloader")),
	}
}

// SetProgress installs a progress callback. It may be called concurrently.
func (d *ChunkedDownloader) SetProgress(fn ProgressFunc) {
	d.progress = fn
}

// Download fetches every request concurrently, up to MaxParallel files at
// once. A failed file never aborts the others.
func (d *ChunkedDownloader) Download(ctx context.Context, reqs []Request, apiKey string) *Outcome {
	start := time.Now()
	results := make([]FileResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = d.DownloadFile(ctx, req, apiKey)
			return nil
		})
	}
	_ = g.Wait()

	out := &Outcome{Files: results, Duration: time.Since(start)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			out.Errors = append(out.Errors, FileError{URL: r.URL, Target: r.Target, Err: r.Err})
		case r.Skipped:
			out.FilesSkipped++
		default:
			out.FilesDownloaded++
			out.TotalBytes += r.Bytes
		}
	}

	ok := out.FilesDownloaded + out.FilesSkipped
	out.Success = len(out.Errors) == 0
	out.Partial = !out.Success && ok > 0
	if secs := out.Duration.Seconds(); secs > 0 {
		out.BytesPerSecond = float64(out.TotalBytes) / secs
	}

	d.logger.Info("download batch finished",
		slog.Int("files", len(reqs)),
		slog.Int("downloaded", out.FilesDownloaded),
		slog.Int("skipped", out.FilesSkipped),
		slog.Int("failed", len(out.Errors)),
		slog.Int64("bytes", out.TotalBytes),
		slog.Duration("duration", out.Duration),
		slog.Float64("bytes_per_second", out.BytesPerSecond),
	)
	return out
}

// DownloadFile fetches one file.
func (d *ChunkedDownloader) DownloadFile(ctx context.Context, req Request, apiKey string) (res FileResult) {
	start := time.Now()
	res = FileResult{URL: req.URL, Target: req.Target}

	ctx, span := observability.StartSpan(ctx, "download.File",
		trace.WithAttributes(attribute.String("target", req.Target)))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.Int64("bytes", res.Bytes), attribute.Int("chunks", res.Chunks))
		observability.EndSpan(span, res.Err)
	}()

	if d.isRecent(req.Target) {
		d.logger.Debug("skipping recently downloaded file", slog.String("target", req.Target))
		res.Skipped = true
		return res
	}

	size, ranges := d.head(ctx, req.URL, apiKey)

	if size <= 0 || !ranges || size < 2*d.cfg.ChunkSize {
		d.logger.Debug("single-stream download",
			slog.String("url", observability.RedactURL(req.URL)),
			slog.Int64("size", size),
			slog.Bool("ranges", ranges),
		)
		res.Chunks = 1
		res.Bytes, res.Err = d.single(ctx, req, apiKey, size)
		return res
	}

	chunks := PlanChunks(size, d.cfg.ChunkSize, d.cfg.MaxParallel, req.Target)
	res.Chunks = len(chunks)
	res.Bytes, res.Err = d.chunked(ctx, req, apiKey, size, chunks)
	return res
}

// isRecent reports whether target exists and was modified inside the
// recency window.
func (d *ChunkedDownloader) isRecent(target string) bool {
	if d.cfg.RecencyWindow <= 0 {
		return false
	}
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	return d.cfg.Now().Sub(info.ModTime()) < d.cfg.RecencyWindow
}

// head returns the content length (-1 if unknown) and whether byte ranges
// are supported. Failures degrade to unknown.
func (d *ChunkedDownloader) head(ctx context.Context, url, apiKey string) (int64, bool) {
	wd := newWatchdog(ctx, d.cfg.ReadTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(wd.ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1, false
	}
	transport.SetAPIKey(req, apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("HEAD failed, length unknown", slog.String("error", observability.RedactSensitive(wd.Err(err).Error())))
		return -1, false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, false
	}
	return resp.ContentLength, strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
}

// single streams url into a staging file and renames it over the target.
func (d *ChunkedDownloader) single(ctx context.Context, req Request, apiKey string, total int64) (int64, error) {
	staging := stagingPath(req.Target)
	defer os.Remove(staging)

	n, err := d.fetch(ctx, req.URL, apiKey, "", staging, req.Target, total, nil)
	if err != nil {
		return 0, err
	}
	if err := d.finish(req, staging); err != nil {
		return 0, err
	}
	return n, nil
}

// chunked runs every chunk, then merges only if all succeeded.
func (d *ChunkedDownloader) chunked(ctx context.Context, req Request, apiKey string, total int64, chunks []Chunk) (int64, error) {
	defer func() {
		for _, c := range chunks {
			os.Remove(c.TempPath)
		}
	}()

	var written atomic.Int64

	// Siblings are not cancelled when one chunk fails.
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i := range chunks {
		c := &chunks[i]
		g.Go(func() error {
			rng := fmt.Sprintf("bytes=%d-%d", c.Start, c.End)
			c.Bytes, c.Err = d.fetch(ctx, req.URL, apiKey, rng, c.TempPath, req.Target, total, &written)
			if c.Err == nil && c.Bytes != c.Len() {
				c.Err = fmt.Errorf("%w: chunk %d got %d of %d bytes", ErrShortTransfer, c.Index, c.Bytes, c.Len())
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, c := range chunks {
		if c.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("chunk %d [%d-%d]: %w", c.Index, c.Start, c.End, c.Err))
		}
	}
	if errs != nil {
		d.logger.Warn("chunked download failed, discarding all chunks",
			slog.String("target", req.Target),
			slog.String("error", observability.RedactSensitive(errs.Error())),
		)
		return 0, fmt.Errorf("%w: %w", ErrChunkFailed, errs)
	}

	staging := stagingPath(req.Target)
	defer os.Remove(staging)

	n, err := mergeChunks(staging, chunks)
	if err != nil {
		return 0, err
	}
	if n != total {
		return 0, fmt.Errorf("%w: merged %d of %d bytes", ErrShortTransfer, n, total)
	}
	if err := d.finish(req, staging); err != nil {
		return 0, err
	}

	d.logger.Debug("chunked download merged",
		slog.String("target", req.Target),
		slog.Int("chunks", len(chunks)),
		slog.Int64("bytes", n),
	)
	return n, nil
}

// fetch GETs url, optionally with a Range header, into path.
func (d *ChunkedDownloader) fetch(ctx context.Context, url, apiKey, rng, path, target string, total int64, shared *atomic.Int64) (int64, error) {
	wd := newWatchdog(ctx, d.cfg.ReadTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(wd.ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	transport.SetAPIKey(req, apiKey)
	want := http.StatusOK
	if rng != "" {
		req.Header.Set("Range", rng)
		want = http.StatusPartialContent
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("performing request: %w", wd.Err(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return 0, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}

	var w io.Writer = f
	if d.progress != nil {
		if shared == nil {
			shared = new(atomic.Int64)
		}
		w = &progressWriter{w: f, fn: d.progress, target: target, total: total, written: shared}
	}

	n, err := io.Copy(w, wd.Reader(resp.Body))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("reading response: %w", wd.Err(err))
	}
	if rng == "" && resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, n, resp.ContentLength)
	}
	return n, nil
}

// finish runs the finalizer and moves staging over the target.
func (d *ChunkedDownloader) finish(req Request, staging string) error {
	if req.Finalize != nil {
		if err := req.Finalize(staging); err != nil {
			return fmt.Errorf("finalizing %s: %w", req.Target, err)
		}
	}
	if err := os.Rename(staging, req.Target); err != nil {
		return fmt.Errorf("replacing %s: %w", req.Target, err)
	}
	return nil
}

// PlanChunks splits [0, size) into N = min(maxParallel, ceil(size/chunkSize))
// contiguous ranges of near-equal length.
func PlanChunks(size, chunkSize int64, maxParallel int, target string) []Chunk {
	if size <= 0 {
		return nil
	}
	n := (size + chunkSize - 1) / chunkSize
	if n > int64(maxParallel) {
		n = int64(maxParallel)
	}
	if n < 1 {
		n = 1
	}
	per := (size + n - 1) / n

	chunks := make([]Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * per
		if start >= size {
			break
		}
		end := min(start+per, size) - 1
		chunks = append(chunks, Chunk{
			Index:    int(i),
			Start:    start,
			End:      end,
			TempPath: target + ".part" + strconv.FormatInt(i, 10),
		})
	}
	return chunks
}

// mergeChunks concatenates chunk files in index order into dst.
func mergeChunks(dst string, chunks []Chunk) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}

	var total int64
	for _, c := range chunks {
		n, err := appendFile(out, c.TempPath)
		total += n
		if err != nil {
			out.Close()
			return total, fmt.Errorf("merging chunk %d: %w", c.Index, err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return total, err
	}
	return total, out.Close()
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

func stagingPath(target string) string {
	return target + ".download"
}

type progressWriter struct {
	w       io.Writer
	fn      ProgressFunc
	target  string
	total   int64
	written *atomic.Int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.fn(p.target, p.written.Add(int64(n)), p.total)
	}
	return n, err
}
