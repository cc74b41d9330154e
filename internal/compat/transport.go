// ABOUTME: http.RoundTripper decorator applying the compatibility rewrite
// ABOUTME: Scoped to the feed host; every other response passes through untouched

package compat

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// DefaultMaxBodySize bounds how much of a response is buffered for rewriting.
const DefaultMaxBodySize = 256 << 20

// Transport rewrites JSON responses from the feed host.
type Transport struct {
	// Base is the wrapped transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Host is the feed host. Subdomains match too.
	Host string

	// Rewriter applies the rewrite. Defaults to NewRewriter(nil, nil).
	Rewriter *Rewriter

	// MaxBodySize skips bodies larger than this. Defaults to DefaultMaxBodySize.
	MaxBodySize int64

	// Logger for rewrite events.
	Logger *slog.Logger
}

// NewTransport wraps base for the given feed host.
func NewTransport(base http.RoundTripper, host string, logger *slog.Logger) *Transport {
	return &Transport{Base: base, Host: host, Logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil || !t.applies(req, resp) {
		return resp, err
	}

	limit := t.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	if resp.ContentLength > limit {
		return resp, nil
	}

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if readErr != nil || int64(len(data)) > limit {
		// Too large or broken: hand back the original stream as it was.
		resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), errOr(readErr, resp.Body)), closer: resp.Body}
		return resp, nil
	}
	resp.Body.Close()

	rw := t.Rewriter
	if rw == nil {
		rw = NewRewriter(nil, nil)
	}
	out, n := rw.rewrite(data)
	if n > 0 && t.Logger != nil {
		t.Logger.Debug("rewrote incompatible feed values",
			slog.String("host", req.URL.Hostname()),
			slog.String("path", req.URL.Path),
			slog.Int("values", n),
		)
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return resp, nil
}

func (t *Transport) applies(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead || resp.StatusCode != http.StatusOK {
		return false
	}
	if !MatchesHost(req.URL.Hostname(), t.Host) {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "json")
}

// MatchesHost reports whether host is feedHost or one of its subdomains.
func MatchesHost(host, feedHost string) bool {
	if feedHost == "" {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	feedHost = strings.ToLower(strings.TrimSuffix(feedHost, "."))
	return host == feedHost || strings.HasSuffix(host, "."+feedHost)
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (r *replayBody) Close() error {
	return r.closer.Close()
}

func errOr(err error, rest io.Reader) io.Reader {
	if err != nil {
		return errReader{err}
	}
	return rest
}
