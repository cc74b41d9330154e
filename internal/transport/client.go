// ABOUTME: HTTP client construction for all remote feed traffic
// ABOUTME: Connect and read timeouts, identifying headers, optional API key, compat rewrite

package transport

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/compat"
)

// APIKeyHeader carries the NVD API key.
const APIKeyHeader = "apiKey"

// Config configures a feed client.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string

	// ConnectTimeout bounds TCP connection setup.
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for response headers.
	ReadTimeout time.Duration

	// FeedHost scopes the JSON compatibility rewrite. Empty disables it.
	FeedHost string

	// MaxConnsPerHost bounds parallel connections to one host.
	MaxConnsPerHost int

	// Logger for rewrite events.
	Logger *slog.Logger
}

// NewClient returns the client shared by probes and downloads. The client
// has no overall timeout because bulk downloads can legitimately take
// minutes; per-read stalls are bounded by the callers.
func NewClient(cfg Config) *http.Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 30 * time.Second
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = 60 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          32,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = base
	if cfg.FeedHost != "" {
		rt = compat.NewTransport(rt, cfg.FeedHost, cfg.Logger)
	}
	rt = &headerTransport{base: rt, userAgent: cfg.UserAgent}

	return &http.Client{Transport: rt}
}

// headerTransport stamps the identifying User-Agent on every request.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (h *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if h.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", h.userAgent)
	}
	return h.base.RoundTrip(req)
}

// SetAPIKey attaches the API key header when key is non-empty.
func SetAPIKey(req *http.Request, key string) {
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
}
