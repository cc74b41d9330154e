// ABOUTME: Remote freshness probe for the NVD feed
// ABOUTME: Rate-limited last-modified and record-count lookups behind a circuit breaker

package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/resilience"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/transport"
)

// Probe errors.
var (
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrNoLastModified   = errors.New("response carries no usable Last-Modified header")
	ErrNoRecordCount    = errors.New("response carries no totalResults field")
	ErrNotConfigured    = errors.New("probe URL not configured")
)

// maxCountBody bounds the body read for a one-record page.
const maxCountBody = 4 << 20

// Config configures a Probe.
type Config struct {
	// ModifiedURL is probed with HEAD for Last-Modified.
	ModifiedURL string

	// APIURL is the paged CVE API; one result is requested per count.
	APIURL string

	// APIKey is sent only when the caller reports a credential.
	APIKey string

	// IntervalWithKey spaces calls made with the API key.
	IntervalWithKey time.Duration

	// IntervalWithoutKey spaces anonymous calls.
	IntervalWithoutKey time.Duration

	// Breaker guards both endpoints. Nil disables it.
	Breaker *resilience.CircuitBreaker

	// Metrics counts probes. Optional.
	Metrics *observability.UpdateMetrics

	// Logger for probe events.
	Logger *slog.Logger
}

// Probe asks the remote feed how fresh it is.
type Probe struct {
	client     *http.Client
	cfg        Config
	withKey    *rate.Limiter
	withoutKey *rate.Limiter
	logger     *slog.Logger
}

// New creates a probe over client.
func New(client *http.Client, cfg Config) *Probe {
	if cfg.IntervalWithKey <= 0 {
		cfg.IntervalWithKey = 600 * time.Millisecond
	}
	if cfg.IntervalWithoutKey <= 0 {
		cfg.IntervalWithoutKey = 6 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		client:     client,
		cfg:        cfg,
		withKey:    rate.NewLimiter(rate.Every(cfg.IntervalWithKey), 1),
		withoutKey: rate.NewLimiter(rate.Every(cfg.IntervalWithoutKey), 1),
		logger:     logger.With(slog.String("component", "probe")),
	}
}

// LastModified returns the remote modification time of the feed.
func (p *Probe) LastModified(ctx context.Context, hasCredential bool) (time.Time, error) {
	var modified time.Time
	err := p.call(ctx, "probe.LastModified", "probe_last_modified", p.cfg.ModifiedURL, hasCredential, func(ctx context.Context) error {
		resp, err := p.do(ctx, http.MethodHead, p.cfg.ModifiedURL, hasCredential)
		if err != nil {
			return err
		}
		resp.Body.Close()

		header := resp.Header.Get("Last-Modified")
		if header == "" {
			return ErrNoLastModified
		}
		t, err := http.ParseTime(header)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNoLastModified, header)
		}
		modified = t
		return nil
	})
	return modified, err
}

// RecordCount returns the total number of records the API reports.
func (p *Probe) RecordCount(ctx context.Context, hasCredential bool) (int64, error) {
	target, err := countURL(p.cfg.APIURL)
	if err != nil {
		return 0, observability.ConfigurationError(observability.CodeProbeFailed, "probe_record_count", err)
	}

	var count int64
	err = p.call(ctx, "probe.RecordCount", "probe_record_count", p.cfg.APIURL, hasCredential, func(ctx context.Context) error {
		resp, err := p.do(ctx, http.MethodGet, target, hasCredential)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCountBody))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		total := gjson.GetBytes(body, "totalResults")
		if !total.Exists() || total.Type != gjson.Number {
			return ErrNoRecordCount
		}
		count = total.Int()
		return nil
	})
	return count, err
}

// call runs fn under the rate limiter, the breaker and a span, and
// classifies its error.
func (p *Probe) call(ctx context.Context, span, op, rawURL string, hasCredential bool, fn func(context.Context) error) error {
	if rawURL == "" {
		return observability.ConfigurationError(observability.CodeProbeFailed, op, ErrNotConfigured)
	}

	ctx, sp := observability.StartSpan(ctx, span,
		trace.WithAttributes(attribute.Bool("credential", hasCredential)))

	err := p.limiter(hasCredential).Wait(ctx)
	if err == nil {
		if p.cfg.Breaker != nil {
			err = p.cfg.Breaker.Execute(ctx, fn)
		} else {
			err = fn(ctx)
		}
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordProbe(err)
	}
	if err != nil {
		err = classify(op, err)
		p.logger.Debug("remote probe failed",
			slog.String("operation", op),
			slog.String("url", observability.RedactURL(rawURL)),
			slog.String("error", observability.RedactSensitive(err.Error())),
		)
	}
	observability.EndSpan(sp, err)
	return err
}

func (p *Probe) limiter(hasCredential bool) *rate.Limiter {
	if hasCredential {
		return p.withKey
	}
	return p.withoutKey
}

func (p *Probe) do(ctx context.Context, method, rawURL string, hasCredential bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if hasCredential {
		transport.SetAPIKey(req, p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp, nil
}

// classify wraps err with its category. Missing or unparsable fields are
// schema drift; everything else is transient.
func classify(op string, err error) error {
	if observability.CategoryOf(err) != "" {
		return err
	}
	category := observability.CategoryTransient
	if errors.Is(err, ErrNoLastModified) || errors.Is(err, ErrNoRecordCount) {
		category = observability.CategoryFormat
	}
	return observability.NewErrorContext(observability.CodeProbeFailed, category, op).WithError(err)
}

// countURL asks the API for a single record so only the envelope is paid for.
func countURL(raw string) (string, error) {
	if raw == "" {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing API URL: %w", err)
	}
	q := u.Query()
	q.Set("resultsPerPage", "1")
	q.Set("startIndex", "0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
