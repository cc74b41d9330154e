// ABOUTME: NATS publisher for update outcome events
// ABOUTME: Handles connection, reconnect logging, tracing headers and graceful shutdown

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// Config holds NATS connection configuration.
type Config struct {
	// URL of the NATS server.
	URL string

	// Subject receives update events.
	Subject string

	// Name identifies the connection.
	Name string

	// Reconnect settings.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "nvdcache.update",
		Name:          "nvdcache",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// VersionSource reports the current database checksum.
type VersionSource interface {
	GetVersionInfo() dbupdater.VersionInfo
}

// Publisher publishes update events.
type Publisher struct {
	conn    Conn
	subject string
	version VersionSource
	now     func() time.Time
	logger  *slog.Logger
}

// Connect dials NATS and returns a publisher on cfg.Subject.
func Connect(cfg Config, version VersionSource, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "events"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	logger.Info("connected to NATS",
		slog.String("url", observability.RedactURL(conn.ConnectedUrl())),
		slog.String("subject", cfg.Subject),
	)

	return NewPublisher(conn, cfg.Subject, version, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, subject string, version VersionSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, subject: subject, version: version, now: time.Now, logger: logger}
}

// PublishUpdate publishes the outcome of one update.
func (p *Publisher) PublishUpdate(ctx context.Context, name string, r *dbupdater.UpdateResult) error {
	var checksum string
	if p.version != nil {
		checksum = p.version.GetVersionInfo().Checksum
	}
	ev := NewUpdateEvent(name, r, checksum, p.now())

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	if id := observability.FromContext(ctx); id != "" {
		msg.Header.Set(HeaderRunID, id.String())
	}
	if tid := observability.ExtractTraceID(ctx); tid != "" {
		msg.Header.Set(HeaderTraceID, tid)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	return nil
}

// OnResult publishes r and logs failures. It has the shape of
// dbupdater.ResultFunc.
func (p *Publisher) OnResult(ctx context.Context, name string, r *dbupdater.UpdateResult) {
	if err := p.PublishUpdate(ctx, name, r); err != nil {
		p.logger.WarnContext(ctx, "could not publish update event",
			slog.String("updater", name),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.FlushTimeout(5 * time.Second)
	p.conn.Close()
	if err != nil {
		return fmt.Errorf("flushing events: %w", err)
	}
	return nil
}
