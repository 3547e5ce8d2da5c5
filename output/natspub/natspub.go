// Package natspub mirrors alarm events and spectral summaries to NATS for
// the notification and storage layers living outside this process. Egress is
// fire-and-forget with bounded retry; the pipeline never blocks on a slow or
// absent broker. The publisher is optional and disabled when no URL is
// configured.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/HansOlavAarvik/BCH-server/component"
	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/pkg/retry"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Config holds the egress settings. An empty URL disables the publisher.
type Config struct {
	URL             string
	AlarmSubject    string
	SpectralSubject string
}

// DefaultConfig returns the production subject roots. Device and channel
// names are appended as subject tokens.
func DefaultConfig() Config {
	return Config{
		AlarmSubject:    "cabinet.alarm",
		SpectralSubject: "cabinet.spectral",
	}
}

// Publisher forwards pipeline outputs to NATS.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	conn      *nats.Conn
	running   atomic.Bool
	startTime time.Time
	published atomic.Int64
	failed    atomic.Int64

	retryConfig retry.Config
}

var _ component.Lifecycle = (*Publisher)(nil)

// New creates a publisher. Returns nil when cfg.URL is empty: the nil
// publisher's methods are all safe no-ops, which keeps call sites free of
// enabled checks.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.URL == "" {
		return nil
	}
	if cfg.AlarmSubject == "" {
		cfg.AlarmSubject = DefaultConfig().AlarmSubject
	}
	if cfg.SpectralSubject == "" {
		cfg.SpectralSubject = DefaultConfig().SpectralSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:         cfg,
		logger:      logger.With("component", "nats-egress"),
		retryConfig: retry.Quick(),
	}
}

// Meta returns the component metadata.
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-egress",
		Type:        "output",
		Description: fmt.Sprintf("NATS egress to %s", p.cfg.URL),
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (p *Publisher) Health() component.HealthStatus {
	connected := p.conn != nil && p.conn.IsConnected()
	return component.HealthStatus{
		Healthy:    p.running.Load() && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(p.failed.Load()),
		Uptime:     time.Since(p.startTime),
	}
}

// Initialize validates the configuration.
func (p *Publisher) Initialize() error {
	if p.cfg.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"nats-egress", "Initialize", "URL validation")
	}
	return nil
}

// Start connects to the broker. Connection failures are transient: the
// nats client keeps reconnecting in the background and publishes resume
// when the broker returns.
func (p *Publisher) Start(_ context.Context) error {
	if p.running.Load() {
		return errors.ErrAlreadyStarted
	}

	conn, err := nats.Connect(p.cfg.URL,
		nats.Name("bch-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"nats-egress", "Start", "broker connect")
	}

	p.conn = conn
	p.running.Store(true)
	p.startTime = time.Now()
	p.logger.Info("connected", "url", conn.ConnectedUrl())
	return nil
}

// Stop drains and closes the connection.
func (p *Publisher) Stop(timeout time.Duration) error {
	if !p.running.Load() {
		return errors.ErrNotStarted
	}
	p.running.Store(false)

	if p.conn != nil {
		done := make(chan struct{})
		go func() {
			_ = p.conn.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			p.conn.Close()
			return errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
				"nats-egress", "Stop", "connection drain")
		}
	}
	return nil
}

// PublishAlarm forwards one alarm event. Safe to call on a nil publisher.
func (p *Publisher) PublishAlarm(event telemetry.AlarmEvent) {
	if p == nil || !p.running.Load() {
		return
	}
	subject := fmt.Sprintf("%s.%s", p.cfg.AlarmSubject, event.DeviceID)
	p.publish(subject, event)
}

// PublishSummary forwards one spectral summary. Safe to call on a nil
// publisher.
func (p *Publisher) PublishSummary(sum *telemetry.SpectralSummary) {
	if p == nil || !p.running.Load() {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", p.cfg.SpectralSubject, sum.DeviceID, sum.ChannelName)
	p.publish(subject, sum)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("payload marshal failed", "subject", subject, "error", err)
		return
	}

	op := func() error {
		if p.conn == nil || !p.conn.IsConnected() {
			return errors.ErrNoConnection
		}
		return p.conn.Publish(subject, data)
	}
	if err := retry.Do(context.Background(), p.retryConfig, op); err != nil {
		p.failed.Add(1)
		p.logger.Warn("publish failed", "subject", subject, "error", err)
		return
	}
	p.published.Add(1)
}

// Published returns the number of successful publishes.
func (p *Publisher) Published() int64 {
	if p == nil {
		return 0
	}
	return p.published.Load()
}
