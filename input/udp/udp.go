// Package udp provides the UDP intake component. One socket receives both
// JSON readings and binary sample blocks; datagrams are copied into a
// bounded intake buffer and handed to the configured handler by dispatch
// workers, so a slow pipeline never blocks socket reads.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HansOlavAarvik/BCH-server/component"
	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/pkg/buffer"
	"github.com/HansOlavAarvik/BCH-server/pkg/retry"
)

// socketBufferSize is the requested OS receive buffer. Audio devices burst
// at 32 kHz; a small kernel buffer drops packets before we ever see them.
const socketBufferSize = 2 * 1024 * 1024

// maxDatagram is the largest UDP payload we accept.
const maxDatagram = 65536

// Metrics holds the component's Prometheus metrics.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

func newMetrics(registry *metric.Registry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bch",
			Subsystem: "udp",
			Name:      "packets_received_total",
			Help:      "Total UDP datagrams received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bch",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from UDP",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bch",
			Subsystem: "udp",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped by intake buffer overflow",
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bch",
			Subsystem: "udp",
			Name:      "socket_errors_total",
			Help:      "Socket read errors encountered",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bch",
			Subsystem: "udp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last received datagram",
		}),
	}

	serviceName := fmt.Sprintf("udp_%d", port)
	_ = registry.RegisterCounter(serviceName, "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter(serviceName, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(serviceName, "packets_dropped", m.packetsDropped)
	_ = registry.RegisterCounter(serviceName, "socket_errors", m.socketErrors)
	_ = registry.RegisterGauge(serviceName, "last_activity", m.lastActivity)
	return m
}

// HandleFunc processes one datagram. Called concurrently from dispatch
// workers; the slice is owned by the callee.
type HandleFunc func(data []byte)

// Config holds the intake settings.
type Config struct {
	Bind       string
	Port       int
	QueueDepth int
	Workers    int
}

// DefaultConfig returns the production intake settings. Port 3390 is what
// the cabinet firmware ships with.
func DefaultConfig() Config {
	return Config{
		Bind:       "0.0.0.0",
		Port:       3390,
		QueueDepth: 4096,
		Workers:    2,
	}
}

// Deps holds runtime dependencies for the intake component.
type Deps struct {
	Config          Config
	Handler         HandleFunc
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Input is the UDP intake component. It owns its socket exclusively and
// communicates only through the handler.
type Input struct {
	cfg     Config
	handler HandleFunc
	logger  *slog.Logger

	queue       buffer.Buffer[[]byte]
	notify      chan struct{}
	retryConfig retry.Config

	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	conn      *net.UDPConn

	packetsReceived atomic.Int64
	bytesReceived   atomic.Int64
	errorCount      atomic.Int64
	lastActivity    atomic.Value // time.Time

	metrics *Metrics
}

var _ component.Lifecycle = (*Input)(nil)

// NewInput creates the intake component.
func NewInput(deps Deps) (*Input, error) {
	cfg := deps.Config
	if cfg.Bind == "" {
		cfg.Bind = DefaultConfig().Bind
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "udp-input", "port", cfg.Port)

	var opts []buffer.Option[[]byte]
	opts = append(opts, buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if deps.MetricsRegistry != nil {
		opts = append(opts, buffer.WithMetrics[[]byte](deps.MetricsRegistry, "udp_intake"))
	}
	queue, err := buffer.NewCircularBuffer(cfg.QueueDepth, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "udp-input", "NewInput", "intake buffer creation")
	}

	in := &Input{
		cfg:         cfg,
		handler:     deps.Handler,
		logger:      logger,
		queue:       queue,
		notify:      make(chan struct{}, 1),
		retryConfig: retry.Quick(),
		metrics:     newMetrics(deps.MetricsRegistry, cfg.Port),
	}
	in.lastActivity.Store(time.Time{})
	return in, nil
}

// Meta returns the component metadata.
func (u *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        fmt.Sprintf("udp-input-%d", u.cfg.Port),
		Type:        "input",
		Description: fmt.Sprintf("UDP intake on %s:%d", u.cfg.Bind, u.cfg.Port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (u *Input) Health() component.HealthStatus {
	u.mu.RLock()
	connected := u.conn != nil
	u.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    u.running.Load() && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(u.errorCount.Load()),
		Uptime:     time.Since(u.startTime),
	}
}

// DataFlow returns the current flow metrics.
func (u *Input) DataFlow() component.FlowMetrics {
	packets := u.packetsReceived.Load()
	bytes := u.bytesReceived.Load()
	lastActivity, _ := u.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(u.startTime).Seconds(); uptime > 0 {
		perSecond = float64(packets) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if packets > 0 {
		errorRate = float64(u.errorCount.Load()) / float64(packets)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration before the socket is opened. Port 0 is
// allowed and lets the OS assign one, which the tests rely on.
func (u *Input) Initialize() error {
	if u.cfg.Port < 0 || u.cfg.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", u.cfg.Port),
			"udp-input", "Initialize", "port validation")
	}
	if u.handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil handler"),
			"udp-input", "Initialize", "handler validation")
	}
	return nil
}

// Start binds the socket and launches the read and dispatch loops.
func (u *Input) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running.Load() {
		return errors.ErrAlreadyStarted
	}

	u.shutdown = make(chan struct{})
	u.done = make(chan struct{})

	if err := retry.Do(ctx, u.retryConfig, u.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp-input", "Start", "socket binding")
	}

	u.running.Store(true)
	u.startTime = time.Now()
	u.logger.Info("listening", "bind", u.cfg.Bind)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx)
	}()

	for i := 0; i < u.cfg.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.dispatchLoop(ctx)
		}()
	}

	go func() {
		u.wg.Wait()
		close(u.done)
	}()

	return nil
}

func (u *Input) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.cfg.Bind, u.cfg.Port))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve %s:%d: %w", u.cfg.Bind, u.cfg.Port, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP port %d: %w", u.cfg.Port, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("could not set UDP receive buffer",
			"requested", socketBufferSize, "error", err)
	}

	u.conn = conn
	return nil
}

// LocalAddr returns the bound socket address, or nil before Start.
func (u *Input) LocalAddr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Stop shuts the component down, waiting up to timeout for in-flight
// datagrams to drain.
func (u *Input) Stop(timeout time.Duration) error {
	if !u.running.Load() {
		return errors.ErrNotStarted
	}
	u.running.Store(false)

	u.mu.Lock()
	close(u.shutdown)
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	u.mu.Unlock()

	select {
	case <-u.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-input", "Stop", "graceful shutdown")
	}

	_ = u.queue.Close()
	return nil
}

// readLoop reads datagrams into the intake queue until shutdown. The read
// deadline keeps the loop responsive to Stop.
func (u *Input) readLoop(ctx context.Context) {
	readBuf := make([]byte, maxDatagram)

	for u.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-u.shutdown:
			return
		default:
		}

		u.mu.RLock()
		conn := u.conn
		u.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(readBuf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-u.shutdown:
				return
			default:
			}
			u.errorCount.Add(1)
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
			continue
		}

		now := time.Now()
		u.packetsReceived.Add(1)
		u.bytesReceived.Add(int64(n))
		u.lastActivity.Store(now)
		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
			u.metrics.lastActivity.Set(float64(now.Unix()))
		}

		data := make([]byte, n)
		copy(data, readBuf[:n])
		if err := u.queue.Write(data); err != nil {
			if u.metrics != nil {
				u.metrics.packetsDropped.Inc()
			}
			continue
		}

		select {
		case u.notify <- struct{}{}:
		default:
		}
	}
}

// dispatchLoop drains the intake queue and hands each datagram to the
// handler.
func (u *Input) dispatchLoop(ctx context.Context) {
	const maxBatch = 64

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.shutdown:
			// Final drain so buffered datagrams are not lost on shutdown.
			u.drain(maxBatch)
			return
		case <-u.notify:
			u.drain(maxBatch)
		}
	}
}

func (u *Input) drain(maxBatch int) {
	for {
		batch := u.queue.ReadBatch(maxBatch)
		if len(batch) == 0 {
			return
		}
		for _, data := range batch {
			u.handler(data)
		}
	}
}
