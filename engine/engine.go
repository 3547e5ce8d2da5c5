package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/HansOlavAarvik/BCH-server/alarm"
	"github.com/HansOlavAarvik/BCH-server/config"
	"github.com/HansOlavAarvik/BCH-server/device"
	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/health"
	"github.com/HansOlavAarvik/BCH-server/input/udp"
	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/output/natspub"
	"github.com/HansOlavAarvik/BCH-server/packet"
	"github.com/HansOlavAarvik/BCH-server/reassembly"
	"github.com/HansOlavAarvik/BCH-server/spectral"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
	"github.com/HansOlavAarvik/BCH-server/timeseries"
)

// housekeepingInterval drives the reassembly tick and the device sweep.
const housekeepingInterval = 50 * time.Millisecond

// analysisWorkers is the size of the pool consuming completed segments.
// Analysis runs decoupled from intake so a slow FFT pass never blocks
// datagram reception. Each worker owns its own queue and every
// (device, channel) stream hashes to exactly one worker, so segments of
// one stream are always analyzed in emission order.
const analysisWorkers = 2

// Engine owns the whole pipeline.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics     *metric.Registry
	devices     *device.Registry
	classifier  *packet.Classifier
	reassembler *reassembly.Reassembler
	store       *timeseries.Store
	analyzer    *spectral.Analyzer
	evaluator   *alarm.Evaluator
	input       *udp.Input
	egress      *natspub.Publisher
	promServer  *metric.Server
	monitor     *health.Monitor

	segments []chan *telemetry.ReassembledSegment // one queue per analysis worker

	group   *errgroup.Group
	cancel  context.CancelFunc
	running atomic.Bool

	// malformLimiter throttles malformed-packet logging so a storm of junk
	// datagrams cannot flood the log. Counters stay exact.
	malformLimiter *rate.Limiter
}

// New builds the pipeline from configuration. Nothing starts until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger.With("component", "engine"),
		metrics:        metric.NewRegistry(),
		monitor:        health.NewMonitor("bch-server"),
		segments:       make([]chan *telemetry.ReassembledSegment, analysisWorkers),
		malformLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for i := range e.segments {
		e.segments[i] = make(chan *telemetry.ReassembledSegment, 128)
	}

	e.devices = device.NewRegistry(cfg.Device.IdleTimeout.Std(), logger, e.metrics)
	e.classifier = packet.NewClassifier(e.devices, e.metrics, logger)
	e.store = timeseries.NewStore(timeseries.Config{
		ReadingRetention:   cfg.Retention.Readings.Std(),
		VibrationRetention: cfg.Retention.Vibration.Std(),
		AudioRetention:     cfg.Retention.Audio.Std(),
		CapacityMargin:     cfg.Retention.CapacityMargin,
	}, e.metrics, logger)

	e.egress = natspub.New(natspub.Config{
		URL:             cfg.NATS.URL,
		AlarmSubject:    cfg.NATS.AlarmSubject,
		SpectralSubject: cfg.NATS.SpectralSubject,
	}, logger)

	thresholds := make([]alarm.Threshold, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		thresholds = append(thresholds, alarm.Threshold{
			Metric:     t.Metric,
			Low:        t.Low,
			High:       t.High,
			Hysteresis: t.Hysteresis,
		})
	}
	e.evaluator = alarm.NewEvaluator(thresholds, e.metrics, logger)
	e.evaluator.Subscribe(e.egress.PublishAlarm)

	e.analyzer = spectral.NewAnalyzer(spectral.Config{
		Vibration: spectral.WindowConfig{
			Size:    cfg.Spectral.Vibration.Size,
			Overlap: cfg.Spectral.Vibration.Overlap,
		},
		Audio: spectral.WindowConfig{
			Size:    cfg.Spectral.Audio.Size,
			Overlap: cfg.Spectral.Audio.Overlap,
		},
		MaxMissingFraction: cfg.Spectral.MaxMissingFraction,
	}, e.onSummary, e.metrics, logger)

	e.reassembler = reassembly.New(reassembly.Config{
		ReorderDepth: cfg.Reassembly.ReorderDepth,
		ReorderWait:  cfg.Reassembly.ReorderWait.Std(),
		IdleTimeout:  cfg.Reassembly.IdleTimeout.Std(),
	}, e.onSegment, e.metrics, logger)

	input, err := udp.NewInput(udp.Deps{
		Config: udp.Config{
			Bind:       cfg.Listen.Bind,
			Port:       cfg.Listen.Port,
			QueueDepth: cfg.Intake.QueueDepth,
			Workers:    cfg.Intake.Workers,
		},
		Handler:         e.handleDatagram,
		MetricsRegistry: e.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	e.input = input

	if cfg.Metrics.Port > 0 {
		e.promServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, e.metrics)
		e.promServer.SetHealthHandler(e.monitor.Handler())
	}

	return e, nil
}

// handleDatagram is the intake handler: classify, then route. Malformed
// datagrams are counted and dropped here; nothing propagates.
func (e *Engine) handleDatagram(data []byte) {
	result, err := e.classifier.Classify(data)
	if err != nil {
		if e.malformLimiter.Allow() {
			e.logger.Warn("datagram dropped", "error", err)
		}
		return
	}

	switch result.Kind {
	case packet.KindStructured:
		e.store.AddReading(result.Reading)
		e.evaluator.EvaluateReading(result.Reading)
	case packet.KindRawBlock:
		e.reassembler.Ingest(result.Block)
	}
}

// onSegment runs inside the reassembler's emission path, which serializes
// segments per stream. Storage happens here so chunk order in the store
// matches sequence order; analysis is queued to the stream's worker and
// dropped when that queue is full, thinning only spectral output.
func (e *Engine) onSegment(seg *telemetry.ReassembledSegment) {
	e.store.AddSegment(seg)

	select {
	case e.segments[segmentShard(seg.DeviceID, seg.Channel)] <- seg:
	default:
		e.logger.Warn("analysis queue full, segment skipped",
			"device_id", seg.DeviceID, "channel", seg.Channel.String())
	}
}

// segmentShard maps a (device, channel) stream to its analysis worker.
func segmentShard(deviceID string, ch telemetry.Channel) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	_, _ = h.Write([]byte{byte(ch)})
	return int(h.Sum32() % analysisWorkers)
}

func (e *Engine) onSummary(sum *telemetry.SpectralSummary) {
	e.evaluator.EvaluateSummary(sum)
	e.egress.PublishSummary(sum)
}

// Start brings the pipeline up: analysis workers and housekeeping first,
// then egress and the metrics endpoint, the UDP socket last so no datagram
// arrives before the pipeline can take it.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	for i := 0; i < analysisWorkers; i++ {
		queue := e.segments[i]
		group.Go(func() error {
			e.analysisLoop(groupCtx, queue)
			return nil
		})
	}
	group.Go(func() error {
		e.housekeepingLoop(groupCtx)
		return nil
	})

	e.monitor.UpdateHealthy("analysis", "workers running")
	e.monitor.UpdateHealthy("reassembler", "running")

	if e.egress != nil {
		if err := e.egress.Start(runCtx); err != nil {
			// Egress is best-effort; the core runs without a broker.
			e.logger.Warn("NATS egress unavailable", "error", err)
			e.monitor.UpdateDegraded("nats-egress", "broker unavailable")
		} else {
			e.monitor.UpdateHealthy("nats-egress", "connected")
		}
	}
	if e.promServer != nil {
		if err := e.promServer.Start(); err != nil {
			cancel()
			return errors.Wrap(err, "engine", "Start", "metrics server start")
		}
	}

	if err := e.input.Initialize(); err != nil {
		cancel()
		return err
	}
	if err := e.input.Start(runCtx); err != nil {
		cancel()
		return err
	}
	e.monitor.Update("udp-input", health.FromComponent("udp-input", e.input.Health()))

	e.running.Store(true)
	e.logger.Info("pipeline started",
		"listen_port", e.cfg.Listen.Port,
		"workers", e.cfg.Intake.Workers,
		"nats_egress", e.egress != nil)
	return nil
}

// Stop tears the pipeline down in intake-first order and flushes pending
// reassembly state so nothing received is silently discarded.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.Load() {
		return errors.ErrNotStarted
	}
	e.running.Store(false)
	deadline := time.Now().Add(timeout)

	// 1. Stop the socket: no new datagrams, dispatch queues drain.
	if err := e.input.Stop(timeout / 2); err != nil {
		e.logger.Warn("intake stop", "error", err)
	}

	// 2. Flush reassembly so buffered blocks become final segments.
	e.reassembler.FlushAll()

	// 3. Cancel the workers; the analysis loop drains its backlog on the
	// way out.
	e.cancel()
	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		e.logger.Warn("analysis pool did not drain before deadline")
	}

	// 4. Outer surfaces last.
	if e.promServer != nil {
		if err := e.promServer.Stop(time.Until(deadline)); err != nil {
			e.logger.Warn("metrics server stop", "error", err)
		}
	}
	if e.egress != nil {
		if err := e.egress.Stop(time.Until(deadline)); err != nil && !errors.Is(err, errors.ErrNotStarted) {
			e.logger.Warn("egress stop", "error", err)
		}
	}

	e.logger.Info("pipeline stopped")
	return nil
}

// analysisLoop feeds one worker's queue to the spectral analyzer. Storage
// already happened at emission; this loop only owns the FFT work for the
// streams hashed to it.
func (e *Engine) analysisLoop(ctx context.Context, queue <-chan *telemetry.ReassembledSegment) {
	for {
		select {
		case seg := <-queue:
			e.analyzer.Feed(seg)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case seg := <-queue:
					e.analyzer.Feed(seg)
				default:
					return
				}
			}
		}
	}
}

// housekeepingLoop drives reassembly timeouts and device expiry. Devices
// swept from the registry get their pipeline state released everywhere.
func (e *Engine) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	sweepEvery := e.cfg.Device.IdleTimeout.Std() / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reassembler.Tick()
			if time.Since(lastSweep) >= sweepEvery {
				lastSweep = time.Now()
				for _, id := range e.devices.Sweep() {
					e.reassembler.Release(id)
					e.store.Release(id)
					e.analyzer.Release(id)
					e.evaluator.Release(id)
				}
				e.refreshHealth()
			}
		}
	}
}

// refreshHealth re-reads component health on the sweep cadence so the
// /health endpoint tracks socket errors and broker reconnects.
func (e *Engine) refreshHealth() {
	e.monitor.Update("udp-input", health.FromComponent("udp-input", e.input.Health()))
	if e.egress != nil {
		st := health.FromComponent("nats-egress", e.egress.Health())
		if st.IsUnhealthy() {
			// Egress is best-effort: a lost broker degrades the system
			// rather than failing the probe.
			st = health.NewDegraded("nats-egress", st.Message).WithMetrics(st.Metrics)
		}
		e.monitor.Update("nats-egress", st)
	}
}
