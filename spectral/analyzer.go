package spectral

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// WindowConfig sizes the analysis window for one channel.
type WindowConfig struct {
	// Size is the number of samples per analysis window.
	Size int

	// Overlap is the fraction of each window shared with its successor,
	// in [0, 1). 0.5 means consecutive windows advance by half a window.
	Overlap float64
}

// Config holds per-channel window settings and the discard policy.
type Config struct {
	Vibration WindowConfig
	Audio     WindowConfig

	// MaxMissingFraction is the largest tolerable share of missing samples
	// in a window. Windows above it are skipped, never analyzed.
	MaxMissingFraction float64
}

// DefaultConfig returns the production analysis settings. Vibration at
// 1 kHz gets roughly half-second windows; audio at 32 kHz gets 128 ms
// windows, both advancing by half a window.
func DefaultConfig() Config {
	return Config{
		Vibration:          WindowConfig{Size: 512, Overlap: 0.5},
		Audio:              WindowConfig{Size: 4096, Overlap: 0.5},
		MaxMissingFraction: 0.25,
	}
}

// SummaryFunc receives each completed spectral summary.
type SummaryFunc func(*telemetry.SpectralSummary)

type streamKey struct {
	device  string
	channel telemetry.Channel
}

// accumulator gathers one channel's samples until a full window is
// available. Missing flags travel with the samples so the discard policy
// sees exactly which slots were lost.
type accumulator struct {
	samples []float64
	missing []bool
	head    time.Time
	rate    int
}

func (a *accumulator) end() time.Time {
	if a.rate <= 0 {
		return a.head
	}
	return a.head.Add(time.Duration(len(a.samples)) * time.Second / time.Duration(a.rate))
}

// Analyzer is the frequency analysis engine. Safe for concurrent use; the
// FFT plans are cached per size under the same lock as the accumulators.
type Analyzer struct {
	cfg     Config
	onSum   SummaryFunc
	metrics *metric.Registry
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[streamKey]*accumulator
	plans   map[int]*fourier.FFT

	latestMu sync.RWMutex
	latest   map[streamKey]*telemetry.SpectralSummary
}

// NewAnalyzer creates an analyzer delivering summaries through onSummary.
// Pass nil metrics to disable counters.
func NewAnalyzer(cfg Config, onSummary SummaryFunc, metrics *metric.Registry, logger *slog.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.Vibration.Size <= 0 {
		cfg.Vibration = def.Vibration
	}
	if cfg.Audio.Size <= 0 {
		cfg.Audio = def.Audio
	}
	if cfg.MaxMissingFraction <= 0 || cfg.MaxMissingFraction >= 1 {
		cfg.MaxMissingFraction = def.MaxMissingFraction
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:     cfg,
		onSum:   onSummary,
		metrics: metrics,
		logger:  logger.With("component", "spectral"),
		streams: make(map[streamKey]*accumulator),
		plans:   make(map[int]*fourier.FFT),
		latest:  make(map[streamKey]*telemetry.SpectralSummary),
	}
}

func (a *Analyzer) windowConfig(channel telemetry.Channel) WindowConfig {
	if channel == telemetry.ChannelAudio {
		return a.cfg.Audio
	}
	return a.cfg.Vibration
}

// Feed appends a reassembled segment to its channel's accumulator and
// analyzes every window that completes. Segments must arrive in stream
// order per channel; a timing discontinuity resets the accumulator.
func (a *Analyzer) Feed(seg *telemetry.ReassembledSegment) {
	if len(seg.Samples) == 0 || seg.SampleRate <= 0 {
		return
	}
	key := streamKey{device: seg.DeviceID, channel: seg.Channel}
	wc := a.windowConfig(seg.Channel)

	var summaries []*telemetry.SpectralSummary

	a.mu.Lock()
	acc, ok := a.streams[key]
	if ok && a.discontinuous(acc, seg) {
		a.logger.Debug("stream discontinuity, resetting window accumulator",
			"device_id", key.device, "channel", key.channel.String())
		ok = false
	}
	if !ok {
		acc = &accumulator{head: seg.Start, rate: seg.SampleRate}
		a.streams[key] = acc
	}

	offset := len(acc.samples)
	for _, s := range seg.Samples {
		acc.samples = append(acc.samples, float64(s))
		acc.missing = append(acc.missing, false)
	}
	for _, r := range seg.Missing {
		for i := r.Start; i < r.End && offset+i < len(acc.missing); i++ {
			acc.missing[offset+i] = true
		}
	}

	hop := wc.Size - int(float64(wc.Size)*wc.Overlap)
	if hop <= 0 {
		hop = wc.Size
	}
	for len(acc.samples) >= wc.Size {
		if sum := a.analyzeWindow(key, acc, wc.Size); sum != nil {
			summaries = append(summaries, sum)
		}
		acc.samples = acc.samples[hop:]
		acc.missing = acc.missing[hop:]
		acc.head = acc.head.Add(time.Duration(hop) * time.Second / time.Duration(acc.rate))
	}
	a.mu.Unlock()

	for _, sum := range summaries {
		a.publish(key, sum)
	}
}

// discontinuous reports whether the segment does not continue the
// accumulator's timeline. Tolerance is one sample period.
func (a *Analyzer) discontinuous(acc *accumulator, seg *telemetry.ReassembledSegment) bool {
	if acc.rate != seg.SampleRate {
		return true
	}
	gap := seg.Start.Sub(acc.end())
	period := time.Second / time.Duration(acc.rate)
	return gap > period || gap < -period
}

// analyzeWindow transforms the first size samples of the accumulator, or
// skips them when too much is missing. Caller holds the lock.
func (a *Analyzer) analyzeWindow(key streamKey, acc *accumulator, size int) *telemetry.SpectralSummary {
	missing := 0
	for _, m := range acc.missing[:size] {
		if m {
			missing++
		}
	}
	if frac := float64(missing) / float64(size); frac > a.cfg.MaxMissingFraction {
		if a.metrics != nil {
			a.metrics.Ingest.WindowsSkipped.WithLabelValues(key.device, key.channel.String()).Inc()
		}
		a.logger.Warn("analysis window skipped",
			"device_id", key.device,
			"channel", key.channel.String(),
			"missing_fraction", frac)
		return nil
	}

	fftSize := nextPowerOfTwo(size)
	buf := make([]float64, fftSize)
	for i := 0; i < size; i++ {
		buf[i] = acc.samples[i] * hann(i, size)
	}

	plan, ok := a.plans[fftSize]
	if !ok {
		plan = fourier.NewFFT(fftSize)
		a.plans[fftSize] = plan
	}
	coeffs := plan.Coefficients(nil, buf)

	bins := make([]telemetry.FrequencyBin, len(coeffs))
	binWidth := float64(acc.rate) / float64(fftSize)
	dominant := 0.0
	peak := -1.0
	total := 0.0
	for i, c := range coeffs {
		mag := math.Hypot(real(c), imag(c))
		freq := float64(i) * binWidth
		bins[i] = telemetry.FrequencyBin{Frequency: freq, Magnitude: mag}
		total += mag * mag
		// DC carries any constant offset in the signal and is excluded from
		// the dominant-frequency search.
		if i > 0 && mag > peak {
			peak = mag
			dominant = freq
		}
	}

	if a.metrics != nil {
		a.metrics.Ingest.WindowsAnalyzed.WithLabelValues(key.device, key.channel.String()).Inc()
	}

	windowDuration := time.Duration(size) * time.Second / time.Duration(acc.rate)
	return &telemetry.SpectralSummary{
		DeviceID:    key.device,
		Channel:     key.channel,
		ChannelName: key.channel.String(),
		WindowStart: acc.head,
		WindowEnd:   acc.head.Add(windowDuration),
		Bins:        bins,
		Dominant:    dominant,
		TotalEnergy: total,
	}
}

func (a *Analyzer) publish(key streamKey, sum *telemetry.SpectralSummary) {
	a.latestMu.Lock()
	a.latest[key] = sum
	a.latestMu.Unlock()

	if a.onSum != nil {
		a.onSum(sum)
	}
}

// LatestSummary returns the most recent summary for a channel, if any
// window has completed.
func (a *Analyzer) LatestSummary(deviceID string, channel telemetry.Channel) (*telemetry.SpectralSummary, bool) {
	a.latestMu.RLock()
	defer a.latestMu.RUnlock()
	sum, ok := a.latest[streamKey{device: deviceID, channel: channel}]
	return sum, ok
}

// Release drops a device's accumulators and cached summaries.
func (a *Analyzer) Release(deviceID string) {
	a.mu.Lock()
	for key := range a.streams {
		if key.device == deviceID {
			delete(a.streams, key)
		}
	}
	a.mu.Unlock()

	a.latestMu.Lock()
	for key := range a.latest {
		if key.device == deviceID {
			delete(a.latest, key)
		}
	}
	a.latestMu.Unlock()
}

func hann(i, n int) float64 {
	return 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
