package timeseries

import (
	"log/slog"
	"sync"
	"time"

	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Config sets per-kind retention windows and the capacity headroom.
type Config struct {
	ReadingRetention   time.Duration
	VibrationRetention time.Duration
	AudioRetention     time.Duration

	// CapacityMargin scales the hard capacity above retention at nominal
	// rate, absorbing devices that briefly send faster than nominal.
	CapacityMargin float64
}

// DefaultConfig returns the production retention windows.
func DefaultConfig() Config {
	return Config{
		ReadingRetention:   time.Hour,
		VibrationRetention: 60 * time.Second,
		AudioRetention:     10 * time.Second,
		CapacityMargin:     1.5,
	}
}

// readingRatePerSecond is the nominal structured-reading rate used for
// capacity sizing. Devices report roughly once a second.
const readingRatePerSecond = 1

// Chunk is a copy-on-read slice of one stored segment. Missing ranges index
// into Samples the same way they do on a ReassembledSegment.
type Chunk struct {
	Start      time.Time
	SampleRate int
	Samples    []int16
	Missing    []telemetry.SampleRange
}

// End returns the timestamp just past the chunk's last sample.
func (c *Chunk) End() time.Time {
	if c.SampleRate <= 0 {
		return c.Start
	}
	return c.Start.Add(time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate))
}

type seriesKey struct {
	device string
	kind   telemetry.SignalKind
}

// sampleSeries holds ordered chunks for one device channel.
type sampleSeries struct {
	chunks       []Chunk
	totalSamples int
}

// readingSeries holds ordered readings for one device.
type readingSeries struct {
	readings []telemetry.StructuredReading
}

// Store is the bounded time-series buffer. Safe for concurrent use.
type Store struct {
	cfg     Config
	metrics *metric.Registry
	logger  *slog.Logger

	mu       sync.RWMutex
	samples  map[seriesKey]*sampleSeries
	readings map[string]*readingSeries
	latest   map[string]telemetry.StructuredReading

	now func() time.Time
}

// NewStore creates an empty store. Pass nil metrics to disable counters.
func NewStore(cfg Config, metrics *metric.Registry, logger *slog.Logger) *Store {
	if cfg.CapacityMargin <= 1 {
		cfg.CapacityMargin = DefaultConfig().CapacityMargin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "timeseries"),
		samples:  make(map[seriesKey]*sampleSeries),
		readings: make(map[string]*readingSeries),
		latest:   make(map[string]telemetry.StructuredReading),
		now:      time.Now,
	}
}

func (s *Store) retention(kind telemetry.SignalKind) time.Duration {
	switch kind {
	case telemetry.KindVibration:
		return s.cfg.VibrationRetention
	case telemetry.KindAudio:
		return s.cfg.AudioRetention
	default:
		return s.cfg.ReadingRetention
	}
}

func (s *Store) sampleCapacity(kind telemetry.SignalKind, rate int) int {
	retention := s.retention(kind)
	return int(float64(rate) * retention.Seconds() * s.cfg.CapacityMargin)
}

// AddReading stores one structured reading and updates the device's latest.
func (s *Store) AddReading(r *telemetry.StructuredReading) {
	now := s.now()
	cutoff := now.Add(-s.cfg.ReadingRetention)
	capacity := int(readingRatePerSecond * s.cfg.ReadingRetention.Seconds() * s.cfg.CapacityMargin)

	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.readings[r.DeviceID]
	if !ok {
		series = &readingSeries{}
		s.readings[r.DeviceID] = series
	}
	series.readings = append(series.readings, *r)
	s.latest[r.DeviceID] = *r

	// Age-based eviction first, then capacity pressure.
	idx := 0
	for idx < len(series.readings) && series.readings[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if over := len(series.readings) - idx - capacity; over > 0 {
		idx += over
		s.countOverrun(r.DeviceID, telemetry.KindReading, over)
	}
	if idx > 0 {
		series.readings = append(series.readings[:0:0], series.readings[idx:]...)
	}
}

// AddSegment stores a reassembled segment's samples under the channel's
// signal kind.
func (s *Store) AddSegment(seg *telemetry.ReassembledSegment) {
	if len(seg.Samples) == 0 {
		return
	}
	kind := seg.Channel.Kind()
	key := seriesKey{device: seg.DeviceID, kind: kind}
	now := s.now()
	cutoff := now.Add(-s.retention(kind))
	capacity := s.sampleCapacity(kind, seg.SampleRate)

	chunk := Chunk{
		Start:      seg.Start,
		SampleRate: seg.SampleRate,
		Samples:    append([]int16(nil), seg.Samples...),
		Missing:    append([]telemetry.SampleRange(nil), seg.Missing...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.samples[key]
	if !ok {
		series = &sampleSeries{}
		s.samples[key] = series
	}
	series.chunks = append(series.chunks, chunk)
	series.totalSamples += len(chunk.Samples)

	// Drop whole chunks that aged out.
	idx := 0
	for idx < len(series.chunks) && series.chunks[idx].End().Before(cutoff) {
		series.totalSamples -= len(series.chunks[idx].Samples)
		idx++
	}

	// Capacity pressure: drop oldest regardless of age.
	overrun := 0
	for idx < len(series.chunks)-1 && series.totalSamples > capacity {
		dropped := len(series.chunks[idx].Samples)
		series.totalSamples -= dropped
		overrun += dropped
		idx++
	}
	if overrun > 0 {
		s.countOverrun(seg.DeviceID, kind, overrun)
		s.logger.Warn("capacity eviction",
			"device_id", seg.DeviceID,
			"kind", string(kind),
			"samples_dropped", overrun)
	}
	if idx > 0 {
		series.chunks = append(series.chunks[:0:0], series.chunks[idx:]...)
	}
}

// GetRecentReadings returns the device's readings from the last d, oldest
// first. Never blocks; returns whatever is buffered.
func (s *Store) GetRecentReadings(deviceID string, d time.Duration) []telemetry.StructuredReading {
	if d > s.cfg.ReadingRetention {
		d = s.cfg.ReadingRetention
	}
	cutoff := s.now().Add(-d)

	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.readings[deviceID]
	if !ok {
		return nil
	}
	idx := 0
	for idx < len(series.readings) && series.readings[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == len(series.readings) {
		return nil
	}
	out := make([]telemetry.StructuredReading, len(series.readings)-idx)
	copy(out, series.readings[idx:])
	return out
}

// GetRecentSamples returns the channel's sample chunks from the last d,
// oldest first. The first chunk is trimmed so no returned sample predates
// the window; all returned data is copied.
func (s *Store) GetRecentSamples(deviceID string, kind telemetry.SignalKind, d time.Duration) []Chunk {
	if r := s.retention(kind); d > r {
		d = r
	}
	cutoff := s.now().Add(-d)

	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.samples[seriesKey{device: deviceID, kind: kind}]
	if !ok {
		return nil
	}

	var out []Chunk
	for _, chunk := range series.chunks {
		if !chunk.End().After(cutoff) {
			continue
		}
		c := Chunk{
			Start:      chunk.Start,
			SampleRate: chunk.SampleRate,
			Samples:    append([]int16(nil), chunk.Samples...),
			Missing:    append([]telemetry.SampleRange(nil), chunk.Missing...),
		}
		if chunk.Start.Before(cutoff) && chunk.SampleRate > 0 {
			c = trimChunk(c, cutoff)
		}
		if len(c.Samples) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// trimChunk cuts the samples before cutoff, shifting missing ranges to match
// the shortened slice.
func trimChunk(c Chunk, cutoff time.Time) Chunk {
	elapsed := cutoff.Sub(c.Start)
	skip := int(elapsed * time.Duration(c.SampleRate) / time.Second)
	if elapsed*time.Duration(c.SampleRate)%time.Second != 0 {
		skip++
	}
	if skip <= 0 {
		return c
	}
	if skip >= len(c.Samples) {
		c.Samples = nil
		c.Missing = nil
		return c
	}

	c.Start = c.Start.Add(time.Duration(skip) * time.Second / time.Duration(c.SampleRate))
	c.Samples = c.Samples[skip:]

	var missing []telemetry.SampleRange
	for _, r := range c.Missing {
		start, end := r.Start-skip, r.End-skip
		if end <= 0 {
			continue
		}
		if start < 0 {
			start = 0
		}
		missing = append(missing, telemetry.SampleRange{Start: start, End: end})
	}
	c.Missing = missing
	return c
}

// LatestReading returns the device's most recent structured reading.
func (s *Store) LatestReading(deviceID string) (telemetry.StructuredReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[deviceID]
	return r, ok
}

// Release drops all series belonging to a device. Called when the device
// registry sweeps the device out.
func (s *Store) Release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.readings, deviceID)
	delete(s.latest, deviceID)
	for key := range s.samples {
		if key.device == deviceID {
			delete(s.samples, key)
		}
	}
}

func (s *Store) countOverrun(deviceID string, kind telemetry.SignalKind, n int) {
	if s.metrics != nil {
		s.metrics.Ingest.BufferOverruns.WithLabelValues(deviceID, string(kind)).Add(float64(n))
	}
}
