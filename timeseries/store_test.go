package timeseries

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	s := NewStore(cfg, nil, slog.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func reading(device string, at time.Time, tempInside float64) *telemetry.StructuredReading {
	return &telemetry.StructuredReading{
		DeviceID:          device,
		Timestamp:         at,
		TemperatureInside: tempInside,
	}
}

func segment(device string, start time.Time, rate int, samples ...int16) *telemetry.ReassembledSegment {
	return &telemetry.ReassembledSegment{
		DeviceID:   device,
		Channel:    telemetry.ChannelVibration,
		Samples:    samples,
		Start:      start,
		SampleRate: rate,
	}
}

func TestReadingsRetentionBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadingRetention = time.Minute
	s, now := newTestStore(cfg)

	// Insert readings spanning retention + delta.
	base := *now
	for i := 0; i < 90; i++ {
		*now = base.Add(time.Duration(i) * time.Second)
		s.AddReading(reading("stm001", *now, float64(i)))
	}

	got := s.GetRecentReadings("stm001", time.Hour)
	require.NotEmpty(t, got)
	cutoff := now.Add(-time.Minute)
	for _, r := range got {
		assert.False(t, r.Timestamp.Before(cutoff),
			"reading at %v older than retention cutoff %v", r.Timestamp, cutoff)
	}
}

func TestGetRecentReadingsWindow(t *testing.T) {
	s, now := newTestStore(DefaultConfig())

	base := *now
	for i := 0; i < 10; i++ {
		*now = base.Add(time.Duration(i) * time.Second)
		s.AddReading(reading("stm001", *now, float64(i)))
	}

	got := s.GetRecentReadings("stm001", 3*time.Second)
	require.Len(t, got, 4) // t-3 .. t-0 inclusive
	assert.Equal(t, 6.0, got[0].TemperatureInside)
	assert.Equal(t, 9.0, got[len(got)-1].TemperatureInside)

	assert.Nil(t, s.GetRecentReadings("unknown", time.Minute))
}

func TestLatestReading(t *testing.T) {
	s, now := newTestStore(DefaultConfig())

	_, ok := s.LatestReading("stm001")
	assert.False(t, ok)

	s.AddReading(reading("stm001", *now, 20))
	*now = now.Add(time.Second)
	s.AddReading(reading("stm001", *now, 21))

	latest, ok := s.LatestReading("stm001")
	require.True(t, ok)
	assert.Equal(t, 21.0, latest.TemperatureInside)
}

func TestSamplesAgeOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VibrationRetention = 10 * time.Second
	s, now := newTestStore(cfg)

	old := now.Add(-30 * time.Second)
	s.AddSegment(segment("stm001", old, 1000, 1, 2, 3))
	s.AddSegment(segment("stm001", *now, 1000, 4, 5, 6))

	chunks := s.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
	require.Len(t, chunks, 1)
	assert.Equal(t, []int16{4, 5, 6}, chunks[0].Samples)
}

func TestCapacityEvictionDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VibrationRetention = time.Hour // age eviction effectively off
	cfg.CapacityMargin = 1.001
	s, now := newTestStore(cfg)

	// Capacity is about rate*retention; with a tiny rate it is easy to blow.
	rate := 1
	capacity := s.sampleCapacity(telemetry.KindVibration, rate)

	total := 0
	chunkSize := capacity / 4
	for i := 0; total <= capacity+2*chunkSize; i++ {
		samples := make([]int16, chunkSize)
		for j := range samples {
			samples[j] = int16(i)
		}
		s.AddSegment(segment("stm001", now.Add(time.Duration(i)*time.Second), rate, samples...))
		total += chunkSize
	}

	chunks := s.GetRecentSamples("stm001", telemetry.KindVibration, time.Hour)
	stored := 0
	for _, c := range chunks {
		stored += len(c.Samples)
	}
	assert.LessOrEqual(t, stored, capacity)
	// The newest chunk always survives.
	last := chunks[len(chunks)-1]
	assert.NotZero(t, last.Samples[0])
}

func TestGetRecentSamplesTrimsFirstChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VibrationRetention = time.Minute
	s, now := newTestStore(cfg)

	// 10 samples at 1 Hz starting 8s ago: samples at t-8 .. t+1.
	start := now.Add(-8 * time.Second)
	s.AddSegment(segment("stm001", start, 1, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9))

	chunks := s.GetRecentSamples("stm001", telemetry.KindVibration, 5*time.Second)
	require.Len(t, chunks, 1)
	// Cutoff at t-5: samples at offsets 0,1,2 are older and trimmed.
	assert.Equal(t, []int16{3, 4, 5, 6, 7, 8, 9}, chunks[0].Samples)
	assert.Equal(t, now.Add(-5*time.Second), chunks[0].Start)
}

func TestTrimShiftsMissingRanges(t *testing.T) {
	c := Chunk{
		Start:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SampleRate: 1,
		Samples:    []int16{0, 0, 2, 3, 0, 5},
		Missing: []telemetry.SampleRange{
			{Start: 0, End: 2}, // fully trimmed
			{Start: 4, End: 5}, // shifts left
		},
	}
	cutoff := c.Start.Add(3 * time.Second)

	trimmed := trimChunk(c, cutoff)
	want := Chunk{
		Start:      c.Start.Add(3 * time.Second),
		SampleRate: 1,
		Samples:    []int16{3, 0, 5},
		Missing:    []telemetry.SampleRange{{Start: 1, End: 2}},
	}
	if diff := cmp.Diff(want, trimmed); diff != "" {
		t.Errorf("trimmed chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyOnRead(t *testing.T) {
	s, now := newTestStore(DefaultConfig())

	s.AddSegment(segment("stm001", *now, 1000, 1, 2, 3))
	chunks := s.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
	require.Len(t, chunks, 1)

	chunks[0].Samples[0] = 99
	again := s.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
	assert.Equal(t, int16(1), again[0].Samples[0])
}

func TestReleaseDropsDeviceSeries(t *testing.T) {
	s, now := newTestStore(DefaultConfig())

	s.AddReading(reading("stm001", *now, 20))
	s.AddSegment(segment("stm001", *now, 1000, 1))
	s.AddReading(reading("stm002", *now, 25))

	s.Release("stm001")

	assert.Nil(t, s.GetRecentReadings("stm001", time.Minute))
	assert.Nil(t, s.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute))
	_, ok := s.LatestReading("stm001")
	assert.False(t, ok)

	_, ok = s.LatestReading("stm002")
	assert.True(t, ok)
}
