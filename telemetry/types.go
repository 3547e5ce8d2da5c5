// Package telemetry defines the data model shared by the ingestion pipeline:
// structured readings, raw sample blocks, reassembled segments, spectral
// summaries and alarm events.
//
// Values are immutable once constructed. Components hand them to each other
// by value or as read-only snapshots; nothing downstream mutates a segment or
// summary after emission.
package telemetry

import (
	"time"
)

// Channel identifies one high-rate signal type for one device.
type Channel uint8

// Wire channel tags. The raw block header carries these verbatim.
const (
	ChannelVibration Channel = 0x01
	ChannelAudio     Channel = 0x02
)

// String returns the channel name used in logs, metrics and NATS subjects.
func (c Channel) String() string {
	switch c {
	case ChannelVibration:
		return "vibration"
	case ChannelAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Valid reports whether the tag is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelVibration || c == ChannelAudio
}

// SampleRate returns the channel's nominal sample rate in Hz.
// Vibration streams at 1 kHz, audio at 32 kHz mono (device firmware values).
func (c Channel) SampleRate() int {
	switch c {
	case ChannelVibration:
		return 1000
	case ChannelAudio:
		return 32000
	default:
		return 0
	}
}

// SignalKind selects a stored series in the time-series buffer and the
// snapshot interface.
type SignalKind string

// Stored series kinds.
const (
	KindReading   SignalKind = "reading"
	KindVibration SignalKind = "vibration"
	KindAudio     SignalKind = "audio"
)

// Kind returns the SignalKind a channel's samples are stored under.
func (c Channel) Kind() SignalKind {
	switch c {
	case ChannelVibration:
		return KindVibration
	case ChannelAudio:
		return KindAudio
	default:
		return ""
	}
}

// StructuredReading is one parsed JSON datagram from a cabinet device.
type StructuredReading struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	TemperatureInside  float64 `json:"temperature_inside"`
	TemperatureOutside float64 `json:"temperature_outside"`
	HumidityInside     float64 `json:"humidity_inside"`
	HumidityOutside    float64 `json:"humidity_outside"`
	TOFDistance        float64 `json:"tof_distance"`
	DoorClosed         bool    `json:"door_closed"`
}

// Metrics returns the reading's values keyed by the metric names the alarm
// evaluator monitors.
func (r *StructuredReading) Metrics() map[string]float64 {
	doorOpen := 0.0
	if !r.DoorClosed {
		doorOpen = 1.0
	}
	return map[string]float64{
		"temperature.inside":  r.TemperatureInside,
		"temperature.outside": r.TemperatureOutside,
		"humidity.inside":     r.HumidityInside,
		"humidity.outside":    r.HumidityOutside,
		"tof.distance":        r.TOFDistance,
		"tof.door_open":       doorOpen,
	}
}

// RawSampleBlock is one parsed binary datagram: a sequenced run of signed
// 16-bit samples for one device channel.
type RawSampleBlock struct {
	DeviceID   string
	Channel    Channel
	Sequence   uint32
	Samples    []int16
	SampleRate int
	Received   time.Time
}

// SampleRange marks a half-open index range [Start, End) within a segment's
// sample slice.
type SampleRange struct {
	Start int
	End   int
}

// Len returns the number of samples the range covers.
func (r SampleRange) Len() int { return r.End - r.Start }

// ReassembledSegment is a contiguous run of samples for one device channel.
// Samples at indexes covered by Missing were lost in transit; their slots
// hold zero purely to preserve timing alignment and are never treated as
// data. Consumers must check Missing before interpreting sample values.
type ReassembledSegment struct {
	DeviceID   string
	Channel    Channel
	StartSeq   uint32
	Samples    []int16
	Missing    []SampleRange
	Start      time.Time
	SampleRate int
}

// MissingCount returns the total number of lost sample slots in the segment.
func (s *ReassembledSegment) MissingCount() int {
	total := 0
	for _, r := range s.Missing {
		total += r.Len()
	}
	return total
}

// FrequencyBin is one (frequency, magnitude) pair of a spectral summary.
type FrequencyBin struct {
	Frequency float64 `json:"frequency"`
	Magnitude float64 `json:"magnitude"`
}

// SpectralSummary is the frequency-domain result of one analysis window.
type SpectralSummary struct {
	DeviceID    string         `json:"device_id"`
	Channel     Channel        `json:"-"`
	ChannelName string         `json:"channel"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Bins        []FrequencyBin `json:"bins"`
	Dominant    float64        `json:"dominant_frequency"`
	TotalEnergy float64        `json:"total_energy"`
}

// Metrics returns the summary's values keyed by the metric names the alarm
// evaluator monitors.
func (s *SpectralSummary) Metrics() map[string]float64 {
	prefix := s.Channel.String()
	return map[string]float64{
		prefix + ".dominant_frequency": s.Dominant,
		prefix + ".total_energy":       s.TotalEnergy,
	}
}

// AlarmState is the armed/tripped state of one monitored metric.
type AlarmState string

// Alarm states.
const (
	AlarmArmed   AlarmState = "armed"
	AlarmTripped AlarmState = "tripped"
)

// AlarmEvent records one alarm state transition. Append-only; immutable once
// emitted.
type AlarmEvent struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	Metric    string     `json:"metric"`
	Previous  AlarmState `json:"previous"`
	New       AlarmState `json:"new"`
	Timestamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value"`
}
