package engine

import (
	"time"

	"github.com/HansOlavAarvik/BCH-server/alarm"
	"github.com/HansOlavAarvik/BCH-server/device"
	"github.com/HansOlavAarvik/BCH-server/health"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
	"github.com/HansOlavAarvik/BCH-server/timeseries"
)

// The snapshot interface consumed by the presentation and API layers. Every
// method returns copies and never blocks on pipeline activity.

// GetRecentReadings returns the device's structured readings from the last
// d, oldest first.
func (e *Engine) GetRecentReadings(deviceID string, d time.Duration) []telemetry.StructuredReading {
	return e.store.GetRecentReadings(deviceID, d)
}

// GetRecentSamples returns the channel's reconstructed sample chunks from
// the last d, oldest first, with explicit missing markers preserved.
func (e *Engine) GetRecentSamples(deviceID string, kind telemetry.SignalKind, d time.Duration) []timeseries.Chunk {
	return e.store.GetRecentSamples(deviceID, kind, d)
}

// LatestReading returns the device's most recent structured reading.
func (e *Engine) LatestReading(deviceID string) (telemetry.StructuredReading, bool) {
	return e.store.LatestReading(deviceID)
}

// GetLatestSummary returns the most recent spectral summary for a channel.
func (e *Engine) GetLatestSummary(deviceID string, channel telemetry.Channel) (*telemetry.SpectralSummary, bool) {
	return e.analyzer.LatestSummary(deviceID, channel)
}

// OnAlarmEvent subscribes to alarm transitions. Delivery is at-least-once;
// callbacks run on pipeline goroutines and must not block.
func (e *Engine) OnAlarmEvent(fn alarm.EventFunc) {
	e.evaluator.Subscribe(fn)
}

// SetThreshold installs a per-device alarm threshold, effective on the next
// evaluation.
func (e *Engine) SetThreshold(deviceID, metric string, low, high, hysteresis float64) {
	e.evaluator.SetThreshold(deviceID, metric, low, high, hysteresis)
}

// RecentAlarmEvents returns the bounded alarm history, oldest first.
func (e *Engine) RecentAlarmEvents() []telemetry.AlarmEvent {
	return e.evaluator.RecentEvents()
}

// Devices lists every device seen within the idle timeout.
func (e *Engine) Devices() []device.Info {
	return e.devices.Devices()
}

// Health returns the aggregate pipeline health, the same view the
// /health endpoint serves.
func (e *Engine) Health() health.Status {
	return e.monitor.System()
}
