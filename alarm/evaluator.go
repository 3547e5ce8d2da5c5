// Package alarm evaluates structured readings and spectral summaries against
// per-device thresholds with hysteresis, emitting state transitions as alarm
// events. Threshold state is owned by a single evaluator; external code
// mutates it only through SetThreshold.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Threshold bounds one monitored metric. A value above High or below Low
// trips the alarm; once tripped it re-arms only after the value returns past
// the violated bound by at least Hysteresis.
type Threshold struct {
	Metric     string
	Low        float64
	High       float64
	Hysteresis float64
}

// EventFunc receives alarm events. Delivery is at-least-once per
// transition; subscribers handle duplicates idempotently.
type EventFunc func(telemetry.AlarmEvent)

// historyLimit bounds the in-memory event log kept for snapshot queries.
const historyLimit = 256

type alarmKey struct {
	device string
	metric string
}

// monitor is the per (device, metric) alarm state bundle.
type monitor struct {
	threshold   Threshold
	state       telemetry.AlarmState
	trippedHigh bool
}

// Evaluator compares incoming values against thresholds. Safe for
// concurrent use.
type Evaluator struct {
	metrics *metric.Registry
	logger  *slog.Logger

	mu       sync.Mutex
	defaults map[string]Threshold
	monitors map[alarmKey]*monitor
	history  []telemetry.AlarmEvent

	subMu       sync.RWMutex
	subscribers []EventFunc

	now func() time.Time
}

// NewEvaluator creates an evaluator seeded with default thresholds that
// apply to every device until overridden per device. Pass nil metrics to
// disable counters.
func NewEvaluator(defaults []Threshold, metrics *metric.Registry, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	byMetric := make(map[string]Threshold, len(defaults))
	for _, t := range defaults {
		byMetric[t.Metric] = t
	}
	return &Evaluator{
		metrics:  metrics,
		logger:   logger.With("component", "alarm"),
		defaults: byMetric,
		monitors: make(map[alarmKey]*monitor),
		now:      time.Now,
	}
}

// Subscribe registers a callback for alarm events. Callbacks run on the
// evaluating goroutine and must not block.
func (e *Evaluator) Subscribe(fn EventFunc) {
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.subMu.Unlock()
}

// SetThreshold installs or replaces the threshold for one device metric.
// Takes effect on the next evaluation, never retroactively; the alarm state
// carries over so an update cannot silently clear a tripped alarm.
func (e *Evaluator) SetThreshold(deviceID, metricName string, low, high, hysteresis float64) {
	key := alarmKey{device: deviceID, metric: metricName}
	t := Threshold{Metric: metricName, Low: low, High: high, Hysteresis: hysteresis}

	e.mu.Lock()
	if m, ok := e.monitors[key]; ok {
		m.threshold = t
	} else {
		e.monitors[key] = &monitor{threshold: t, state: telemetry.AlarmArmed}
	}
	e.mu.Unlock()

	e.logger.Info("threshold updated",
		"device_id", deviceID, "metric", metricName,
		"low", low, "high", high, "hysteresis", hysteresis)
}

// EvaluateReading runs every monitored metric of a structured reading.
func (e *Evaluator) EvaluateReading(r *telemetry.StructuredReading) {
	for name, value := range r.Metrics() {
		e.Evaluate(r.DeviceID, name, value, r.Timestamp)
	}
}

// EvaluateSummary runs the spectral metrics of a completed window.
func (e *Evaluator) EvaluateSummary(s *telemetry.SpectralSummary) {
	for name, value := range s.Metrics() {
		e.Evaluate(s.DeviceID, name, value, s.WindowEnd)
	}
}

// Evaluate checks one value against the metric's threshold, transitioning
// alarm state and emitting an event when a bound is crossed or the alarm
// re-arms. Metrics with no configured threshold are ignored.
func (e *Evaluator) Evaluate(deviceID, metricName string, value float64, at time.Time) {
	key := alarmKey{device: deviceID, metric: metricName}

	e.mu.Lock()
	m, ok := e.monitors[key]
	if !ok {
		def, has := e.defaults[metricName]
		if !has {
			e.mu.Unlock()
			return
		}
		m = &monitor{threshold: def, state: telemetry.AlarmArmed}
		e.monitors[key] = m
	}

	var event *telemetry.AlarmEvent
	switch m.state {
	case telemetry.AlarmArmed:
		if value > m.threshold.High || value < m.threshold.Low {
			m.trippedHigh = value > m.threshold.High
			event = e.transitionLocked(m, key, telemetry.AlarmTripped, value, at)
		}
	case telemetry.AlarmTripped:
		rearm := false
		if m.trippedHigh {
			rearm = value < m.threshold.High-m.threshold.Hysteresis
		} else {
			rearm = value > m.threshold.Low+m.threshold.Hysteresis
		}
		if rearm {
			event = e.transitionLocked(m, key, telemetry.AlarmArmed, value, at)
		}
	}
	e.mu.Unlock()

	if event != nil {
		e.fanOut(*event)
	}
}

// transitionLocked flips the monitor's state and records the event. Caller
// holds the lock.
func (e *Evaluator) transitionLocked(m *monitor, key alarmKey, to telemetry.AlarmState, value float64, at time.Time) *telemetry.AlarmEvent {
	if at.IsZero() {
		at = e.now()
	}
	event := telemetry.AlarmEvent{
		ID:        uuid.NewString(),
		DeviceID:  key.device,
		Metric:    key.metric,
		Previous:  m.state,
		New:       to,
		Timestamp: at,
		Value:     value,
	}
	m.state = to

	e.history = append(e.history, event)
	if len(e.history) > historyLimit {
		e.history = append(e.history[:0:0], e.history[len(e.history)-historyLimit:]...)
	}

	if e.metrics != nil {
		e.metrics.Ingest.AlarmTransitions.WithLabelValues(key.device, key.metric, string(to)).Inc()
	}
	e.logger.Warn("alarm transition",
		"device_id", key.device,
		"metric", key.metric,
		"from", string(event.Previous),
		"to", string(to),
		"value", value)
	return &event
}

func (e *Evaluator) fanOut(event telemetry.AlarmEvent) {
	e.subMu.RLock()
	subs := e.subscribers
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}

// State returns the current alarm state for a device metric. Metrics never
// evaluated report armed.
func (e *Evaluator) State(deviceID, metricName string) telemetry.AlarmState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.monitors[alarmKey{device: deviceID, metric: metricName}]; ok {
		return m.state
	}
	return telemetry.AlarmArmed
}

// RecentEvents returns a copy of the bounded event history, oldest first.
func (e *Evaluator) RecentEvents() []telemetry.AlarmEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]telemetry.AlarmEvent, len(e.history))
	copy(out, e.history)
	return out
}

// Release drops a device's alarm state. Called when the device registry
// sweeps the device out; history is kept.
func (e *Evaluator) Release(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.monitors {
		if key.device == deviceID {
			delete(e.monitors, key)
		}
	}
}
