// Package device tracks which cabinet devices are currently sending and what
// signal kinds each one has been seen emitting. Devices register lazily on
// first packet and are swept out after an idle timeout.
package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Info is a read-only snapshot of one tracked device.
type Info struct {
	ID        string                 `json:"id"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
	Kinds     []telemetry.SignalKind `json:"kinds"`
}

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	kinds     map[telemetry.SignalKind]struct{}
}

// Registry is the in-memory device table. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	devices     map[string]*entry
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metric.Registry
	now         func() time.Time
}

// NewRegistry creates a registry that forgets devices idle longer than
// idleTimeout. Pass a nil metrics registry to disable gauge updates.
func NewRegistry(idleTimeout time.Duration, logger *slog.Logger, metrics *metric.Registry) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices:     make(map[string]*entry),
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "device-registry"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Observe records activity for a device. Unknown devices register
// automatically; known devices get their last-seen timestamp and kind set
// updated.
func (r *Registry) Observe(deviceID string, kind telemetry.SignalKind) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.devices[deviceID]
	if !ok {
		e = &entry{
			firstSeen: now,
			kinds:     make(map[telemetry.SignalKind]struct{}, 3),
		}
		r.devices[deviceID] = e
		r.logger.Info("device registered", "device_id", deviceID, "kind", string(kind))
	}
	e.lastSeen = now
	if kind != "" {
		e.kinds[kind] = struct{}{}
	}
	count := len(r.devices)
	r.mu.Unlock()

	if !ok {
		r.setGauge(count)
	}
}

// LastSeen returns the device's last activity timestamp, or false if the
// device is not tracked.
func (r *Registry) LastSeen(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Devices returns a snapshot of all tracked devices sorted by nothing in
// particular; callers needing order sort the result.
func (r *Registry) Devices() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.devices))
	for id, e := range r.devices {
		kinds := make([]telemetry.SignalKind, 0, len(e.kinds))
		for k := range e.kinds {
			kinds = append(kinds, k)
		}
		out = append(out, Info{
			ID:        id,
			FirstSeen: e.firstSeen,
			LastSeen:  e.lastSeen,
			Kinds:     kinds,
		})
	}
	return out
}

// Sweep removes devices idle longer than the configured timeout and returns
// the IDs removed. The engine calls this periodically and uses the returned
// IDs to release per-device pipeline state.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var removed []string
	for id, e := range r.devices {
		if e.lastSeen.Before(cutoff) {
			delete(r.devices, id)
			removed = append(removed, id)
		}
	}
	count := len(r.devices)
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Info("swept idle devices", "count", len(removed), "devices", removed)
		r.setGauge(count)
	}
	return removed
}

func (r *Registry) setGauge(count int) {
	if r.metrics != nil {
		r.metrics.Ingest.ActiveDevices.Set(float64(count))
	}
}
