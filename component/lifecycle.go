package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates component was initialized but not started
	StateInitialized
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metadata describes a component instance for logs and health reporting.
type Metadata struct {
	Name        string
	Type        string // "input", "output", "processor", "service"
	Description string
	Version     string
}

// HealthStatus reports the runtime health of a component.
type HealthStatus struct {
	Healthy    bool
	LastCheck  time.Time
	ErrorCount int
	LastError  string
	Uptime     time.Duration
}

// FlowMetrics reports data-flow rates for a component.
type FlowMetrics struct {
	MessagesPerSecond float64
	BytesPerSecond    float64
	ErrorRate         float64
	LastActivity      time.Time
}

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                  // Setup/validate only, NO context
//   - Start(ctx context.Context) error    // Start with context passed through
//   - Stop(timeout time.Duration) error   // Graceful shutdown with timeout
//
// Components never store the context; it arrives as a parameter to Start and
// governs the lifetime of the goroutines started there.
type Lifecycle interface {
	Meta() Metadata
	Health() HealthStatus
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
