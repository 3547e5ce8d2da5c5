// Package health tracks the runtime health of the ingestion pipeline's
// components and aggregates them into a single system status.
//
// Each component (UDP input, reassembler, analysis workers, NATS egress)
// reports a three-state status:
//   - healthy: operating normally
//   - degraded: operating with reduced function (e.g. egress reconnecting)
//   - unhealthy: not functioning
//
// Monitor is the thread-safe collector. Its Handler serves the aggregate
// as JSON, returning 503 when any component is unhealthy so that load
// balancers and probes can act on it directly.
//
// Error messages from components pass through sanitization before they
// are stored, stripping URLs, addresses and credential-shaped fragments
// so a health endpoint never leaks connection details.
package health
