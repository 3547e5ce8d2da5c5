// Package buffer provides thread-safe circular buffers with configurable
// overflow policies, built-in statistics, and optional Prometheus metrics.
//
// Buffers sit between the UDP intake path and the classification workers, and
// between segment emission and analysis. Both overflow policies are
// non-blocking: a full buffer drops either the oldest or the newest item, so
// a slow consumer can never stall datagram reception.
//
// Basic usage:
//
//	buf, err := buffer.NewCircularBuffer[[]byte](5000,
//		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//		buffer.WithMetrics[[]byte](registry, "udp_input"),
//	)
//
// Statistics are always collected and available via buf.Stats(); Prometheus
// export is opt-in via WithMetrics so the package works without a registry in
// tests and minimal deployments.
package buffer
