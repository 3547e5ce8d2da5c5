// Package engine assembles the ingestion pipeline: UDP intake, packet
// classification, stream reassembly, time-series storage, spectral analysis
// and alarm evaluation, plus the optional NATS egress and the Prometheus
// endpoint. It owns the worker pools and shutdown ordering, and exposes the
// read-only snapshot interface the presentation layer consumes.
package engine
