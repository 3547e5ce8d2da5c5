// Package metric provides Prometheus metrics registration and the scrape
// endpoint for the BCH server.
//
// A single Registry owns a private prometheus.Registry so tests can create
// isolated registries without the global default. Core ingestion metrics
// (packet counts, malformed drops, sequence gaps, buffer overruns, skipped
// windows, alarm transitions) are pre-registered on every Registry; components
// add their own through the Registrar interface.
package metric
