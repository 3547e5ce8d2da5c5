// Package component defines the lifecycle contract shared by every supervised
// piece of the ingestion pipeline (UDP intake, reassembly workers, analysis
// pool, NATS egress).
//
// The lifecycle follows a single pattern: Initialize validates configuration
// and allocates nothing that needs cleanup; Start binds resources and spawns
// goroutines bound to the passed context; Stop signals shutdown and waits up
// to the given timeout for a clean exit.
package component
