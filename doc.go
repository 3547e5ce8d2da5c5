// Package bchserver is the ingestion and analysis core for electrical
// cabinet telemetry.
//
// Devices inside a cabinet send UDP datagrams to a single port: JSON
// environmental readings (temperature, humidity, door state) and binary
// blocks of raw vibration and audio samples. The server classifies each
// datagram, reassembles the sample streams in sequence order, keeps a
// bounded time-series history, runs windowed FFT analysis on the
// reconstructed signals, and evaluates alarm thresholds with hysteresis
// over both readings and spectral summaries.
//
// # Pipeline
//
//	UDP socket -> classifier -> structured readings -> store + alarms
//	                         -> raw blocks -> reassembler -> store + FFT -> alarms
//
// Packet loss is expected. Lost blocks are zero-filled and carried as
// explicit missing ranges, never interpolated; analysis windows with too
// many missing samples are discarded rather than reported.
//
// # Packages
//
//   - packet: datagram classification and parsing
//   - reassembly: per-stream sequence reordering and gap handling
//   - timeseries: bounded retention of readings and sample chunks
//   - spectral: overlapped Hann-windowed FFT summaries
//   - alarm: threshold evaluation with hysteresis and event history
//   - engine: wiring, lifecycle and the read-only snapshot interface
//   - input/udp, output/natspub: network edges
//   - component, errors, metric, health, pkg/...: shared infrastructure
//
// The cmd/bch-server binary assembles all of it behind a YAML config.
package bchserver
