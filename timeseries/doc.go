// Package timeseries is the bounded in-memory store for reconstructed
// samples and structured readings. Each (device, signal kind) series keeps
// only its configured retention window; eviction is lazy at insert time.
// Capacity is sized generously against retention at the nominal rate, and
// exceeding it drops the oldest data regardless of age, counted as a buffer
// overrun. Reads return copies so callers never observe concurrent mutation.
package timeseries
