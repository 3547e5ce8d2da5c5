// Package spectral turns reassembled sample streams into frequency-domain
// summaries. Samples accumulate into fixed-size overlapping windows per
// (device, channel); each completed window is Hann-weighted, transformed
// with a real FFT sized to the next power of two, and reduced to magnitude
// bins, a dominant frequency and total energy.
//
// Windows carrying more missing samples than the configured fraction are
// discarded outright. Analyzing around fabricated samples would produce
// spectrally meaningless output, so the policy is to report the skip and
// move on.
package spectral
