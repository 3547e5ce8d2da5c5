// Package reassembly reconstructs continuous per-channel sample streams from
// sequenced raw blocks that arrive lossy, duplicated and out of order.
//
// Each (device, channel) pair owns an independent stream with a bounded
// reorder window. Blocks that arrive early wait in the window until the gap
// before them fills or times out; gaps that time out are closed with explicit
// missing markers, never with fabricated samples. Emitted segments are in
// strictly increasing sequence order and no sequence number is ever emitted
// twice.
package reassembly
