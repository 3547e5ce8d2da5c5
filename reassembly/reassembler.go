package reassembly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Config bounds the reorder window.
type Config struct {
	// ReorderDepth is the maximum number of blocks held while waiting for a
	// gap to fill. Reaching it force-closes the oldest gap immediately.
	ReorderDepth int

	// ReorderWait is how long a gap may stay open before the missing blocks
	// are declared permanently lost.
	ReorderWait time.Duration

	// IdleTimeout releases a stream that has stopped sending, flushing any
	// buffered blocks as a final partial segment.
	IdleTimeout time.Duration
}

// DefaultConfig returns the reorder bounds used in production.
func DefaultConfig() Config {
	return Config{
		ReorderDepth: 64,
		ReorderWait:  200 * time.Millisecond,
		IdleTimeout:  30 * time.Second,
	}
}

// EmitFunc receives completed segments. Called with the reassembler's
// internal lock held so per-stream emission order matches sequence order;
// implementations must not block and must not call back into the
// Reassembler. The segment is immutable after the call.
type EmitFunc func(*telemetry.ReassembledSegment)

// A stream buffers its first blocks without committing an anchor sequence,
// because the first block to arrive is not necessarily the lowest: a
// reordered predecessor may still be in flight. The anchor commits when
// sequence zero shows up, the window fills, or ReorderWait expires, and
// only then does the stream emit.
type streamState int

const (
	stateBuffering streamState = iota
	stateStreaming
)

type streamKey struct {
	device  string
	channel telemetry.Channel
}

// stream is the per (device, channel) reorder state. Owned exclusively by
// the Reassembler; all access goes through its mutex.
type stream struct {
	state        streamState
	nextSeq      uint32
	pending      map[uint32]*telemetry.RawSampleBlock
	gapSince     time.Time // zero when no gap is open
	lastActivity time.Time

	// Timing anchor for segment timestamps: wall clock at first block,
	// advanced in sample units as segments are emitted.
	anchor       time.Time
	sampleOffset int64
	rate         int

	// Last received block size, used to size the missing span when a lost
	// block's sample count is unknowable.
	blockSamples int
}

// Reassembler reorders raw sample blocks into contiguous segments. Safe for
// concurrent use.
type Reassembler struct {
	cfg     Config
	emit    EmitFunc
	metrics *metric.Registry
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[streamKey]*stream

	now func() time.Time
}

// New creates a reassembler delivering segments through emit. Pass nil
// metrics to disable counters.
func New(cfg Config, emit EmitFunc, metrics *metric.Registry, logger *slog.Logger) *Reassembler {
	if cfg.ReorderDepth <= 0 {
		cfg.ReorderDepth = DefaultConfig().ReorderDepth
	}
	if cfg.ReorderWait <= 0 {
		cfg.ReorderWait = DefaultConfig().ReorderWait
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		cfg:     cfg,
		emit:    emit,
		metrics: metrics,
		logger:  logger.With("component", "reassembler"),
		streams: make(map[streamKey]*stream),
		now:     time.Now,
	}
}

// Ingest accepts one raw block. Stale and duplicate sequence numbers are
// dropped silently. May emit zero or more segments before returning.
func (r *Reassembler) Ingest(block *telemetry.RawSampleBlock) {
	key := streamKey{device: block.DeviceID, channel: block.Channel}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[key]
	if !ok {
		s = &stream{
			state:        stateBuffering,
			pending:      make(map[uint32]*telemetry.RawSampleBlock, r.cfg.ReorderDepth),
			gapSince:     now, // buffering clock; anchor commits on expiry
			anchor:       now,
			rate:         block.SampleRate,
			blockSamples: len(block.Samples),
		}
		r.streams[key] = s
	}
	s.lastActivity = now
	s.blockSamples = len(block.Samples)

	if s.state == stateBuffering {
		if _, dup := s.pending[block.Sequence]; !dup {
			s.pending[block.Sequence] = block
			// Sequence zero has no possible predecessor; a full window
			// cannot wait any longer.
			if block.Sequence == 0 || len(s.pending) >= r.cfg.ReorderDepth {
				r.deliver(r.commitAnchor(key, s))
			}
		}
		return
	}

	var segments []*telemetry.ReassembledSegment

	switch {
	case block.Sequence < s.nextSeq:
		// Already emitted or declared lost. Idempotent drop.

	case block.Sequence == s.nextSeq:
		segments = append(segments, r.drain(key, s, block))
		if len(s.pending) > 0 && s.gapSince.IsZero() {
			s.gapSince = now
		}

	default:
		if _, dup := s.pending[block.Sequence]; dup {
			break
		}
		s.pending[block.Sequence] = block
		if s.gapSince.IsZero() {
			s.gapSince = now
		}
		if len(s.pending) >= r.cfg.ReorderDepth {
			segments = append(segments, r.forceClose(key, s))
		}
	}

	r.deliver(segments)
}

// commitAnchor ends the buffering phase: the lowest buffered sequence
// becomes the stream anchor and the contiguous run from it is emitted.
// Blocks below the anchor that arrive later are dropped as stale, the
// same as any block behind the emission frontier. Caller holds the lock.
func (r *Reassembler) commitAnchor(key streamKey, s *stream) []*telemetry.ReassembledSegment {
	var lowest uint32
	found := false
	for seq := range s.pending {
		if !found || seq < lowest {
			lowest = seq
			found = true
		}
	}
	if !found {
		return nil
	}

	s.state = stateStreaming
	s.nextSeq = lowest
	head := s.pending[lowest]
	delete(s.pending, lowest)

	seg := r.drain(key, s, head)
	if len(s.pending) > 0 && s.gapSince.IsZero() {
		s.gapSince = r.now()
	}
	return []*telemetry.ReassembledSegment{seg}
}

// drain emits the contiguous run starting at head, pulling buffered
// successors out of the reorder window. Caller holds the lock and guarantees
// head.Sequence == s.nextSeq.
func (r *Reassembler) drain(key streamKey, s *stream, head *telemetry.RawSampleBlock) *telemetry.ReassembledSegment {
	seg := r.newSegment(key, s, s.nextSeq)

	for block := head; block != nil; {
		seg.Samples = append(seg.Samples, block.Samples...)
		s.nextSeq++
		next, ok := s.pending[s.nextSeq]
		if !ok {
			break
		}
		delete(s.pending, s.nextSeq)
		block = next
	}

	if len(s.pending) == 0 {
		s.gapSince = time.Time{}
	}
	r.finishSegment(key, s, seg)
	return seg
}

// forceClose declares the blocks between nextSeq and the oldest buffered
// block permanently lost, emitting a segment that starts with an explicit
// missing range and continues with the now-contiguous buffered run. Caller
// holds the lock and guarantees the window is non-empty.
func (r *Reassembler) forceClose(key streamKey, s *stream) *telemetry.ReassembledSegment {
	oldest := s.nextSeq
	found := false
	for seq := range s.pending {
		if !found || seq < oldest {
			oldest = seq
			found = true
		}
	}

	lost := int(oldest - s.nextSeq)
	missingSamples := lost * s.blockSamples

	seg := r.newSegment(key, s, s.nextSeq)
	if missingSamples > 0 {
		seg.Missing = append(seg.Missing, telemetry.SampleRange{Start: 0, End: missingSamples})
		seg.Samples = append(seg.Samples, make([]int16, missingSamples)...)
	}

	if r.metrics != nil {
		r.metrics.Ingest.SequenceGaps.WithLabelValues(key.device, key.channel.String()).Add(float64(lost))
	}
	r.logger.Warn("sequence gap closed",
		"device_id", key.device,
		"channel", key.channel.String(),
		"from_seq", s.nextSeq,
		"lost_blocks", lost)

	s.nextSeq = oldest
	head := s.pending[oldest]
	delete(s.pending, oldest)

	for block := head; block != nil; {
		seg.Samples = append(seg.Samples, block.Samples...)
		s.nextSeq++
		next, ok := s.pending[s.nextSeq]
		if !ok {
			break
		}
		delete(s.pending, s.nextSeq)
		block = next
	}

	if len(s.pending) == 0 {
		s.gapSince = time.Time{}
	} else {
		s.gapSince = r.now()
	}
	r.finishSegment(key, s, seg)
	return seg
}

func (r *Reassembler) newSegment(key streamKey, s *stream, startSeq uint32) *telemetry.ReassembledSegment {
	start := s.anchor
	if s.rate > 0 {
		start = s.anchor.Add(time.Duration(s.sampleOffset) * time.Second / time.Duration(s.rate))
	}
	return &telemetry.ReassembledSegment{
		DeviceID:   key.device,
		Channel:    key.channel,
		StartSeq:   startSeq,
		Start:      start,
		SampleRate: s.rate,
	}
}

func (r *Reassembler) finishSegment(key streamKey, s *stream, seg *telemetry.ReassembledSegment) {
	s.sampleOffset += int64(len(seg.Samples))
	if r.metrics != nil {
		r.metrics.Ingest.SegmentsEmitted.WithLabelValues(key.device, key.channel.String()).Inc()
	}
}

func (r *Reassembler) deliver(segments []*telemetry.ReassembledSegment) {
	if r.emit == nil {
		return
	}
	for _, seg := range segments {
		if len(seg.Samples) > 0 {
			r.emit(seg)
		}
	}
}

// Tick advances time-based state: buffering streams whose wait has expired
// commit their anchor, gaps open longer than ReorderWait are force-closed,
// and streams idle longer than IdleTimeout are flushed and released. The
// engine calls this on a short interval.
func (r *Reassembler) Tick() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var segments []*telemetry.ReassembledSegment
	for key, s := range r.streams {
		if !s.gapSince.IsZero() && now.Sub(s.gapSince) >= r.cfg.ReorderWait {
			if s.state == stateBuffering {
				segments = append(segments, r.commitAnchor(key, s)...)
			} else {
				segments = append(segments, r.forceClose(key, s))
			}
		}
		if now.Sub(s.lastActivity) >= r.cfg.IdleTimeout {
			segments = append(segments, r.flushLocked(key, s)...)
			delete(r.streams, key)
		}
	}

	r.deliver(segments)
}

// Release flushes and drops all streams belonging to a device. Called when
// the device registry sweeps the device out.
func (r *Reassembler) Release(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var segments []*telemetry.ReassembledSegment
	for key, s := range r.streams {
		if key.device == deviceID {
			segments = append(segments, r.flushLocked(key, s)...)
			delete(r.streams, key)
		}
	}

	r.deliver(segments)
}

// FlushAll emits everything still buffered. Used during shutdown so no
// received data is silently discarded.
func (r *Reassembler) FlushAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var segments []*telemetry.ReassembledSegment
	for key, s := range r.streams {
		segments = append(segments, r.flushLocked(key, s)...)
		delete(r.streams, key)
	}

	r.deliver(segments)
}

// flushLocked drains every remaining buffered block, closing interior gaps,
// until the reorder window is empty. A stream still buffering commits its
// anchor first so the flush never fabricates a gap below the lowest block
// actually seen. Caller holds the lock.
func (r *Reassembler) flushLocked(key streamKey, s *stream) []*telemetry.ReassembledSegment {
	var segments []*telemetry.ReassembledSegment
	if s.state == stateBuffering {
		segments = append(segments, r.commitAnchor(key, s)...)
	}
	for len(s.pending) > 0 {
		segments = append(segments, r.forceClose(key, s))
	}
	if len(segments) > 0 {
		r.logger.Info("stream released",
			"device_id", key.device,
			"channel", key.channel.String(),
			"final_segments", len(segments))
	}
	return segments
}

// Run calls Tick on the given interval until ctx is cancelled, then flushes
// all streams.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.FlushAll()
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// StreamCount returns the number of live (device, channel) streams.
func (r *Reassembler) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
