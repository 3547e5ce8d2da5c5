package reassembly

import (
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

type collector struct {
	segments []*telemetry.ReassembledSegment
}

func (c *collector) emit(seg *telemetry.ReassembledSegment) {
	c.segments = append(c.segments, seg)
}

// samples returns every emitted sample in emission order.
func (c *collector) samples() []int16 {
	var out []int16
	for _, seg := range c.segments {
		out = append(out, seg.Samples...)
	}
	return out
}

func (c *collector) missingTotal() int {
	total := 0
	for _, seg := range c.segments {
		total += seg.MissingCount()
	}
	return total
}

func newTestReassembler(cfg Config) (*Reassembler, *collector, *time.Time) {
	c := &collector{}
	r := New(cfg, c.emit, nil, slog.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, c, &now
}

func block(seq uint32, samples ...int16) *telemetry.RawSampleBlock {
	return &telemetry.RawSampleBlock{
		DeviceID:   "stm001",
		Channel:    telemetry.ChannelVibration,
		Sequence:   seq,
		Samples:    samples,
		SampleRate: 1000,
	}
}

func TestInOrderBlocksEmitImmediately(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	r.Ingest(block(0, 1, 2))
	r.Ingest(block(1, 3, 4))
	r.Ingest(block(2, 5, 6))

	require.Len(t, c.segments, 3)
	assert.Equal(t, []int16{1, 2, 3, 4, 5, 6}, c.samples())
	assert.Zero(t, c.missingTotal())
	assert.Equal(t, uint32(0), c.segments[0].StartSeq)
	assert.Equal(t, uint32(1), c.segments[1].StartSeq)
}

func TestReorderWithinWindow(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	r.Ingest(block(0, 10))
	r.Ingest(block(2, 30)) // early, buffered
	r.Ingest(block(3, 40)) // early, buffered
	require.Len(t, c.segments, 1)

	r.Ingest(block(1, 20)) // fills the gap, drains 1-3
	require.Len(t, c.segments, 2)
	assert.Equal(t, []int16{10, 20, 30, 40}, c.samples())
	assert.Zero(t, c.missingTotal())
}

func TestAnyPermutationYieldsSortedSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		r, c, _ := newTestReassembler(DefaultConfig())

		// Every block shuffled, including sequence 0: the stream must not
		// anchor on whichever block happens to arrive first.
		const n = 32
		for _, i := range rng.Perm(n) {
			r.Ingest(block(uint32(i), int16(i)))
		}

		got := c.samples()
		require.Len(t, got, n, "trial %d", trial)
		for i := 0; i < n; i++ {
			assert.Equal(t, int16(i), got[i], "trial %d position %d", trial, i)
		}
		assert.Zero(t, c.missingTotal(), "trial %d", trial)
	}
}

func TestFirstBlockReorderedDoesNotDropPredecessor(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	// Sequence 1 beats sequence 0 onto the wire.
	r.Ingest(block(1, 20))
	require.Empty(t, c.segments, "no anchor committed yet")

	r.Ingest(block(0, 10))
	assert.Equal(t, []int16{10, 20}, c.samples())
	assert.Zero(t, c.missingTotal())
	assert.Equal(t, uint32(0), c.segments[0].StartSeq)
}

func TestBufferingCommitsOnWaitExpiry(t *testing.T) {
	cfg := DefaultConfig()
	r, c, now := newTestReassembler(cfg)

	// Mid-stream join: nothing as low as zero will ever arrive, so the
	// anchor commits only once the reorder wait has run out.
	r.Ingest(block(7, 70))
	r.Ingest(block(5, 50))
	r.Ingest(block(6, 60))
	require.Empty(t, c.segments)

	*now = now.Add(cfg.ReorderWait)
	r.Tick()

	require.Len(t, c.segments, 1)
	assert.Equal(t, uint32(5), c.segments[0].StartSeq)
	assert.Equal(t, []int16{50, 60, 70}, c.samples())
	assert.Zero(t, c.missingTotal(), "no gap below the lowest block seen")
}

func TestBufferingCommitsWhenWindowFills(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderDepth = 4
	r, c, _ := newTestReassembler(cfg)

	r.Ingest(block(5, 5))
	r.Ingest(block(4, 4))
	r.Ingest(block(3, 3))
	require.Empty(t, c.segments)

	r.Ingest(block(2, 2))
	assert.Equal(t, []int16{2, 3, 4, 5}, c.samples())
	assert.Zero(t, c.missingTotal())
}

func TestDuplicateAndStaleDropped(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	r.Ingest(block(0, 1))
	r.Ingest(block(1, 2))
	before := len(c.samples())

	r.Ingest(block(0, 99)) // already emitted
	r.Ingest(block(1, 99)) // already emitted
	r.Ingest(block(3, 9))  // buffered
	r.Ingest(block(3, 88)) // duplicate of buffered

	assert.Len(t, c.samples(), before)

	r.Ingest(block(2, 3)) // drains 2-3
	assert.Equal(t, []int16{1, 2, 3, 9}, c.samples())
}

func TestGapTimeoutForceCloses(t *testing.T) {
	cfg := DefaultConfig()
	r, c, now := newTestReassembler(cfg)

	r.Ingest(block(0, 1))
	r.Ingest(block(1, 2))
	r.Ingest(block(3, 4)) // seq 2 missing
	r.Ingest(block(4, 5))
	require.Len(t, c.segments, 2)

	// Before the wait expires the gap stays open.
	*now = now.Add(cfg.ReorderWait / 2)
	r.Tick()
	require.Len(t, c.segments, 2)

	*now = now.Add(cfg.ReorderWait)
	r.Tick()
	require.Len(t, c.segments, 3)

	final := c.segments[2]
	assert.Equal(t, uint32(2), final.StartSeq)
	// One lost block of one sample, then the buffered run.
	require.Len(t, final.Missing, 1)
	assert.Equal(t, telemetry.SampleRange{Start: 0, End: 1}, final.Missing[0])
	assert.Equal(t, []int16{0, 4, 5}, final.Samples)
}

func TestReorderDepthForcesClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderDepth = 4
	r, c, _ := newTestReassembler(cfg)

	r.Ingest(block(0, 1))
	// Sequence 1 never arrives; filling the window forces the gap closed.
	r.Ingest(block(2, 3))
	r.Ingest(block(3, 4))
	r.Ingest(block(4, 5))
	require.Len(t, c.segments, 1)

	r.Ingest(block(5, 6))
	require.Len(t, c.segments, 2)

	forced := c.segments[1]
	assert.Equal(t, uint32(1), forced.StartSeq)
	assert.Equal(t, 1, forced.MissingCount())
	assert.Equal(t, []int16{0, 3, 4, 5, 6}, forced.Samples)
}

func TestIdleFlushReleasesStream(t *testing.T) {
	cfg := DefaultConfig()
	r, c, now := newTestReassembler(cfg)

	r.Ingest(block(0, 1))
	r.Ingest(block(2, 3)) // buffered behind missing seq 1
	require.Equal(t, 1, r.StreamCount())

	*now = now.Add(cfg.IdleTimeout + time.Second)
	r.Tick()

	assert.Equal(t, 0, r.StreamCount())
	require.Len(t, c.segments, 2)
	final := c.segments[1]
	assert.Equal(t, 1, final.MissingCount())
	assert.Equal(t, []int16{0, 3}, final.Samples)
}

func TestFlushAllEmitsBuffered(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	r.Ingest(block(0, 1))
	r.Ingest(block(2, 3))
	r.FlushAll()

	assert.Equal(t, 0, r.StreamCount())
	// The lost block's slot is zero-filled and flagged missing.
	assert.Equal(t, []int16{1, 0, 3}, c.samples())
	assert.Equal(t, 1, c.missingTotal())
}

func TestReleaseDropsOnlyTargetDevice(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	r.Ingest(block(0, 1))
	other := &telemetry.RawSampleBlock{
		DeviceID: "stm002", Channel: telemetry.ChannelAudio,
		Sequence: 0, Samples: []int16{7}, SampleRate: 32000,
	}
	r.Ingest(other)
	require.Equal(t, 2, r.StreamCount())

	r.Release("stm001")
	assert.Equal(t, 1, r.StreamCount())
	_ = c
}

func TestStreamsAreIndependentPerChannel(t *testing.T) {
	cfg := DefaultConfig()
	r, c, now := newTestReassembler(cfg)

	vib := block(0, 1)
	aud := &telemetry.RawSampleBlock{
		DeviceID: "stm001", Channel: telemetry.ChannelAudio,
		Sequence: 100, Samples: []int16{9}, SampleRate: 32000,
	}
	r.Ingest(vib)
	r.Ingest(aud)

	// The vibration stream anchors at zero immediately; the audio stream
	// joins mid-sequence and commits on wait expiry.
	require.Len(t, c.segments, 1)
	*now = now.Add(cfg.ReorderWait)
	r.Tick()

	require.Len(t, c.segments, 2)
	assert.Equal(t, telemetry.ChannelVibration, c.segments[0].Channel)
	assert.Equal(t, telemetry.ChannelAudio, c.segments[1].Channel)
	assert.Equal(t, uint32(100), c.segments[1].StartSeq)
}

func TestSegmentTimestampsAdvanceWithSamples(t *testing.T) {
	r, c, _ := newTestReassembler(DefaultConfig())

	// 1 kHz: 500 samples = 500ms.
	first := make([]int16, 500)
	r.Ingest(block(0, first...))
	r.Ingest(block(1, 1, 2, 3))

	require.Len(t, c.segments, 2)
	delta := c.segments[1].Start.Sub(c.segments[0].Start)
	assert.Equal(t, 500*time.Millisecond, delta)
}
