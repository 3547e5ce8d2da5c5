package engine

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansOlavAarvik/BCH-server/config"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen.Bind = "127.0.0.1"
	cfg.Listen.Port = 0 // OS-assigned
	cfg.Metrics.Port = 0
	cfg.Reassembly.ReorderWait = config.Duration(50 * time.Millisecond)
	return cfg
}

func startEngine(t *testing.T) (*Engine, net.Conn) {
	t.Helper()
	e, err := New(testConfig(), slog.Default())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(2 * time.Second) })

	addr := e.input.LocalAddr()
	require.NotNil(t, addr)
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return e, conn
}

func vibrationDatagram(deviceID string, seq uint32, samples ...int16) []byte {
	buf := make([]byte, 0, 8+len(deviceID)+len(samples)*2)
	buf = append(buf, byte(len(deviceID)))
	buf = append(buf, deviceID...)
	buf = append(buf, byte(telemetry.ChannelVibration))
	buf = binary.LittleEndian.AppendUint32(buf, seq)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(samples)))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}

func TestEndToEndLossyVibrationStream(t *testing.T) {
	e, conn := startEngine(t)

	// Device stm001 sends sequences 0,1,3,4; block 2 is lost in transit.
	for _, seq := range []uint32{0, 1, 3, 4} {
		_, err := conn.Write(vibrationDatagram("stm001", seq, int16(10+seq)))
		require.NoError(t, err)
	}

	// After the reorder wait the gap is closed with an explicit marker.
	require.Eventually(t, func() bool {
		chunks := e.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
		total := 0
		for _, c := range chunks {
			total += len(c.Samples)
		}
		return total == 5
	}, 3*time.Second, 20*time.Millisecond)

	chunks := e.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
	var samples []int16
	missing := 0
	for _, c := range chunks {
		samples = append(samples, c.Samples...)
		for _, r := range c.Missing {
			missing += r.Len()
		}
	}
	assert.Equal(t, []int16{10, 11, 0, 13, 14}, samples)
	assert.Equal(t, 1, missing, "exactly the lost block is marked missing")

	devices := e.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "stm001", devices[0].ID)
}

func TestEngineHealthReflectsRunningPipeline(t *testing.T) {
	e, _ := startEngine(t)

	sys := e.Health()
	assert.True(t, sys.IsHealthy(), "running pipeline reports healthy: %+v", sys)

	names := make(map[string]bool)
	for _, sub := range sys.SubStatuses {
		names[sub.Component] = true
	}
	assert.True(t, names["udp-input"])
	assert.True(t, names["analysis"])
	assert.True(t, names["reassembler"])
}

func TestEndToEndStructuredReadingTripsAlarm(t *testing.T) {
	e, conn := startEngine(t)

	var events []telemetry.AlarmEvent
	done := make(chan struct{})
	e.OnAlarmEvent(func(ev telemetry.AlarmEvent) {
		events = append(events, ev)
		close(done)
	})

	// Default threshold for temperature.inside is high=40.
	payload := []byte(`{
		"device_id": "stm001",
		"temperature": {"inside": 55.0, "outside": 20.0},
		"humidity": {"inside": 45.0, "outside": 60.0},
		"tof": {"distance": 100.0, "door_closed": true}
	}`)
	_, err := conn.Write(payload)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("no alarm event within deadline")
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "temperature.inside", events[0].Metric)
	assert.Equal(t, telemetry.AlarmTripped, events[0].New)
	assert.Equal(t, 55.0, events[0].Value)

	reading, ok := e.LatestReading("stm001")
	require.True(t, ok)
	assert.Equal(t, 55.0, reading.TemperatureInside)
	assert.True(t, reading.DoorClosed)

	history := e.RecentAlarmEvents()
	assert.NotEmpty(t, history)
}

func TestEndToEndSpectralSummary(t *testing.T) {
	e, conn := startEngine(t)

	// Stream a 100 Hz sine as full contiguous blocks until a 512-sample
	// window completes.
	const blockSize = 128
	samples := make([]int16, blockSize)
	for seq := uint32(0); seq < 5; seq++ {
		for i := range samples {
			n := int(seq)*blockSize + i
			samples[i] = int16(8000 * math.Sin(2*math.Pi*100*float64(n)/1000))
		}
		_, err := conn.Write(vibrationDatagram("stm001", seq, samples...))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		_, ok := e.GetLatestSummary("stm001", telemetry.ChannelVibration)
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	sum, ok := e.GetLatestSummary("stm001", telemetry.ChannelVibration)
	require.True(t, ok)
	binWidth := 1000.0 / 512.0
	assert.InDelta(t, 100.0, sum.Dominant, binWidth)
}

func TestMalformedDatagramsAreAbsorbed(t *testing.T) {
	e, conn := startEngine(t)

	_, err := conn.Write([]byte(`{"garbage": `))
	require.NoError(t, err)
	_, err = conn.Write([]byte{0xff, 0x01})
	require.NoError(t, err)

	// A valid datagram after the junk still flows through.
	_, err = conn.Write(vibrationDatagram("stm001", 0, 1, 2, 3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		chunks := e.GetRecentSamples("stm001", telemetry.KindVibration, time.Minute)
		return len(chunks) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestChunksStayOrderedUnderConcurrentIngest(t *testing.T) {
	e, _ := startEngine(t)

	// Two producers interleave even and odd sequences of one stream, the
	// worst case for emission order: every other block arrives early and
	// has to wait in the reorder window.
	const blocks = 2000
	var wg sync.WaitGroup
	for w := uint32(0); w < 2; w++ {
		wg.Add(1)
		go func(parity uint32) {
			defer wg.Done()
			for seq := parity; seq < blocks; seq += 2 {
				e.reassembler.Ingest(&telemetry.RawSampleBlock{
					DeviceID:   "stm042",
					Channel:    telemetry.ChannelVibration,
					Sequence:   seq,
					Samples:    []int16{int16(seq)},
					SampleRate: 1000,
				})
			}
		}(w)
	}
	wg.Wait()
	e.reassembler.FlushAll()

	chunks := e.GetRecentSamples("stm042", telemetry.KindVibration, time.Minute)
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		require.False(t, chunks[i].Start.Before(chunks[i-1].Start),
			"chunk %d starts before chunk %d", i, i-1)
	}
}

func TestSetThresholdOverridesDefault(t *testing.T) {
	e, _ := startEngine(t)

	e.SetThreshold("stm009", "temperature.inside", 5, 90, 2)
	// The override applies on the next evaluation; direct evaluator state
	// is exercised in the alarm package tests. Here we only check the
	// snapshot surface accepts the call while running.
	assert.NotPanics(t, func() {
		e.SetThreshold("stm009", "temperature.inside", 5, 95, 2)
	})
}
