package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Raw block framing, all multi-byte fields little-endian:
//
//	[id_len u8][device_id id_len bytes ASCII]
//	[channel_tag u8][sequence u32][sample_count u16]
//	[samples sample_count x int16]
const (
	rawHeaderFixed = 1 + 1 + 4 + 2 // id_len + channel + sequence + count
	maxRawSamples  = 32000         // one second of audio, the largest block firmware sends
)

// parseRawBlock decodes one binary sample-block datagram. The declared
// sample count must match the remaining payload exactly; short or oversized
// payloads are rejected rather than truncated.
func (c *Classifier) parseRawBlock(data []byte) (*telemetry.RawSampleBlock, error) {
	if len(data) < rawHeaderFixed {
		c.countMalformed("truncated_header")
		return nil, errors.WrapInvalid(errors.ErrPayloadTruncated,
			"classifier", "parseRawBlock", "header decode")
	}

	idLen := int(data[0])
	if idLen == 0 || len(data) < idLen+rawHeaderFixed {
		c.countMalformed("truncated_header")
		return nil, errors.WrapInvalid(errors.ErrPayloadTruncated,
			"classifier", "parseRawBlock", "device id decode")
	}

	deviceID := string(data[1 : 1+idLen])
	if err := validDeviceID(deviceID); err != nil {
		c.countMalformed("bad_device_id")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseRawBlock", "device id validation")
	}

	rest := data[1+idLen:]
	channel := telemetry.Channel(rest[0])
	if !channel.Valid() {
		c.countMalformed("unknown_channel")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: tag 0x%02x", errors.ErrUnknownChannel, rest[0]),
			"classifier", "parseRawBlock", "channel validation")
	}

	sequence := binary.LittleEndian.Uint32(rest[1:5])
	count := int(binary.LittleEndian.Uint16(rest[5:7]))
	payload := rest[7:]

	if count == 0 || count > maxRawSamples {
		c.countMalformed("bad_sample_count")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: sample count %d", errors.ErrMalformedPacket, count),
			"classifier", "parseRawBlock", "sample count validation")
	}
	if len(payload) != count*2 {
		c.countMalformed("length_mismatch")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: declared %d samples, payload %d bytes",
				errors.ErrPayloadTruncated, count, len(payload)),
			"classifier", "parseRawBlock", "payload length validation")
	}

	samples := make([]int16, count)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}

	return &telemetry.RawSampleBlock{
		DeviceID:   deviceID,
		Channel:    channel,
		Sequence:   sequence,
		Samples:    samples,
		SampleRate: channel.SampleRate(),
		Received:   c.now(),
	}, nil
}
