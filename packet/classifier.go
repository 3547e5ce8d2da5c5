package packet

import (
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/HansOlavAarvik/BCH-server/device"
	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/metric"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// Kind tags a classified datagram.
type Kind string

// Datagram kinds.
const (
	KindStructured Kind = "structured"
	KindRawBlock   Kind = "raw_block"
)

// Result holds the outcome of classifying one datagram. Exactly one of
// Reading and Block is non-nil.
type Result struct {
	Kind    Kind
	Reading *telemetry.StructuredReading
	Block   *telemetry.RawSampleBlock
}

// Classifier turns raw datagrams into structured readings or raw sample
// blocks. Safe for concurrent use; a single classifier is shared by all
// intake workers.
type Classifier struct {
	registry *device.Registry
	metrics  *metric.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewClassifier creates a classifier. The device registry is updated as a
// side effect of every successful classification; pass nil metrics to
// disable counters.
func NewClassifier(registry *device.Registry, metrics *metric.Registry, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "classifier"),
		now:      time.Now,
	}
}

// Classify parses one datagram. On success the device registry records the
// sending device and the result carries exactly one parsed value. On failure
// the returned error is classified invalid and wraps ErrMalformedPacket (or
// a more specific sentinel in its taxonomy).
func (c *Classifier) Classify(data []byte) (Result, error) {
	if len(data) == 0 {
		c.countMalformed("empty")
		return Result{}, errors.WrapInvalid(errors.ErrMalformedPacket,
			"classifier", "Classify", "empty datagram")
	}

	if data[0] == '{' {
		reading, err := c.parseStructured(data)
		if err != nil {
			return Result{}, err
		}
		c.observe(reading.DeviceID, telemetry.KindReading, KindStructured)
		return Result{Kind: KindStructured, Reading: reading}, nil
	}

	block, err := c.parseRawBlock(data)
	if err != nil {
		return Result{}, err
	}
	c.observe(block.DeviceID, block.Channel.Kind(), KindRawBlock)
	return Result{Kind: KindRawBlock, Block: block}, nil
}

func (c *Classifier) observe(deviceID string, signal telemetry.SignalKind, kind Kind) {
	if c.registry != nil {
		c.registry.Observe(deviceID, signal)
	}
	if c.metrics != nil {
		c.metrics.Ingest.PacketsReceived.WithLabelValues(deviceID, string(kind)).Inc()
	}
}

func (c *Classifier) countMalformed(cause string) {
	if c.metrics != nil {
		c.metrics.Ingest.MalformedPackets.WithLabelValues(cause).Inc()
	}
}

// validDeviceID rejects IDs that are empty, overlong or contain bytes
// outside printable ASCII. IDs end up in metric labels and NATS subjects,
// so the charset is deliberately tight.
func validDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("empty device id")
	}
	if len(id) > 64 {
		return fmt.Errorf("device id too long: %d bytes", len(id))
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' || r == '.' || r == '*' || r == '>' {
			return fmt.Errorf("device id contains invalid character %q", r)
		}
	}
	return nil
}
