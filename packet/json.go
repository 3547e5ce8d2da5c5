package packet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/HansOlavAarvik/BCH-server/errors"
	"github.com/HansOlavAarvik/BCH-server/telemetry"
)

// readingSchema is the canonical structured-reading schema. Devices running
// current firmware send this form.
const readingSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["device_id", "temperature", "humidity", "tof"],
  "additionalProperties": false,
  "properties": {
    "device_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "temperature": {
      "type": "object",
      "required": ["inside", "outside"],
      "properties": {
        "inside": {"type": "number"},
        "outside": {"type": "number"}
      }
    },
    "humidity": {
      "type": "object",
      "required": ["inside", "outside"],
      "properties": {
        "inside": {"type": "number"},
        "outside": {"type": "number"}
      }
    },
    "tof": {
      "type": "object",
      "required": ["distance"],
      "properties": {
        "distance": {"type": "number"},
        "door_closed": {"type": "boolean"}
      }
    }
  }
}`

var (
	compiledSchema     *gojsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

func canonicalSchema() (*gojsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		compiledSchema, compileSchemaError = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(readingSchema))
	})
	return compiledSchema, compileSchemaError
}

// canonicalReading mirrors the canonical JSON wire form.
type canonicalReading struct {
	DeviceID    string `json:"device_id"`
	Temperature struct {
		Inside  float64 `json:"inside"`
		Outside float64 `json:"outside"`
	} `json:"temperature"`
	Humidity struct {
		Inside  float64 `json:"inside"`
		Outside float64 `json:"outside"`
	} `json:"humidity"`
	TOF struct {
		Distance   float64 `json:"distance"`
		DoorClosed *bool   `json:"door_closed"`
	} `json:"tof"`
}

// stm32Reading mirrors the flat form older firmware sends. The misspelled
// humidity key is what the devices actually put on the wire.
type stm32Reading struct {
	DeviceID           *string  `json:"device_id"`
	InsideTemperature  *float64 `json:"Inside_temperature"`
	OutsideTemperature *float64 `json:"Outside_temperature"`
	InsideHumidity     *float64 `json:"Inside_humidity"`
	OutsideHumidity    *float64 `json:"outisde_humidity"`
	TimeOfFlight       *float64 `json:"Time_of_flight"`
}

// doorClosedDistance is the time-of-flight reading below which the cabinet
// door is considered shut. Firmware reports a large negative distance when
// the sensor is occluded by the closed door.
const doorClosedDistance = -450.0

// parseStructured parses a JSON datagram, trying the canonical schema first
// and falling back to the flat firmware form. The reading timestamp is
// assigned at receive time since neither wire form carries one.
func (c *Classifier) parseStructured(data []byte) (*telemetry.StructuredReading, error) {
	schema, err := canonicalSchema()
	if err != nil {
		return nil, errors.WrapFatal(err, "classifier", "parseStructured", "schema compilation")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		c.countMalformed("invalid_json")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseStructured", "JSON decode")
	}

	if result.Valid() {
		return c.parseCanonical(data)
	}
	return c.parseSTM32(data, result)
}

func (c *Classifier) parseCanonical(data []byte) (*telemetry.StructuredReading, error) {
	var raw canonicalReading
	if err := json.Unmarshal(data, &raw); err != nil {
		c.countMalformed("invalid_json")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseCanonical", "JSON decode")
	}
	if err := validDeviceID(raw.DeviceID); err != nil {
		c.countMalformed("bad_device_id")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseCanonical", "device id validation")
	}

	doorClosed := raw.TOF.Distance < doorClosedDistance
	if raw.TOF.DoorClosed != nil {
		doorClosed = *raw.TOF.DoorClosed
	}

	return &telemetry.StructuredReading{
		DeviceID:           raw.DeviceID,
		Timestamp:          c.now(),
		TemperatureInside:  raw.Temperature.Inside,
		TemperatureOutside: raw.Temperature.Outside,
		HumidityInside:     raw.Humidity.Inside,
		HumidityOutside:    raw.Humidity.Outside,
		TOFDistance:        raw.TOF.Distance,
		DoorClosed:         doorClosed,
	}, nil
}

func (c *Classifier) parseSTM32(data []byte, schemaResult *gojsonschema.Result) (*telemetry.StructuredReading, error) {
	var raw stm32Reading
	if err := json.Unmarshal(data, &raw); err != nil {
		c.countMalformed("invalid_json")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseSTM32", "JSON decode")
	}

	// The flat form is identified by its sensor keys, not by schema. If none
	// are present this is some other JSON shape entirely.
	if raw.InsideTemperature == nil && raw.OutsideTemperature == nil &&
		raw.InsideHumidity == nil && raw.OutsideHumidity == nil &&
		raw.TimeOfFlight == nil {
		c.countMalformed("schema_mismatch")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrSchemaMismatch, firstSchemaError(schemaResult)),
			"classifier", "parseSTM32", "schema validation")
	}

	deviceID := "stm32"
	if raw.DeviceID != nil {
		deviceID = *raw.DeviceID
	}
	if err := validDeviceID(deviceID); err != nil {
		c.countMalformed("bad_device_id")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedPacket, err),
			"classifier", "parseSTM32", "device id validation")
	}

	reading := &telemetry.StructuredReading{
		DeviceID:  deviceID,
		Timestamp: c.now(),
	}
	if raw.InsideTemperature != nil {
		reading.TemperatureInside = *raw.InsideTemperature
	}
	if raw.OutsideTemperature != nil {
		reading.TemperatureOutside = *raw.OutsideTemperature
	}
	if raw.InsideHumidity != nil {
		reading.HumidityInside = *raw.InsideHumidity
	}
	if raw.OutsideHumidity != nil {
		reading.HumidityOutside = *raw.OutsideHumidity
	}
	if raw.TimeOfFlight != nil {
		reading.TOFDistance = *raw.TimeOfFlight
		reading.DoorClosed = *raw.TimeOfFlight < doorClosedDistance
	}
	return reading, nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	if result == nil || len(result.Errors()) == 0 {
		return "unknown schema violation"
	}
	return result.Errors()[0].String()
}
