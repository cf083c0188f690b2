package decoder

import (
	"errors"
	"strconv"
	"strings"

	"github.com/eddielth/crane-telemetry/logger"
)

// ErrUnrecognized is reported by DecodeErr when no strategy accepts the payload
var ErrUnrecognized = errors.New("unrecognized payload format")

// Strategy decodes one wire format. TryDecode returns false when the payload
// is not structurally a member of its format.
type Strategy interface {
	Format() Format
	TryDecode(payload string) (*Telemetry, bool)
}

// Decoder tries its strategies in priority order and stops at the first success
type Decoder struct {
	strategies []Strategy
}

// New creates a decoder with the built-in formats (JSON, hex frame, pipe,
// semicolon key=value) followed by any extra strategies.
func New(extra ...Strategy) *Decoder {
	strategies := []Strategy{
		jsonStrategy{},
		hexFrameStrategy{},
		pipeStrategy{},
		keyValueStrategy{},
	}
	strategies = append(strategies, extra...)
	return &Decoder{strategies: strategies}
}

// Decode returns the decoded record, or nil when the payload cannot be decoded.
// It never panics.
func (d *Decoder) Decode(payload string) *Telemetry {
	t, err := d.DecodeErr(payload)
	if err != nil {
		logger.Warn("decode failed: %v, payload: %q", err, payload)
		return nil
	}
	return t
}

// DecodeBytes is Decode for raw bus payloads; a nil slice decodes to nil
func (d *Decoder) DecodeBytes(payload []byte) *Telemetry {
	if payload == nil {
		return nil
	}
	return d.Decode(string(payload))
}

// DecodeErr is Decode with the failure reason
func (d *Decoder) DecodeErr(payload string) (t *Telemetry, err error) {
	if strings.TrimSpace(payload) == "" {
		return nil, ErrUnrecognized
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("decoder panic: %v", r)
			t, err = nil, ErrUnrecognized
		}
	}()

	for _, s := range d.strategies {
		if rec, ok := s.TryDecode(payload); ok {
			logger.Debug("payload decoded as %s for device %s", s.Format(), rec.DeviceID)
			return rec, nil
		}
	}
	return nil, ErrUnrecognized
}

// applyFields copies upper-cased KEY -> value pairs onto t. Unknown keys are
// ignored; a numeric field that does not parse keeps its default.
func applyFields(t *Telemetry, fields map[string]string) {
	for key, value := range fields {
		value = strings.TrimSpace(value)
		switch key {
		case "ID":
			t.DeviceID = value
		case "TS":
			t.Timestamp = value
		case "LOAD":
			setNumber(&t.Load, key, value)
		case "SWL":
			setNumber(&t.SWL, key, value)
		case "UTIL":
			setNumber(&t.Util, key, value)
		case "WIND":
			setNumber(&t.Wind, key, value)
		case "TEMP", "TEMPERATURE":
			setNumber(&t.Temperature, key, value)
		case "HUM", "HUMIDITY":
			setNumber(&t.Humidity, key, value)
		case "LS1":
			t.LS1 = value
		case "LS2":
			t.LS2 = value
		case "LS3":
			t.LS3 = value
		case "LS4":
			t.LS4 = value
		case "UT":
			t.UT = value
		}
	}

	lat, latOK := parseNumber(fields["LAT"])
	lon, lonOK := parseNumber(fields["LON"])
	if latOK && lonOK {
		t.Location = &Location{Latitude: lat, Longitude: lon, Source: "gnss"}
	}
}

func setNumber(dst *float64, key, value string) {
	if v, ok := parseNumber(value); ok {
		*dst = v
		return
	}
	logger.Debug("ignoring non-numeric %s value %q", key, value)
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
