package decoder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format identifies the wire format a record was decoded from
type Format string

const (
	FormatJSON     Format = "json"
	FormatHexFrame Format = "hexframe"
	FormatPipe     Format = "pipe"
	FormatKeyValue Format = "keyvalue"
	FormatScript   Format = "script"
)

// Limit switch and utilization test states
const (
	StatusOK      = "OK"
	StatusFail    = "FAIL"
	StatusHit     = "HIT"
	StatusUnknown = "UNKNOWN"
)

// Location is a GNSS or cell derived position
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Source    string  `json:"source,omitempty"`
}

// Telemetry is the normalized record every wire format decodes into.
// NewTelemetry fills every field with its default so a strategy only sets what it saw.
type Telemetry struct {
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`

	Load float64 `json:"load"`
	SWL  float64 `json:"swl"`
	LS1  string  `json:"ls1"`
	LS2  string  `json:"ls2"`
	LS3  string  `json:"ls3"`
	LS4  string  `json:"ls4"`
	UT   string  `json:"ut"`
	Util float64 `json:"util"`

	Wind        float64   `json:"wind"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Location    *Location `json:"location,omitempty"`

	// Hex frame fields
	DeviceType        string `json:"device_type,omitempty"`
	Command           byte   `json:"command,omitempty"`
	DataHigh          byte   `json:"data_high,omitempty"`
	DataLow           byte   `json:"data_low,omitempty"`
	Checksum          string `json:"checksum,omitempty"`
	UtilizationActive bool   `json:"utilization_active"`
	Overload          bool   `json:"overload"`
	TestMode          bool   `json:"test_mode"`

	Format Format `json:"format"`
	Raw    string `json:"raw"`
}

// NewTelemetry returns a record with every field at its default
func NewTelemetry(raw string, format Format) *Telemetry {
	return &Telemetry{
		LS1:    StatusUnknown,
		LS2:    StatusUnknown,
		LS3:    StatusUnknown,
		LS4:    StatusUnknown,
		UT:     StatusUnknown,
		Format: format,
		Raw:    raw,
	}
}

// Clone returns a deep copy of the record
func (t *Telemetry) Clone() *Telemetry {
	c := *t
	if t.Location != nil {
		loc := *t.Location
		c.Location = &loc
	}
	return &c
}

// LimitSwitches returns the LS1..LS4 states in channel order
func (t *Telemetry) LimitSwitches() [4]string {
	return [4]string{t.LS1, t.LS2, t.LS3, t.LS4}
}

// Time parses the record timestamp
func (t *Telemetry) Time() (time.Time, error) {
	return ParseTimestamp(t.Timestamp)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts ISO-8601 variants and Unix epoch seconds
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
