package validator

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/eddielth/crane-telemetry/decoder"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid telemetry")

// Validator checks a decoded record
type Validator interface {
	// Validate returns nil when the record is acceptable
	Validate(t *decoder.Telemetry) error
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(t *decoder.Telemetry) error

// Validate calls f(t)
func (f ValidatorFunc) Validate(t *decoder.Telemetry) error { return f(t) }

// RangeValidator checks that a numeric field lies in [Min, Max].
// MinExclusive turns the lower bound into Min < value.
type RangeValidator struct {
	Field        string
	Value        func(t *decoder.Telemetry) float64
	Min          float64
	Max          float64
	MinExclusive bool
	// AppliesTo limits the rule to some records, nil means all
	AppliesTo func(t *decoder.Telemetry) bool
}

// Validate checks the field range
func (rv *RangeValidator) Validate(t *decoder.Telemetry) error {
	if rv.AppliesTo != nil && !rv.AppliesTo(t) {
		return nil
	}

	value := rv.Value(t)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: field %s is not a finite number", ErrInvalid, rv.Field)
	}

	low := value < rv.Min
	if rv.MinExclusive {
		low = value <= rv.Min
	}
	if low || value > rv.Max {
		return fmt.Errorf("%w: field %s value %.2f out of range [%.2f, %.2f]", ErrInvalid, rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// StatusValidator checks that a status field holds one of the known states
type StatusValidator struct {
	Field string
	Value func(t *decoder.Telemetry) string
}

// Validate checks the field against OK, FAIL, HIT and UNKNOWN
func (sv *StatusValidator) Validate(t *decoder.Telemetry) error {
	if !validStatus(sv.Value(t)) {
		return fmt.Errorf("%w: field %s has unknown state %q", ErrInvalid, sv.Field, sv.Value(t))
	}
	return nil
}

func validStatus(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case decoder.StatusOK, decoder.StatusFail, decoder.StatusHit, decoder.StatusUnknown:
		return true
	}
	return false
}

// maxLoad bounds load and SWL readings. Anything above is a sensor fault.
const maxLoad = 1e6

// carriesLoad reports whether the wire format has a load channel. Hex frames
// report load through the overload bit only.
func carriesLoad(t *decoder.Telemetry) bool {
	return t.Format != decoder.FormatHexFrame
}

// DefaultRules returns the rules a record must pass before it is trusted
func DefaultRules() []Validator {
	return []Validator{
		ValidatorFunc(func(t *decoder.Telemetry) error {
			if strings.TrimSpace(t.DeviceID) == "" {
				return fmt.Errorf("%w: empty device id", ErrInvalid)
			}
			return nil
		}),
		ValidatorFunc(func(t *decoder.Telemetry) error {
			if _, err := t.Time(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			return nil
		}),
		&RangeValidator{
			Field:     "load",
			Value:     func(t *decoder.Telemetry) float64 { return t.Load },
			Min:       0,
			Max:       maxLoad,
			AppliesTo: carriesLoad,
		},
		&RangeValidator{
			Field:        "swl",
			Value:        func(t *decoder.Telemetry) float64 { return t.SWL },
			Min:          0,
			Max:          maxLoad,
			MinExclusive: true,
			AppliesTo:    carriesLoad,
		},
		&RangeValidator{
			Field: "util",
			Value: func(t *decoder.Telemetry) float64 { return t.Util },
			Min:   0,
			Max:   100,
		},
		&StatusValidator{Field: "ls1", Value: func(t *decoder.Telemetry) string { return t.LS1 }},
		&StatusValidator{Field: "ls2", Value: func(t *decoder.Telemetry) string { return t.LS2 }},
		&StatusValidator{Field: "ls3", Value: func(t *decoder.Telemetry) string { return t.LS3 }},
		&StatusValidator{Field: "ls4", Value: func(t *decoder.Telemetry) string { return t.LS4 }},
		&StatusValidator{Field: "ut", Value: func(t *decoder.Telemetry) string { return t.UT }},
	}
}

var defaultRules = DefaultRules()

// Check runs the default rules and returns every failure joined
func Check(t *decoder.Telemetry) error {
	if t == nil {
		return fmt.Errorf("%w: nil record", ErrInvalid)
	}
	var errs []error
	for _, rule := range defaultRules {
		if err := rule.Validate(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate is the predicate form of Check
func Validate(t *decoder.Telemetry) bool {
	return Check(t) == nil
}

// Normalize returns a canonical copy of t. It never fails and is idempotent.
func Normalize(t *decoder.Telemetry) *decoder.Telemetry {
	if t == nil {
		return decoder.NewTelemetry("", "")
	}
	n := t.Clone()

	n.DeviceID = NormalizeDeviceID(n.DeviceID)
	n.Timestamp = strings.TrimSpace(n.Timestamp)

	n.Load = round2(n.Load)
	n.SWL = round2(n.SWL)
	n.Util = clamp(round2(n.Util), 0, 100)
	n.Wind = round2(n.Wind)
	n.Temperature = round2(n.Temperature)
	n.Humidity = round2(n.Humidity)

	n.LS1 = normalizeStatus(n.LS1)
	n.LS2 = normalizeStatus(n.LS2)
	n.LS3 = normalizeStatus(n.LS3)
	n.LS4 = normalizeStatus(n.LS4)
	n.UT = normalizeStatus(n.UT)

	return n
}

// NormalizeDeviceID returns the canonical form of a device id, the key the
// registry stores devices under
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func normalizeStatus(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return decoder.StatusUnknown
	}
	return s
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	// past 1e15 a float64 has no fractional digits left and v*100 may overflow
	if math.Abs(v) >= 1e15 {
		return v
	}
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
