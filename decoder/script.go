package decoder

import (
	"strings"

	"github.com/eddielth/crane-telemetry/logger"
)

// ScriptRunner runs operator supplied decode scripts. It returns the fields
// produced by the first script that accepted the payload and that script's name.
type ScriptRunner interface {
	Transform(payload string) (map[string]interface{}, string, error)
}

// ScriptStrategy adapts a ScriptRunner into a decoder strategy. It is meant
// to sit after the built-in formats.
type ScriptStrategy struct {
	runner ScriptRunner
}

// NewScriptStrategy creates a strategy backed by runner
func NewScriptStrategy(runner ScriptRunner) *ScriptStrategy {
	return &ScriptStrategy{runner: runner}
}

func (s *ScriptStrategy) Format() Format { return FormatScript }

func (s *ScriptStrategy) TryDecode(payload string) (*Telemetry, bool) {
	if s.runner == nil {
		return nil, false
	}
	obj, name, err := s.runner.Transform(payload)
	if err != nil {
		logger.Debug("script decoders rejected payload: %v", err)
		return nil, false
	}
	if obj == nil {
		return nil, false
	}

	fields := flattenJSON(obj)
	if strings.TrimSpace(fields["ID"]) == "" {
		logger.Warn("script decoder %s returned a record without id", name)
		return nil, false
	}

	t := NewTelemetry(payload, FormatScript)
	applyFields(t, fields)
	return t, true
}
