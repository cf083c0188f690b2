package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// jsonStrategy handles {"id":..,"ts":..,"load":..} objects
type jsonStrategy struct{}

func (jsonStrategy) Format() Format { return FormatJSON }

func (jsonStrategy) TryDecode(payload string) (*Telemetry, bool) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}

	t := NewTelemetry(payload, FormatJSON)
	applyFields(t, flattenJSON(obj))
	return t, true
}

// flattenJSON turns a decoded object into upper-cased KEY -> string pairs.
// Nested objects and arrays are skipped.
func flattenJSON(obj map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch val := v.(type) {
		case string:
			fields[key] = val
		case json.Number:
			fields[key] = val.String()
		case float64:
			fields[key] = fmt.Sprintf("%v", val)
		case int, int64:
			fields[key] = fmt.Sprintf("%d", val)
		case bool:
			if val {
				fields[key] = "1"
			} else {
				fields[key] = "0"
			}
		}
	}
	// long-form coordinate names
	if v, ok := fields["LATITUDE"]; ok {
		fields["LAT"] = v
	}
	if v, ok := fields["LONGITUDE"]; ok {
		fields["LON"] = v
	}
	return fields
}

// pipeStrategy handles ID|timestamp|KEY:value|KEY:value...
type pipeStrategy struct{}

func (pipeStrategy) Format() Format { return FormatPipe }

func (pipeStrategy) TryDecode(payload string) (*Telemetry, bool) {
	trimmed := strings.TrimSpace(payload)
	if !strings.Contains(trimmed, "|") {
		return nil, false
	}

	parts := strings.Split(trimmed, "|")
	if len(parts) < 2 {
		return nil, false
	}
	id := strings.TrimSpace(parts[0])
	ts := strings.TrimSpace(parts[1])
	if id == "" || ts == "" {
		return nil, false
	}

	fields := make(map[string]string, len(parts))
	for _, part := range parts[2:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = value
	}
	// positional id and timestamp win over any KEY:value duplicates
	fields["ID"] = id
	fields["TS"] = ts

	t := NewTelemetry(payload, FormatPipe)
	applyFields(t, fields)
	return t, true
}

// keyValueStrategy handles TS=..;ID=..;LOAD=.. and is the fallback format
type keyValueStrategy struct{}

func (keyValueStrategy) Format() Format { return FormatKeyValue }

func (keyValueStrategy) TryDecode(payload string) (*Telemetry, bool) {
	trimmed := strings.TrimSpace(payload)

	fields := make(map[string]string)
	for _, segment := range strings.Split(trimmed, ";") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}

	if fields["TS"] == "" || fields["ID"] == "" {
		return nil, false
	}

	t := NewTelemetry(payload, FormatKeyValue)
	applyFields(t, fields)
	return t, true
}
