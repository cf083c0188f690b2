package decoder

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hex frame layout:
//
//	$ TT III SSSSSSSS CC HH LL [CRC] # [CRC]
//
// TT device type, III device id, SSSSSSSS big-endian Unix seconds, CC command,
// HH/LL data high/low bytes. The checksum may sit before or after '#'; it is
// carried on the record but not verified.
const (
	hexFrameStart    = '$'
	hexFrameEnd      = '#'
	hexDeviceIDLen   = 3
	hexDeviceTypeLen = 2
	hexTimestampLen  = 8

	// HexDevicePrefix is prepended to the 3-char id to form the device identifier
	HexDevicePrefix = "DM-"
)

// Hex frame command bytes
const (
	CommandEvent byte = 0x02
)

// Bits of the data-low byte of an event frame
const (
	bitUtilizationActive = 1 << 7
	bitOverload          = 1 << 6
	bitTestMode          = 1 << 4
	bitLS4               = 1 << 3
	bitLS3               = 1 << 2
	bitLS2               = 1 << 1
	bitLS1               = 1 << 0
)

// CommandName returns a readable name for a hex frame command byte
func CommandName(cmd byte) string {
	if cmd == CommandEvent {
		return "event"
	}
	return fmt.Sprintf("0x%02x", cmd)
}

type hexFrameStrategy struct{}

func (hexFrameStrategy) Format() Format { return FormatHexFrame }

func (hexFrameStrategy) TryDecode(payload string) (*Telemetry, bool) {
	frame, err := parseHexFrame(strings.TrimSpace(payload))
	if err != nil {
		return nil, false
	}

	t := NewTelemetry(payload, FormatHexFrame)
	t.DeviceID = HexDevicePrefix + frame.deviceID
	t.DeviceType = frame.deviceType
	t.Timestamp = time.Unix(int64(frame.timestamp), 0).UTC().Format(time.RFC3339)
	t.Command = frame.command
	t.DataHigh = frame.dataHigh
	t.DataLow = frame.dataLow
	t.Checksum = frame.checksum

	// Other commands carry no defined flag payload; only id and timestamp are set.
	if frame.command == CommandEvent {
		applyEventBits(t, frame.dataLow)
	}
	return t, true
}

func applyEventBits(t *Telemetry, bits byte) {
	t.UtilizationActive = bits&bitUtilizationActive != 0
	t.Overload = bits&bitOverload != 0
	t.TestMode = bits&bitTestMode != 0
	t.LS4 = switchState(bits & bitLS4)
	t.LS3 = switchState(bits & bitLS3)
	t.LS2 = switchState(bits & bitLS2)
	t.LS1 = switchState(bits & bitLS1)
}

func switchState(bit byte) string {
	if bit != 0 {
		return StatusHit
	}
	return StatusOK
}

type hexFrame struct {
	deviceType string
	deviceID   string
	timestamp  uint32
	command    byte
	dataHigh   byte
	dataLow    byte
	checksum   string
}

func parseHexFrame(s string) (*hexFrame, error) {
	if len(s) == 0 || s[0] != hexFrameStart {
		return nil, fmt.Errorf("missing frame start")
	}
	end := strings.IndexByte(s, hexFrameEnd)
	if end < 0 {
		return nil, fmt.Errorf("missing frame end")
	}
	body := s[1:end]
	trailer := s[end+1:]

	if len(body) < hexDeviceTypeLen+hexDeviceIDLen+hexTimestampLen {
		return nil, fmt.Errorf("frame too short: %d", len(body))
	}

	f := &hexFrame{
		deviceType: body[:hexDeviceTypeLen],
		deviceID:   body[hexDeviceTypeLen : hexDeviceTypeLen+hexDeviceIDLen],
	}
	if !isAlphanumeric(f.deviceType) || !isAlphanumeric(f.deviceID) {
		return nil, fmt.Errorf("invalid device header %q", body[:hexDeviceTypeLen+hexDeviceIDLen])
	}

	rest := body[hexDeviceTypeLen+hexDeviceIDLen:]
	ts, err := strconv.ParseUint(rest[:hexTimestampLen], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	f.timestamp = uint32(ts)
	rest = rest[hexTimestampLen:]

	var cmd, payload string
	switch {
	case len(rest) >= 6:
		cmd, payload = rest[:2], rest[2:6]
		f.checksum = rest[6:]
	case len(rest) == 5:
		// short form: single-nibble command, checksum trails '#'
		cmd, payload = "0"+rest[:1], rest[1:5]
	default:
		return nil, fmt.Errorf("frame missing command/data bytes")
	}

	raw, err := hex.DecodeString(cmd + payload)
	if err != nil {
		return nil, fmt.Errorf("invalid command/data: %w", err)
	}
	f.command, f.dataHigh, f.dataLow = raw[0], raw[1], raw[2]

	if f.checksum == "" {
		f.checksum = trailer
	} else if trailer != "" {
		return nil, fmt.Errorf("checksum on both sides of frame end")
	}
	if !isHex(f.checksum) {
		return nil, fmt.Errorf("invalid checksum %q", f.checksum)
	}
	return f, nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isAlphanumeric(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
