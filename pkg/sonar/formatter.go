// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	msgType := FormatMessageType(f.Type)

	result := fmt.Sprintf("[%s] %s (0x%02X) seq=%d len=%d\n", timestamp, msgType, f.Type, f.Seq, len(f.Payload))
	result += FormatPayload(f.Type, f.Payload)

	return result
}

// FormatMessageType returns the human-readable name for a frame type
func FormatMessageType(msgType uint8) string {
	if IsAck(msgType) {
		return "ACK_" + FormatMessageType(msgType&CommandMask)
	}

	switch msgType {
	// Commands (0x01-0x0F)
	case CmdPing:
		return "PING"
	case CmdSetConfig:
		return "SET_CONFIG"
	case CmdGetStatus:
		return "GET_STATUS"
	case CmdGetRelayStats:
		return "GET_RELAY_STATS"
	case CmdSetEnable:
		return "SET_ENABLE"
	case CmdResetRelayStats:
		return "RESET_RELAY_STATS"
	case CmdTestTrigger:
		return "TEST_TRIGGER"
	case CmdEmergencyStop:
		return "EMERGENCY_STOP"

	// Events (0x10-0x1F)
	case EvtBoot:
		return "BOOT"
	case EvtDistance:
		return "DISTANCE"
	case EvtRelay:
		return "RELAY"
	case EvtSnapshot:
		return "SNAPSHOT"
	case EvtStatus:
		return "STATUS"
	case EvtRelayStats:
		return "RELAY_STATS"

	default:
		return "UNKNOWN"
	}
}

// FormatResult returns the human-readable name for an ACK result code
func FormatResult(code uint8) string {
	switch code {
	case ResultOK:
		return "OK"
	case ResultBadLength:
		return "BAD_LEN"
	case ResultBadValue:
		return "BAD_VALUE"
	case ResultBadSide:
		return "BAD_SIDE"
	case ResultCRCError:
		return "CRC_ERR"
	default:
		return fmt.Sprintf("ERR_%d", code)
	}
}

// FormatPayload formats a frame payload based on its type
func FormatPayload(msgType uint8, payload []byte) string {
	if IsAck(msgType) {
		if len(payload) < 1 {
			return "  Result: (missing)\n"
		}
		return fmt.Sprintf("  Result: %s (%d)\n", FormatResult(payload[0]), payload[0])
	}

	switch msgType {
	case CmdPing, CmdGetStatus, CmdGetRelayStats, CmdResetRelayStats, CmdEmergencyStop, EvtBoot:
		if len(payload) == 0 {
			return "  (no payload)\n"
		}

	case CmdSetConfig:
		if c, err := DecodeConfig(payload); err == nil {
			return FormatConfig(c)
		}

	case CmdSetEnable:
		if len(payload) >= 2 {
			return fmt.Sprintf("  Side: %s, Enabled: %v\n", Side(payload[0]), payload[1] == 1)
		}

	case CmdTestTrigger:
		if len(payload) >= 1 {
			return fmt.Sprintf("  Side: %s\n", Side(payload[0]))
		}

	case EvtDistance:
		if d, err := DecodeDistance(payload); err == nil {
			return fmt.Sprintf("  Side: %s, Distance: %d cm\n", d.Side, d.Cm)
		}

	case EvtRelay:
		if r, err := DecodeRelay(payload); err == nil {
			return fmt.Sprintf("  Side: %s, Relay: %s\n", r.Side, onOff(r.Active))
		}

	case EvtSnapshot:
		if s, err := DecodeSnapshot(payload); err == nil {
			return formatSideState(s.SideState) + FormatConfig(s.Config)
		}

	case EvtStatus:
		if s, err := DecodeStatus(payload); err == nil {
			result := fmt.Sprintf("  Distance: L=%d cm, R=%d cm\n", s.DistanceLeftCm, s.DistanceRightCm)
			return result + formatSideState(s.SideState) + FormatConfig(s.Config)
		}

	case EvtRelayStats:
		if s, err := DecodeRelayStats(payload); err == nil {
			return fmt.Sprintf("  Left: %s active, %d activations\n  Right: %s active, %d activations\n",
				FormatDuration(uint64(s.Left.TimeMs)), s.Left.Activations,
				FormatDuration(uint64(s.Right.TimeMs)), s.Right.Activations)
		}
	}

	return formatHexDump(payload)
}

// FormatConfig formats a relay configuration, one field per line
func FormatConfig(c Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  Mode: %s (%d)\n", FormatMode(c.Mode), c.Mode)
	fmt.Fprintf(&b, "  Threshold: %d cm, Hysteresis: %d cm\n", c.ThresholdCm, c.HysteresisCm)
	fmt.Fprintf(&b, "  Entry delay: %d ms, Exit delay: %d ms\n", c.EntryDelayDistMs, c.ExitDelayDistMs)
	fmt.Fprintf(&b, "  Timed entry delay: %d ms, Active time: %d ms\n", c.EntryDelayTimedMs, c.ActiveTimeMode1Ms)
	return b.String()
}

// FormatMode returns the human-readable name of a relay mode
func FormatMode(m Mode) string {
	switch m {
	case ModeDistance:
		return "DISTANCE"
	case ModeTimed:
		return "TIMED"
	default:
		return "UNKNOWN"
	}
}

func formatSideState(s SideState) string {
	return fmt.Sprintf("  Relay: L=%s R=%s, Enabled: L=%v R=%v\n",
		onOff(s.RelayLeft), onOff(s.RelayRight), s.EnabledLeft, s.EnabledRight)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func formatHexDump(payload []byte) string {
	if len(payload) == 0 {
		return "  (no payload)\n"
	}
	result := "  Payload: "
	for i, b := range payload {
		if i > 0 && i%16 == 0 {
			result += "\n           "
		}
		result += fmt.Sprintf("%02X ", b)
	}
	return result + "\n"
}

// FormatDuration converts milliseconds to human-readable duration
func FormatDuration(ms uint64) string {
	seconds := ms / 1000
	if seconds == 0 {
		return fmt.Sprintf("%d ms", ms)
	}

	const (
		secondsPerMinute = 60
		secondsPerHour   = 60 * secondsPerMinute
		secondsPerDay    = 24 * secondsPerHour
	)

	days := seconds / secondsPerDay
	seconds %= secondsPerDay

	hours := seconds / secondsPerHour
	seconds %= secondsPerHour

	minutes := seconds / secondsPerMinute
	seconds %= secondsPerMinute

	parts := []string{}
	parts = appendUnit(parts, days, "day")
	parts = appendUnit(parts, hours, "hour")
	parts = appendUnit(parts, minutes, "minute")
	parts = appendUnit(parts, seconds, "second")

	// len(parts) >= 1 since ms >= 1000 here
	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		last := parts[len(parts)-1]
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + last
	}
}

func appendUnit(parts []string, n uint64, unit string) []string {
	switch {
	case n == 0:
		return parts
	case n == 1:
		return append(parts, "1 "+unit)
	default:
		return append(parts, fmt.Sprintf("%d %ss", n, unit))
	}
}
