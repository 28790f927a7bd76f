// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyInvalidSide
	AnomalyInvalidValue
	AnomalyOutOfRange
	AnomalyUnknownType
)

// Sensor reading beyond which a distance is treated as anomalous. The
// HC-SR04 class sensors the controller uses top out around 4 m.
const maxPlausibleDistanceCm = 600

// ValidationError represents a frame or config validation failure
type ValidationError struct {
	Type    AnomalyType
	Field   string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// Unwrap lets callers match config range failures with errors.Is(err, ErrBadValue).
func (v *ValidationError) Unwrap() error {
	if v.Type == AnomalyOutOfRange || v.Type == AnomalyInvalidValue {
		return ErrBadValue
	}
	return nil
}

func outOfRange(field string, value, min, max int) *ValidationError {
	return &ValidationError{
		Type:    AnomalyOutOfRange,
		Field:   field,
		Message: fmt.Sprintf("%s=%d out of range [%d, %d]", field, value, min, max),
		Details: map[string]interface{}{"value": value, "min": min, "max": max},
	}
}

// ValidateConfig checks every field against the ranges the controller accepts.
// It returns the first violation; the error matches ErrBadValue.
func ValidateConfig(c Config) error {
	if c.Mode != ModeDistance && c.Mode != ModeTimed {
		return &ValidationError{
			Type:    AnomalyInvalidValue,
			Field:   "mode",
			Message: fmt.Sprintf("mode=%d invalid (0 or 1)", c.Mode),
			Details: map[string]interface{}{"value": int(c.Mode)},
		}
	}
	checks := []struct {
		field    string
		value    int
		min, max int
	}{
		{"threshold_cm", c.ThresholdCm, MinThresholdCm, MaxThresholdCm},
		{"hysteresis_cm", c.HysteresisCm, MinHysteresisCm, MaxHysteresisCm},
		{"entry_delay_dist_ms", c.EntryDelayDistMs, 0, MaxDelayMs},
		{"exit_delay_dist_ms", c.ExitDelayDistMs, 0, MaxDelayMs},
		{"entry_delay_timed_ms", c.EntryDelayTimedMs, 0, MaxDelayMs},
		{"active_time_mode1_ms", c.ActiveTimeMode1Ms, 0, MaxActiveTimeMs},
	}
	for _, chk := range checks {
		if chk.value < chk.min || chk.value > chk.max {
			return outOfRange(chk.field, chk.value, chk.min, chk.max)
		}
	}
	return nil
}

// Clamp limits v to [min, max].
func Clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ValidateFrame inspects a decoded frame and reports payload anomalies.
// Returns a slice of validation errors (empty if the frame looks sane).
func ValidateFrame(f *Frame) []ValidationError {
	errors := []ValidationError{}

	if f.IsAck() {
		if len(f.Payload) < 1 {
			errors = append(errors, lengthMismatch("ACK", len(f.Payload), 1))
		}
		return errors
	}

	switch f.Type {
	case EvtBoot:
	case EvtDistance:
		d, err := DecodeDistance(f.Payload)
		if err != nil {
			return append(errors, lengthMismatch("DISTANCE", len(f.Payload), DistancePayloadSize))
		}
		if !d.Side.Valid() {
			errors = append(errors, invalidSide("DISTANCE", f.Payload[0]))
		}
		if d.Cm > maxPlausibleDistanceCm {
			errors = append(errors, ValidationError{
				Type:    AnomalyOutOfRange,
				Field:   "distance_cm",
				Message: fmt.Sprintf("Implausible distance %d cm (max %d)", d.Cm, maxPlausibleDistanceCm),
				Details: map[string]interface{}{"value": d.Cm, "max": maxPlausibleDistanceCm},
			})
		}
	case EvtRelay:
		if len(f.Payload) < RelayPayloadSize {
			return append(errors, lengthMismatch("RELAY", len(f.Payload), RelayPayloadSize))
		}
		if !Side(f.Payload[0]).Valid() {
			errors = append(errors, invalidSide("RELAY", f.Payload[0]))
		}
		if f.Payload[1] > 1 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Field:   "relay_state",
				Message: fmt.Sprintf("Invalid relay state %d", f.Payload[1]),
				Details: map[string]interface{}{"value": f.Payload[1]},
			})
		}
	case EvtSnapshot:
		s, err := DecodeSnapshot(f.Payload)
		if err != nil {
			return append(errors, lengthMismatch("SNAPSHOT", len(f.Payload), SnapshotPayloadSize))
		}
		errors = appendConfigAnomaly(errors, s.Config)
	case EvtStatus:
		s, err := DecodeStatus(f.Payload)
		if err != nil {
			return append(errors, lengthMismatch("STATUS", len(f.Payload), StatusPayloadSize))
		}
		errors = appendConfigAnomaly(errors, s.Config)
	case EvtRelayStats:
		if len(f.Payload) < RelayStatsPayloadSize {
			return append(errors, lengthMismatch("RELAY_STATS", len(f.Payload), RelayStatsPayloadSize))
		}
	case CmdPing, CmdGetStatus, CmdGetRelayStats, CmdResetRelayStats, CmdEmergencyStop:
	case CmdSetConfig:
		c, err := DecodeConfig(f.Payload)
		if err != nil {
			return append(errors, lengthMismatch("SET_CONFIG", len(f.Payload), ConfigPayloadSize))
		}
		errors = appendConfigAnomaly(errors, c)
	case CmdSetEnable, CmdTestTrigger:
		if len(f.Payload) < 1 {
			return append(errors, lengthMismatch(FormatMessageType(f.Type), len(f.Payload), 1))
		}
		if !Side(f.Payload[0]).Valid() {
			errors = append(errors, invalidSide(FormatMessageType(f.Type), f.Payload[0]))
		}
	default:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Field:   "type",
			Message: fmt.Sprintf("Unknown frame type 0x%02X", f.Type),
			Details: map[string]interface{}{"type": f.Type},
		})
	}

	return errors
}

func appendConfigAnomaly(errors []ValidationError, c Config) []ValidationError {
	if err := ValidateConfig(c); err != nil {
		if v, ok := err.(*ValidationError); ok {
			errors = append(errors, *v)
		}
	}
	return errors
}

func lengthMismatch(name string, got, want int) ValidationError {
	return ValidationError{
		Type:    AnomalyLengthMismatch,
		Field:   "length",
		Message: fmt.Sprintf("%s payload too short (expected %d bytes)", name, want),
		Details: map[string]interface{}{"received": got, "expected": want},
	}
}

func invalidSide(name string, b byte) ValidationError {
	return ValidationError{
		Type:    AnomalyInvalidSide,
		Field:   "side",
		Message: fmt.Sprintf("%s has invalid side byte 0x%02X", name, b),
		Details: map[string]interface{}{"side": b},
	}
}
