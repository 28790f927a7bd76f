// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"errors"
	"testing"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"mode 2", func(c *Config) { c.Mode = 2 }, "mode"},
		{"threshold low", func(c *Config) { c.ThresholdCm = 4 }, "threshold_cm"},
		{"threshold high", func(c *Config) { c.ThresholdCm = 301 }, "threshold_cm"},
		{"threshold edge", func(c *Config) { c.ThresholdCm = 300 }, ""},
		{"hysteresis negative", func(c *Config) { c.HysteresisCm = -1 }, "hysteresis_cm"},
		{"hysteresis high", func(c *Config) { c.HysteresisCm = 101 }, "hysteresis_cm"},
		{"entry delay", func(c *Config) { c.EntryDelayDistMs = 60001 }, "entry_delay_dist_ms"},
		{"exit delay", func(c *Config) { c.ExitDelayDistMs = -5 }, "exit_delay_dist_ms"},
		{"timed delay", func(c *Config) { c.EntryDelayTimedMs = 70000 }, "entry_delay_timed_ms"},
		{"active time", func(c *Config) { c.ActiveTimeMode1Ms = 600001 }, "active_time_mode1_ms"},
		{"active time edge", func(c *Config) { c.ActiveTimeMode1Ms = 600000 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := ValidateConfig(c)

			if tt.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			if !errors.Is(err, ErrBadValue) {
				t.Fatalf("expected ErrBadValue, got %v", err)
			}
			var v *ValidationError
			if !errors.As(err, &v) || v.Field != tt.field {
				t.Errorf("field = %v, want %s", v, tt.field)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	if Clamp(301, MinThresholdCm, MaxThresholdCm) != 300 {
		t.Error("301 should clamp to 300")
	}
	if Clamp(-1, MinHysteresisCm, MaxHysteresisCm) != 0 {
		t.Error("-1 should clamp to 0")
	}
	if Clamp(50, 0, 100) != 50 {
		t.Error("in-range value must not change")
	}
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		anomaly AnomalyType
		count   int
	}{
		{"valid distance", &Frame{Type: EvtDistance, Payload: EncodeDistance(Distance{Side: SideLeft, Cm: 40})}, 0, 0},
		{"short distance", &Frame{Type: EvtDistance, Payload: []byte{'L'}}, AnomalyLengthMismatch, 1},
		{"bad side", &Frame{Type: EvtRelay, Payload: []byte{'X', 1, 0}}, AnomalyInvalidSide, 1},
		{"far distance", &Frame{Type: EvtDistance, Payload: EncodeDistance(Distance{Side: SideRight, Cm: 4000})}, AnomalyOutOfRange, 1},
		{"bad snapshot config", &Frame{Type: EvtSnapshot, Payload: EncodeSnapshot(Snapshot{Config: Config{ThresholdCm: 1}})}, AnomalyOutOfRange, 1},
		{"ack without result", &Frame{Type: AckType(CmdPing)}, AnomalyLengthMismatch, 1},
		{"unknown type", &Frame{Type: 0x55}, AnomalyUnknownType, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateFrame(tt.frame)
			if len(errs) != tt.count {
				t.Fatalf("got %d errors (%v), want %d", len(errs), errs, tt.count)
			}
			if tt.count > 0 && errs[0].Type != tt.anomaly {
				t.Errorf("anomaly = %d, want %d", errs[0].Type, tt.anomaly)
			}
		})
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	s.Update(&Frame{Type: EvtBoot}, nil, nil)
	s.Update(&Frame{Type: AckType(CmdPing), Payload: []byte{0}}, nil, nil)
	s.Update(nil, ErrCRCMismatch, nil)
	s.Update(nil, ErrBadVersion, nil)
	s.Update(&Frame{Type: EvtRelay}, nil, []ValidationError{{Type: AnomalyLengthMismatch}})

	if s.TotalFrames != 5 || s.ValidFrames != 2 || s.CRCErrors != 1 || s.DecodeErrors != 1 || s.MalformedFrames != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.AckFrames != 1 || s.EventFrames != 2 {
		t.Errorf("ack/event split = %d/%d, want 1/2", s.AckFrames, s.EventFrames)
	}

	s.Reset()
	if s.TotalFrames != 0 {
		t.Error("Reset should zero counters")
	}
}

func TestFormatMessageType(t *testing.T) {
	if FormatMessageType(EvtStatus) != "STATUS" {
		t.Errorf("got %s", FormatMessageType(EvtStatus))
	}
	if FormatMessageType(AckType(CmdSetConfig)) != "ACK_SET_CONFIG" {
		t.Errorf("got %s", FormatMessageType(AckType(CmdSetConfig)))
	}
	if FormatDuration(61000) != "1 minute and 1 second" {
		t.Errorf("FormatDuration(61000) = %q", FormatDuration(61000))
	}
}
