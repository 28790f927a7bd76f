// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"testing"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// ============================================================
// config set arguments
// ============================================================

func TestSetConfigField(t *testing.T) {
	tests := []struct {
		arg   string
		check func(sonar.Config) bool
	}{
		{"threshold=45", func(c sonar.Config) bool { return c.ThresholdCm == 45 }},
		{"THRESHOLD_CM = 60", func(c sonar.Config) bool { return c.ThresholdCm == 60 }},
		{"hysteresis=5", func(c sonar.Config) bool { return c.HysteresisCm == 5 }},
		{"entry_delay=100", func(c sonar.Config) bool { return c.EntryDelayDistMs == 100 }},
		{"exit_delay_dist_ms=250", func(c sonar.Config) bool { return c.ExitDelayDistMs == 250 }},
		{"timed_entry_delay=10", func(c sonar.Config) bool { return c.EntryDelayTimedMs == 10 }},
		{"active_time=1500", func(c sonar.Config) bool { return c.ActiveTimeMode1Ms == 1500 }},
		{"mode=timed", func(c sonar.Config) bool { return c.Mode == sonar.ModeTimed }},
		{"mode=0", func(c sonar.Config) bool { return c.Mode == sonar.ModeDistance }},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			cfg := sonar.DefaultConfig()
			if err := setConfigField(&cfg, tt.arg); err != nil {
				t.Fatalf("setConfigField(%q) error: %v", tt.arg, err)
			}
			if !tt.check(cfg) {
				t.Errorf("setConfigField(%q) produced %+v", tt.arg, cfg)
			}
		})
	}
}

func TestSetConfigField_Errors(t *testing.T) {
	for _, arg := range []string{"threshold", "threshold=abc", "speed=3", "mode=fast"} {
		cfg := sonar.DefaultConfig()
		before := cfg
		if err := setConfigField(&cfg, arg); err == nil {
			t.Errorf("setConfigField(%q) expected error", arg)
		}
		if cfg != before {
			t.Errorf("setConfigField(%q) modified config on error", arg)
		}
	}
}

// Range checks belong to ApplyConfigOnce, not the parser.
func TestSetConfigField_OutOfRangePasses(t *testing.T) {
	cfg := sonar.DefaultConfig()
	if err := setConfigField(&cfg, "threshold=1000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ThresholdCm != 1000 {
		t.Errorf("ThresholdCm = %d, want 1000", cfg.ThresholdCm)
	}
}

// ============================================================
// side and on/off arguments
// ============================================================

func TestParseSideArg(t *testing.T) {
	for _, s := range []string{"L", "left", "Left"} {
		side, err := parseSideArg(s)
		if err != nil || side != sonar.SideLeft {
			t.Errorf("parseSideArg(%q) = %v, %v", s, side, err)
		}
	}
	if side, err := parseSideArg("r"); err != nil || side != sonar.SideRight {
		t.Errorf("parseSideArg(r) = %v, %v", side, err)
	}
	if _, err := parseSideArg("middle"); !errors.Is(err, sonar.ErrBadSide) {
		t.Errorf("parseSideArg(middle) error = %v, want ErrBadSide", err)
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in   string
		want bool
		ok   bool
	}{
		{"on", true, true},
		{"ON", true, true},
		{"enable", true, true},
		{"1", true, true},
		{"off", false, true},
		{"false", false, true},
		{"disable", false, true},
		{"maybe", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		got, err := parseOnOff(tt.in)
		if tt.ok && err != nil {
			t.Errorf("parseOnOff(%q) error: %v", tt.in, err)
			continue
		}
		if !tt.ok && err == nil {
			t.Errorf("parseOnOff(%q) expected error", tt.in)
			continue
		}
		if got != tt.want {
			t.Errorf("parseOnOff(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
