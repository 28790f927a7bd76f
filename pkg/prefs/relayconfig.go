// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package prefs

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

type relayFile struct {
	Mode              string `toml:"mode"`
	ThresholdCm       int    `toml:"threshold_cm"`
	HysteresisCm      int    `toml:"hysteresis_cm"`
	EntryDelayDistMs  int    `toml:"entry_delay_dist_ms"`
	ExitDelayDistMs   int    `toml:"exit_delay_dist_ms"`
	EntryDelayTimedMs int    `toml:"entry_delay_timed_ms"`
	ActiveTimeMode1Ms int    `toml:"active_time_mode1_ms"`
}

// LoadRelayConfig reads a relay configuration file. Keys missing from the
// file keep the values of base. The result is validated.
func LoadRelayConfig(path string, base sonar.Config) (sonar.Config, error) {
	var raw relayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return sonar.Config{}, fmt.Errorf("load relay config: %w", err)
	}

	cfg := base
	if meta.IsDefined("mode") {
		m, err := ParseMode(raw.Mode)
		if err != nil {
			return sonar.Config{}, err
		}
		cfg.Mode = m
	}
	if meta.IsDefined("threshold_cm") {
		cfg.ThresholdCm = raw.ThresholdCm
	}
	if meta.IsDefined("hysteresis_cm") {
		cfg.HysteresisCm = raw.HysteresisCm
	}
	if meta.IsDefined("entry_delay_dist_ms") {
		cfg.EntryDelayDistMs = raw.EntryDelayDistMs
	}
	if meta.IsDefined("exit_delay_dist_ms") {
		cfg.ExitDelayDistMs = raw.ExitDelayDistMs
	}
	if meta.IsDefined("entry_delay_timed_ms") {
		cfg.EntryDelayTimedMs = raw.EntryDelayTimedMs
	}
	if meta.IsDefined("active_time_mode1_ms") {
		cfg.ActiveTimeMode1Ms = raw.ActiveTimeMode1Ms
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return sonar.Config{}, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := sonar.ValidateConfig(cfg); err != nil {
		return sonar.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveRelayConfig writes cfg in the format LoadRelayConfig reads.
func SaveRelayConfig(path string, cfg sonar.Config) error {
	return writeTOML(path, relayFile{
		Mode:              FormatMode(cfg.Mode),
		ThresholdCm:       cfg.ThresholdCm,
		HysteresisCm:      cfg.HysteresisCm,
		EntryDelayDistMs:  cfg.EntryDelayDistMs,
		ExitDelayDistMs:   cfg.ExitDelayDistMs,
		EntryDelayTimedMs: cfg.EntryDelayTimedMs,
		ActiveTimeMode1Ms: cfg.ActiveTimeMode1Ms,
	})
}

// ParseMode accepts "distance"/"0" and "timed"/"1".
func ParseMode(s string) (sonar.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "distance", "0":
		return sonar.ModeDistance, nil
	case "timed", "1":
		return sonar.ModeTimed, nil
	}
	return 0, fmt.Errorf("mode %q: %w", s, sonar.ErrBadValue)
}

// FormatMode is the inverse of ParseMode.
func FormatMode(m sonar.Mode) string {
	if m == sonar.ModeTimed {
		return "timed"
	}
	return "distance"
}
