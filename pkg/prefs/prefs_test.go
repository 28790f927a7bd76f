// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package prefs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if p != Default() {
		t.Errorf("got %+v, want defaults", p)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	path := writeFile(t, "prefs.toml", `
last_device = " 98:D3:31:F5:12:7A "
auto_reconnect = false
heartbeat_interval = "5s"

[dosing]
liters_per_min = 12.5
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.LastDevice != "98:D3:31:F5:12:7A" {
		t.Errorf("LastDevice = %q", p.LastDevice)
	}
	if p.AutoReconnect {
		t.Error("AutoReconnect should be false")
	}
	if p.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", p.HeartbeatInterval)
	}
	if p.LitersPerMin != 12.5 {
		t.Errorf("LitersPerMin = %v", p.LitersPerMin)
	}
	// Untouched keys keep their defaults
	if p.NumApplicators != 1 || p.GramsPerSec != 100 || p.AckTimeout != 3*time.Second {
		t.Errorf("defaults lost: %+v", p)
	}
}

func TestLoad_BadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", `heartbeat_interval = "soon"`},
		{"negative duration", `heartbeat_interval = "-1s"`},
		{"zero ack timeout", `ack_timeout_ms = 0`},
		{"not toml", `last_device = `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "prefs.toml", tt.content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.toml")
	want := Prefs{
		LastDevice:        "/dev/rfcomm0",
		AutoReconnect:     true,
		HeartbeatInterval: 20 * time.Second,
		AckTimeout:        1500 * time.Millisecond,
		LitersPerMin:      3.5,
		NumApplicators:    4,
		GramsPerSec:       80,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestApply(t *testing.T) {
	p := Default()
	p.AutoReconnect = true
	p.HeartbeatInterval = 7 * time.Second

	opts := p.Apply(session.DefaultOptions())
	if !opts.AutoReconnect || opts.HeartbeatInterval != 7*time.Second {
		t.Errorf("options = %+v", opts)
	}
}

func TestLoadRelayConfig(t *testing.T) {
	path := writeFile(t, "relay.toml", `
mode = "timed"
threshold_cm = 45
active_time_mode1_ms = 2500
`)

	cfg, err := LoadRelayConfig(path, sonar.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadRelayConfig failed: %v", err)
	}
	want := sonar.DefaultConfig()
	want.Mode = sonar.ModeTimed
	want.ThresholdCm = 45
	want.ActiveTimeMode1Ms = 2500
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestLoadRelayConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		bad     bool
	}{
		{"out of range", `threshold_cm = 400`, true},
		{"bad mode", `mode = "pulse"`, true},
		{"unknown key", `thresold_cm = 40`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRelayConfig(writeFile(t, "relay.toml", tt.content), sonar.DefaultConfig())
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.bad && !errors.Is(err, sonar.ErrBadValue) {
				t.Errorf("expected ErrBadValue, got %v", err)
			}
		})
	}
}

func TestSaveRelayConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	want := sonar.Config{
		Mode:              sonar.ModeTimed,
		ThresholdCm:       120,
		HysteresisCm:      15,
		EntryDelayDistMs:  250,
		ExitDelayDistMs:   750,
		EntryDelayTimedMs: 100,
		ActiveTimeMode1Ms: 4000,
	}
	if err := SaveRelayConfig(path, want); err != nil {
		t.Fatalf("SaveRelayConfig failed: %v", err)
	}
	got, err := LoadRelayConfig(path, sonar.Config{})
	if err != nil {
		t.Fatalf("LoadRelayConfig failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
