// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package prefs loads and saves sonarctl's TOML files: the user preferences
// and standalone relay configuration files.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/sonarctl/pkg/session"
)

// Prefs are host-side settings that survive restarts. None of them are sent
// to the controller.
type Prefs struct {
	LastDevice        string
	AutoReconnect     bool
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration

	LitersPerMin   float64
	NumApplicators int
	GramsPerSec    float64
}

// Default returns the preferences used when no file exists.
func Default() Prefs {
	opts := session.DefaultOptions()
	st := session.DefaultState()
	return Prefs{
		AutoReconnect:     true,
		HeartbeatInterval: opts.HeartbeatInterval,
		AckTimeout:        opts.AckTimeout,
		LitersPerMin:      st.LitersPerMin,
		NumApplicators:    st.NumApplicators,
		GramsPerSec:       st.GramsPerSec,
	}
}

type fileConfig struct {
	LastDevice        string      `toml:"last_device"`
	AutoReconnect     bool        `toml:"auto_reconnect"`
	HeartbeatInterval string      `toml:"heartbeat_interval"`
	AckTimeoutMS      int64       `toml:"ack_timeout_ms"`
	Dosing            dosingTable `toml:"dosing"`
}

type dosingTable struct {
	LitersPerMin   float64 `toml:"liters_per_min"`
	NumApplicators int     `toml:"applicators"`
	GramsPerSec    float64 `toml:"grams_per_sec"`
}

// DefaultPath returns $XDG_CONFIG_HOME/sonarctl/prefs.toml or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sonarctl.toml"
	}
	return filepath.Join(dir, "sonarctl", "prefs.toml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Prefs, error) {
	p := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("load prefs: %w", err)
	}

	if meta.IsDefined("last_device") {
		p.LastDevice = strings.TrimSpace(raw.LastDevice)
	}
	if meta.IsDefined("auto_reconnect") {
		p.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return Prefs{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		if d <= 0 {
			return Prefs{}, fmt.Errorf("heartbeat_interval must be positive, got %s", d)
		}
		p.HeartbeatInterval = d
	}
	if meta.IsDefined("ack_timeout_ms") {
		if raw.AckTimeoutMS <= 0 {
			return Prefs{}, fmt.Errorf("ack_timeout_ms must be positive, got %d", raw.AckTimeoutMS)
		}
		p.AckTimeout = time.Duration(raw.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("dosing", "liters_per_min") {
		p.LitersPerMin = raw.Dosing.LitersPerMin
	}
	if meta.IsDefined("dosing", "applicators") {
		p.NumApplicators = raw.Dosing.NumApplicators
	}
	if meta.IsDefined("dosing", "grams_per_sec") {
		p.GramsPerSec = raw.Dosing.GramsPerSec
	}

	return p, nil
}

// Save writes p to path, creating the directory if needed.
func Save(path string, p Prefs) error {
	raw := fileConfig{
		LastDevice:        p.LastDevice,
		AutoReconnect:     p.AutoReconnect,
		HeartbeatInterval: p.HeartbeatInterval.String(),
		AckTimeoutMS:      p.AckTimeout.Milliseconds(),
		Dosing: dosingTable{
			LitersPerMin:   p.LitersPerMin,
			NumApplicators: p.NumApplicators,
			GramsPerSec:    p.GramsPerSec,
		},
	}
	return writeTOML(path, raw)
}

// Apply copies the session related preferences into opts.
func (p Prefs) Apply(opts session.Options) session.Options {
	opts.AutoReconnect = p.AutoReconnect
	if p.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = p.HeartbeatInterval
	}
	if p.AckTimeout > 0 {
		opts.AckTimeout = p.AckTimeout
	}
	return opts
}

// ApplyDosing pushes the app-only dosing fields into a client.
func (p Prefs) ApplyDosing(c *session.Client) {
	c.SetLitersPerMin(p.LitersPerMin)
	c.SetNumApplicators(p.NumApplicators)
	c.SetGramsPerSec(p.GramsPerSec)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
