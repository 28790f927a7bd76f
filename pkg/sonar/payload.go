// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"encoding/binary"
	"fmt"
)

// Payload sizes
const (
	ConfigPayloadSize     = 15
	SnapshotPayloadSize   = 19
	StatusPayloadSize     = 23
	DistancePayloadSize   = 3
	RelayPayloadSize      = 3
	RelayStatsPayloadSize = 16
)

// Configuration ranges accepted by the controller
const (
	MinThresholdCm    = 5
	MaxThresholdCm    = 300
	MinHysteresisCm   = 0
	MaxHysteresisCm   = 100
	MaxDelayMs        = 60000
	MaxActiveTimeMs   = 600000
	DefaultThreshold  = 30
	DefaultDelayMs    = 300
	DefaultActiveTime = 2000
)

// Config is the controller configuration carried by SET_CONFIG and reported
// by SNAPSHOT and STATUS events.
type Config struct {
	Mode              Mode
	ThresholdCm       int
	HysteresisCm      int
	EntryDelayDistMs  int
	ExitDelayDistMs   int
	EntryDelayTimedMs int
	ActiveTimeMode1Ms int
}

// DefaultConfig returns the configuration a freshly booted controller uses.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeDistance,
		ThresholdCm:       DefaultThreshold,
		HysteresisCm:      0,
		EntryDelayDistMs:  DefaultDelayMs,
		ExitDelayDistMs:   DefaultDelayMs,
		EntryDelayTimedMs: 0,
		ActiveTimeMode1Ms: DefaultActiveTime,
	}
}

// SideState is the per-side block shared by SNAPSHOT and STATUS events.
type SideState struct {
	RelayLeft    bool
	RelayRight   bool
	EnabledLeft  bool
	EnabledRight bool
}

// Snapshot is the decoded payload of a SNAPSHOT event.
type Snapshot struct {
	SideState
	Config Config
}

// Status is the decoded payload of a STATUS event: a snapshot plus both
// distances.
type Status struct {
	DistanceLeftCm  int
	DistanceRightCm int
	Snapshot
}

// Distance is the decoded payload of a DISTANCE event.
type Distance struct {
	Side Side
	Cm   int
}

// Relay is the decoded payload of a RELAY event.
type Relay struct {
	Side   Side
	Active bool
}

// SideStats holds cumulative relay usage for one side.
type SideStats struct {
	TimeMs      uint32
	Activations uint32
}

// RelayStats is the decoded payload of a RELAY_STATS event.
type RelayStats struct {
	Left  SideStats
	Right SideStats
}

// EncodeConfig builds the 15-byte SET_CONFIG payload. The config is not
// validated here; see ValidateConfig.
func EncodeConfig(c Config) []byte {
	pl := make([]byte, ConfigPayloadSize)
	pl[0] = uint8(c.Mode)
	binary.LittleEndian.PutUint16(pl[1:3], uint16(c.ThresholdCm))
	binary.LittleEndian.PutUint16(pl[3:5], uint16(c.HysteresisCm))
	binary.LittleEndian.PutUint16(pl[5:7], uint16(c.EntryDelayDistMs))
	binary.LittleEndian.PutUint16(pl[7:9], uint16(c.ExitDelayDistMs))
	binary.LittleEndian.PutUint16(pl[9:11], uint16(c.EntryDelayTimedMs))
	binary.LittleEndian.PutUint32(pl[11:15], uint32(c.ActiveTimeMode1Ms))
	return pl
}

// DecodeConfig parses a SET_CONFIG payload.
func DecodeConfig(p []byte) (Config, error) {
	if len(p) < ConfigPayloadSize {
		return Config{}, fmt.Errorf("config payload %d bytes (need %d): %w", len(p), ConfigPayloadSize, ErrBadPayload)
	}
	return Config{
		Mode:              Mode(p[0]),
		ThresholdCm:       int(binary.LittleEndian.Uint16(p[1:3])),
		HysteresisCm:      int(binary.LittleEndian.Uint16(p[3:5])),
		EntryDelayDistMs:  int(binary.LittleEndian.Uint16(p[5:7])),
		ExitDelayDistMs:   int(binary.LittleEndian.Uint16(p[7:9])),
		EntryDelayTimedMs: int(binary.LittleEndian.Uint16(p[9:11])),
		ActiveTimeMode1Ms: int(binary.LittleEndian.Uint32(p[11:15])),
	}, nil
}

// decodeSnapshotBlock parses the 19-byte relay/enable/config block.
// Any nonzero mode other than 1 is reported as ModeDistance.
func decodeSnapshotBlock(p []byte) Snapshot {
	mode := ModeDistance
	if p[4] == 1 {
		mode = ModeTimed
	}
	return Snapshot{
		SideState: SideState{
			RelayLeft:    p[0] == 1,
			RelayRight:   p[1] == 1,
			EnabledLeft:  p[2] == 1,
			EnabledRight: p[3] == 1,
		},
		Config: Config{
			Mode:              mode,
			ThresholdCm:       int(binary.LittleEndian.Uint16(p[5:7])),
			HysteresisCm:      int(binary.LittleEndian.Uint16(p[7:9])),
			EntryDelayDistMs:  int(binary.LittleEndian.Uint16(p[9:11])),
			ExitDelayDistMs:   int(binary.LittleEndian.Uint16(p[11:13])),
			EntryDelayTimedMs: int(binary.LittleEndian.Uint16(p[13:15])),
			ActiveTimeMode1Ms: int(binary.LittleEndian.Uint32(p[15:19])),
		},
	}
}

func encodeSnapshotBlock(dst []byte, s Snapshot) {
	dst[0] = boolByte(s.RelayLeft)
	dst[1] = boolByte(s.RelayRight)
	dst[2] = boolByte(s.EnabledLeft)
	dst[3] = boolByte(s.EnabledRight)
	copy(dst[4:], EncodeConfig(s.Config))
}

// DecodeSnapshot parses a SNAPSHOT event payload.
func DecodeSnapshot(p []byte) (Snapshot, error) {
	if len(p) < SnapshotPayloadSize {
		return Snapshot{}, fmt.Errorf("snapshot payload %d bytes (need %d): %w", len(p), SnapshotPayloadSize, ErrBadPayload)
	}
	return decodeSnapshotBlock(p), nil
}

// EncodeSnapshot builds a SNAPSHOT event payload.
func EncodeSnapshot(s Snapshot) []byte {
	pl := make([]byte, SnapshotPayloadSize)
	encodeSnapshotBlock(pl, s)
	return pl
}

// DecodeStatus parses a STATUS event payload.
func DecodeStatus(p []byte) (Status, error) {
	if len(p) < StatusPayloadSize {
		return Status{}, fmt.Errorf("status payload %d bytes (need %d): %w", len(p), StatusPayloadSize, ErrBadPayload)
	}
	return Status{
		DistanceLeftCm:  int(binary.LittleEndian.Uint16(p[0:2])),
		DistanceRightCm: int(binary.LittleEndian.Uint16(p[2:4])),
		Snapshot:        decodeSnapshotBlock(p[4:]),
	}, nil
}

// EncodeStatus builds a STATUS event payload.
func EncodeStatus(s Status) []byte {
	pl := make([]byte, StatusPayloadSize)
	binary.LittleEndian.PutUint16(pl[0:2], uint16(s.DistanceLeftCm))
	binary.LittleEndian.PutUint16(pl[2:4], uint16(s.DistanceRightCm))
	encodeSnapshotBlock(pl[4:], s.Snapshot)
	return pl
}

// DecodeDistance parses a DISTANCE event payload: side, u16 cm.
func DecodeDistance(p []byte) (Distance, error) {
	if len(p) < DistancePayloadSize {
		return Distance{}, fmt.Errorf("distance payload %d bytes: %w", len(p), ErrBadPayload)
	}
	return Distance{
		Side: Side(p[0]),
		Cm:   int(binary.LittleEndian.Uint16(p[1:3])),
	}, nil
}

// EncodeDistance builds a DISTANCE event payload.
func EncodeDistance(d Distance) []byte {
	pl := make([]byte, DistancePayloadSize)
	pl[0] = byte(d.Side)
	binary.LittleEndian.PutUint16(pl[1:3], uint16(d.Cm))
	return pl
}

// DecodeRelay parses a RELAY event payload: side, u8 state, reserved byte.
func DecodeRelay(p []byte) (Relay, error) {
	if len(p) < RelayPayloadSize {
		return Relay{}, fmt.Errorf("relay payload %d bytes: %w", len(p), ErrBadPayload)
	}
	return Relay{Side: Side(p[0]), Active: p[1] == 1}, nil
}

// EncodeRelay builds a RELAY event payload.
func EncodeRelay(r Relay) []byte {
	return []byte{byte(r.Side), boolByte(r.Active), 0}
}

// DecodeRelayStats parses a RELAY_STATS event payload: 4 × u32.
func DecodeRelayStats(p []byte) (RelayStats, error) {
	if len(p) < RelayStatsPayloadSize {
		return RelayStats{}, fmt.Errorf("relay stats payload %d bytes: %w", len(p), ErrBadPayload)
	}
	return RelayStats{
		Left: SideStats{
			TimeMs:      binary.LittleEndian.Uint32(p[0:4]),
			Activations: binary.LittleEndian.Uint32(p[4:8]),
		},
		Right: SideStats{
			TimeMs:      binary.LittleEndian.Uint32(p[8:12]),
			Activations: binary.LittleEndian.Uint32(p[12:16]),
		},
	}, nil
}

// EncodeRelayStats builds a RELAY_STATS event payload.
func EncodeRelayStats(s RelayStats) []byte {
	pl := make([]byte, RelayStatsPayloadSize)
	binary.LittleEndian.PutUint32(pl[0:4], s.Left.TimeMs)
	binary.LittleEndian.PutUint32(pl[4:8], s.Left.Activations)
	binary.LittleEndian.PutUint32(pl[8:12], s.Right.TimeMs)
	binary.LittleEndian.PutUint32(pl[12:16], s.Right.Activations)
	return pl
}

// EncodeSetEnable builds a SET_ENABLE payload: side, u8 enabled.
func EncodeSetEnable(side Side, enabled bool) []byte {
	return []byte{byte(side), boolByte(enabled)}
}

// EncodeSide builds the one-byte side payload used by TEST_TRIGGER.
func EncodeSide(side Side) []byte {
	return []byte{byte(side)}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
