// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge serves the session state to remote dashboards over a
// WebSocket. Messages are CBOR maps with integer keys.
package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// Message types
const (
	MsgState   uint8 = 0x01 // server → client: full state after a change
	MsgCommand uint8 = 0x02 // client → server: operation request
	MsgResult  uint8 = 0x03 // server → client: outcome of a command
)

// Command operations
const (
	OpPing          = "ping"
	OpStatus        = "status"
	OpStats         = "stats"
	OpResetStats    = "reset_stats"
	OpThreshold     = "threshold"
	OpHysteresis    = "hysteresis"
	OpMode          = "mode"
	OpEnable        = "enable"
	OpApplyConfig   = "apply_config"
	OpTrigger       = "trigger"
	OpEmergencyStop = "estop"
)

// Message is the envelope for every frame on the socket.
type Message struct {
	Type    uint8    `cbor:"1,keyasint"`
	ID      uint64   `cbor:"2,keyasint,omitempty"`
	Field   string   `cbor:"3,keyasint,omitempty"`
	State   *State   `cbor:"4,keyasint,omitempty"`
	Command *Command `cbor:"5,keyasint,omitempty"`
	Error   string   `cbor:"6,keyasint,omitempty"`
}

// State mirrors session.State.
type State struct {
	Link             string  `cbor:"1,keyasint" json:"link"`
	Address          string  `cbor:"2,keyasint,omitempty" json:"address"`
	DistanceLeftCm   int     `cbor:"3,keyasint" json:"distance_left_cm"`
	DistanceRightCm  int     `cbor:"4,keyasint" json:"distance_right_cm"`
	RelayLeft        bool    `cbor:"5,keyasint" json:"relay_left"`
	RelayRight       bool    `cbor:"6,keyasint" json:"relay_right"`
	EnabledLeft      bool    `cbor:"7,keyasint" json:"enabled_left"`
	EnabledRight     bool    `cbor:"8,keyasint" json:"enabled_right"`
	Config           Config  `cbor:"9,keyasint" json:"config"`
	LeftTimeMs       uint32  `cbor:"10,keyasint" json:"left_time_ms"`
	LeftActivations  uint32  `cbor:"11,keyasint" json:"left_activations"`
	RightTimeMs      uint32  `cbor:"12,keyasint" json:"right_time_ms"`
	RightActivations uint32  `cbor:"13,keyasint" json:"right_activations"`
	StatusCount      uint64  `cbor:"14,keyasint" json:"status_count"`
	LitersLeft       float64 `cbor:"15,keyasint" json:"liters_left"`
	LitersRight      float64 `cbor:"16,keyasint" json:"liters_right"`
	GramsLeft        float64 `cbor:"17,keyasint" json:"grams_left"`
	GramsRight       float64 `cbor:"18,keyasint" json:"grams_right"`
}

// Config mirrors sonar.Config.
type Config struct {
	Mode              uint8 `cbor:"1,keyasint" json:"mode"`
	ThresholdCm       int   `cbor:"2,keyasint" json:"threshold_cm"`
	HysteresisCm      int   `cbor:"3,keyasint" json:"hysteresis_cm"`
	EntryDelayDistMs  int   `cbor:"4,keyasint" json:"entry_delay_dist_ms"`
	ExitDelayDistMs   int   `cbor:"5,keyasint" json:"exit_delay_dist_ms"`
	EntryDelayTimedMs int   `cbor:"6,keyasint" json:"entry_delay_timed_ms"`
	ActiveTimeMode1Ms int   `cbor:"7,keyasint" json:"active_time_mode1_ms"`
}

// Command is a client request.
type Command struct {
	Op      string  `cbor:"1,keyasint"`
	Side    string  `cbor:"2,keyasint,omitempty"`
	Value   int     `cbor:"3,keyasint,omitempty"`
	Enabled bool    `cbor:"4,keyasint,omitempty"`
	Config  *Config `cbor:"5,keyasint,omitempty"`
}

// NewState converts a session state for the wire.
func NewState(st session.State) *State {
	dose := session.EstimateDosage(st)
	return &State{
		Link:             st.Link.String(),
		Address:          st.Address,
		DistanceLeftCm:   st.DistanceLeftCm,
		DistanceRightCm:  st.DistanceRightCm,
		RelayLeft:        st.RelayLeft,
		RelayRight:       st.RelayRight,
		EnabledLeft:      st.EnabledLeft,
		EnabledRight:     st.EnabledRight,
		Config:           ConfigFrom(st.Config),
		LeftTimeMs:       st.Stats.Left.TimeMs,
		LeftActivations:  st.Stats.Left.Activations,
		RightTimeMs:      st.Stats.Right.TimeMs,
		RightActivations: st.Stats.Right.Activations,
		StatusCount:      st.StatusCount,
		LitersLeft:       dose.Left.Liters,
		LitersRight:      dose.Right.Liters,
		GramsLeft:        dose.Left.Grams,
		GramsRight:       dose.Right.Grams,
	}
}

// ConfigFrom converts a controller config for the wire.
func ConfigFrom(c sonar.Config) Config {
	return Config{
		Mode:              uint8(c.Mode),
		ThresholdCm:       c.ThresholdCm,
		HysteresisCm:      c.HysteresisCm,
		EntryDelayDistMs:  c.EntryDelayDistMs,
		ExitDelayDistMs:   c.ExitDelayDistMs,
		EntryDelayTimedMs: c.EntryDelayTimedMs,
		ActiveTimeMode1Ms: c.ActiveTimeMode1Ms,
	}
}

// Sonar converts back to a controller config.
func (c Config) Sonar() sonar.Config {
	return sonar.Config{
		Mode:              sonar.Mode(c.Mode),
		ThresholdCm:       c.ThresholdCm,
		HysteresisCm:      c.HysteresisCm,
		EntryDelayDistMs:  c.EntryDelayDistMs,
		ExitDelayDistMs:   c.ExitDelayDistMs,
		EntryDelayTimedMs: c.EntryDelayTimedMs,
		ActiveTimeMode1Ms: c.ActiveTimeMode1Ms,
	}
}

// Encode marshals a message.
func Encode(m *Message) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode bridge message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a message.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CBOR payload")
	}
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	return &m, nil
}
