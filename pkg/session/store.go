// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"sync"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// LinkState is the supervisor's view of the transport.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkReconnecting
)

func (l LinkState) String() string {
	switch l {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Field identifies which part of State a Change touched.
type Field int

const (
	FieldDistance Field = iota
	FieldRelay
	FieldEnabled
	FieldConfig
	FieldSnapshot
	FieldRelayStats
	FieldLink
	FieldDosing
)

func (f Field) String() string {
	switch f {
	case FieldDistance:
		return "distance"
	case FieldRelay:
		return "relay"
	case FieldEnabled:
		return "enabled"
	case FieldConfig:
		return "config"
	case FieldSnapshot:
		return "snapshot"
	case FieldRelayStats:
		return "relay_stats"
	case FieldLink:
		return "link"
	case FieldDosing:
		return "dosing"
	default:
		return "unknown"
	}
}

// State is everything the host knows about the controller. App-only fields
// (LitersPerMin, NumApplicators, GramsPerSec) are never sent to the peer.
type State struct {
	DistanceLeftCm  int
	DistanceRightCm int
	RelayLeft       bool
	RelayRight      bool
	EnabledLeft     bool
	EnabledRight    bool
	Stats           sonar.RelayStats
	Config          sonar.Config

	Connected   bool
	Link        LinkState
	Address     string
	StatusCount uint64

	LitersPerMin   float64
	NumApplicators int
	GramsPerSec    float64
}

// DefaultState is the state before any event has been received.
func DefaultState() State {
	return State{
		EnabledLeft:    true,
		EnabledRight:   true,
		Config:         sonar.DefaultConfig(),
		NumApplicators: 1,
		GramsPerSec:    100,
	}
}

// Change is published to subscribers after every update.
type Change struct {
	Field Field
	State State
}

// Store holds the session state and fans changes out to subscribers.
// Slow subscribers miss changes rather than block the receive path.
type Store struct {
	mu         sync.Mutex
	state      State
	lastStatus sonar.Status
	subs       map[chan Change]struct{}
	status     chan struct{} // closed and replaced on every STATUS event
}

// NewStore creates a store holding DefaultState.
func NewStore() *Store {
	return &Store{
		state:  DefaultState(),
		subs:   make(map[chan Change]struct{}),
		status: make(chan struct{}),
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// StatusWatch returns the current status counter and a channel that is closed
// when the next STATUS event is applied.
func (s *Store) StatusWatch() (uint64, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StatusCount, s.status
}

// LastStatus returns the most recent STATUS event as the peer sent it.
func (s *Store) LastStatus() sonar.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

func (s *Store) update(field Field, fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	change := Change{Field: field, State: s.state}
	s.publishLocked(change)
	s.mu.Unlock()
}

func (s *Store) publishLocked(change Change) {
	for ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (s *Store) setLink(link LinkState) {
	s.update(FieldLink, func(st *State) {
		st.Link = link
		st.Connected = link == LinkConnected
	})
}

func (s *Store) setAddress(address string) {
	s.update(FieldLink, func(st *State) {
		st.Address = address
	})
}

// ApplyFrame decodes an event frame into the state. It reports whether the
// frame changed anything; ACKs, BOOT, unknown types and short payloads are
// ignored.
func (s *Store) ApplyFrame(f *sonar.Frame) bool {
	if f.IsAck() {
		return false
	}

	switch f.Type {
	case sonar.EvtDistance:
		d, err := sonar.DecodeDistance(f.Payload)
		if err != nil || !d.Side.Valid() {
			return false
		}
		s.update(FieldDistance, func(st *State) {
			if d.Side == sonar.SideLeft {
				st.DistanceLeftCm = d.Cm
			} else {
				st.DistanceRightCm = d.Cm
			}
		})

	case sonar.EvtRelay:
		r, err := sonar.DecodeRelay(f.Payload)
		if err != nil || !r.Side.Valid() {
			return false
		}
		s.update(FieldRelay, func(st *State) {
			if r.Side == sonar.SideLeft {
				st.RelayLeft = r.Active
			} else {
				st.RelayRight = r.Active
			}
		})

	case sonar.EvtSnapshot:
		snap, err := sonar.DecodeSnapshot(f.Payload)
		if err != nil {
			return false
		}
		s.update(FieldSnapshot, func(st *State) {
			applySnapshot(st, snap)
		})

	case sonar.EvtStatus:
		status, err := sonar.DecodeStatus(f.Payload)
		if err != nil {
			return false
		}
		s.mu.Lock()
		applySnapshot(&s.state, status.Snapshot)
		s.state.DistanceLeftCm = status.DistanceLeftCm
		s.state.DistanceRightCm = status.DistanceRightCm
		s.state.StatusCount++
		s.lastStatus = status
		close(s.status)
		s.status = make(chan struct{})
		s.publishLocked(Change{Field: FieldSnapshot, State: s.state})
		s.mu.Unlock()

	case sonar.EvtRelayStats:
		stats, err := sonar.DecodeRelayStats(f.Payload)
		if err != nil {
			return false
		}
		s.update(FieldRelayStats, func(st *State) {
			st.Stats = stats
		})

	default:
		return false
	}

	return true
}

func applySnapshot(st *State, snap sonar.Snapshot) {
	st.RelayLeft = snap.RelayLeft
	st.RelayRight = snap.RelayRight
	st.EnabledLeft = snap.EnabledLeft
	st.EnabledRight = snap.EnabledRight
	st.Config = snap.Config
}
