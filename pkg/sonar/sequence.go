// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import "sync"

// Sequencer hands out 16-bit sequence numbers starting at 1 and wrapping
// modulo 65536. Every transmitted frame takes its own number.
type Sequencer struct {
	mu   sync.Mutex
	next uint16
}

// NewSequencer creates a sequencer whose first number is 1.
func NewSequencer() *Sequencer {
	return &Sequencer{next: 1}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v
}

// Peek returns the number the next call to Next will return.
func (s *Sequencer) Peek() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
