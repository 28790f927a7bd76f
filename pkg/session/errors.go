// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import "errors"

var (
	// ErrAckTimeout is returned when no ACK arrived on any attempt.
	ErrAckTimeout = errors.New("session: ack timeout")

	// ErrDisconnected rejects queued and in-flight commands when the link goes down.
	ErrDisconnected = errors.New("session: disconnected")

	// ErrNotConnected is returned for commands issued with no transport.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConfigMismatch means the peer acknowledged SET_CONFIG but the next
	// status reported different values.
	ErrConfigMismatch = errors.New("session: config mismatch")

	// ErrStatusTimeout means no fresh status arrived to confirm a config write.
	ErrStatusTimeout = errors.New("session: status timeout")

	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("session: closed")
)
