// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sonar implements the Sonar serial protocol spoken by the dual
// ultrasonic relay controller.
//
// Sonar is a binary request/response protocol: the host sends commands, the
// controller answers each with an ACK frame and pushes unsolicited events
// (distances, relay changes, status snapshots). This package provides frame
// encoding and decoding, CRC validation, payload codecs and formatting.
package sonar

// Protocol framing bytes
const (
	Sof1    = 0xAA
	Sof2    = 0x55
	Version = 0x01
)

// Frame size limits
const (
	HeaderSize     = 8 // SOF1 SOF2 VER TYPE SEQ(2) LEN(2)
	CRCSize        = 2
	MaxPayloadSize = 64
	MaxFrameSize   = HeaderSize + MaxPayloadSize + CRCSize
)

// CRC-16/CCITT-FALSE configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// AckFlag marks a frame as the acknowledgment of command (Type & CommandMask).
const (
	AckFlag     = 0x80
	CommandMask = 0x7F
)

// Command types (host → controller)
const (
	CmdPing            = 0x01
	CmdSetConfig       = 0x02
	CmdGetStatus       = 0x03
	CmdGetRelayStats   = 0x04
	CmdSetEnable       = 0x05
	CmdResetRelayStats = 0x06
	CmdTestTrigger     = 0x07
	CmdEmergencyStop   = 0x08
)

// Event types (controller → host)
const (
	EvtBoot       = 0x10
	EvtDistance   = 0x11
	EvtRelay      = 0x12
	EvtSnapshot   = 0x13
	EvtStatus     = 0x14
	EvtRelayStats = 0x15
)

// Result codes carried in ACK payloads
const (
	ResultOK        = 0
	ResultBadLength = 1
	ResultBadValue  = 2
	ResultBadSide   = 3
	ResultCRCError  = 4
)

// Decoder states (internal)
const (
	stateWaitSof1 = iota
	stateWaitSof2
	stateWaitVersion
	stateReadType
	stateReadSeqLo
	stateReadSeqHi
	stateReadLenLo
	stateReadLenHi
	stateReadPayload
	stateReadCRCLo
	stateReadCRCHi
)

// Side identifies one of the two sensor/relay channels. On the wire it is
// the ASCII letter 'L' or 'R'.
type Side byte

// Side values
const (
	SideLeft  Side = 'L'
	SideRight Side = 'R'
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "unknown"
	}
}

// ParseSide accepts "L", "R", "left" or "right" (any case).
func ParseSide(s string) (Side, bool) {
	switch s {
	case "L", "l", "left", "LEFT", "Left":
		return SideLeft, true
	case "R", "r", "right", "RIGHT", "Right":
		return SideRight, true
	}
	return 0, false
}

// Mode is the relay control mode.
type Mode uint8

// Operating mode values
const (
	ModeDistance Mode = 0x00 // relay follows the distance threshold
	ModeTimed    Mode = 0x01 // relay fires for a fixed active time on detection
)

// AckType returns the ACK frame type for command cmd.
func AckType(cmd uint8) uint8 {
	return AckFlag | (cmd & CommandMask)
}

// IsAck reports whether frame type t is an acknowledgment.
func IsAck(t uint8) bool {
	return t&AckFlag == AckFlag
}
