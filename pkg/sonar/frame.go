// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is a decoded Sonar frame. The start-of-frame bytes are implicit.
type Frame struct {
	Version   uint8
	Type      uint8
	Seq       uint16
	Payload   []byte
	CRC       uint16
	Timestamp time.Time
}

// IsAck reports whether the frame acknowledges a command.
func (f *Frame) IsAck() bool {
	return IsAck(f.Type)
}

// Command returns the command type an ACK frame acknowledges.
func (f *Frame) Command() uint8 {
	return f.Type & CommandMask
}

// Result returns the result code of an ACK frame. A missing result byte is
// reported as 0xFF, which maps to an unknown result.
func (f *Frame) Result() uint8 {
	if len(f.Payload) < 1 {
		return 0xFF
	}
	return f.Payload[0]
}

// BuildFrame creates a complete wire-formatted frame.
// The CRC covers version through payload; start-of-frame bytes are excluded.
func BuildFrame(msgType uint8, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d): %w", len(payload), MaxPayloadSize, ErrBadLength)
	}

	out := make([]byte, HeaderSize+len(payload)+CRCSize)
	out[0] = Sof1
	out[1] = Sof2
	out[2] = Version
	out[3] = msgType
	binary.LittleEndian.PutUint16(out[4:6], seq)
	binary.LittleEndian.PutUint16(out[6:8], uint16(len(payload)))
	copy(out[HeaderSize:], payload)

	crc := CalculateCRC(out[2 : HeaderSize+len(payload)])
	binary.LittleEndian.PutUint16(out[HeaderSize+len(payload):], crc)

	return out, nil
}

// MustBuildFrame is like BuildFrame but panics on error.
// Intended for fixed payloads known to fit.
func MustBuildFrame(msgType uint8, seq uint16, payload []byte) []byte {
	data, err := BuildFrame(msgType, seq, payload)
	if err != nil {
		panic(fmt.Sprintf("sonar: build error: %v", err))
	}
	return data
}

// ParseFrame parses exactly one complete frame from data.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+CRCSize {
		return nil, ErrShortFrame
	}
	if data[0] != Sof1 || data[1] != Sof2 {
		return nil, ErrBadSync
	}
	if data[2] != Version {
		return nil, fmt.Errorf("version 0x%02X: %w", data[2], ErrBadVersion)
	}

	length := int(binary.LittleEndian.Uint16(data[6:8]))
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("declared length %d: %w", length, ErrBadLength)
	}
	if len(data) != HeaderSize+length+CRCSize {
		return nil, fmt.Errorf("frame is %d bytes, header declares %d: %w", len(data), HeaderSize+length+CRCSize, ErrShortFrame)
	}

	received := binary.LittleEndian.Uint16(data[HeaderSize+length:])
	calculated := CalculateCRC(data[2 : HeaderSize+length])
	if received != calculated {
		return nil, fmt.Errorf("expected 0x%04X, got 0x%04X: %w", calculated, received, ErrCRCMismatch)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+length])

	return &Frame{
		Version:   data[2],
		Type:      data[3],
		Seq:       binary.LittleEndian.Uint16(data[4:6]),
		Payload:   payload,
		CRC:       received,
		Timestamp: time.Now(),
	}, nil
}
