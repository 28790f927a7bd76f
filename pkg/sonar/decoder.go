// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"fmt"
	"time"
)

// Decoder implements the Sonar receive state machine. It consumes one byte at
// a time and keeps its state between calls, so input may arrive in chunks of
// any size.
type Decoder struct {
	state   int
	msgType uint8
	seq     uint16
	length  int
	payload []byte
	offset  int
	crc     uint16

	// Drop counters, reset only by ResetCounters
	crcErrors     uint64
	versionErrors uint64
	lengthErrors  uint64
}

// NewDecoder creates a new protocol decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:   stateWaitSof1,
		payload: make([]byte, MaxPayloadSize),
	}
}

// Reset discards any partial frame and waits for SOF1
func (d *Decoder) Reset() {
	d.state = stateWaitSof1
	d.msgType = 0
	d.seq = 0
	d.length = 0
	d.offset = 0
	d.crc = 0
}

// Synchronized reports whether the decoder is inside a frame.
func (d *Decoder) Synchronized() bool {
	return d.state != stateWaitSof1
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error when a partial frame is discarded; the decoder has already
// resynchronized and the error is informational only.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.state {
	case stateWaitSof1:
		if b == Sof1 {
			d.state = stateWaitSof2
		}
		return nil, nil

	case stateWaitSof2:
		switch b {
		case Sof2:
			d.state = stateWaitVersion
		case Sof1:
			// Stay put: this byte may start the real frame
		default:
			d.state = stateWaitSof1
		}
		return nil, nil

	case stateWaitVersion:
		if b != Version {
			d.versionErrors++
			d.Reset()
			return nil, fmt.Errorf("version 0x%02X: %w", b, ErrBadVersion)
		}
		d.state = stateReadType
		return nil, nil

	case stateReadType:
		d.msgType = b
		d.state = stateReadSeqLo
		return nil, nil

	case stateReadSeqLo:
		d.seq = uint16(b)
		d.state = stateReadSeqHi
		return nil, nil

	case stateReadSeqHi:
		d.seq |= uint16(b) << 8
		d.state = stateReadLenLo
		return nil, nil

	case stateReadLenLo:
		d.length = int(b)
		d.state = stateReadLenHi
		return nil, nil

	case stateReadLenHi:
		d.length |= int(b) << 8
		if d.length > MaxPayloadSize {
			length := d.length
			d.lengthErrors++
			d.Reset()
			return nil, fmt.Errorf("declared length %d (max %d): %w", length, MaxPayloadSize, ErrBadLength)
		}
		d.offset = 0
		if d.length == 0 {
			d.state = stateReadCRCLo
		} else {
			d.state = stateReadPayload
		}
		return nil, nil

	case stateReadPayload:
		d.payload[d.offset] = b
		d.offset++
		if d.offset >= d.length {
			d.state = stateReadCRCLo
		}
		return nil, nil

	case stateReadCRCLo:
		d.crc = uint16(b)
		d.state = stateReadCRCHi
		return nil, nil

	case stateReadCRCHi:
		d.crc |= uint16(b) << 8
		frame, err := d.finish()
		d.Reset()
		return frame, err

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// finish validates the CRC of the frame just completed.
func (d *Decoder) finish() (*Frame, error) {
	buf := make([]byte, 6+d.length)
	buf[0] = Version
	buf[1] = d.msgType
	buf[2] = byte(d.seq)
	buf[3] = byte(d.seq >> 8)
	buf[4] = byte(d.length)
	buf[5] = byte(d.length >> 8)
	copy(buf[6:], d.payload[:d.length])

	calculated := CalculateCRC(buf)
	if calculated != d.crc {
		d.crcErrors++
		return nil, fmt.Errorf("expected 0x%04X, got 0x%04X: %w", calculated, d.crc, ErrCRCMismatch)
	}

	payload := make([]byte, d.length)
	copy(payload, d.payload[:d.length])

	return &Frame{
		Version:   Version,
		Type:      d.msgType,
		Seq:       d.seq,
		Payload:   payload,
		CRC:       d.crc,
		Timestamp: time.Now(),
	}, nil
}

// Feed runs every byte of chunk through the decoder and calls fn for each
// valid frame, in arrival order. Discarded frames are skipped silently.
func (d *Decoder) Feed(chunk []byte, fn func(*Frame)) {
	for _, b := range chunk {
		frame, err := d.DecodeByte(b)
		if err != nil || frame == nil {
			continue
		}
		fn(frame)
	}
}

// DropCounts returns the number of frames discarded for CRC mismatch,
// version mismatch and oversized length.
func (d *Decoder) DropCounts() (crc, version, length uint64) {
	return d.crcErrors, d.versionErrors, d.lengthErrors
}

// ResetCounters zeroes the drop counters.
func (d *Decoder) ResetCounters() {
	d.crcErrors = 0
	d.versionErrors = 0
	d.lengthErrors = 0
}
