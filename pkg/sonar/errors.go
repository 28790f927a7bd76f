// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"errors"
	"fmt"
)

// Rejections reported by the controller in an ACK result code. ErrBadLength is
// also returned locally when a payload exceeds MaxPayloadSize.
var (
	ErrBadLength = errors.New("sonar: bad length")
	ErrBadValue  = errors.New("sonar: bad value")
	ErrBadSide   = errors.New("sonar: bad side")
	ErrCRC       = errors.New("sonar: peer reported crc error")
)

// Frame parsing failures
var (
	ErrShortFrame  = errors.New("sonar: frame too short")
	ErrBadSync     = errors.New("sonar: missing start of frame")
	ErrBadVersion  = errors.New("sonar: unsupported version")
	ErrCRCMismatch = errors.New("sonar: crc mismatch")
	ErrBadPayload  = errors.New("sonar: malformed payload")
)

// UnknownResultError is returned for result codes this package does not know.
type UnknownResultError struct {
	Code uint8
}

func (e *UnknownResultError) Error() string {
	return fmt.Sprintf("sonar: unknown result code %d", e.Code)
}

// ResultError maps an ACK result code to an error. ResultOK maps to nil.
func ResultError(code uint8) error {
	switch code {
	case ResultOK:
		return nil
	case ResultBadLength:
		return ErrBadLength
	case ResultBadValue:
		return ErrBadValue
	case ResultBadSide:
		return ErrBadSide
	case ResultCRCError:
		return ErrCRC
	default:
		return &UnknownResultError{Code: code}
	}
}

// IsRejection reports whether err is a deterministic rejection by the peer
// (a decoded nonzero result code).
func IsRejection(err error) bool {
	var unknown *UnknownResultError
	return errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrBadValue) ||
		errors.Is(err, ErrBadSide) ||
		errors.Is(err, ErrCRC) ||
		errors.As(err, &unknown)
}
