// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !unix

package bluez

import "errors"

// BlueZ only exists on Linux.
func setNonblock(int) error {
	return errors.New("bluez: RFCOMM sockets are not supported on this platform")
}

func closeFD(int) {}
