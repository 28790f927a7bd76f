// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build unix

package bluez

import "syscall"

func setNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}

func closeFD(fd int) {
	syscall.Close(fd)
}
