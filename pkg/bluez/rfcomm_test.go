// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build unix

package bluez

import (
	"os"
	"syscall"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

// socketConn hands one end of a socketpair to the profile the way BlueZ
// hands over an RFCOMM fd, and returns the resulting Conn and the far end.
func socketConn(t *testing.T) (*Conn, *os.File) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	remote := os.NewFile(uintptr(fds[1]), "remote")
	t.Cleanup(func() { remote.Close() })

	prof := &profile{conns: make(chan *os.File, 1)}
	if derr := prof.NewConnection("/org/bluez/hci0/dev_98_D3_31_F5_12_7A", dbus.UnixFD(fds[0]), nil); derr != nil {
		t.Fatalf("NewConnection rejected: %v", derr)
	}

	select {
	case f := <-prof.conns:
		return &Conn{File: f, address: "98:D3:31:F5:12:7A", release: func() {}}, remote
	default:
		t.Fatal("no connection delivered")
		return nil, nil
	}
}

func TestConn_ReadWrite(t *testing.T) {
	c, remote := socketConn(t)
	defer c.Close()

	if _, err := remote.Write([]byte{0xAA, 0x55}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != nil || n != 2 || buf[0] != 0xAA || buf[1] != 0x55 {
		t.Fatalf("Read = %d, %v (% X)", n, err, buf[:n])
	}
	if c.Name() != "rfcomm:98:D3:31:F5:12:7A" {
		t.Errorf("Name = %q", c.Name())
	}
}

func TestConn_CloseUnblocksRead(t *testing.T) {
	c, _ := socketConn(t)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := c.Read(buf)
		done <- err
	}()

	// Let the reader park on the silent socket
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Read after Close returned no error")
		}
	case <-time.After(time.Second):
		t.Fatal("Read still blocked 1s after Close")
	}
}

func TestProfile_SecondConnectionRejected(t *testing.T) {
	c, _ := socketConn(t)
	defer c.Close()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Close(fds[1])

	prof := &profile{conns: make(chan *os.File, 1), delivered: true}
	if derr := prof.NewConnection("/org/bluez/hci0/dev_98_D3_31_F5_12_7A", dbus.UnixFD(fds[0]), nil); derr == nil {
		t.Error("second connection accepted")
	}
}
