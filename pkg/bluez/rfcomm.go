// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluez

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
)

var profileCounter uint64

// profile implements org.bluez.Profile1 and hands the RFCOMM socket from
// NewConnection to the waiting Dial.
type profile struct {
	mu        sync.Mutex
	conns     chan *os.File
	delivered bool
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	// The runtime poller only takes over non-blocking fds; without it Close
	// would not wake a pending Read.
	if err := setNonblock(int(fd)); err != nil {
		closeFD(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+addressFromPath(dev))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delivered {
		f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already connected"}}
	}
	select {
	case p.conns <- f:
		p.delivered = true
		return nil
	default:
		f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// Conn is an RFCOMM SPP stream. Close also unregisters the client profile.
type Conn struct {
	*os.File
	address string
	release func()
	once    sync.Once
}

// Address returns the remote MAC address.
func (c *Conn) Address() string {
	return c.address
}

func (c *Conn) Close() error {
	err := c.File.Close()
	c.once.Do(c.release)
	return err
}

// Dial opens an SPP connection to a paired device by MAC address. The device
// is paired first when BlueZ reports it as unpaired; an agent must be
// registered for that to succeed.
func (m *Manager) Dial(ctx context.Context, address string) (*Conn, error) {
	if !IsAddress(address) {
		return nil, fmt.Errorf("bluez: %q is not a MAC address", address)
	}
	dev, err := m.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	bus, err := m.conn()
	if err != nil {
		return nil, err
	}

	prof := &profile{conns: make(chan *os.File, 1)}
	id := atomic.AddUint64(&profileCounter, 1)
	path := dbus.ObjectPath("/org/thermoquad/sonarctl/spp" + strconv.FormatUint(id, 10))
	if err := bus.Export(prof, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}

	pm := bus.Object(bluezService, "/org/bluez")
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
		bus.Export(nil, path, profileIface)
		return nil, fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}
	release := func() {
		pm.Call(profileManagerIface+".UnregisterProfile", 0, path)
		bus.Export(nil, path, profileIface)
	}

	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	if !dev.Paired {
		if call := devObj.CallWithContext(ctx, deviceIface+".Pair", 0); call.Err != nil {
			release()
			return nil, fmt.Errorf("bluez: pair %s: %w", address, call.Err)
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		release()
		return nil, fmt.Errorf("bluez: connect %s: %w", address, call.Err)
	}

	select {
	case <-ctx.Done():
		release()
		return nil, fmt.Errorf("bluez: connect %s: %w", address, ctx.Err())
	case f := <-prof.conns:
		return &Conn{File: f, address: dev.Address, release: release}, nil
	}
}
