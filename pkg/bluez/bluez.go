// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bluez reaches the controller's HC-05 style Bluetooth module through
// BlueZ over D-Bus: it lists paired and nearby devices and opens RFCOMM
// Serial Port Profile connections.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// SPPUUID is the Serial Port Profile service class.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("bluez: closed")

// ErrNotFound is returned when no adapter knows the requested address.
var ErrNotFound = errors.New("bluez: device not found")

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// IsAddress reports whether s looks like a Bluetooth MAC address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Device is a BlueZ Device1 object.
type Device struct {
	Path      string
	Address   string
	Name      string
	Alias     string
	Paired    bool
	Connected bool
	SPP       bool // advertises the Serial Port Profile
}

// DisplayName returns the best human label for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	case d.Address != "":
		return d.Address
	default:
		return "BT"
	}
}

// Manager talks to BlueZ on the system bus.
type Manager struct {
	mu     sync.Mutex
	bus    *dbus.Conn
	closed bool
}

// Open connects to the system bus.
func Open() (*Manager, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Manager{bus: bus}, nil
}

// Close releases the bus connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.bus.Close()
}

func (m *Manager) conn() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.bus, nil
}

// Paired returns paired devices sorted by name.
func (m *Manager) Paired(ctx context.Context) ([]Device, error) {
	bus, err := m.conn()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}

	var out []Device
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok && dev.Paired {
			out = append(out, dev)
		}
	}
	sortDevices(out)
	return out, nil
}

// Discover runs discovery on every adapter until ctx is done and returns the
// unpaired devices seen.
func (m *Manager) Discover(ctx context.Context) ([]Device, error) {
	bus, err := m.conn()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}

	found := make(map[string]Device)
	var adapters []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapters = append(adapters, path)
		}
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			found[dev.Path] = dev
		}
	}
	if len(adapters) == 0 {
		return nil, errors.New("bluez: no adapter")
	}

	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: add match: %w", err)
	}
	defer bus.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 16)
	bus.Signal(signals)
	defer bus.RemoveSignal(signals)

	for _, ap := range adapters {
		if call := bus.Object(bluezService, ap).CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
			return nil, fmt.Errorf("bluez: start discovery on %s: %w", ap, call.Err)
		}
		defer bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-signals:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				found[dev.Path] = dev
			}
		}
	}

	var out []Device
	for _, dev := range found {
		if !dev.Paired {
			out = append(out, dev)
		}
	}
	sortDevices(out)
	return out, nil
}

// Lookup finds a known device by MAC address.
func (m *Manager) Lookup(ctx context.Context, address string) (Device, error) {
	bus, err := m.conn()
	if err != nil {
		return Device{}, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return Device{}, err
	}
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok && strings.EqualFold(dev.Address, address) {
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%s: %w", address, ErrNotFound)
}

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}

	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		dev.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["UUIDs"]; ok {
		uuids, _ := v.Value().([]string)
		for _, u := range uuids {
			if strings.EqualFold(u, SPPUUID) {
				dev.SPP = true
				break
			}
		}
	}
	if dev.Address == "" {
		dev.Address = addressFromPath(path)
	}
	return dev, true
}

// addressFromPath extracts the MAC from .../dev_XX_XX_XX_XX_XX_XX.
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

func sortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool {
		a, b := devs[i].DisplayName(), devs[j].DisplayName()
		if a != b {
			return a < b
		}
		return devs[i].Address < devs[j].Address
	})
}
