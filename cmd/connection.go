// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/sonarctl/pkg/bluez"
	"github.com/Thermoquad/sonarctl/pkg/prefs"
	"github.com/Thermoquad/sonarctl/pkg/session"
)

// Connection provides a common interface for reading/writing bytes from
// Bluetooth, serial or WebSocket
type Connection = session.Transport

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection wraps a WebSocket connection for byte-level reading
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
	writeMu   sync.Mutex
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// The bridge forwards serial bytes as binary messages only
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

// Write sends p as one binary message. Safe to call concurrently with Read.
func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port connection
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves a password from env or prompts the user
func GetPassword(env string) (string, error) {
	if pw := os.Getenv(env); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// targetAddress picks the controller address from the flags, falling back to
// the last device in the preferences.
func targetAddress() (string, error) {
	switch {
	case btAddress != "":
		if !bluez.IsAddress(btAddress) {
			return "", fmt.Errorf("invalid Bluetooth address %q", btAddress)
		}
		return strings.ToUpper(btAddress), nil
	case wsURL != "":
		return wsURL, nil
	case portName != "":
		return portName, nil
	case userPrefs.LastDevice != "":
		return userPrefs.LastDevice, nil
	}
	return "", fmt.Errorf("one of --bt, --port or --url must be specified")
}

// describeAddress returns a human-readable connection description.
func describeAddress(address string) string {
	switch {
	case bluez.IsAddress(address):
		return fmt.Sprintf("Bluetooth: %s", address)
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return fmt.Sprintf("WebSocket: %s", address)
	default:
		return fmt.Sprintf("Serial: %s @ %d baud", address, baudRate)
	}
}

// linkDialer opens Bluetooth, WebSocket or serial transports depending on the
// address form. It is reused across reconnects.
type linkDialer struct {
	mu       sync.Mutex
	bt       *bluez.Manager
	password *string
}

func (d *linkDialer) Dial(ctx context.Context, address string) (session.Transport, error) {
	switch {
	case bluez.IsAddress(address):
		mgr, err := d.bluetooth()
		if err != nil {
			return nil, err
		}
		conn, err := mgr.Dial(ctx, address)
		if err != nil {
			return nil, err
		}
		return conn, nil

	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		password, err := d.wsPassword()
		if err != nil {
			return nil, err
		}
		return OpenWebSocketConnection(ctx, address, wsUsername, password, wsNoSSLVerify)

	default:
		return OpenSerialConnection(address, baudRate)
	}
}

func (d *linkDialer) bluetooth() (*bluez.Manager, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bt == nil {
		mgr, err := bluez.Open()
		if err != nil {
			return nil, err
		}
		d.bt = mgr
	}
	return d.bt, nil
}

// wsPassword prompts at most once so reconnects stay unattended.
func (d *linkDialer) wsPassword() (string, error) {
	if wsUsername == "" {
		return "", nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.password == nil {
		pw, err := GetPassword("SONAR_PASSWORD")
		if err != nil {
			return "", err
		}
		d.password = &pw
	}
	return *d.password, nil
}

func (d *linkDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bt != nil {
		return d.bt.Close()
	}
	return nil
}

// OpenConnection opens a raw transport for the passive commands
func OpenConnection(ctx context.Context) (Connection, string, error) {
	address, err := targetAddress()
	if err != nil {
		return nil, "", err
	}

	d := &linkDialer{}
	conn, err := d.Dial(ctx, address)
	if err != nil {
		d.Close()
		return nil, "", err
	}
	return &dialedConnection{Transport: conn, dialer: d}, describeAddress(address), nil
}

// dialedConnection releases the dialer's bus connection on close.
type dialedConnection struct {
	session.Transport
	dialer *linkDialer
}

func (c *dialedConnection) Close() error {
	err := c.Transport.Close()
	c.dialer.Close()
	return err
}

// openSession connects a session client to the target controller and records
// it as the last device. The returned func closes both.
func openSession(ctx context.Context, opts session.Options) (*session.Client, func(), error) {
	address, err := targetAddress()
	if err != nil {
		return nil, nil, err
	}

	opts = userPrefs.Apply(opts)
	opts.Logger = logger

	d := &linkDialer{}
	client := session.NewClient(d, opts)
	userPrefs.ApplyDosing(client)

	logger.Info().Str("address", address).Msg("connecting")
	if err := client.Connect(ctx, address); err != nil {
		client.Close()
		d.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", address, err)
	}

	if userPrefs.LastDevice != address {
		userPrefs.LastDevice = address
		if err := prefs.Save(prefsPath, userPrefs); err != nil {
			logger.Warn().Err(err).Str("path", prefsPath).Msg("could not save preferences")
		}
	}
	return client, func() {
		client.Close()
		d.Close()
	}, nil
}
