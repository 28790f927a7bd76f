// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// fakeController records calls and serves a real store.
type fakeController struct {
	store *session.Store

	mu        sync.Mutex
	calls     []string
	threshold int
	applied   sonar.Config
	pingErr   error
}

func newFakeController() *fakeController {
	return &fakeController{store: session.NewStore()}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Store() *session.Store { return f.store }
func (f *fakeController) Ping() error {
	f.record("ping")
	return f.pingErr
}
func (f *fakeController) RequestStatus() error     { f.record("status"); return nil }
func (f *fakeController) RequestRelayStats() error { f.record("stats"); return nil }
func (f *fakeController) ResetRelayStats() error   { f.record("reset"); return nil }
func (f *fakeController) SetThresholdCm(v int) {
	f.mu.Lock()
	f.threshold = v
	f.mu.Unlock()
	f.record("threshold")
}
func (f *fakeController) SetHysteresisCm(v int) { f.record("hysteresis") }
func (f *fakeController) SetMode(m sonar.Mode)   { f.record("mode") }
func (f *fakeController) SetSideEnabled(side sonar.Side, enabled bool) error {
	f.record("enable " + side.String())
	return nil
}
func (f *fakeController) ApplyConfigOnce(cfg sonar.Config) error {
	f.mu.Lock()
	f.applied = cfg
	f.mu.Unlock()
	f.record("apply")
	return nil
}
func (f *fakeController) TestTrigger(side sonar.Side) error {
	f.record("trigger " + side.String())
	return nil
}
func (f *fakeController) EmergencyStop() error { f.record("estop"); return nil }

func startServer(t *testing.T, ctrl Controller, opts Options) (*Server, string) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	srv := NewServer(ctrl, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", messageType)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func sendCommand(t *testing.T, conn *websocket.Conn, id uint64, cmd Command) {
	t.Helper()
	data, err := Encode(&Message{Type: MsgCommand, ID: id, Command: &cmd})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readResult skips state broadcasts until the result for id arrives.
func readResult(t *testing.T, conn *websocket.Conn, id uint64) *Message {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == MsgResult && msg.ID == id {
			return msg
		}
	}
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", srv.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// Encoding
// ============================================================================

func TestEncodeDecode(t *testing.T) {
	st := session.DefaultState()
	st.DistanceLeftCm = 45
	st.RelayRight = true

	data, err := Encode(&Message{Type: MsgState, Field: "distance", State: NewState(st)})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if msg.Type != MsgState || msg.Field != "distance" {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.State == nil {
		t.Fatal("state missing")
	}
	if msg.State.DistanceLeftCm != 45 || !msg.State.RelayRight || msg.State.Link != "disconnected" {
		t.Errorf("state = %+v", msg.State)
	}
	if msg.State.Config.Sonar() != sonar.DefaultConfig() {
		t.Errorf("config = %+v", msg.State.Config)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("empty payload accepted")
	}
	if _, err := Decode([]byte{0xFF, 0x00}); err == nil {
		t.Error("garbage accepted")
	}
}

// ============================================================================
// Server
// ============================================================================

func TestServer_InitialStateAndBroadcast(t *testing.T) {
	ctrl := newFakeController()
	srv, url := startServer(t, ctrl, Options{})

	a := dial(t, url)
	b := dial(t, url)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MsgState || msg.Field != "initial" {
			t.Fatalf("first message = %+v", msg)
		}
	}
	waitClients(t, srv, 2)

	ctrl.store.ApplyFrame(&sonar.Frame{
		Version: sonar.Version,
		Type:    sonar.EvtDistance,
		Payload: sonar.EncodeDistance(sonar.Distance{Side: sonar.SideRight, Cm: 120}),
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Field != "distance" || msg.State.DistanceRightCm != 120 {
			t.Errorf("broadcast = %+v state=%+v", msg, msg.State)
		}
	}
}

func TestServer_Commands(t *testing.T) {
	ctrl := newFakeController()
	_, url := startServer(t, ctrl, Options{})
	conn := dial(t, url)
	readMessage(t, conn)

	cfg := ConfigFrom(sonar.Config{Mode: sonar.ModeTimed, ThresholdCm: 90, HysteresisCm: 10, ActiveTimeMode1Ms: 1500})

	tests := []struct {
		cmd     Command
		call    string
		wantErr bool
	}{
		{Command{Op: OpPing}, "ping", false},
		{Command{Op: OpStatus}, "status", false},
		{Command{Op: OpStats}, "stats", false},
		{Command{Op: OpResetStats}, "reset", false},
		{Command{Op: OpThreshold, Value: 75}, "threshold", false},
		{Command{Op: OpEnable, Side: "R", Enabled: false}, "enable right", false},
		{Command{Op: OpTrigger, Side: "left"}, "trigger left", false},
		{Command{Op: OpApplyConfig, Config: &cfg}, "apply", false},
		{Command{Op: OpEmergencyStop}, "estop", false},
		{Command{Op: OpTrigger, Side: "X"}, "", true},
		{Command{Op: OpMode, Value: 7}, "", true},
		{Command{Op: OpApplyConfig}, "", true},
		{Command{Op: "bogus"}, "", true},
	}

	for i, tt := range tests {
		id := uint64(i + 1)
		before := len(ctrl.Calls())
		sendCommand(t, conn, id, tt.cmd)
		res := readResult(t, conn, id)

		if (res.Error != "") != tt.wantErr {
			t.Errorf("%s: error = %q, wantErr %v", tt.cmd.Op, res.Error, tt.wantErr)
		}
		calls := ctrl.Calls()
		if tt.call == "" {
			if len(calls) != before {
				t.Errorf("%s: unexpected call %v", tt.cmd.Op, calls[before:])
			}
			continue
		}
		if len(calls) != before+1 || calls[before] != tt.call {
			t.Errorf("%s: calls = %v, want %q", tt.cmd.Op, calls[before:], tt.call)
		}
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.threshold != 75 {
		t.Errorf("threshold = %d", ctrl.threshold)
	}
	if ctrl.applied != cfg.Sonar() {
		t.Errorf("applied = %+v", ctrl.applied)
	}
}

func TestServer_CommandError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pingErr = errors.New("ACK timeout")
	_, url := startServer(t, ctrl, Options{})
	conn := dial(t, url)
	readMessage(t, conn)

	sendCommand(t, conn, 9, Command{Op: OpPing})
	res := readResult(t, conn, 9)
	if res.Error != "ACK timeout" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestServer_UnexpectedMessage(t *testing.T) {
	_, url := startServer(t, newFakeController(), Options{})
	conn := dial(t, url)
	readMessage(t, conn)

	data, _ := Encode(&Message{Type: MsgState, ID: 4})
	conn.WriteMessage(websocket.BinaryMessage, data)
	res := readResult(t, conn, 4)
	if !strings.Contains(res.Error, "unexpected message type") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestServer_BasicAuth(t *testing.T) {
	_, url := startServer(t, newFakeController(), Options{Username: "admin", Password: "secret"})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}

	header := http.Header{}
	req := &http.Request{Header: header}
	req.SetBasicAuth("admin", "secret")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	defer conn.Close()
	if msg := readMessage(t, conn); msg.Type != MsgState {
		t.Errorf("first message = %+v", msg)
	}
}

func TestServer_ClientLeaves(t *testing.T) {
	ctrl := newFakeController()
	srv, url := startServer(t, ctrl, Options{})

	conn := dial(t, url)
	readMessage(t, conn)
	waitClients(t, srv, 1)

	conn.Close()
	waitClients(t, srv, 0)

	// Broadcasting with nobody listening is a no-op
	ctrl.store.ApplyFrame(&sonar.Frame{
		Version: sonar.Version,
		Type:    sonar.EvtRelay,
		Payload: sonar.EncodeRelay(sonar.Relay{Side: sonar.SideLeft, Active: true}),
	})
}
