// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

func startRouter(t *testing.T, ctrl Controller, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	srv := NewServer(ctrl, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	ts := httptest.NewServer(srv.Router("/ws"))
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return srv, ts
}

func get(t *testing.T, url string, user, pass string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

// ============================================================================
// HTTP endpoints
// ============================================================================

func TestRouter_Health(t *testing.T) {
	_, ts := startRouter(t, newFakeController(), Options{})

	resp, body := get(t, ts.URL+"/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while disconnected", resp.StatusCode)
	}
	if !strings.Contains(body, `"link":"disconnected"`) {
		t.Errorf("body = %s", body)
	}
}

func TestRouter_State(t *testing.T) {
	ctrl := newFakeController()
	ctrl.store.ApplyFrame(&sonar.Frame{
		Version: sonar.Version,
		Type:    sonar.EvtDistance,
		Payload: sonar.EncodeDistance(sonar.Distance{Side: sonar.SideLeft, Cm: 64}),
	})
	_, ts := startRouter(t, ctrl, Options{Username: "admin", Password: "secret"})

	resp, _ := get(t, ts.URL+"/state", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	resp, body := get(t, ts.URL+"/state", "admin", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var st State
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.DistanceLeftCm != 64 {
		t.Errorf("distance_left_cm = %d, want 64", st.DistanceLeftCm)
	}
	if st.Config.ThresholdCm != sonar.DefaultConfig().ThresholdCm {
		t.Errorf("config = %+v", st.Config)
	}
}

func TestRouter_Metrics(t *testing.T) {
	ctrl := newFakeController()
	_, ts := startRouter(t, ctrl, Options{})

	ctrl.store.ApplyFrame(&sonar.Frame{
		Version: sonar.Version,
		Type:    sonar.EvtRelay,
		Payload: sonar.EncodeRelay(sonar.Relay{Side: sonar.SideRight, Active: true}),
	})

	// Run observes changes asynchronously
	want := `sonarctl_relay_active{side="right"} 1`
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := get(t, ts.URL+"/metrics", "", "")
		if strings.Contains(body, want) {
			if !strings.Contains(body, "sonarctl_link_up 0") {
				t.Errorf("link_up missing from metrics")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never reported %q:\n%s", want, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouter_WebSocketAndCommandMetrics(t *testing.T) {
	ctrl := newFakeController()
	srv, ts := startRouter(t, ctrl, Options{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Field != "initial" {
		t.Fatalf("first message = %+v", msg)
	}
	waitClients(t, srv, 1)

	sendCommand(t, conn, 1, Command{Op: OpPing})
	if res := readResult(t, conn, 1); res.Error != "" {
		t.Fatalf("ping error = %q", res.Error)
	}

	_, body := get(t, ts.URL+"/metrics", "", "")
	for _, want := range []string{
		`sonarctl_bridge_commands_total{op="ping",success="true"} 1`,
		`sonarctl_bridge_clients 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
