// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// fakePeer emulates the controller firmware on the far end of a net.Pipe.
type fakePeer struct {
	t *testing.T

	mu       sync.Mutex
	conn     net.Conn
	dials    int
	received []received
	inFlight bool
	overlap  bool
	status   sonar.Status
	stats    sonar.RelayStats

	// Behavior knobs, guarded by mu
	silent     map[uint8]bool  // commands never ACKed
	results    map[uint8]uint8 // forced result codes
	noStatus   bool            // ACK GET_STATUS without sending STATUS
	ignoreCfg  bool            // ACK SET_CONFIG without applying it
	ackDelay   time.Duration
	delays     map[uint8]time.Duration // per-command ackDelay override
	trackAcks  bool // flag overlapping commands
	statusHook func(*sonar.Status)
}

type received struct {
	frame *sonar.Frame
	at    time.Time
}

func newFakePeer(t *testing.T) *fakePeer {
	return &fakePeer{
		t:       t,
		silent:  make(map[uint8]bool),
		results: make(map[uint8]uint8),
		delays:  make(map[uint8]time.Duration),
		status: sonar.Status{
			Snapshot: sonar.Snapshot{
				SideState: sonar.SideState{EnabledLeft: true, EnabledRight: true},
				Config:    sonar.DefaultConfig(),
			},
		},
	}
}

// Dial implements Dialer with a fresh pipe per call.
func (p *fakePeer) Dial(ctx context.Context, address string) (Transport, error) {
	host, dev := net.Pipe()

	p.mu.Lock()
	p.conn = dev
	p.dials++
	p.mu.Unlock()

	go p.serve(dev)
	return host, nil
}

func (p *fakePeer) serve(conn net.Conn) {
	dec := sonar.NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		var frames []*sonar.Frame
		dec.Feed(buf[:n], func(f *sonar.Frame) {
			frames = append(frames, f)
		})
		for _, f := range frames {
			p.handle(conn, f)
		}
	}
}

func (p *fakePeer) handle(conn net.Conn, f *sonar.Frame) {
	p.mu.Lock()
	p.received = append(p.received, received{frame: f, at: time.Now()})
	if p.trackAcks {
		if p.inFlight {
			p.overlap = true
		}
		p.inFlight = true
	}
	silent := p.silent[f.Type]
	result, forced := p.results[f.Type]
	delay := p.ackDelay
	if d, ok := p.delays[f.Type]; ok {
		delay = d
	}
	p.mu.Unlock()

	if silent {
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if forced {
		p.ack(conn, f, result)
		return
	}

	switch f.Type {
	case sonar.CmdSetConfig:
		cfg, err := sonar.DecodeConfig(f.Payload)
		if err != nil {
			p.ack(conn, f, sonar.ResultBadLength)
			return
		}
		p.mu.Lock()
		if !p.ignoreCfg {
			p.status.Config = cfg
		}
		p.mu.Unlock()
		p.ack(conn, f, sonar.ResultOK)

	case sonar.CmdGetStatus:
		p.mu.Lock()
		st := p.status
		noStatus := p.noStatus
		hook := p.statusHook
		p.mu.Unlock()
		if hook != nil {
			hook(&st)
		}
		if !noStatus {
			p.write(conn, sonar.EvtStatus, 0, sonar.EncodeStatus(st))
		}
		p.ack(conn, f, sonar.ResultOK)

	case sonar.CmdGetRelayStats:
		p.mu.Lock()
		stats := p.stats
		p.mu.Unlock()
		p.write(conn, sonar.EvtRelayStats, 0, sonar.EncodeRelayStats(stats))
		p.ack(conn, f, sonar.ResultOK)

	case sonar.CmdSetEnable:
		if len(f.Payload) < 2 || !sonar.Side(f.Payload[0]).Valid() {
			p.ack(conn, f, sonar.ResultBadSide)
			return
		}
		p.mu.Lock()
		if sonar.Side(f.Payload[0]) == sonar.SideLeft {
			p.status.EnabledLeft = f.Payload[1] == 1
		} else {
			p.status.EnabledRight = f.Payload[1] == 1
		}
		p.mu.Unlock()
		p.ack(conn, f, sonar.ResultOK)

	default:
		p.ack(conn, f, sonar.ResultOK)
	}
}

func (p *fakePeer) ack(conn net.Conn, f *sonar.Frame, result uint8) {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
	p.write(conn, sonar.AckType(f.Type), f.Seq, []byte{result})
}

func (p *fakePeer) write(conn net.Conn, msgType uint8, seq uint16, payload []byte) {
	conn.Write(sonar.MustBuildFrame(msgType, seq, payload))
}

// push sends an unsolicited event on the current connection.
func (p *fakePeer) push(msgType uint8, payload []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	p.write(conn, msgType, 0, payload)
}

// hangUp closes the device side of the current link.
func (p *fakePeer) hangUp() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	conn.Close()
}

func (p *fakePeer) set(fn func(p *fakePeer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// frames returns every received frame of type msgType.
func (p *fakePeer) frames(msgType uint8) []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []received
	for _, r := range p.received {
		if r.frame.Type == msgType {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePeer) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// testOptions keeps timers short so tests run quickly.
func testOptions() Options {
	opts := DefaultOptions()
	opts.AckTimeout = 100 * time.Millisecond
	opts.PingTimeout = 100 * time.Millisecond
	opts.Backoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	opts.Debounce = 30 * time.Millisecond
	opts.ConfirmTimeout = 300 * time.Millisecond
	opts.HeartbeatInterval = time.Hour
	opts.ReconnectDelay = 20 * time.Millisecond
	return opts
}

// connectedClient returns a client connected to a fresh fake peer.
func connectedClient(t *testing.T, opts Options, setup func(p *fakePeer)) (*Client, *fakePeer) {
	t.Helper()

	peer := newFakePeer(t)
	if setup != nil {
		peer.set(setup)
	}

	c := NewClient(peer, opts)
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background(), "test"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c, peer
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
