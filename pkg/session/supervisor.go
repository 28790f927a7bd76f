// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// Transport is a byte stream to the controller.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a transport to a controller address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Transport, error) {
	return f(ctx, address)
}

// supervisor owns the transport, the receive loop, the heartbeat and the
// reconnect cycle.
type supervisor struct {
	dialer  Dialer
	store   *Store
	disp    *Dispatcher
	config  *configSync
	log     zerolog.Logger
	onFrame func(*sonar.Frame)

	heartbeatInterval time.Duration
	pingTimeout       time.Duration
	reconnectDelay    time.Duration
	autoReconnect     bool

	mu      sync.Mutex
	conn    Transport
	address string
	gen     uint64 // bumped on every connect and disconnect
	decoder *sonar.Decoder
	hbStop  chan struct{}

	reconnecting atomic.Bool
}

func (s *supervisor) write(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(frame)
	return err
}

func (s *supervisor) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// connect dials address and, on success, runs the initial sync.
func (s *supervisor) connect(ctx context.Context, address string) error {
	s.mu.Lock()
	hasConn := s.conn != nil
	s.mu.Unlock()
	if hasConn {
		s.disconnect()
	}

	s.mu.Lock()
	s.address = address
	s.mu.Unlock()
	s.store.setAddress(address)

	if err := s.open(ctx, address, LinkConnecting); err != nil {
		return err
	}
	s.initialSync()
	return nil
}

// open dials and starts the reader. It does not send anything.
func (s *supervisor) open(ctx context.Context, address string, from LinkState) error {
	s.store.setLink(from)

	conn, err := s.dialer.Dial(ctx, address)
	if err != nil {
		s.store.setLink(LinkDisconnected)
		return fmt.Errorf("connect %s: %w", address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.decoder.Reset()
	s.mu.Unlock()

	s.store.setLink(LinkConnected)
	s.log.Info().Str("address", address).Msg("connected")

	go s.readLoop(conn, gen)
	return nil
}

// initialSync refreshes status and relay statistics, then starts the
// heartbeat. Failures are logged only.
func (s *supervisor) initialSync() {
	if err := s.disp.Send(sonar.CmdGetStatus, nil); err != nil {
		s.log.Warn().Err(err).Msg("initial status request failed")
	}
	if err := s.disp.Send(sonar.CmdGetRelayStats, nil); err != nil {
		s.log.Warn().Err(err).Msg("initial relay stats request failed")
	}
	s.startHeartbeat()
}

// disconnect tears the link down and rejects every outstanding command. The
// last address is kept for reconnect.
func (s *supervisor) disconnect() {
	s.stopHeartbeat()
	s.config.cancel()
	s.disp.Fail(ErrDisconnected)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.decoder.Reset()
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}
		s.log.Info().Msg("disconnected")
	}
	s.store.setLink(LinkDisconnected)
}

// forget clears the address so no reconnect cycle will revive the link.
func (s *supervisor) forget() {
	s.mu.Lock()
	s.address = ""
	s.mu.Unlock()
}

// reconnect runs disconnect, delay, connect as one exclusive step of the
// command pipeline. Overlapping calls return immediately.
func (s *supervisor) reconnect(ctx context.Context) error {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.reconnecting.Store(false)

	s.mu.Lock()
	address := s.address
	s.mu.Unlock()
	if address == "" {
		return nil
	}

	s.log.Warn().Str("address", address).Msg("reconnecting")

	var openErr error
	err := s.disp.Exclusive(func() {
		s.disconnect()
		s.store.setLink(LinkReconnecting)

		select {
		case <-time.After(s.reconnectDelay):
		case <-ctx.Done():
			openErr = ctx.Err()
			s.store.setLink(LinkDisconnected)
			return
		}

		s.mu.Lock()
		current := s.address
		s.mu.Unlock()
		if current != address {
			// Disconnected by the user while waiting
			s.store.setLink(LinkDisconnected)
			openErr = ErrDisconnected
			return
		}
		openErr = s.open(ctx, address, LinkReconnecting)
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		s.log.Error().Err(err).Msg("reconnect failed")
		return err
	}

	s.log.Info().Msg("reconnected")
	s.initialSync()
	return nil
}

func (s *supervisor) readLoop(conn Transport, gen uint64) {
	buf := make([]byte, 256)
	var frames []*sonar.Frame

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames = frames[:0]
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			s.decoder.Feed(buf[:n], func(f *sonar.Frame) {
				frames = append(frames, f)
			})
			s.mu.Unlock()

			for _, f := range frames {
				s.dispatchFrame(f)
			}
		}

		if err != nil {
			s.mu.Lock()
			live := s.gen == gen
			s.mu.Unlock()
			if !live {
				return
			}

			if errors.Is(err, io.EOF) {
				s.log.Warn().Msg("link closed by peer")
			} else {
				s.log.Warn().Err(err).Msg("read failed")
			}

			if s.autoReconnect {
				go s.reconnect(context.Background())
			} else {
				s.disconnect()
			}
			return
		}
	}
}

func (s *supervisor) dispatchFrame(f *sonar.Frame) {
	if s.onFrame != nil {
		s.onFrame(f)
	}
	if f.IsAck() {
		if !s.disp.HandleAck(f) {
			s.log.Debug().
				Str("type", sonar.FormatMessageType(f.Type)).
				Uint16("seq", f.Seq).
				Msg("unmatched ack")
		}
		return
	}
	s.store.ApplyFrame(f)
}

func (s *supervisor) startHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hbStop != nil {
		close(s.hbStop)
	}
	stop := make(chan struct{})
	s.hbStop = stop
	go s.heartbeatLoop(stop)
}

func (s *supervisor) stopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

func (s *supervisor) pauseHeartbeat() {
	s.stopHeartbeat()
}

func (s *supervisor) resumeHeartbeat() {
	if s.isConnected() {
		s.startHeartbeat()
	}
}

func (s *supervisor) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if !s.isConnected() || s.config.inFlight() {
			continue
		}

		if err := s.disp.SendTimeout(sonar.CmdPing, nil, s.pingTimeout); err != nil {
			select {
			case <-stop:
				// Stopped while the ping was out; not a link failure
				return
			default:
			}
			s.log.Warn().Err(err).Msg("heartbeat failed")
			go s.reconnect(context.Background())
			return
		}
	}
}
