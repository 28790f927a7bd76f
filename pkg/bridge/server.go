// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// Controller is the part of session.Client the bridge drives.
type Controller interface {
	Store() *session.Store
	Ping() error
	RequestStatus() error
	RequestRelayStats() error
	ResetRelayStats() error
	SetThresholdCm(v int)
	SetHysteresisCm(v int)
	SetMode(m sonar.Mode)
	SetSideEnabled(side sonar.Side, enabled bool) error
	ApplyConfigOnce(cfg sonar.Config) error
	TestTrigger(side sonar.Side) error
	EmergencyStop() error
}

// Options configures a Server.
type Options struct {
	Username string // Basic auth is required when both are set
	Password string
	Logger   zerolog.Logger
}

const (
	writeWait  = 2 * time.Second
	sendBuffer = 32
)

// Server fans state changes out to WebSocket clients and runs their commands.
type Server struct {
	ctrl     Controller
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metrics

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed bool // guarded by Server.mu
}

// close must be called with Server.mu held.
func (c *client) close() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// NewServer creates a bridge for ctrl.
func NewServer(ctrl Controller, opts Options) *Server {
	return &Server{
		ctrl: ctrl,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: newMetrics(),
		clients: make(map[*client]struct{}),
	}
}

// Run publishes store changes until ctx is done.
func (s *Server) Run(ctx context.Context) {
	changes, cancel := s.ctrl.Store().Subscribe(64)
	defer cancel()
	s.metrics.observe(s.ctrl.Store().State())

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.metrics.observe(change.State)
			s.broadcast(&Message{
				Type:  MsgState,
				Field: change.Field.String(),
				State: NewState(change.State),
			})
		}
	}
}

// Clients returns the number of connected sockets.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Username == "" || s.opts.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Password)) == 1
	return userOK && passOK
}

// ServeHTTP upgrades the request and serves one client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="sonarctl"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	go s.writeLoop(c)

	// Initial state goes out before the client joins the broadcast set
	s.sendTo(c, &Message{Type: MsgState, Field: "initial", State: NewState(s.ctrl.Store().State())})

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.metrics.clients.Set(float64(len(s.clients)))
	s.mu.Unlock()
	s.opts.Logger.Info().Str("remote", r.RemoteAddr).Msg("bridge client connected")

	s.readLoop(c)

	s.remove(c)
	s.opts.Logger.Info().Str("remote", r.RemoteAddr).Msg("bridge client disconnected")
}

func (s *Server) readLoop(c *client) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msg, err := Decode(data)
		if err != nil {
			s.sendTo(c, &Message{Type: MsgResult, Error: err.Error()})
			continue
		}
		if msg.Type != MsgCommand || msg.Command == nil {
			s.sendTo(c, &Message{Type: MsgResult, ID: msg.ID, Error: fmt.Sprintf("unexpected message type 0x%02X", msg.Type)})
			continue
		}

		// Commands can wait seconds for ACKs; keep reading meanwhile
		go func(id uint64, cmd Command) {
			reply := &Message{Type: MsgResult, ID: id}
			err := s.execute(cmd)
			s.metrics.recordCommand(cmd.Op, err)
			if err != nil {
				reply.Error = err.Error()
			}
			s.sendTo(c, reply)
		}(msg.ID, *msg.Command)
	}
}

func (s *Server) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.remove(c)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (s *Server) sendTo(c *client, m *Message) {
	data, err := Encode(m)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("encode bridge message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		s.opts.Logger.Warn().Msg("bridge client too slow, dropping message")
	}
}

func (s *Server) broadcast(m *Message) {
	data, err := Encode(m)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("encode bridge message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: disconnect rather than stall everyone
			delete(s.clients, c)
			c.close()
		}
	}
	s.metrics.clients.Set(float64(len(s.clients)))
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	c.close()
	s.metrics.clients.Set(float64(len(s.clients)))
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	s.metrics.clients.Set(0)
}

var errMissingConfig = errors.New("apply_config needs a config")

func (s *Server) execute(cmd Command) error {
	switch cmd.Op {
	case OpPing:
		return s.ctrl.Ping()
	case OpStatus:
		return s.ctrl.RequestStatus()
	case OpStats:
		return s.ctrl.RequestRelayStats()
	case OpResetStats:
		return s.ctrl.ResetRelayStats()
	case OpThreshold:
		s.ctrl.SetThresholdCm(cmd.Value)
		return nil
	case OpHysteresis:
		s.ctrl.SetHysteresisCm(cmd.Value)
		return nil
	case OpMode:
		if cmd.Value != int(sonar.ModeDistance) && cmd.Value != int(sonar.ModeTimed) {
			return fmt.Errorf("mode %d: %w", cmd.Value, sonar.ErrBadValue)
		}
		s.ctrl.SetMode(sonar.Mode(cmd.Value))
		return nil
	case OpEnable:
		side, ok := sonar.ParseSide(cmd.Side)
		if !ok {
			return sonar.ErrBadSide
		}
		return s.ctrl.SetSideEnabled(side, cmd.Enabled)
	case OpApplyConfig:
		if cmd.Config == nil {
			return errMissingConfig
		}
		return s.ctrl.ApplyConfigOnce(cmd.Config.Sonar())
	case OpTrigger:
		side, ok := sonar.ParseSide(cmd.Side)
		if !ok {
			return sonar.ErrBadSide
		}
		return s.ctrl.TestTrigger(side)
	case OpEmergencyStop:
		return s.ctrl.EmergencyStop()
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
}
