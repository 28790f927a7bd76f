// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// Options configures a Client. Zero durations fall back to DefaultOptions.
type Options struct {
	Logger zerolog.Logger

	AckTimeout  time.Duration
	PingTimeout time.Duration
	Attempts    int
	Backoff     []time.Duration

	Debounce       time.Duration
	ConfirmTimeout time.Duration

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	AutoReconnect     bool

	// OnFrame, if set, sees every valid frame before it is dispatched.
	// It runs on the receive goroutine and must not block.
	OnFrame func(*sonar.Frame)
}

// DefaultOptions returns the timings the controller firmware is tuned for.
func DefaultOptions() Options {
	d := DefaultDispatcherOptions()
	return Options{
		Logger:            zerolog.Nop(),
		AckTimeout:        d.AckTimeout,
		PingTimeout:       1500 * time.Millisecond,
		Attempts:          d.Attempts,
		Backoff:           d.Backoff,
		Debounce:          200 * time.Millisecond,
		ConfirmTimeout:    2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ReconnectDelay:    800 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if len(o.Backoff) == 0 {
		o.Backoff = d.Backoff
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = d.ConfirmTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	return o
}

// Client is the host-side session with one controller. All methods are safe
// for concurrent use.
type Client struct {
	store  *Store
	disp   *Dispatcher
	config *configSync
	sup    *supervisor
}

// NewClient creates a disconnected client that opens transports with dialer.
func NewClient(dialer Dialer, opts Options) *Client {
	opts = opts.withDefaults()

	c := &Client{
		store: NewStore(),
	}

	c.sup = &supervisor{
		dialer:            dialer,
		store:             c.store,
		log:               opts.Logger.With().Str("component", "supervisor").Logger(),
		onFrame:           opts.OnFrame,
		heartbeatInterval: opts.HeartbeatInterval,
		pingTimeout:       opts.PingTimeout,
		reconnectDelay:    opts.ReconnectDelay,
		autoReconnect:     opts.AutoReconnect,
		decoder:           sonar.NewDecoder(),
	}

	c.disp = NewDispatcher(c.sup.write, DispatcherOptions{
		AckTimeout: opts.AckTimeout,
		Attempts:   opts.Attempts,
		Backoff:    opts.Backoff,
		Logger:     opts.Logger.With().Str("component", "dispatcher").Logger(),
	})

	c.config = &configSync{
		store:          c.store,
		disp:           c.disp,
		heartbeat:      c.sup,
		log:            opts.Logger.With().Str("component", "config").Logger(),
		debounce:       opts.Debounce,
		writeTimeout:   opts.AckTimeout,
		confirmTimeout: opts.ConfirmTimeout,
	}

	c.sup.disp = c.disp
	c.sup.config = c.config
	return c
}

// Store returns the observable session state.
func (c *Client) Store() *Store {
	return c.store
}

// State is shorthand for Store().State().
func (c *Client) State() State {
	return c.store.State()
}

// Connect opens the transport, requests status and relay statistics and
// starts the heartbeat. An existing link is closed first.
func (c *Client) Connect(ctx context.Context, address string) error {
	return c.sup.connect(ctx, address)
}

// Disconnect closes the link and rejects all outstanding commands with
// ErrDisconnected. No reconnect will follow.
func (c *Client) Disconnect() {
	c.sup.forget()
	c.sup.disconnect()
}

// Reconnect runs the reconnect cycle against the last address.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.sup.reconnect(ctx)
}

// Close disconnects and stops the command worker.
func (c *Client) Close() error {
	c.Disconnect()
	c.disp.Close()
	return nil
}

// DropCounts returns frames discarded by the receiver (CRC, version, length).
func (c *Client) DropCounts() (crc, version, length uint64) {
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	return c.sup.decoder.DropCounts()
}

// ============================================================
// Commands
// ============================================================

// Ping sends PING and waits for the ACK.
func (c *Client) Ping() error {
	return c.disp.Send(sonar.CmdPing, nil)
}

// RequestStatus asks the peer for a STATUS event.
func (c *Client) RequestStatus() error {
	return c.disp.Send(sonar.CmdGetStatus, nil)
}

// RequestRelayStats asks the peer for a RELAY_STATS event.
func (c *Client) RequestRelayStats() error {
	return c.disp.Send(sonar.CmdGetRelayStats, nil)
}

// ResetRelayStats clears the peer's relay counters and, on success, the
// local copy.
func (c *Client) ResetRelayStats() error {
	if err := c.disp.Send(sonar.CmdResetRelayStats, nil); err != nil {
		return err
	}
	c.store.update(FieldRelayStats, func(st *State) {
		st.Stats = sonar.RelayStats{}
	})
	return nil
}

// SetSideEnabled updates the local flag and sends SET_ENABLE.
func (c *Client) SetSideEnabled(side sonar.Side, enabled bool) error {
	if !side.Valid() {
		return sonar.ErrBadSide
	}
	c.store.update(FieldEnabled, func(st *State) {
		if side == sonar.SideLeft {
			st.EnabledLeft = enabled
		} else {
			st.EnabledRight = enabled
		}
	})
	return c.disp.Send(sonar.CmdSetEnable, sonar.EncodeSetEnable(side, enabled))
}

// TestTrigger fires one side as if an object had been detected.
func (c *Client) TestTrigger(side sonar.Side) error {
	if !side.Valid() {
		return sonar.ErrBadSide
	}
	return c.disp.Send(sonar.CmdTestTrigger, sonar.EncodeSide(side))
}

// EmergencyStop opens both relays. On success the local relay flags are
// cleared without waiting for RELAY events.
func (c *Client) EmergencyStop() error {
	if err := c.disp.Send(sonar.CmdEmergencyStop, nil); err != nil {
		return err
	}
	c.store.update(FieldRelay, func(st *State) {
		st.RelayLeft = false
		st.RelayRight = false
	})
	return nil
}

// ============================================================
// Configuration (debounced)
// ============================================================

// SetThresholdCm sets the detection threshold, clamped to [5, 300].
func (c *Client) SetThresholdCm(v int) {
	v = sonar.Clamp(v, sonar.MinThresholdCm, sonar.MaxThresholdCm)
	c.config.edit(func(cfg *sonar.Config) { cfg.ThresholdCm = v })
}

// SetHysteresisCm sets the hysteresis band, clamped to [0, 100].
func (c *Client) SetHysteresisCm(v int) {
	v = sonar.Clamp(v, sonar.MinHysteresisCm, sonar.MaxHysteresisCm)
	c.config.edit(func(cfg *sonar.Config) { cfg.HysteresisCm = v })
}

// SetMode selects distance or timed operation.
func (c *Client) SetMode(m sonar.Mode) {
	c.config.edit(func(cfg *sonar.Config) { cfg.Mode = m })
}

// SetEntryDelayDistMs sets the distance-mode entry delay, clamped to [0, 60000].
func (c *Client) SetEntryDelayDistMs(v int) {
	v = sonar.Clamp(v, 0, sonar.MaxDelayMs)
	c.config.edit(func(cfg *sonar.Config) { cfg.EntryDelayDistMs = v })
}

// SetExitDelayDistMs sets the distance-mode exit delay, clamped to [0, 60000].
func (c *Client) SetExitDelayDistMs(v int) {
	v = sonar.Clamp(v, 0, sonar.MaxDelayMs)
	c.config.edit(func(cfg *sonar.Config) { cfg.ExitDelayDistMs = v })
}

// SetEntryDelayTimedMs sets the timed-mode entry delay, clamped to [0, 60000].
func (c *Client) SetEntryDelayTimedMs(v int) {
	v = sonar.Clamp(v, 0, sonar.MaxDelayMs)
	c.config.edit(func(cfg *sonar.Config) { cfg.EntryDelayTimedMs = v })
}

// SetActiveTimeMode1Ms sets how long a timed-mode relay stays on, clamped to
// [0, 600000].
func (c *Client) SetActiveTimeMode1Ms(v int) {
	v = sonar.Clamp(v, 0, sonar.MaxActiveTimeMs)
	c.config.edit(func(cfg *sonar.Config) { cfg.ActiveTimeMode1Ms = v })
}

// ApplyConfigOnce writes every field without clamping and waits for the
// peer to confirm them. Out of range values fail with sonar.ErrBadValue
// before anything is sent.
func (c *Client) ApplyConfigOnce(cfg sonar.Config) error {
	return c.config.applyNow(cfg)
}

// ============================================================
// App-only settings
// ============================================================

// SetLitersPerMin sets the per-applicator flow used by EstimateDosage. Local
// only; never sent to the peer.
func (c *Client) SetLitersPerMin(v float64) {
	c.store.update(FieldDosing, func(st *State) { st.LitersPerMin = v })
}

// SetNumApplicators sets the applicator count used by EstimateDosage. Local
// only; never sent to the peer.
func (c *Client) SetNumApplicators(n int) {
	c.store.update(FieldDosing, func(st *State) { st.NumApplicators = n })
}

// SetGramsPerSec sets the product rate used by EstimateDosage. Local only;
// never sent to the peer.
func (c *Client) SetGramsPerSec(v float64) {
	c.store.update(FieldDosing, func(st *State) { st.GramsPerSec = v })
}
