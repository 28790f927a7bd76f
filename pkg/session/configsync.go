// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// heartbeatControl is implemented by the supervisor.
type heartbeatControl interface {
	pauseHeartbeat()
	resumeHeartbeat()
	isConnected() bool
}

// configSync debounces config edits and writes them to the peer, then reads
// the status back to confirm the peer applied them.
type configSync struct {
	store     *Store
	disp      *Dispatcher
	heartbeat heartbeatControl
	log       zerolog.Logger

	debounce       time.Duration
	writeTimeout   time.Duration
	confirmTimeout time.Duration

	mu        sync.Mutex
	dirty     bool
	flushing  bool
	flushDone chan struct{}         // closed when the running flush ends
	edits     []func(*sonar.Config) // replayed over incoming status at flush time
	timer     *time.Timer
}

// edit applies fn to the stored config and restarts the debounce window.
func (c *configSync) edit(fn func(*sonar.Config)) {
	c.store.update(FieldConfig, func(st *State) {
		fn(&st.Config)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	c.edits = append(c.edits, fn)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flushAsync)
}

// applyNow replaces the whole config and flushes synchronously. A flush
// already in flight is waited out first so the result returned is the one for
// cfg.
func (c *configSync) applyNow(cfg sonar.Config) error {
	if !c.heartbeat.isConnected() {
		return ErrNotConnected
	}

	replace := func(dst *sonar.Config) { *dst = cfg }
	c.store.update(FieldConfig, func(st *State) {
		replace(&st.Config)
	})

	c.mu.Lock()
	for c.flushing {
		done := c.flushDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	if !c.heartbeat.isConnected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.edits = append(c.edits, replace)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	edits := c.claimLocked()
	c.mu.Unlock()

	return c.write(edits)
}

// cancel drops any pending edit. Called on disconnect.
func (c *configSync) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.dirty = false
	c.edits = nil
}

// inFlight reports whether a flush is running.
func (c *configSync) inFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushing
}

func (c *configSync) flushAsync() {
	if err := c.flush(); err != nil {
		c.log.Warn().Err(err).Msg("config flush failed")
	}
}

func (c *configSync) flush() error {
	c.mu.Lock()
	if c.flushing || !c.dirty {
		c.mu.Unlock()
		return nil
	}
	if !c.heartbeat.isConnected() {
		c.mu.Unlock()
		c.log.Debug().Msg("config flush skipped: not connected")
		return nil
	}
	edits := c.claimLocked()
	c.mu.Unlock()

	return c.write(edits)
}

// claimLocked marks a flush as running and takes the pending edits.
func (c *configSync) claimLocked() []func(*sonar.Config) {
	c.flushing = true
	c.flushDone = make(chan struct{})
	c.dirty = false
	edits := c.edits
	c.edits = nil
	return edits
}

// finish ends the running flush and reports whether edits arrived meanwhile.
func (c *configSync) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushing = false
	close(c.flushDone)
	c.flushDone = nil
	return c.dirty
}

// write sends the claimed edits and confirms them.
func (c *configSync) write(edits []func(*sonar.Config)) error {
	// A STATUS event may have overwritten the local edits since they were
	// made; apply them again on top of what the peer last reported.
	desired := c.store.State().Config
	for _, fn := range edits {
		fn(&desired)
	}
	c.store.update(FieldConfig, func(st *State) {
		st.Config = desired
	})

	if err := sonar.ValidateConfig(desired); err != nil {
		c.finish()
		return fmt.Errorf("config not sent: %w", err)
	}

	c.heartbeat.pauseHeartbeat()
	defer func() {
		again := c.finish()
		c.heartbeat.resumeHeartbeat()
		if again {
			go c.flushAsync()
		}
	}()

	c.log.Debug().Str("config", sonar.FormatConfig(desired)).Msg("writing config")
	if err := c.disp.SendTimeout(sonar.CmdSetConfig, sonar.EncodeConfig(desired), c.writeTimeout); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return c.confirm(desired)
}

// confirm requests a status refresh and waits for a STATUS event newer than
// the one seen before the request.
func (c *configSync) confirm(desired sonar.Config) error {
	_, fresh := c.store.StatusWatch()

	timer := time.NewTimer(c.confirmTimeout)
	defer timer.Stop()

	requested := make(chan error, 1)
	go func() {
		requested <- c.disp.Send(sonar.CmdGetStatus, nil)
	}()

	for {
		select {
		case <-fresh:
			got := c.store.LastStatus().Config
			if got != desired {
				return fmt.Errorf("wanted %s, peer reports %s: %w",
					sonar.FormatConfig(desired), sonar.FormatConfig(got), ErrConfigMismatch)
			}
			return nil
		case err := <-requested:
			if err != nil {
				return fmt.Errorf("request status: %w", err)
			}
			requested = nil
		case <-timer.C:
			return ErrStatusTimeout
		}
	}
}
