// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// WriteFunc transmits one encoded frame.
type WriteFunc func(frame []byte) error

// DispatcherOptions tunes ACK handling.
type DispatcherOptions struct {
	AckTimeout time.Duration   // per attempt, used by Send
	Attempts   int             // total attempts including the first
	Backoff    []time.Duration // delay before attempt 2, 3, ...; the last entry repeats
	Logger     zerolog.Logger
}

// DefaultDispatcherOptions returns 3 attempts with 200/500/1000 ms backoff and
// a 3 s ACK window.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		AckTimeout: 3 * time.Second,
		Attempts:   3,
		Backoff:    []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond},
		Logger:     zerolog.Nop(),
	}
}

// pendingCommand is the one command waiting for its ACK.
type pendingCommand struct {
	cmd uint8
	seq uint16
	ack chan uint8
}

// request is a queued unit of work: either a command or an exclusive function.
type request struct {
	cmd       uint8
	payload   []byte
	timeout   time.Duration
	exclusive func()

	abort  chan error // buffered; Fail signals the running request here
	result chan error // buffered; receives exactly one value
}

// Dispatcher serializes commands so at most one is ever awaiting an ACK.
// Requests run in submission order on a single worker goroutine.
type Dispatcher struct {
	opts  DispatcherOptions
	write WriteFunc
	seq   *sonar.Sequencer

	mu      sync.Mutex
	queue   []*request
	current *request
	pending *pendingCommand
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher starts a dispatcher that transmits through write.
func NewDispatcher(write WriteFunc, opts DispatcherOptions) *Dispatcher {
	defaults := DefaultDispatcherOptions()
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaults.AckTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaults.Backoff
	}

	d := &Dispatcher{
		opts:  opts,
		write: write,
		seq:   sonar.NewSequencer(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Send queues a command with the default ACK window and waits for its result.
func (d *Dispatcher) Send(cmd uint8, payload []byte) error {
	return d.SendTimeout(cmd, payload, d.opts.AckTimeout)
}

// SendTimeout queues a command and waits for its result. ACK timeouts are
// retried; peer rejections and write errors are returned at once.
func (d *Dispatcher) SendTimeout(cmd uint8, payload []byte, timeout time.Duration) error {
	if len(payload) > sonar.MaxPayloadSize {
		return fmt.Errorf("%s payload %d bytes: %w", sonar.FormatMessageType(cmd), len(payload), sonar.ErrBadLength)
	}
	req := &request{
		cmd:     cmd,
		payload: payload,
		timeout: timeout,
	}
	return d.submit(req)
}

// Exclusive runs fn on the worker once every earlier request has finished.
// No command is in flight while fn runs, and fn must not call Send.
func (d *Dispatcher) Exclusive(fn func()) error {
	return d.submit(&request{exclusive: fn})
}

func (d *Dispatcher) submit(req *request) error {
	req.abort = make(chan error, 1)
	req.result = make(chan error, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, req)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	return <-req.result
}

// HandleAck matches an ACK frame against the pending command. It reports
// whether the frame was consumed.
func (d *Dispatcher) HandleAck(f *sonar.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pending
	if p == nil || f.Seq != p.seq || f.Type != sonar.AckType(p.cmd) {
		return false
	}
	d.pending = nil
	p.ack <- f.Result()
	return true
}

// Fail rejects the running command and every queued request with err.
// A running exclusive function is left to finish.
func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.pending = nil
	if cur := d.current; cur != nil && cur.exclusive == nil {
		select {
		case cur.abort <- err:
		default:
		}
	}
	d.mu.Unlock()

	for _, req := range queued {
		req.result <- err
	}
	if len(queued) > 0 {
		d.opts.Logger.Debug().Int("count", len(queued)).Err(err).Msg("rejected queued commands")
	}
}

// Pending reports whether a command is waiting for its ACK.
func (d *Dispatcher) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// QueueLen returns the number of requests waiting behind the current one.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops the worker and rejects everything outstanding with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.Fail(ErrClosed)
	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		var req *request
		if len(d.queue) > 0 {
			req = d.queue[0]
			d.queue = d.queue[1:]
		}
		d.current = req
		d.mu.Unlock()

		if req == nil {
			select {
			case <-d.wake:
				continue
			case <-d.done:
				return
			}
		}

		var err error
		if req.exclusive != nil {
			req.exclusive()
		} else {
			err = d.run(req)
		}

		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()

		req.result <- err
	}
}

// run makes up to Attempts transmissions, each with a fresh sequence number.
func (d *Dispatcher) run(req *request) error {
	name := sonar.FormatMessageType(req.cmd)
	var err error

	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := d.backoff(attempt - 2)
			d.opts.Logger.Debug().
				Str("cmd", name).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying after ack timeout")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case abortErr := <-req.abort:
				timer.Stop()
				return abortErr
			case <-d.done:
				timer.Stop()
				return ErrClosed
			}
		}

		err = d.attempt(req)
		if !errors.Is(err, ErrAckTimeout) {
			return err
		}
	}

	d.opts.Logger.Warn().Str("cmd", name).Int("attempts", d.opts.Attempts).Msg("no ack")
	return err
}

func (d *Dispatcher) backoff(i int) time.Duration {
	if i >= len(d.opts.Backoff) {
		i = len(d.opts.Backoff) - 1
	}
	return d.opts.Backoff[i]
}

func (d *Dispatcher) attempt(req *request) error {
	seq := d.seq.Next()
	frame, err := sonar.BuildFrame(req.cmd, seq, req.payload)
	if err != nil {
		return err
	}

	p := &pendingCommand{cmd: req.cmd, seq: seq, ack: make(chan uint8, 1)}
	d.mu.Lock()
	d.pending = p
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending == p {
			d.pending = nil
		}
		d.mu.Unlock()
	}()

	// The ACK window includes the time spent writing
	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	if err := d.write(frame); err != nil {
		return fmt.Errorf("write %s: %w", sonar.FormatMessageType(req.cmd), err)
	}

	select {
	case code := <-p.ack:
		if err := sonar.ResultError(code); err != nil {
			return fmt.Errorf("%s rejected: %w", sonar.FormatMessageType(req.cmd), err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s seq %d: %w", sonar.FormatMessageType(req.cmd), seq, ErrAckTimeout)
	case err := <-req.abort:
		return err
	case <-d.done:
		return ErrClosed
	}
}
