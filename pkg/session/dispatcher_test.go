// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// recordingWriter captures frames and optionally ACKs them.
type recordingWriter struct {
	mu     sync.Mutex
	frames []*sonar.Frame
	err    error
	d      *Dispatcher
	result uint8
	ack    bool
	ackSeq func(seq uint16) uint16
	delay  time.Duration // time each write blocks
}

func (w *recordingWriter) write(b []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	f, err := sonar.ParseFrame(b)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()

	if w.ack {
		seq := f.Seq
		if w.ackSeq != nil {
			seq = w.ackSeq(seq)
		}
		go w.d.HandleAck(&sonar.Frame{Type: sonar.AckType(f.Type), Seq: seq, Payload: []byte{w.result}})
	}
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func newTestDispatcher(w *recordingWriter) *Dispatcher {
	d := NewDispatcher(w.write, DispatcherOptions{
		AckTimeout: 30 * time.Millisecond,
		Backoff:    []time.Duration{5 * time.Millisecond},
	})
	w.d = d
	return d
}

func TestDispatcher_Acked(t *testing.T) {
	w := &recordingWriter{ack: true}
	d := newTestDispatcher(w)
	defer d.Close()

	if err := d.Send(sonar.CmdPing, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if w.count() != 1 {
		t.Errorf("writes = %d, want 1", w.count())
	}
	if w.frames[0].Seq != 1 {
		t.Errorf("first sequence = %d, want 1", w.frames[0].Seq)
	}
}

func TestDispatcher_WriteErrorNotRetried(t *testing.T) {
	writeErr := errors.New("broken pipe")
	w := &recordingWriter{err: writeErr}
	d := newTestDispatcher(w)
	defer d.Close()

	err := d.Send(sonar.CmdPing, nil)
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if errors.Is(err, ErrAckTimeout) {
		t.Error("write error must not be reported as a timeout")
	}
}

func TestDispatcher_PayloadTooLarge(t *testing.T) {
	w := &recordingWriter{ack: true}
	d := newTestDispatcher(w)
	defer d.Close()

	err := d.Send(sonar.CmdSetConfig, make([]byte, sonar.MaxPayloadSize+1))
	if !errors.Is(err, sonar.ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
	if w.count() != 0 {
		t.Error("oversized payload must not be written")
	}
}

func TestDispatcher_TimeoutIncludesWrite(t *testing.T) {
	w := &recordingWriter{delay: 100 * time.Millisecond}
	d := NewDispatcher(w.write, DispatcherOptions{
		AckTimeout: 100 * time.Millisecond,
		Attempts:   1,
		Backoff:    []time.Duration{5 * time.Millisecond},
	})
	w.d = d
	defer d.Close()

	start := time.Now()
	err := d.Send(sonar.CmdPing, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	// Write time counts against the window: ~100ms, not write + timeout
	if elapsed >= 170*time.Millisecond {
		t.Errorf("Send took %v; the ACK window started after the write", elapsed)
	}
}

func TestDispatcher_WrongSeqIgnored(t *testing.T) {
	w := &recordingWriter{ack: true, ackSeq: func(seq uint16) uint16 { return seq + 100 }}
	d := newTestDispatcher(w)
	defer d.Close()

	err := d.Send(sonar.CmdPing, nil)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("ACK with the wrong sequence should not match, got %v", err)
	}
	if w.count() != 3 {
		t.Errorf("attempts = %d, want 3", w.count())
	}
}

func TestDispatcher_WrongTypeIgnored(t *testing.T) {
	w := &recordingWriter{}
	d := newTestDispatcher(w)
	defer d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Send(sonar.CmdGetStatus, nil) }()

	var seq uint16
	waitFor(t, time.Second, "write", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		if len(w.frames) == 0 {
			return false
		}
		seq = w.frames[0].Seq
		return true
	})
	if d.HandleAck(&sonar.Frame{Type: sonar.AckType(sonar.CmdPing), Seq: seq, Payload: []byte{0}}) {
		t.Error("ACK for another command type must not match")
	}
	if !d.HandleAck(&sonar.Frame{Type: sonar.AckType(sonar.CmdGetStatus), Seq: seq, Payload: []byte{0}}) {
		t.Error("matching ACK was not consumed")
	}
	if err := <-done; err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestDispatcher_ExclusiveWaitsForQueue(t *testing.T) {
	w := &recordingWriter{ack: true}
	d := newTestDispatcher(w)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Send(sonar.CmdPing, nil)
		}()
	}
	waitFor(t, time.Second, "pings", func() bool { return w.count() == 3 })

	var sawPending bool
	if err := d.Exclusive(func() { sawPending = d.Pending() }); err != nil {
		t.Fatalf("Exclusive failed: %v", err)
	}
	if sawPending {
		t.Error("a command was in flight during the exclusive section")
	}
	wg.Wait()
}

func TestDispatcher_Close(t *testing.T) {
	w := &recordingWriter{}
	d := newTestDispatcher(w)

	done := make(chan error, 1)
	go func() { done <- d.SendTimeout(sonar.CmdPing, nil, time.Minute) }()
	waitFor(t, time.Second, "write", func() bool { return w.count() == 1 })

	d.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.Send(sonar.CmdPing, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: %v", err)
	}
}
