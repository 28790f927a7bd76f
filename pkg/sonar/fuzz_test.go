// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sonar

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomPayload returns 0..MaxPayloadSize random bytes
func randomPayload(rng *rand.Rand) []byte {
	p := make([]byte, rng.Intn(MaxPayloadSize+1))
	rng.Read(p)
	return p
}

// feedChunked feeds data to the decoder in randomly sized chunks
func feedChunked(rng *rand.Rand, d *Decoder, data []byte) []*Frame {
	var frames []*Frame
	for off := 0; off < len(data); {
		n := 1 + rng.Intn(32)
		if off+n > len(data) {
			n = len(data) - off
		}
		d.Feed(data[off:off+n], func(f *Frame) {
			frames = append(frames, f)
		})
		off += n
	}
	return frames
}

// ============================================================
// Round-Trip Fuzz Tests
// ============================================================

func TestFuzz_FrameRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		msgType := uint8(rng.Intn(256))
		seq := uint16(rng.Intn(65536))
		payload := randomPayload(rng)

		wire, err := BuildFrame(msgType, seq, payload)
		if err != nil {
			t.Fatalf("round %d: BuildFrame failed: %v", i, err)
		}

		f, err := ParseFrame(wire)
		if err != nil {
			t.Fatalf("round %d: ParseFrame failed: %v", i, err)
		}
		if f.Type != msgType || f.Seq != seq || !bytes.Equal(f.Payload, payload) {
			t.Fatalf("round %d: mismatch type=0x%02X/0x%02X seq=%d/%d", i, f.Type, msgType, f.Seq, seq)
		}

		d := NewDecoder()
		frames := feedChunked(rng, d, wire)
		if len(frames) != 1 {
			t.Fatalf("round %d: decoder produced %d frames", i, len(frames))
		}
		if frames[0].CRC != f.CRC {
			t.Fatalf("round %d: decoder CRC 0x%04X != parser CRC 0x%04X", i, frames[0].CRC, f.CRC)
		}
	}
}

// ============================================================
// Resynchronization Fuzz Tests
// ============================================================

// TestFuzz_CorruptThenValid corrupts the payload of one frame and follows it
// with a valid frame. Only the valid frame may be dispatched.
func TestFuzz_CorruptThenValid(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		corruptPayload := make([]byte, 1+rng.Intn(MaxPayloadSize))
		rng.Read(corruptPayload)
		bad := MustBuildFrame(EvtStatus, uint16(rng.Intn(65536)), corruptPayload)

		// Flip one bit inside the payload region
		pos := HeaderSize + rng.Intn(len(corruptPayload))
		bad[pos] ^= 1 << uint(rng.Intn(8))

		goodPayload := randomPayload(rng)
		goodSeq := uint16(rng.Intn(65536))
		good := MustBuildFrame(EvtRelayStats, goodSeq, goodPayload)

		d := NewDecoder()
		frames := feedChunked(rng, d, append(bad, good...))

		if len(frames) != 1 {
			t.Fatalf("round %d: expected exactly 1 frame, got %d", i, len(frames))
		}
		if frames[0].Type != EvtRelayStats || frames[0].Seq != goodSeq || !bytes.Equal(frames[0].Payload, goodPayload) {
			t.Fatalf("round %d: dispatched the wrong frame", i)
		}
	}
}

// TestFuzz_RandomNoiseNeverPanics feeds random bytes and checks the decoder
// stays usable afterwards.
func TestFuzz_RandomNoiseNeverPanics(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	d := NewDecoder()
	for i := 0; i < rounds; i++ {
		noise := make([]byte, rng.Intn(256))
		rng.Read(noise)
		feedChunked(rng, d, noise)
	}

	// Flush any partial frame, then a valid frame must decode
	d.Reset()
	frames := feedChunked(rng, d, MustBuildFrame(CmdPing, 1, nil))
	if len(frames) != 1 {
		t.Errorf("decoder did not recover after noise: %d frames", len(frames))
	}
}
