// Package input implements the per-player ring buffer of frame-indexed
// game inputs: local/remote ingestion, bounded speculative prediction,
// and misprediction tracking ahead of rollback.
package input

import "fmt"

// Frame identifies a simulation tick. NullFrame denotes "absent".
type Frame int32

// NullFrame is the sentinel for "no such frame".
const NullFrame Frame = -1

// DefaultSize is the default ring capacity for a player's input buffer.
const DefaultSize = 128

// GameInput is a single frame's opaque input payload.
type GameInput struct {
	Frame Frame
	Bytes []byte
}

// IsNull reports whether this record carries no data.
func (gi GameInput) IsNull() bool { return gi.Frame == NullFrame }

func zeroInput(frame Frame, size int) GameInput {
	return GameInput{Frame: frame, Bytes: make([]byte, size)}
}

// slot is one ring position. set distinguishes a populated slot at
// frame 0 from an untouched one.
type slot struct {
	input GameInput
	set   bool
}

// Buffer is the ring of input records for one player slot.
type Buffer struct {
	ring      []slot
	inputSize int

	lastReceived Frame
	inputDelay   int

	predictionWindow   int
	firstPredicted     Frame
	lastPredicted      Frame
	incorrectPredicted []Frame // ordered ascending; front = min
}

// NewBuffer creates a buffer with the given ring size, fixed payload
// width, and maximum prediction window (0 disables prediction).
func NewBuffer(size, inputSize, predictionWindow int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		ring:             make([]slot, size),
		inputSize:        inputSize,
		lastReceived:     NullFrame,
		predictionWindow: predictionWindow,
		firstPredicted:   NullFrame,
		lastPredicted:    NullFrame,
	}
}

// index maps a (possibly negative) frame to its ring slot, spelling out
// the double-mod so the sign of Go's % doesn't leak through.
func (b *Buffer) index(frame Frame) int {
	n := len(b.ring)
	return int(((int(frame) % n) + n) % n)
}

func (b *Buffer) write(frame Frame, bytes []byte) {
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	b.ring[b.index(frame)] = slot{input: GameInput{Frame: frame, Bytes: cp}, set: true}
}

func (b *Buffer) read(frame Frame) (GameInput, bool) {
	s := b.ring[b.index(frame)]
	if !s.set || s.input.Frame != frame {
		return GameInput{}, false
	}
	return s.input, true
}

// AddLocal writes a locally produced input at frame+input_delay, zero-
// filling the skipped lead-in frames the first time delay is applied.
// Equivalent to Add(frame+input_delay, bytes).
func (b *Buffer) AddLocal(frame Frame, bytes []byte) error {
	target := frame + Frame(b.inputDelay)
	if b.inputDelay > 0 {
		if _, ok := b.read(frame); !ok {
			for f := Frame(0); f < Frame(b.inputDelay); f++ {
				if f == b.lastReceived+1 {
					_ = b.Add(f, make([]byte, b.inputSize))
				}
			}
		}
	}
	return b.Add(target, bytes)
}

// Add accepts a definitive input for frame, which must equal
// last_received+1. Reconciles against any outstanding prediction for
// that frame before advancing last_received.
func (b *Buffer) Add(frame Frame, bytes []byte) error {
	if frame != b.lastReceived+1 {
		return fmt.Errorf("input: out-of-order frame %d (last_received=%d)", frame, b.lastReceived)
	}
	if len(bytes) != b.inputSize {
		return fmt.Errorf("input: wrong payload size %d, want %d", len(bytes), b.inputSize)
	}

	if b.predictionWindow > 0 && frame == b.firstPredicted {
		stored, _ := b.read(frame)
		if !bytesEqual(stored.Bytes, bytes) {
			b.incorrectPredicted = append(b.incorrectPredicted, b.firstPredicted)
			for f := b.firstPredicted; f <= b.lastPredicted; f++ {
				b.write(f, bytes)
			}
		}
		b.firstPredicted++
		if b.firstPredicted > b.lastPredicted {
			b.firstPredicted = NullFrame
			b.lastPredicted = NullFrame
		}
	}

	b.write(frame, bytes)
	b.lastReceived = frame
	return nil
}

// Get returns the stored record for frame if known. When allowPrediction
// is set and the prediction window still has room, it synthesizes a
// prediction by repeating the most recent known input (or zero bytes if
// none exists yet). Returns a null record when neither is possible — the
// caller must not advance past that.
func (b *Buffer) Get(frame Frame, allowPrediction bool) GameInput {
	if b.lastReceived >= frame {
		rec, ok := b.read(frame)
		if ok {
			return rec
		}
		return GameInput{Frame: NullFrame}
	}

	if !allowPrediction || b.predictionWindow == 0 {
		return GameInput{Frame: NullFrame}
	}

	windowLen := 0
	if b.firstPredicted != NullFrame {
		windowLen = int(b.lastPredicted-b.firstPredicted) + 1
	}
	if windowLen >= b.predictionWindow {
		return GameInput{Frame: NullFrame}
	}

	var base GameInput
	if b.lastReceived != NullFrame {
		rec, ok := b.read(b.lastReceived)
		if ok {
			base = rec
		} else {
			base = zeroInput(frame, b.inputSize)
		}
	} else {
		base = zeroInput(frame, b.inputSize)
	}

	if b.firstPredicted == NullFrame {
		b.firstPredicted = frame
	}
	b.lastPredicted = frame
	b.write(frame, base.Bytes)
	rec, _ := b.read(frame)
	return rec
}

// SetDelay changes input_delay. Increasing it pads forward by repeating
// the latest known input; decreasing it is accepted but does not
// retract already-sent frames — the local side simply lags until it
// catches up.
func (b *Buffer) SetDelay(newDelay int) {
	if newDelay <= b.inputDelay {
		b.inputDelay = newDelay
		return
	}
	latest := make([]byte, b.inputSize)
	if b.lastReceived != NullFrame {
		if rec, ok := b.read(b.lastReceived); ok {
			latest = rec.Bytes
		}
	}
	pad := newDelay - b.inputDelay
	for i := 0; i < pad; i++ {
		_ = b.Add(b.lastReceived+1, latest)
	}
	b.inputDelay = newDelay
}

// LastReceived returns the highest frame with a definitive input.
func (b *Buffer) LastReceived() Frame { return b.lastReceived }

// GetIncorrectPredictionFrame returns the earliest outstanding
// misprediction, or NullFrame if none.
func (b *Buffer) GetIncorrectPredictionFrame() Frame {
	if len(b.incorrectPredicted) == 0 {
		return NullFrame
	}
	return b.incorrectPredicted[0]
}

// ClearIncorrectUpTo drops every tracked misprediction at or below limit.
func (b *Buffer) ClearIncorrectUpTo(limit Frame) {
	i := 0
	for i < len(b.incorrectPredicted) && b.incorrectPredicted[i] <= limit {
		i++
	}
	b.incorrectPredicted = b.incorrectPredicted[i:]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
