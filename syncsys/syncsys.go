// Package syncsys fans out per-player input buffers into one combined
// input vector per frame and tracks the frame cursor that rollback
// replay rewinds and re-advances.
package syncsys

import "framelock/input"

// Frame re-exports input.Frame so callers don't need two imports for
// the same concept.
type Frame = input.Frame

// NullFrame re-exports input.NullFrame.
const NullFrame = input.NullFrame

// System owns one input.Buffer per player and the session's current
// frame cursor.
type System struct {
	buffers      []*input.Buffer
	currentFrame Frame
}

// New creates a System with one buffer per player.
func New(buffers []*input.Buffer) *System {
	return &System{buffers: buffers, currentFrame: 0}
}

// CurrentFrame returns the frame cursor.
func (s *System) CurrentFrame() Frame { return s.currentFrame }

// Buffer returns the input buffer for a given player index.
func (s *System) Buffer(handle int) *input.Buffer { return s.buffers[handle] }

// IncrementFrame advances the cursor by one.
func (s *System) IncrementFrame() { s.currentFrame++ }

// SetCurrentFrame forcibly sets the cursor; used exclusively during
// rollback replay.
func (s *System) SetCurrentFrame(f Frame) { s.currentFrame = f }

// GetCurrentInputs concatenates every player's Get(current, predict=true).
// Returns ok=false the instant any player's buffer can't produce a frame.
func (s *System) GetCurrentInputs() (inputs [][]byte, frame Frame, ok bool) {
	return s.getInputs(s.currentFrame, true)
}

// GetSpectatorInputs is the same composition but never predicts —
// spectators only ever play confirmed inputs.
func (s *System) GetSpectatorInputs(frame Frame) (inputs [][]byte, ok bool) {
	out, _, ok := s.getInputs(frame, false)
	return out, ok
}

func (s *System) getInputs(frame Frame, allowPrediction bool) ([][]byte, Frame, bool) {
	out := make([][]byte, len(s.buffers))
	for i, buf := range s.buffers {
		rec := buf.Get(frame, allowPrediction)
		if rec.IsNull() {
			return nil, NullFrame, false
		}
		out[i] = rec.Bytes
	}
	return out, frame, true
}

// GetLocalInput is the single-player accessor used when assembling
// outbound packets.
func (s *System) GetLocalInput(handle int, frame Frame) input.GameInput {
	return s.buffers[handle].Get(frame, false)
}

// GetMinIncorrectFrame returns the minimum front-of-queue misprediction
// across all players, or NullFrame if none has one.
func (s *System) GetMinIncorrectFrame() Frame {
	min := NullFrame
	for _, buf := range s.buffers {
		f := buf.GetIncorrectPredictionFrame()
		if f == NullFrame {
			continue
		}
		if min == NullFrame || f < min {
			min = f
		}
	}
	return min
}

// GetMinReceivedFrame returns the minimum last_received across all
// players. Unlike GetMinIncorrectFrame, NullFrame here is a genuine
// minimum (a player with nothing received yet), not "absent".
func (s *System) GetMinReceivedFrame() Frame {
	if len(s.buffers) == 0 {
		return NullFrame
	}
	min := s.buffers[0].LastReceived()
	for _, buf := range s.buffers[1:] {
		if f := buf.LastReceived(); f < min {
			min = f
		}
	}
	return min
}

// GetLastReceivedFrom returns last_received for a single player.
func (s *System) GetLastReceivedFrom(handle int) Frame {
	return s.buffers[handle].LastReceived()
}

// ClearIncorrectUpTo fans ClearIncorrectUpTo out to every buffer.
func (s *System) ClearIncorrectUpTo(limit Frame) {
	for _, buf := range s.buffers {
		buf.ClearIncorrectUpTo(limit)
	}
}
