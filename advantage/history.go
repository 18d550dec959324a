// Package advantage tracks sliding windows of local/remote frame
// advantage samples and reports the average the embedder should use to
// throttle its wall-clock frame rate.
package advantage

import "framelock/input"

// WindowSize is the sliding-window length for both the local and
// remote rings.
const WindowSize = 26

// History holds the two rolling sample windows.
type History struct {
	local      [WindowSize]int8
	remote     [WindowSize]int8
	pendingLocal int8

	remoteSum   int
	remoteCount int
}

// New creates an empty History.
func New() *History { return &History{} }

// SetLocalAdvantage stages the current-tick local sample; it is
// committed into the ring by the next UpdateHistory call.
func (h *History) SetLocalAdvantage(v int8) { h.pendingLocal = v }

// AddRemoteAdvantage appends one remote sample, to be averaged and
// committed on the next UpdateHistory call.
func (h *History) AddRemoteAdvantage(v int8) {
	h.remoteSum += int(v)
	h.remoteCount++
}

func ringIndex(frame input.Frame) int {
	f := int(frame)
	if f < 0 {
		f = 0
	}
	return ((f % WindowSize) + WindowSize) % WindowSize
}

// UpdateHistory commits the staged local sample and the average of the
// remote samples collected since the last call into both rings at the
// same index, derived from frame.
func (h *History) UpdateHistory(frame input.Frame) {
	idx := ringIndex(frame)
	h.local[idx] = h.pendingLocal

	remoteAvg := int8(0)
	if h.remoteCount > 0 {
		remoteAvg = int8(h.remoteSum / h.remoteCount)
	}
	h.remote[idx] = remoteAvg
	h.remoteSum = 0
	h.remoteCount = 0
}

// GetAverageAdvantage returns mean(local) - mean(remote): positive
// means the local simulation is ahead and should slow down, negative
// means it is behind and should speed up.
func (h *History) GetAverageAdvantage() float64 {
	var localSum, remoteSum float64
	for i := 0; i < WindowSize; i++ {
		localSum += float64(h.local[i])
		remoteSum += float64(h.remote[i])
	}
	return (localSum - remoteSum) / float64(WindowSize)
}
