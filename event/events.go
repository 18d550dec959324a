// Package event implements pooled, reusable event buffers for game
// events (Advance/Save/Load) and session events (connection lifecycle,
// desync) so UpdateSession never allocates one per frame in steady
// state. Entries are reset, not freed, and stay valid until the next
// reset — the same bounded, reuse-in-place pattern a connection
// registry applies to its message/reaction caches.
package event

import "framelock/input"

// Frame re-exports input.Frame.
type Frame = input.Frame

// GameEventType discriminates a GameEvent's payload.
type GameEventType int

const (
	Advance GameEventType = iota
	Save
	Load
)

// GameEvent is one Advance/Save/Load occurrence for a single tick.
// For Save events, State/Checksum/StateLen are out-parameters the
// embedder fills in; for Load, they are the library handing back
// previously saved bytes.
type GameEvent struct {
	Type         GameEventType
	Frame        Frame
	Inputs       [][]byte
	RollingBack  bool
	State        []byte
	StateLen     *int
	Checksum     *uint32
}

// SessionEventType discriminates a SessionEvent's payload.
type SessionEventType int

const (
	PlayerSyncing SessionEventType = iota
	PlayerConnected
	PlayerDisconnected
	SessionStarted
	SpectatorPaused
	SpectatorUnpaused
	DesyncDetected
)

// SessionEvent reports peer lifecycle and desync occurrences.
type SessionEvent struct {
	Type           SessionEventType
	Handle         int
	SyncCurrent    int
	SyncMax        int
	Frame          Frame
	RemoteHandle   int
	LocalChecksum  uint32
	RemoteChecksum uint32
}

// GamePool hands out GameEvents in call order, reusing backing slices
// across ticks.
type GamePool struct {
	entries []GameEvent
	n       int
}

// NewGamePool creates an empty pool.
func NewGamePool() *GamePool { return &GamePool{} }

// Reset marks every pooled entry empty without freeing the backing
// array.
func (p *GamePool) Reset() { p.n = 0 }

// Get returns the next entry, extending the pool on demand.
func (p *GamePool) Get() *GameEvent {
	if p.n == len(p.entries) {
		p.entries = append(p.entries, GameEvent{})
	}
	e := &p.entries[p.n]
	*e = GameEvent{}
	p.n++
	return e
}

// All returns the events emitted since the last Reset, in emission
// order. The returned slice aliases pool storage and is valid only
// until the next Reset.
func (p *GamePool) All() []GameEvent { return p.entries[:p.n] }

// SessionPool is GamePool's twin for SessionEvents.
type SessionPool struct {
	entries []SessionEvent
	n       int
}

// NewSessionPool creates an empty pool.
func NewSessionPool() *SessionPool { return &SessionPool{} }

// Reset marks every pooled entry empty.
func (p *SessionPool) Reset() { p.n = 0 }

// Get returns the next entry, extending the pool on demand.
func (p *SessionPool) Get() *SessionEvent {
	if p.n == len(p.entries) {
		p.entries = append(p.entries, SessionEvent{})
	}
	e := &p.entries[p.n]
	*e = SessionEvent{}
	p.n++
	return e
}

// All returns the events emitted since the last Reset, in emission
// order.
func (p *SessionPool) All() []SessionEvent { return p.entries[:p.n] }
