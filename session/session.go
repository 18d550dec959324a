// Package session implements the per-tick session controller: the
// orchestrator that wires the input buffer, sync system, state
// storage, advantage history, event buffers, and message system into
// the embedder-facing Game/Spectator/Stress control surface.
package session

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"framelock/advantage"
	"framelock/event"
	"framelock/input"
	"framelock/message"
	"framelock/peer"
	"framelock/protocol"
	"framelock/storage"
	"framelock/syncsys"
	"framelock/transport"
)

// Variant selects which of the three control-flow shapes a Session
// runs: a full participant predicting and rolling back, a read-only
// spectator free-running behind the host, or a headless stress
// harness exercising rollback without real networking.
type Variant int

const (
	VariantGame Variant = iota
	VariantSpectator
	VariantStress
)

// Config holds every knob the embedder sets at creation time.
type Config struct {
	NumPlayers       int
	InputSize        int
	PredictionWindow int
	LimitedSaving    bool
	MaxStateSize     int // default 4096 if zero
	SpectatorDelay   int
	// DesyncInterval is how many frames apart SessionHealth checksums
	// are exchanged and cross-referenced. 0 disables desync detection.
	DesyncInterval int
	// CheckDistance is the Stress variant's self-check period: every
	// CheckDistance frames, the recent window is replayed and compared
	// against its first pass. 0 disables the check. Unused outside
	// VariantStress.
	CheckDistance int
}

func (c Config) withDefaults() Config {
	if c.MaxStateSize <= 0 {
		c.MaxStateSize = 4096
	}
	return c
}

// Session is the embedder's handle to one rollback session.
type Session struct {
	mu sync.Mutex

	id      uuid.UUID
	cfg     Config
	variant Variant

	sync    *syncsys.System
	storage *storage.Storage
	adv     *advantage.History
	msg     *message.System

	net transport.NetAdapter

	gamePool    *event.GamePool
	sessionPool *event.SessionPool

	localHandles []int
	nextHandle   int
	started      bool

	localChecksums  map[int32]*uint32
	lastDesyncCheck input.Frame
	spectatorPaused bool

	// lastSavedFrame is the most recent frame handed to the embedder in
	// a Save event, by either the forward path or a rollback replay.
	// noSaveYet until the first Save of the session ever fires.
	lastSavedFrame input.Frame

	// pendingSelfCheck holds the first-pass checksums queued by the
	// Stress variant's most recent self-check replay, awaiting the
	// embedder's write-back on the following tick before they can be
	// compared against the replay's checksums.
	pendingSelfCheck map[int32]uint32
}

// noSaveYet marks a Session that has never emitted a Save event, one
// frame before NullFrame itself.
const noSaveYet input.Frame = input.NullFrame - 1

// New creates a Session of the given variant, ready to have actors
// added and its net adapter set before Start.
func New(variant Variant, cfg Config) *Session {
	cfg = cfg.withDefaults()

	buffers := make([]*input.Buffer, cfg.NumPlayers)
	for i := range buffers {
		buffers[i] = input.NewBuffer(input.DefaultSize, cfg.InputSize, cfg.PredictionWindow)
	}
	syncSys := syncsys.New(buffers)
	stor := storage.New(cfg.LimitedSaving, cfg.PredictionWindow, cfg.MaxStateSize)
	adv := advantage.New()
	msg := message.NewSystem(syncSys, cfg.NumPlayers, cfg.InputSize, nil, sessionRNG())

	return &Session{
		id:              uuid.New(),
		cfg:             cfg,
		variant:         variant,
		sync:            syncSys,
		storage:         stor,
		adv:             adv,
		msg:             msg,
		gamePool:        event.NewGamePool(),
		sessionPool:     event.NewSessionPool(),
		localChecksums:  make(map[int32]*uint32),
		lastDesyncCheck: input.NullFrame,
		lastSavedFrame:  noSaveYet,
	}
}

// sessionRNG seeds a session's local handshake magic from real entropy
// once per session, rather than one process-global rand() shared
// across every session in the process.
func sessionRNG() *rand.Rand {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any
		// supported platform; fall back to a fixed seed rather than
		// a nil Rand so the session still starts.
		return rand.New(rand.NewPCG(1, 1))
	}
	return rand.New(rand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])))
}

// ID returns this session's human-facing identifier, useful for
// correlating log lines across peers.
func (s *Session) ID() uuid.UUID { return s.id }

// SetNetAdapter installs the transport collaborator used for all
// outbound sends and inbound polling. Required before Start for any
// variant other than Stress.
func (s *Session) SetNetAdapter(net transport.NetAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.net = net
}

// AddActor registers a player. address == nil adds a local actor
// (handle only, no peer connection); a non-nil address adds a remote
// player or spectator reachable through the Message System.
func (s *Session) AddActor(kind peer.Kind, address []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextHandle
	s.nextHandle++

	if address == nil {
		if kind != peer.Remote {
			return 0, fmt.Errorf("session: a spectator actor must have an address")
		}
		s.localHandles = append(s.localHandles, handle)
		s.msg.AddLocalHandle(handle)
		return handle, nil
	}

	if kind == peer.Remote && handle >= s.cfg.NumPlayers {
		return 0, fmt.Errorf("session: remote actor handle %d exceeds NumPlayers %d", handle, s.cfg.NumPlayers)
	}

	p := peer.New(handle, kind, address)
	if kind == peer.Remote {
		p.OwnedHandles = []int{handle}
	}
	s.msg.AddPeer(p)
	return handle, nil
}

// SetLocalDelay adjusts the input delay applied to a local actor's
// handle going forward.
func (s *Session) SetLocalDelay(handle, delay int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync.Buffer(handle).SetDelay(delay)
}

// AddLocalInput feeds one frame's input for a local actor. Frame is
// always the session's current frame plus that buffer's input delay.
func (s *Session) AddLocalInput(handle int, bytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync.Buffer(handle).AddLocal(s.sync.CurrentFrame(), bytes)
}

// Start marks the session active and stages a SessionStarted event.
// Call SessionEvents before the first UpdateSession to observe it.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	e := s.sessionPool.Get()
	e.Type = event.SessionStarted
}

// NetworkPoll drains the net adapter and dispatches every datagram to
// the message system without advancing the simulation. Useful for
// embedders that want to separate network I/O from the simulation
// tick.
func (s *Session) NetworkPoll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollNetworkLocked(now)
}

func (s *Session) pollNetworkLocked(now time.Time) {
	if s.net == nil {
		return
	}
	for _, pkt := range s.net.ReceiveData() {
		s.msg.HandleIncoming(pkt, now, s.adv, s.sessionPool)
	}
}

// UpdateSession runs one full tick: poll network, feed inputs, update
// advantage, synthesize zero input for any Disconnected remote, roll
// back on misprediction, advance, and flush outbound packets. The
// returned slice aliases pool storage and is valid only until the next
// UpdateSession call.
func (s *Session) UpdateSession(now time.Time) []event.GameEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gamePool.Reset()
	s.sessionPool.Reset()

	s.msg.HandleTooFarBehind(now, s.sessionPool)
	s.pollNetworkLocked(now)
	s.msg.SendHandshakes(now)
	s.msg.SendNetworkHealthProbe(now)

	switch s.variant {
	case VariantGame, VariantStress:
		s.fillDisconnectedRemoteInputs()
		s.updateLocalFrameAdvantage()
		s.msg.AssembleLocalInputPackets()
		s.rollbackIfNeeded()
		s.handleSaveConfirmedFrame()
		if s.variant == VariantGame {
			s.crossReferenceDesyncIfDue()
		}
		s.advanceCurrentFrame()
		if s.variant == VariantStress {
			s.checkSelfDesync()
		}
	case VariantSpectator:
		s.msg.AssembleSpectatorInputPackets()
		s.advanceSpectatorFrame()
	}

	if s.net != nil {
		for _, pkt := range s.msg.Drain() {
			s.net.SendData(pkt.Addr, pkt.Data)
		}
	}

	return s.gamePool.All()
}

// fillDisconnectedRemoteInputs synthesizes zero input for every frame a
// Disconnected remote never reported, from just past its last received
// frame up to (but not including) the current frame. Without this, a
// timed-out peer's exhausted prediction window would stall the session
// forever instead of letting it keep advancing.
func (s *Session) fillDisconnectedRemoteInputs() {
	current := s.sync.CurrentFrame()
	zero := make([]byte, s.cfg.InputSize)
	for _, p := range s.msg.Remotes() {
		if p.Status != peer.Disconnected {
			continue
		}
		for _, handle := range p.OwnedHandles {
			buf := s.sync.Buffer(handle)
			for f := buf.LastReceived() + 1; f < current; f++ {
				_ = buf.Add(f, zero)
			}
		}
	}
}

func (s *Session) updateLocalFrameAdvantage() {
	minReceived := s.sync.GetMinReceivedFrame()
	diff := int(s.sync.CurrentFrame()) - int(minReceived)
	s.adv.SetLocalAdvantage(protocol.ClampFrameAdvantage(diff))
	s.msg.SetLocalFrameAdvantage(diff)
	s.adv.UpdateHistory(s.sync.CurrentFrame())
}

// playingLocally reports whether this session has no remote peers at
// all, the condition under which a limited-saving session still saves
// every PredictionWindow'th forward frame instead of none.
func (s *Session) playingLocally() bool {
	return len(s.msg.Remotes()) == 0
}

// saveFrame stages a Save event for frame from the current storage
// slot, records it as the session's most recent save, and folds its
// checksum into the local desync-detection window.
func (s *Session) saveFrame(frame input.Frame) {
	entry := s.storage.Get(frame)
	se := s.gamePool.Get()
	se.Type = event.Save
	se.Frame = frame
	se.State = entry.State
	se.StateLen = &entry.StateLen
	se.Checksum = &entry.Checksum
	s.localChecksums[int32(frame)] = &entry.Checksum
	s.lastSavedFrame = frame
	s.evictOldChecksums(frame)
}

// bootstrapFirstSave seeds storage with a save for the frame just
// before the current one, satisfying rollback's "at least one save
// exists" precondition the first time a misprediction arrives before
// any forward Save has ever fired.
func (s *Session) bootstrapFirstSave() {
	cur := s.sync.CurrentFrame()
	prior := cur - 1
	if prior < 0 {
		prior = 0
	}
	s.sync.SetCurrentFrame(prior)
	s.saveFrame(prior)
	s.sync.SetCurrentFrame(cur)
}

func (s *Session) rollbackIfNeeded() {
	minIncorrect := s.sync.GetMinIncorrectFrame()
	if minIncorrect == input.NullFrame {
		return
	}
	if s.lastSavedFrame == noSaveYet {
		s.bootstrapFirstSave()
	}

	current := s.sync.CurrentFrame()

	var syncFrame input.Frame
	if s.cfg.LimitedSaving {
		syncFrame = s.lastSavedFrame
	} else {
		syncFrame = minIncorrect - 1
	}
	if syncFrame < 0 {
		syncFrame = 0
	}

	frameToSave := minIncorrect
	if current-1 < frameToSave {
		frameToSave = current - 1
	}

	entry, ok := s.storage.Find(syncFrame)
	if !ok {
		// Nothing saved for the frame we'd need to roll back to — the
		// misprediction is outside our rollback depth. Clear it and
		// accept the divergence rather than getting stuck.
		s.sync.ClearIncorrectUpTo(minIncorrect)
		return
	}

	le := s.gamePool.Get()
	le.Type = event.Load
	le.Frame = syncFrame
	le.State = entry.State[:entry.StateLen]
	checksum := entry.Checksum
	le.Checksum = &checksum

	replayTo := current
	s.sync.SetCurrentFrame(syncFrame)
	for f := syncFrame; f < replayTo; f++ {
		inputs, frame, ok := s.sync.GetCurrentInputs()
		if !ok {
			break
		}
		ae := s.gamePool.Get()
		ae.Type = event.Advance
		ae.Frame = frame
		ae.Inputs = inputs
		ae.RollingBack = true

		if !s.cfg.LimitedSaving || frame == frameToSave {
			s.saveFrame(frame)
		}
		s.sync.IncrementFrame()
	}
	s.sync.ClearIncorrectUpTo(current)
}

// handleSaveConfirmedFrame keeps a limited-saving session's rollback
// anchor from drifting more than PredictionWindow behind the current
// frame: once it has, it replays from lastSavedFrame forward to
// min(current-1, min_received) and saves exactly that one frame,
// without disturbing the live current-frame cursor.
func (s *Session) handleSaveConfirmedFrame() {
	if !s.cfg.LimitedSaving || s.playingLocally() {
		return
	}
	if s.lastSavedFrame == noSaveYet {
		return
	}

	current := s.sync.CurrentFrame()
	if int(current-(s.lastSavedFrame+1)) <= s.cfg.PredictionWindow {
		return
	}

	target := current - 1
	if minReceived := s.sync.GetMinReceivedFrame(); minReceived != input.NullFrame && minReceived < target {
		target = minReceived
	}
	if target <= s.lastSavedFrame {
		return
	}

	entry, ok := s.storage.Find(s.lastSavedFrame)
	if !ok {
		return
	}

	le := s.gamePool.Get()
	le.Type = event.Load
	le.Frame = s.lastSavedFrame
	le.State = entry.State[:entry.StateLen]
	checksum := entry.Checksum
	le.Checksum = &checksum

	replayFrom := s.lastSavedFrame
	s.sync.SetCurrentFrame(replayFrom)
	for f := replayFrom; f < target; f++ {
		inputs, frame, ok := s.sync.GetCurrentInputs()
		if !ok {
			break
		}
		ae := s.gamePool.Get()
		ae.Type = event.Advance
		ae.Frame = frame
		ae.Inputs = inputs
		ae.RollingBack = true
		s.sync.IncrementFrame()
	}
	s.saveFrame(target)
	s.sync.SetCurrentFrame(current)
}

func (s *Session) advanceCurrentFrame() {
	inputs, frame, ok := s.sync.GetCurrentInputs()
	if !ok {
		// A player's prediction budget is exhausted; hold the frame
		// cursor until its real input (or a fresh prediction window)
		// arrives.
		return
	}

	ae := s.gamePool.Get()
	ae.Type = event.Advance
	ae.Frame = frame
	ae.Inputs = inputs

	if !s.cfg.LimitedSaving || (s.playingLocally() && s.cfg.PredictionWindow > 0 && int(frame)%s.cfg.PredictionWindow == 0) {
		s.saveFrame(frame)
	}

	s.sync.IncrementFrame()
}

// checkSelfDesync implements the Stress variant's self-consistency
// check: resolve whatever the previous check queued, then every
// CheckDistance frames replay the most recent window and queue a fresh
// comparison once the embedder has written back that replay's
// checksums.
func (s *Session) checkSelfDesync() {
	if s.cfg.CheckDistance <= 0 {
		return
	}
	s.resolvePendingSelfCheck()

	current := s.sync.CurrentFrame()
	if current == 0 || int(current)%s.cfg.CheckDistance != 0 {
		return
	}
	checkFrame := current - input.Frame(s.cfg.CheckDistance)
	base := checkFrame - 1
	if base < 0 {
		return
	}
	entry, ok := s.storage.Find(base)
	if !ok {
		return
	}

	firstPass := make(map[int32]uint32, int(current-checkFrame))
	for f := checkFrame; f < current; f++ {
		if e, ok := s.storage.Find(f); ok {
			firstPass[int32(f)] = e.Checksum
		}
	}
	if len(firstPass) == 0 {
		return
	}

	le := s.gamePool.Get()
	le.Type = event.Load
	le.Frame = base
	le.State = entry.State[:entry.StateLen]
	checksum := entry.Checksum
	le.Checksum = &checksum

	s.sync.SetCurrentFrame(base)
	s.sync.IncrementFrame()
	for f := checkFrame; f < current; f++ {
		inputs, frame, ok := s.sync.GetCurrentInputs()
		if !ok {
			break
		}
		ae := s.gamePool.Get()
		ae.Type = event.Advance
		ae.Frame = frame
		ae.Inputs = inputs
		ae.RollingBack = true
		s.saveFrame(frame)
		s.sync.IncrementFrame()
	}
	s.sync.SetCurrentFrame(current)
	s.pendingSelfCheck = firstPass
}

// resolvePendingSelfCheck compares the checksums queued by the last
// checkSelfDesync replay against what's in storage now that the
// embedder has had a full tick to write them back, emitting
// DesyncDetected (remote_handle 0, meaning "self") for any mismatch.
func (s *Session) resolvePendingSelfCheck() {
	for f, want := range s.pendingSelfCheck {
		entry, ok := s.storage.Find(input.Frame(f))
		if !ok {
			continue
		}
		if entry.Checksum != want {
			de := s.sessionPool.Get()
			de.Type = event.DesyncDetected
			de.Frame = input.Frame(f)
			de.RemoteHandle = 0
			de.LocalChecksum = want
			de.RemoteChecksum = entry.Checksum
		}
	}
	s.pendingSelfCheck = nil
}

func (s *Session) evictOldChecksums(current input.Frame) {
	cutoff := int32(current) - int32(s.storage.Size())
	for f := range s.localChecksums {
		if f < cutoff {
			delete(s.localChecksums, f)
		}
	}
}

func (s *Session) crossReferenceDesyncIfDue() {
	if s.cfg.DesyncInterval <= 0 {
		return
	}
	cur := s.sync.CurrentFrame()
	if cur == input.NullFrame || int(cur)%s.cfg.DesyncInterval != 0 || cur == s.lastDesyncCheck {
		return
	}
	s.lastDesyncCheck = cur

	if entry, ok := s.storage.Find(cur - 1); ok {
		s.msg.SendSessionHealth(int32(cur-1), entry.Checksum)
	}

	local := make(map[int32]uint32, len(s.localChecksums))
	for f, ptr := range s.localChecksums {
		local[f] = *ptr
	}
	s.msg.CrossReferenceDesync(local, s.sessionPool)
}

// advanceSpectatorFrame free-runs the spectator SpectatorDelay frames
// behind the slowest confirmed player, pausing (and emitting
// SpectatorPaused/SpectatorUnpaused on the edges) whenever it catches
// up to that target. The gate is one-sided, not abs(): the spectator
// advances only while current <= min_received - SpectatorDelay and
// pauses as soon as current passes that target, including when
// SpectatorDelay is 0 and every confirmed frame has been played.
func (s *Session) advanceSpectatorFrame() {
	minReceived := s.sync.GetMinReceivedFrame()
	if minReceived == input.NullFrame {
		return
	}
	target := minReceived - input.Frame(s.cfg.SpectatorDelay)
	if target < 0 {
		target = 0
	}
	cur := s.sync.CurrentFrame()

	if cur > target {
		if !s.spectatorPaused {
			s.spectatorPaused = true
			e := s.sessionPool.Get()
			e.Type = event.SpectatorPaused
		}
		return
	}
	if s.spectatorPaused {
		s.spectatorPaused = false
		e := s.sessionPool.Get()
		e.Type = event.SpectatorUnpaused
	}

	inputs, frame, ok := s.sync.GetSpectatorInputs(cur)
	if !ok {
		return
	}
	ae := s.gamePool.Get()
	ae.Type = event.Advance
	ae.Frame = frame
	ae.Inputs = inputs
	s.sync.IncrementFrame()
}

// SessionEvents returns the connection-lifecycle and desync events
// staged since the last UpdateSession (or Start) call.
func (s *Session) SessionEvents() []event.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionPool.All()
}

// FramesAhead reports the session's current average frame advantage:
// positive means the local simulation is ahead and should throttle,
// negative means it's behind and should catch up.
func (s *Session) FramesAhead() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adv.GetAverageAdvantage()
}

// NetworkStats returns the RTT/jitter/ack stats for a connected peer
// handle.
func (s *Session) NetworkStats(handle int) (peer.Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.msg.Peers() {
		if p.Handle == handle {
			return p.Stats, true
		}
	}
	return peer.Stats{}, false
}

// CurrentFrame returns the session's simulation frame cursor.
func (s *Session) CurrentFrame() input.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync.CurrentFrame()
}

// Destroy releases the net adapter, if it owns closable resources.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closer, ok := s.net.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
