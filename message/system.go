// Package message implements the multi-peer fan-out that assembles
// and dispatches packets, drives each peer's handshake/timeout state
// machine (package peer), and reconciles session-health checksums for
// desync detection.
package message

import (
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"framelock/advantage"
	"framelock/event"
	"framelock/input"
	"framelock/peer"
	"framelock/protocol"
	"framelock/syncsys"
	"framelock/transport"
)

// MaxInputQueueSize bounds how many trailing frames of local input a
// single assembly pass considers for (re)transmission.
const MaxInputQueueSize = 64

// HealthProbeInterval is how often a NetworkHealth RTT probe is sent.
const HealthProbeInterval = 500 * time.Millisecond

type pendingSend struct {
	target *peer.Peer
	pkt    protocol.Packet
}

// System owns every peer connection for one session and the packets
// in flight between this tick's poll and its flush.
type System struct {
	localMagic   uint16
	sync         *syncsys.System
	inputSize    int
	numPlayers   int
	localHandles []int

	peers      []*peer.Peer
	addrToPeer map[string]*peer.Peer

	pending         []pendingSend
	lastHealthProbe time.Time

	cachedInputsKey    string
	cachedInputsBodies []*protocol.InputsBody
	cachedSpecKey      string
	cachedSpecBodies   []*protocol.InputsBody

	currentAdvantage int8
	ackedThisTick    map[int32]bool
	desyncEmitted    map[int64]bool
}

// NewSystem creates a message system for a session with the given
// player count and input width. rng seeds this session's own local
// magic — per-session, not a single global rand() shared across every
// session in the process.
func NewSystem(sync *syncsys.System, numPlayers, inputSize int, localHandles []int, rng *rand.Rand) *System {
	return &System{
		sync:          sync,
		numPlayers:    numPlayers,
		inputSize:     inputSize,
		localHandles:  localHandles,
		localMagic:    uint16(rng.Uint32()),
		addrToPeer:    make(map[string]*peer.Peer),
		ackedThisTick: make(map[int32]bool),
		desyncEmitted: make(map[int64]bool),
	}
}

// LocalMagic returns this session's own magic, the value remote peers
// must learn before their outbound packets to us will be accepted.
func (s *System) LocalMagic() uint16 { return s.localMagic }

// AddPeer registers a remote or spectator connection, routed by
// address.
func (s *System) AddPeer(p *peer.Peer) {
	s.peers = append(s.peers, p)
	s.addrToPeer[string(p.Address)] = p
}

// AddLocalHandle registers another player handle whose input this
// session assembles and sends, alongside whatever NewSystem was given.
func (s *System) AddLocalHandle(handle int) {
	s.localHandles = append(s.localHandles, handle)
}

// Peers returns every registered peer.
func (s *System) Peers() []*peer.Peer { return s.peers }

// Remotes returns only the Remote-kind peers.
func (s *System) Remotes() []*peer.Peer {
	var out []*peer.Peer
	for _, p := range s.peers {
		if p.Kind == peer.Remote {
			out = append(out, p)
		}
	}
	return out
}

// Spectators returns only the Spectator-kind peers.
func (s *System) Spectators() []*peer.Peer {
	var out []*peer.Peer
	for _, p := range s.peers {
		if p.Kind == peer.Spectator {
			out = append(out, p)
		}
	}
	return out
}

// AllConnected reports whether every registered peer has completed its
// handshake. A session with no peers (local-only play) is vacuously
// all-connected.
func (s *System) AllConnected() bool {
	for _, p := range s.peers {
		if p.Status != peer.Connected {
			return false
		}
	}
	return true
}

// SetLocalFrameAdvantage stages the value piggybacked on the next
// InputAck sent to remotes (clamped to the wire format's signed byte).
func (s *System) SetLocalFrameAdvantage(v int) {
	s.currentAdvantage = protocol.ClampFrameAdvantage(v)
}

// ResetTick clears the per-tick acked-frame bookkeeping used to credit
// only the first remote to acknowledge a given frame toward advantage
// history.
func (s *System) ResetTick() {
	for k := range s.ackedThisTick {
		delete(s.ackedThisTick, k)
	}
}

// SendHandshakes retransmits SyncRequest to every still-Initiating peer
// whose retransmit delay has elapsed.
func (s *System) SendHandshakes(now time.Time) {
	for _, p := range s.peers {
		if p.Status != peer.Initiating || !p.ShouldSendSync(now) {
			continue
		}
		s.pending = append(s.pending, pendingSend{
			target: p,
			pkt: protocol.Packet{
				Header: protocol.Header{Type: protocol.TypeSyncRequest},
				Sync:   &protocol.SyncBody{RNGData: s.localMagic},
			},
		})
		p.MarkSyncSent(now)
	}
}

// SendNetworkHealthProbe enqueues an RTT probe to every Connected peer
// if HealthProbeInterval has elapsed since the last one.
func (s *System) SendNetworkHealthProbe(now time.Time) {
	if now.Sub(s.lastHealthProbe) < HealthProbeInterval {
		return
	}
	s.lastHealthProbe = now
	for _, p := range s.peers {
		if p.Status != peer.Connected {
			continue
		}
		s.pending = append(s.pending, pendingSend{
			target: p,
			pkt: protocol.Packet{
				Header:        protocol.Header{Type: protocol.TypeNetworkHealth},
				NetworkHealth: &protocol.NetworkHealthBody{SendTimeMs: uint64(now.UnixMilli()), Received: false},
			},
		})
	}
}

// SendSessionHealth broadcasts (as unicasts) this session's checksum
// for frame to every connected remote.
func (s *System) SendSessionHealth(frame int32, checksum uint32) {
	for _, p := range s.Remotes() {
		if p.Status != peer.Connected {
			continue
		}
		s.pending = append(s.pending, pendingSend{
			target: p,
			pkt: protocol.Packet{
				Header:        protocol.Header{Type: protocol.TypeSessionHealth},
				SessionHealth: &protocol.SessionHealthBody{Frame: frame, Checksum: checksum},
			},
		})
	}
}

// HandleTooFarBehind disconnects any connected peer that has been
// silent past peer.DisconnectTimeout, emitting PlayerDisconnected.
func (s *System) HandleTooFarBehind(now time.Time, pool *event.SessionPool) {
	for _, p := range s.peers {
		if p.CheckTimeout(now) {
			e := pool.Get()
			e.Type = event.PlayerDisconnected
			e.Handle = p.Handle
		}
	}
}

// CrossReferenceDesync compares localHealth (this session's own
// per-frame checksums) against every peer's reported SessionHealth,
// emitting exactly one DesyncDetected per (frame, peer) divergence.
func (s *System) CrossReferenceDesync(localHealth map[int32]uint32, pool *event.SessionPool) {
	for _, p := range s.peers {
		for frame, remoteChecksum := range p.SessionHealth {
			localChecksum, ok := localHealth[frame]
			if !ok || localChecksum == remoteChecksum {
				continue
			}
			key := int64(frame)<<32 | int64(uint32(p.Handle))
			if s.desyncEmitted[key] {
				continue
			}
			s.desyncEmitted[key] = true
			e := pool.Get()
			e.Type = event.DesyncDetected
			e.Frame = input.Frame(frame)
			e.RemoteHandle = p.Handle
			e.LocalChecksum = localChecksum
			e.RemoteChecksum = remoteChecksum
		}
	}
}

// HandleIncoming decodes and dispatches one received datagram.
func (s *System) HandleIncoming(pkt transport.Packet, now time.Time, adv *advantage.History, pool *event.SessionPool) {
	pk, err := protocol.Decode(pkt.Data)
	if err != nil {
		log.Printf("[message] decode from %s: %v", pkt.Addr, err)
		return
	}
	if pk.Header.Type != protocol.TypeSyncRequest && pk.Header.Magic != s.localMagic {
		log.Printf("[message] dropping packet with wrong magic from %s", pkt.Addr)
		return
	}
	p := s.addrToPeer[pkt.Addr.Key()]
	if p == nil {
		log.Printf("[message] packet from unregistered peer %s", pkt.Addr)
		return
	}
	if p.Limiter != nil && !p.Limiter.Allow(now) {
		log.Printf("[message] rate limit exceeded for %s", pkt.Addr)
		return
	}
	p.Touch(now)

	switch pk.Header.Type {
	case protocol.TypeSyncRequest:
		s.handleSyncRequest(p, pk)
	case protocol.TypeSyncResponse:
		s.handleSyncResponse(p, pk, pool)
	case protocol.TypeInputs:
		s.handleInputs(p, pk)
	case protocol.TypeSpectatorInputs:
		s.handleSpectatorInputs(pk)
	case protocol.TypeInputAck:
		s.handleInputAck(p, pk, adv)
	case protocol.TypeSessionHealth:
		if pk.SessionHealth != nil {
			p.RecordSessionHealth(pk.SessionHealth.Frame, pk.SessionHealth.Checksum)
		}
	case protocol.TypeNetworkHealth:
		s.handleNetworkHealth(p, pk, now)
	}
}

func (s *System) handleSyncRequest(p *peer.Peer, pk protocol.Packet) {
	if pk.Sync != nil {
		p.SessionMagic = pk.Sync.RNGData
	}
	s.pending = append(s.pending, pendingSend{
		target: p,
		pkt: protocol.Packet{
			Header: protocol.Header{Type: protocol.TypeSyncResponse},
			Sync:   &protocol.SyncBody{RNGData: s.localMagic},
		},
	})
}

func (s *System) handleSyncResponse(p *peer.Peer, pk protocol.Packet, pool *event.SessionPool) {
	if pk.Sync != nil {
		p.SessionMagic = pk.Sync.RNGData
	}
	justConnected := p.AcceptSyncResponse()

	se := pool.Get()
	se.Type = event.PlayerSyncing
	se.Handle = p.Handle
	se.SyncCurrent = p.SyncNum
	se.SyncMax = peer.NumToSync

	if justConnected {
		ce := pool.Get()
		ce.Type = event.PlayerConnected
		ce.Handle = p.Handle
	}
}

func (s *System) handleInputs(p *peer.Peer, pk protocol.Packet) {
	if pk.Inputs == nil || len(p.OwnedHandles) == 0 {
		return
	}
	rowWidth := len(p.OwnedHandles) * s.inputSize
	if rowWidth == 0 || len(pk.Inputs.Inputs)%rowWidth != 0 {
		log.Printf("[message] malformed Inputs payload from peer %d", p.Handle)
		return
	}
	rows := len(pk.Inputs.Inputs) / rowWidth
	for i := 0; i < rows; i++ {
		frame := input.Frame(pk.Inputs.StartFrame) + input.Frame(i)
		row := pk.Inputs.Inputs[i*rowWidth : (i+1)*rowWidth]
		for hi, handle := range p.OwnedHandles {
			chunk := row[hi*s.inputSize : (hi+1)*s.inputSize]
			// Add no-ops on out-of-order/duplicate frames; the buffer
			// itself enforces sequentiality.
			_ = s.sync.Buffer(handle).Add(frame, chunk)
		}
	}
	s.enqueueAck(p, s.sync.GetLastReceivedFrom(p.OwnedHandles[0]))
}

func (s *System) handleSpectatorInputs(pk protocol.Packet) {
	if pk.Inputs == nil {
		return
	}
	rowWidth := s.numPlayers * s.inputSize
	if rowWidth == 0 || len(pk.Inputs.Inputs)%rowWidth != 0 {
		log.Printf("[message] malformed SpectatorInputs payload")
		return
	}
	rows := len(pk.Inputs.Inputs) / rowWidth
	for i := 0; i < rows; i++ {
		frame := input.Frame(pk.Inputs.StartFrame) + input.Frame(i)
		row := pk.Inputs.Inputs[i*rowWidth : (i+1)*rowWidth]
		for j := 0; j < s.numPlayers; j++ {
			chunk := row[j*s.inputSize : (j+1)*s.inputSize]
			_ = s.sync.Buffer(j).Add(frame, chunk)
		}
	}
}

func (s *System) handleInputAck(p *peer.Peer, pk protocol.Packet, adv *advantage.History) {
	if pk.InputAck == nil {
		return
	}
	p.RecordAck(pk.InputAck.AckFrame)
	if !s.ackedThisTick[pk.InputAck.AckFrame] {
		s.ackedThisTick[pk.InputAck.AckFrame] = true
		if adv != nil {
			adv.AddRemoteAdvantage(pk.InputAck.FrameAdvantage)
		}
	}
}

func (s *System) handleNetworkHealth(p *peer.Peer, pk protocol.Packet, now time.Time) {
	if pk.NetworkHealth == nil {
		return
	}
	if !pk.NetworkHealth.Received {
		s.pending = append(s.pending, pendingSend{
			target: p,
			pkt: protocol.Packet{
				Header:        protocol.Header{Type: protocol.TypeNetworkHealth},
				NetworkHealth: &protocol.NetworkHealthBody{SendTimeMs: pk.NetworkHealth.SendTimeMs, Received: true},
			},
		})
		return
	}
	sentAt := time.UnixMilli(int64(pk.NetworkHealth.SendTimeMs))
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	p.Stats.AddRTTSample(rtt)
}

func (s *System) enqueueAck(p *peer.Peer, lastReceived input.Frame) {
	s.pending = append(s.pending, pendingSend{
		target: p,
		pkt: protocol.Packet{
			Header:   protocol.Header{Type: protocol.TypeInputAck},
			InputAck: &protocol.InputAckBody{AckFrame: int32(lastReceived), FrameAdvantage: s.currentAdvantage},
		},
	})
}

// AssembleLocalInputPackets builds (memoized) Inputs packets covering
// the trailing window of locally-owned inputs and enqueues a copy for
// every connected remote.
func (s *System) AssembleLocalInputPackets() {
	remotes := s.connectedRemotes()
	if len(remotes) == 0 || len(s.localHandles) == 0 {
		return
	}

	end := input.NullFrame
	for i, h := range s.localHandles {
		lr := s.sync.GetLastReceivedFrom(h)
		if i == 0 || lr < end {
			end = lr
		}
	}
	if end == input.NullFrame {
		return
	}

	start := end - input.Frame(MaxInputQueueSize) + 1
	if start < 0 {
		start = 0
	}
	for _, p := range remotes {
		need := input.Frame(p.Stats.LastAckedFrame) + 1
		if need < 0 {
			need = 0
		}
		if need < start {
			start = need
		}
	}

	key := fmt.Sprintf("%d-%d", start, end)
	if key != s.cachedInputsKey {
		rowWidth := len(s.localHandles) * s.inputSize
		s.cachedInputsBodies = s.assembleBodies(start, end, rowWidth, func(f input.Frame) []byte {
			row := make([]byte, 0, rowWidth)
			for _, h := range s.localHandles {
				rec := s.sync.GetLocalInput(h, f)
				row = append(row, rec.Bytes...)
			}
			return row
		})
		s.cachedInputsKey = key
	}

	for _, body := range s.cachedInputsBodies {
		for _, p := range remotes {
			s.pending = append(s.pending, pendingSend{
				target: p,
				pkt:    protocol.Packet{Header: protocol.Header{Type: protocol.TypeInputs}, Inputs: body},
			})
		}
	}
}

// AssembleSpectatorInputPackets builds (memoized) SpectatorInputs
// packets covering confirmed combined-player rows and enqueues a copy
// for every connected spectator.
func (s *System) AssembleSpectatorInputPackets() {
	spectators := s.connectedSpectators()
	if len(spectators) == 0 || len(s.localHandles) == 0 {
		return
	}

	end := s.sync.GetMinReceivedFrame()
	if end == input.NullFrame {
		return
	}
	start := end - input.Frame(MaxInputQueueSize) + 1
	if start < 0 {
		start = 0
	}
	for _, p := range spectators {
		need := input.Frame(p.Stats.LastAckedFrame) + 1
		if need < 0 {
			need = 0
		}
		if need < start {
			start = need
		}
	}

	key := fmt.Sprintf("%d-%d", start, end)
	if key != s.cachedSpecKey {
		rowWidth := s.numPlayers * s.inputSize
		s.cachedSpecBodies = s.assembleBodies(start, end, rowWidth, func(f input.Frame) []byte {
			row := make([]byte, 0, rowWidth)
			for j := 0; j < s.numPlayers; j++ {
				rec := s.sync.Buffer(j).Get(f, false)
				row = append(row, rec.Bytes...)
			}
			return row
		})
		s.cachedSpecKey = key
	}

	for _, body := range s.cachedSpecBodies {
		for _, p := range spectators {
			s.pending = append(s.pending, pendingSend{
				target: p,
				pkt:    protocol.Packet{Header: protocol.Header{Type: protocol.TypeSpectatorInputs}, Inputs: body},
			})
		}
	}
}

func (s *System) assembleBodies(start, end input.Frame, rowWidth int, rowFn func(input.Frame) []byte) []*protocol.InputsBody {
	if end < start || rowWidth == 0 {
		return nil
	}
	totalFrames := int(end-start) + 1
	maxRows := protocol.MaxInputSize / rowWidth
	if maxRows == 0 {
		maxRows = 1
	}
	var bodies []*protocol.InputsBody
	for offset := 0; offset < totalFrames; offset += maxRows {
		count := maxRows
		if offset+count > totalFrames {
			count = totalFrames - offset
		}
		buf := make([]byte, 0, count*rowWidth)
		for i := 0; i < count; i++ {
			buf = append(buf, rowFn(start+input.Frame(offset+i))...)
		}
		bodies = append(bodies, &protocol.InputsBody{
			StartFrame: int32(start) + int32(offset),
			InputCount: uint16(count),
			Inputs:     buf,
		})
	}
	return bodies
}

func (s *System) connectedRemotes() []*peer.Peer {
	var out []*peer.Peer
	for _, p := range s.Remotes() {
		if p.Status == peer.Connected {
			out = append(out, p)
		}
	}
	return out
}

func (s *System) connectedSpectators() []*peer.Peer {
	var out []*peer.Peer
	for _, p := range s.Spectators() {
		if p.Status == peer.Connected {
			out = append(out, p)
		}
	}
	return out
}

// Drain stamps every pending packet with its recipient's address and
// learned session magic, serializes it, and returns the batch for the
// transport adapter.
func (s *System) Drain() []transport.Packet {
	out := make([]transport.Packet, 0, len(s.pending))
	for _, ps := range s.pending {
		ps.pkt.Header.Magic = ps.target.SessionMagic
		data, err := protocol.Encode(ps.pkt)
		if err != nil {
			log.Printf("[message] encode to peer %d: %v", ps.target.Handle, err)
			continue
		}
		out = append(out, transport.Packet{Addr: transport.Address(ps.target.Address), Data: data})
	}
	s.pending = s.pending[:0]
	return out
}
