// Package peer implements the per-remote/spectator connection state
// machine: handshake, timeouts, RTT/jitter stats, and rate limiting.
// It is the per-connection half of the message system; the multi-peer
// fan-out, packet assembly, and dispatch live in package message.
package peer

import "time"

// Status is a peer's position in its connection lifecycle.
type Status int

const (
	Initiating Status = iota
	Connected
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Initiating:
		return "initiating"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Kind distinguishes a remote player actor from a spectator.
type Kind int

const (
	Remote Kind = iota
	Spectator
)

const (
	// NumToSync is the number of acknowledged SyncRequest/SyncResponse
	// round trips required before a peer transitions to Connected.
	NumToSync = 4
	// SyncMsgDelay bounds how often a handshake message is retransmitted.
	SyncMsgDelay = 200 * time.Millisecond
	// DisconnectTimeout is the silence duration after which a Connected
	// peer is declared Disconnected.
	DisconnectTimeout = 5000 * time.Millisecond
	// healthEvictionAge bounds how many frames behind last_acked a
	// SessionHealth entry can be before it's evicted.
	healthEvictionAge = 128
)

// Stats holds the network-quality samples reported via network_stats.
type Stats struct {
	RTTSamples       []time.Duration // most recent first, capped at 10
	LastAckedFrame   int32
	LastSentSyncAt   time.Time
	LastReceivedAt   time.Time
}

const maxRTTSamples = 10

// AddRTTSample pushes a new sample, capping the window at maxRTTSamples.
func (s *Stats) AddRTTSample(d time.Duration) {
	s.RTTSamples = append([]time.Duration{d}, s.RTTSamples...)
	if len(s.RTTSamples) > maxRTTSamples {
		s.RTTSamples = s.RTTSamples[:maxRTTSamples]
	}
}

// Last returns the most recent RTT sample, or 0 if none yet.
func (s *Stats) Last() time.Duration {
	if len(s.RTTSamples) == 0 {
		return 0
	}
	return s.RTTSamples[0]
}

// Average returns the mean RTT over the retained window.
func (s *Stats) Average() time.Duration {
	if len(s.RTTSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.RTTSamples {
		sum += d
	}
	return sum / time.Duration(len(s.RTTSamples))
}

// Jitter returns the mean absolute deviation between consecutive
// samples, a simple and cheap stand-in for inter-arrival jitter.
func (s *Stats) Jitter() time.Duration {
	if len(s.RTTSamples) < 2 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < len(s.RTTSamples)-1; i++ {
		d := s.RTTSamples[i] - s.RTTSamples[i+1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / time.Duration(len(s.RTTSamples)-1)
}

// Peer is one remote player or spectator connection.
type Peer struct {
	Handle  int
	Kind    Kind
	Address []byte

	// SessionMagic is the magic value learned from this peer's
	// handshake messages and stamped into every packet header we send
	// it afterwards. It starts at 0 ("unknown") — not a locally
	// generated random value — until the handshake reveals the peer's
	// own magic.
	SessionMagic uint16
	SyncNum      int
	Status       Status
	Stats        Stats

	// SessionHealth maps a confirmed frame to the checksum this peer
	// reported for it, used for cross-peer desync detection.
	SessionHealth map[int32]uint32
	healthOrder   []int32

	// OwnedHandles lists which player handles this connection's
	// Inputs packets carry (usually just its own, but a single socket
	// could in principle proxy more than one local player).
	OwnedHandles []int

	// Limiter throttles inbound packets accepted from this peer,
	// independent of any other peer's traffic.
	Limiter *RateLimiter

	lastSyncSent time.Time
}

// New creates a peer in the Initiating state. Its SessionMagic is
// unknown until the handshake learns it; the session's own local magic
// (sent to this peer so it can learn ours) is generated once per
// session from a per-session RNG — see message.System.
func New(handle int, kind Kind, address []byte) *Peer {
	return &Peer{
		Handle:        handle,
		Kind:          kind,
		Address:       address,
		Status:        Initiating,
		SessionHealth: make(map[int32]uint32),
		Limiter:       NewRateLimiter(DefaultInboundRate, DefaultInboundBurst),
	}
}

// ShouldSendSync reports whether enough time has passed since the last
// handshake retransmit.
func (p *Peer) ShouldSendSync(now time.Time) bool {
	return now.Sub(p.lastSyncSent) >= SyncMsgDelay
}

// MarkSyncSent records a handshake retransmit.
func (p *Peer) MarkSyncSent(now time.Time) { p.lastSyncSent = now }

// AcceptSyncResponse records one acknowledged handshake round trip and
// reports whether this transitioned the peer to Connected.
func (p *Peer) AcceptSyncResponse() (justConnected bool) {
	if p.Status != Initiating {
		return false
	}
	p.SyncNum++
	if p.SyncNum >= NumToSync {
		p.Status = Connected
		return true
	}
	return false
}

// Touch bumps last_received_message on any inbound packet from this
// peer's address.
func (p *Peer) Touch(now time.Time) { p.Stats.LastReceivedAt = now }

// CheckTimeout transitions Connected->Disconnected if the peer has
// been silent past DisconnectTimeout. Returns true if this call caused
// the transition.
func (p *Peer) CheckTimeout(now time.Time) bool {
	if p.Status != Connected {
		return false
	}
	if p.Stats.LastReceivedAt.IsZero() {
		return false
	}
	if now.Sub(p.Stats.LastReceivedAt) > DisconnectTimeout {
		p.Status = Disconnected
		return true
	}
	return false
}

// RecordAck updates last_acked_frame, keeping the running maximum.
func (p *Peer) RecordAck(frame int32) {
	if frame > p.Stats.LastAckedFrame {
		p.Stats.LastAckedFrame = frame
	}
}

// RecordSessionHealth stores a peer-reported checksum for frame,
// evicting entries older than healthEvictionAge relative to
// last_acked_frame.
func (p *Peer) RecordSessionHealth(frame int32, checksum uint32) {
	if _, exists := p.SessionHealth[frame]; !exists {
		p.healthOrder = append(p.healthOrder, frame)
	}
	p.SessionHealth[frame] = checksum
	p.evictOldHealth()
}

func (p *Peer) evictOldHealth() {
	cutoff := p.Stats.LastAckedFrame - healthEvictionAge
	i := 0
	for i < len(p.healthOrder) && p.healthOrder[i] < cutoff {
		delete(p.SessionHealth, p.healthOrder[i])
		i++
	}
	p.healthOrder = p.healthOrder[i:]
}
