package message

import (
	"math/rand/v2"
	"testing"
	"time"

	"framelock/advantage"
	"framelock/event"
	"framelock/input"
	"framelock/peer"
	"framelock/protocol"
	"framelock/syncsys"
	"framelock/transport"
)

func newTestSystem(numPlayers, inputSize int, localHandles []int) *System {
	buffers := make([]*input.Buffer, numPlayers)
	for i := range buffers {
		buffers[i] = input.NewBuffer(input.DefaultSize, inputSize, 8)
	}
	sync := syncsys.New(buffers)
	return NewSystem(sync, numPlayers, inputSize, localHandles, rand.New(rand.NewPCG(1, 2)))
}

func TestHandshakeLearnsPeerMagicAndRespondsWithOwnMagic(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.OwnedHandles = []int{1}
	s.AddPeer(p)

	req := protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeSyncRequest},
		Sync:   &protocol.SyncBody{RNGData: 0xBEEF},
	}
	data, err := protocol.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	pool := event.NewSessionPool()
	s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, time.Now(), nil, pool)

	if p.SessionMagic != 0xBEEF {
		t.Fatalf("SessionMagic = %x, want BEEF", p.SessionMagic)
	}

	out := s.Drain()
	if len(out) != 1 {
		t.Fatalf("Drain() produced %d packets, want 1 (SyncResponse)", len(out))
	}
	resp, err := protocol.Decode(out[0].Data)
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if resp.Header.Type != protocol.TypeSyncResponse {
		t.Fatalf("response type = %d, want SyncResponse", resp.Header.Type)
	}
	if resp.Header.Magic != 0xBEEF {
		t.Fatalf("response stamped with magic %x, want the peer's learned magic BEEF", resp.Header.Magic)
	}
	if resp.Sync.RNGData != s.LocalMagic() {
		t.Fatalf("response RNGData = %x, want our own local magic %x", resp.Sync.RNGData, s.LocalMagic())
	}
}

func TestSyncResponseConvergesToConnectedAndEmitsEvents(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	s.AddPeer(p)

	pool := event.NewSessionPool()
	for i := 0; i < peer.NumToSync; i++ {
		resp := protocol.Packet{
			Header: protocol.Header{Type: protocol.TypeSyncResponse, Magic: s.LocalMagic()},
			Sync:   &protocol.SyncBody{RNGData: 0xCAFE},
		}
		data, _ := protocol.Encode(resp)
		s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, time.Now(), nil, pool)
	}

	if p.Status != peer.Connected {
		t.Fatalf("Status = %v, want Connected", p.Status)
	}

	var sawConnected bool
	for _, e := range pool.All() {
		if e.Type == event.PlayerConnected && e.Handle == p.Handle {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatal("expected a PlayerConnected event once the handshake completed")
	}
}

func TestHandleIncomingDropsWrongMagic(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.SessionMagic = 0x1234
	p.OwnedHandles = []int{1}
	s.AddPeer(p)

	ack := protocol.Packet{
		Header:   protocol.Header{Type: protocol.TypeInputAck, Magic: 0x9999},
		InputAck: &protocol.InputAckBody{AckFrame: 3, FrameAdvantage: 2},
	}
	data, _ := protocol.Encode(ack)
	s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, time.Now(), nil, event.NewSessionPool())

	if p.Stats.LastAckedFrame != 0 {
		t.Fatalf("expected ack with wrong magic to be dropped, LastAckedFrame = %d", p.Stats.LastAckedFrame)
	}
}

func TestHandleIncomingDropsPacketsOverRateLimit(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.SessionMagic = 0x1234
	p.OwnedHandles = []int{1}
	p.Limiter = peer.NewRateLimiter(1, 1)
	s.AddPeer(p)

	now := time.Now()
	send := func(ackFrame int32) {
		ack := protocol.Packet{
			Header:   protocol.Header{Type: protocol.TypeInputAck, Magic: s.LocalMagic()},
			InputAck: &protocol.InputAckBody{AckFrame: ackFrame, FrameAdvantage: 2},
		}
		data, _ := protocol.Encode(ack)
		s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, now, nil, event.NewSessionPool())
	}

	send(3)
	if p.Stats.LastAckedFrame != 3 {
		t.Fatalf("first packet should be accepted, LastAckedFrame = %d, want 3", p.Stats.LastAckedFrame)
	}

	send(9)
	if p.Stats.LastAckedFrame != 3 {
		t.Fatalf("second immediate packet should be rate-limited, LastAckedFrame = %d, want still 3", p.Stats.LastAckedFrame)
	}
}

func TestHandleInputsWritesOwnedHandleAndAcks(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.SessionMagic = 0x1234
	p.OwnedHandles = []int{1}
	s.AddPeer(p)

	payload := append(append([]byte{1, 2, 3, 4}, 5, 6, 7, 8), 9, 10, 11, 12)
	pkt := protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeInputs, Magic: s.LocalMagic()},
		Inputs: &protocol.InputsBody{StartFrame: 0, InputCount: 3, Inputs: payload},
	}
	data, _ := protocol.Encode(pkt)
	s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, time.Now(), nil, event.NewSessionPool())

	if got := s.sync.GetLastReceivedFrom(1); got != 2 {
		t.Fatalf("GetLastReceivedFrom(1) = %d, want 2", got)
	}
	rec := s.sync.GetLocalInput(1, 2)
	if rec.IsNull() || rec.Bytes[0] != 9 {
		t.Fatalf("frame 2 record = %+v, want first byte 9", rec)
	}

	out := s.Drain()
	if len(out) != 1 {
		t.Fatalf("Drain() produced %d packets, want 1 (InputAck)", len(out))
	}
	ack, err := protocol.Decode(out[0].Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ack.Header.Type != protocol.TypeInputAck || ack.InputAck.AckFrame != 2 {
		t.Fatalf("ack = %+v, want AckFrame 2", ack.InputAck)
	}
}

func TestHandleInputAckCreditsFirstAckerOnly(t *testing.T) {
	s := newTestSystem(2, 4, []int{0})
	adv := advantage.New()

	p1 := peer.New(1, peer.Remote, []byte("peer-1"))
	p1.SessionMagic = 0x1
	s.AddPeer(p1)
	p2 := peer.New(2, peer.Remote, []byte("peer-2"))
	p2.SessionMagic = 0x1
	s.AddPeer(p2)

	mkAck := func(frame int32, adv int8) []byte {
		pkt := protocol.Packet{
			Header:   protocol.Header{Type: protocol.TypeInputAck, Magic: s.LocalMagic()},
			InputAck: &protocol.InputAckBody{AckFrame: frame, FrameAdvantage: adv},
		}
		data, _ := protocol.Encode(pkt)
		return data
	}

	s.HandleIncoming(transport.Packet{Addr: transport.Address(p1.Address), Data: mkAck(5, 3)}, time.Now(), adv, event.NewSessionPool())
	s.HandleIncoming(transport.Packet{Addr: transport.Address(p2.Address), Data: mkAck(5, 9)}, time.Now(), adv, event.NewSessionPool())

	adv.UpdateHistory(0)
	want := -3.0 / float64(advantage.WindowSize)
	if got := adv.GetAverageAdvantage(); got != want {
		t.Fatalf("GetAverageAdvantage() = %v, want %v (only the first acker's sample of 3 counted)", got, want)
	}
}

func TestAssembleLocalInputPacketsProducesTrailingWindow(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.SessionMagic = 0x1
	p.Status = peer.Connected
	s.AddPeer(p)

	for f := input.Frame(0); f < 5; f++ {
		if err := s.sync.Buffer(0).AddLocal(f, []byte{byte(f), byte(f)}); err != nil {
			t.Fatalf("AddLocal(%d): %v", f, err)
		}
	}

	s.AssembleLocalInputPackets()
	out := s.Drain()
	if len(out) != 1 {
		t.Fatalf("Drain() produced %d packets, want 1", len(out))
	}
	pk, err := protocol.Decode(out[0].Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pk.Header.Type != protocol.TypeInputs {
		t.Fatalf("type = %d, want TypeInputs", pk.Header.Type)
	}
	if pk.Inputs.InputCount != 5 {
		t.Fatalf("InputCount = %d, want 5", pk.Inputs.InputCount)
	}
}

func TestAssembleLocalInputPacketsSkipsWhenNothingToSend(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.Status = peer.Connected
	s.AddPeer(p)

	s.AssembleLocalInputPackets()
	if out := s.Drain(); len(out) != 0 {
		t.Fatalf("Drain() produced %d packets, want 0", len(out))
	}
}

func TestSendNetworkHealthProbeRespectsInterval(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.Status = peer.Connected
	s.AddPeer(p)

	now := time.Now()
	s.SendNetworkHealthProbe(now)
	if out := s.Drain(); len(out) != 1 {
		t.Fatalf("first probe produced %d packets, want 1", len(out))
	}
	s.SendNetworkHealthProbe(now.Add(10 * time.Millisecond))
	if out := s.Drain(); len(out) != 0 {
		t.Fatalf("expected no probe before HealthProbeInterval elapses, got %d", len(out))
	}
	s.SendNetworkHealthProbe(now.Add(HealthProbeInterval + time.Millisecond))
	if out := s.Drain(); len(out) != 1 {
		t.Fatalf("expected a probe once HealthProbeInterval elapses, got %d", len(out))
	}
}

func TestNetworkHealthProbeIsEchoedBack(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.SessionMagic = 0x1
	s.AddPeer(p)

	ping := protocol.Packet{
		Header:        protocol.Header{Type: protocol.TypeNetworkHealth, Magic: s.LocalMagic()},
		NetworkHealth: &protocol.NetworkHealthBody{SendTimeMs: 1000, Received: false},
	}
	data, _ := protocol.Encode(ping)
	s.HandleIncoming(transport.Packet{Addr: transport.Address(p.Address), Data: data}, time.Now(), nil, event.NewSessionPool())

	out := s.Drain()
	if len(out) != 1 {
		t.Fatalf("Drain() produced %d packets, want 1 (echo)", len(out))
	}
	echo, _ := protocol.Decode(out[0].Data)
	if !echo.NetworkHealth.Received || echo.NetworkHealth.SendTimeMs != 1000 {
		t.Fatalf("echo = %+v, want Received=true SendTimeMs=1000", echo.NetworkHealth)
	}
}

func TestCrossReferenceDesyncEmitsOncePerFramePeer(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	s.AddPeer(p)
	p.RecordSessionHealth(10, 0xAAAA)

	local := map[int32]uint32{10: 0xBBBB}
	pool := event.NewSessionPool()
	s.CrossReferenceDesync(local, pool)
	s.CrossReferenceDesync(local, pool)

	count := 0
	for _, e := range pool.All() {
		if e.Type == event.DesyncDetected {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("DesyncDetected count = %d, want 1 (deduped across calls)", count)
	}
}

func TestHandleTooFarBehindDisconnectsSilentPeer(t *testing.T) {
	s := newTestSystem(2, 2, []int{0})
	p := peer.New(1, peer.Remote, []byte("10.0.0.1:9000"))
	p.Status = peer.Connected
	now := time.Now()
	p.Touch(now)
	s.AddPeer(p)

	pool := event.NewSessionPool()
	s.HandleTooFarBehind(now.Add(peer.DisconnectTimeout+time.Millisecond), pool)

	if p.Status != peer.Disconnected {
		t.Fatalf("Status = %v, want Disconnected", p.Status)
	}
	var sawDisconnect bool
	for _, e := range pool.All() {
		if e.Type == event.PlayerDisconnected && e.Handle == p.Handle {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatal("expected a PlayerDisconnected event")
	}
}
