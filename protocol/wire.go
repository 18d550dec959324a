// Package protocol implements the session's wire format: an 8-byte
// header followed by a tagged-union body, length-prefixed and
// little-endian throughout. The (de)serialization style follows the
// pack's closest analogue — a manual encoding/binary + bytes.Buffer
// codec with a type-tag byte and a length guard against a hostile
// remote driving an over-allocation.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the packet body discriminant (header byte 0).
type Type uint8

const (
	TypeInputs           Type = 1
	TypeSpectatorInputs   Type = 2
	TypeInputAck          Type = 3
	TypeSyncRequest       Type = 4
	TypeSyncResponse      Type = 5
	TypeSessionHealth     Type = 6
	TypeNetworkHealth     Type = 7
)

// MaxInputSize caps the input payload bytes carried in one Inputs or
// SpectatorInputs packet body, forcing the sender to split a large
// queue across multiple packets.
const MaxInputSize = 512

// MaxPacketBytes bounds a fully-encoded packet so a corrupt or hostile
// length field can't drive an unbounded read-side allocation — the
// same defense Ancillary-AGI-foundry/networking/shared/messages.go
// applies with its maxDataLen guard.
const MaxPacketBytes = 4096

// ErrTooShort is returned when a buffer is too small to contain a
// valid header or body.
var ErrTooShort = errors.New("protocol: packet too short")

// ErrUnknownType is returned when the header's type byte doesn't match
// any known body.
var ErrUnknownType = errors.New("protocol: unknown packet type")

// ErrTooLarge is returned when a length-prefixed field claims more
// bytes than the remaining buffer or MaxPacketBytes allows.
var ErrTooLarge = errors.New("protocol: declared length exceeds bound")

// headerSize is the fixed 8-byte header: type(1) + magic(2) + pad(5).
const headerSize = 8

// Header is the fixed-width prefix of every packet.
type Header struct {
	Type  Type
	Magic uint16
}

// InputsBody carries a contiguous batch of per-player (or, for
// SpectatorInputs, combined all-player) input rows.
type InputsBody struct {
	StartFrame int32
	InputCount uint16
	Inputs     []byte // total_size bytes, InputCount rows of the session's fixed row width
}

// InputAckBody is the unicast acknowledgment of a received input
// batch, carrying the frame-advantage sample for that peer.
type InputAckBody struct {
	AckFrame       int32
	FrameAdvantage int8
}

// SyncBody is the handshake payload shared by SyncRequest/SyncResponse.
type SyncBody struct {
	RNGData uint16
}

// SessionHealthBody reports the checksum this peer computed for one
// confirmed frame.
type SessionHealthBody struct {
	Frame    int32
	Checksum uint32
}

// NetworkHealthBody is an RTT probe: Received is false on the outbound
// ping and echoed back true by the receiver.
type NetworkHealthBody struct {
	SendTimeMs uint64
	Received   bool
}

// Packet is the decoded, tagged-union view of one wire message. Exactly
// one of the typed fields is non-nil, selected by Header.Type.
type Packet struct {
	Header         Header
	Inputs         *InputsBody
	InputAck       *InputAckBody
	Sync           *SyncBody
	SessionHealth  *SessionHealthBody
	NetworkHealth  *NetworkHealthBody
}

// ClampFrameAdvantage clamps a frame-advantage sample to the wire
// format's signed 8-bit range instead of wrapping.
func ClampFrameAdvantage(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// Encode serializes a packet into wire bytes.
func Encode(p Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, p.Header.Type); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, p.Header.Magic); err != nil {
		return nil, err
	}
	// Pad the header to its fixed 8-byte width.
	buf.Write(make([]byte, headerSize-3))

	switch p.Header.Type {
	case TypeInputs, TypeSpectatorInputs:
		b := p.Inputs
		if b == nil {
			return nil, fmt.Errorf("protocol: Encode: nil Inputs body for type %d", p.Header.Type)
		}
		if len(b.Inputs) > MaxInputSize {
			return nil, fmt.Errorf("protocol: Encode: input payload %d exceeds MaxInputSize %d", len(b.Inputs), MaxInputSize)
		}
		binary.Write(buf, binary.LittleEndian, b.StartFrame)
		binary.Write(buf, binary.LittleEndian, b.InputCount)
		binary.Write(buf, binary.LittleEndian, uint16(len(b.Inputs)))
		buf.Write(b.Inputs)
	case TypeInputAck:
		b := p.InputAck
		if b == nil {
			return nil, fmt.Errorf("protocol: Encode: nil InputAck body")
		}
		binary.Write(buf, binary.LittleEndian, b.AckFrame)
		binary.Write(buf, binary.LittleEndian, b.FrameAdvantage)
	case TypeSyncRequest, TypeSyncResponse:
		b := p.Sync
		if b == nil {
			return nil, fmt.Errorf("protocol: Encode: nil Sync body for type %d", p.Header.Type)
		}
		binary.Write(buf, binary.LittleEndian, b.RNGData)
	case TypeSessionHealth:
		b := p.SessionHealth
		if b == nil {
			return nil, fmt.Errorf("protocol: Encode: nil SessionHealth body")
		}
		binary.Write(buf, binary.LittleEndian, b.Frame)
		binary.Write(buf, binary.LittleEndian, b.Checksum)
	case TypeNetworkHealth:
		b := p.NetworkHealth
		if b == nil {
			return nil, fmt.Errorf("protocol: Encode: nil NetworkHealth body")
		}
		binary.Write(buf, binary.LittleEndian, b.SendTimeMs)
		binary.Write(buf, binary.LittleEndian, b.Received)
	default:
		return nil, ErrUnknownType
	}

	if buf.Len() > MaxPacketBytes {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// Decode parses wire bytes into a Packet.
func Decode(data []byte) (Packet, error) {
	if len(data) > MaxPacketBytes {
		return Packet{}, ErrTooLarge
	}
	if len(data) < headerSize {
		return Packet{}, ErrTooShort
	}

	r := bytes.NewReader(data)
	var p Packet
	if err := binary.Read(r, binary.LittleEndian, &p.Header.Type); err != nil {
		return Packet{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &p.Header.Magic); err != nil {
		return Packet{}, err
	}
	if _, err := r.Seek(headerSize-3, 1); err != nil {
		return Packet{}, err
	}

	switch p.Header.Type {
	case TypeInputs, TypeSpectatorInputs:
		b := &InputsBody{}
		if err := binary.Read(r, binary.LittleEndian, &b.StartFrame); err != nil {
			return Packet{}, ErrTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &b.InputCount); err != nil {
			return Packet{}, ErrTooShort
		}
		var totalSize uint16
		if err := binary.Read(r, binary.LittleEndian, &totalSize); err != nil {
			return Packet{}, ErrTooShort
		}
		if int(totalSize) > MaxInputSize || r.Len() < int(totalSize) {
			return Packet{}, ErrTooLarge
		}
		b.Inputs = make([]byte, totalSize)
		if _, err := io.ReadFull(r, b.Inputs); err != nil {
			return Packet{}, ErrTooShort
		}
		p.Inputs = b
	case TypeInputAck:
		b := &InputAckBody{}
		if err := binary.Read(r, binary.LittleEndian, &b.AckFrame); err != nil {
			return Packet{}, ErrTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &b.FrameAdvantage); err != nil {
			return Packet{}, ErrTooShort
		}
		p.InputAck = b
	case TypeSyncRequest, TypeSyncResponse:
		b := &SyncBody{}
		if err := binary.Read(r, binary.LittleEndian, &b.RNGData); err != nil {
			return Packet{}, ErrTooShort
		}
		p.Sync = b
	case TypeSessionHealth:
		b := &SessionHealthBody{}
		if err := binary.Read(r, binary.LittleEndian, &b.Frame); err != nil {
			return Packet{}, ErrTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &b.Checksum); err != nil {
			return Packet{}, ErrTooShort
		}
		p.SessionHealth = b
	case TypeNetworkHealth:
		b := &NetworkHealthBody{}
		if err := binary.Read(r, binary.LittleEndian, &b.SendTimeMs); err != nil {
			return Packet{}, ErrTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &b.Received); err != nil {
			return Packet{}, ErrTooShort
		}
		p.NetworkHealth = b
	default:
		return Packet{}, ErrUnknownType
	}

	return p, nil
}
