// Package wire implements Summit's fixed-size on-wire encodings: the
// chunk header carried inside every encrypted frame and the capability
// announcement broadcast over multicast during discovery.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Contract is the QoS class of a session.
type Contract uint8

const (
	Realtime   Contract = 0
	Bulk       Contract = 1
	Background Contract = 2
)

func (c Contract) String() string {
	switch c {
	case Realtime:
		return "Realtime"
	case Bulk:
		return "Bulk"
	case Background:
		return "Background"
	default:
		return fmt.Sprintf("Contract(%d)", uint8(c))
	}
}

// IsValid reports whether c is one of the three known contracts.
func (c Contract) IsValid() bool {
	return c == Realtime || c == Bulk || c == Background
}

// Errors returned while parsing wire structures. These back the
// MalformedWire error kind from the error taxonomy.
var (
	ErrShortAnnouncement = errors.New("wire: announcement datagram too short")
	ErrShortHeader       = errors.New("wire: chunk header too short")
	ErrPayloadLength     = errors.New("wire: declared payload length does not match buffer")
)

// ChunkHeaderSize is the fixed wire size of a ChunkHeader, in bytes.
const ChunkHeaderSize = 72

// ChunkHeader is the fixed 72-byte header preceding every chunk payload.
// The header plus payload together form the AEAD plaintext for one
// session frame.
type ChunkHeader struct {
	ContentHash [32]byte
	SchemaID    [32]byte
	TypeTag     uint8
	Flags       uint8
	Version     uint16
	Length      uint32
}

// Marshal encodes the header into its 72-byte wire representation.
func (h ChunkHeader) Marshal() []byte {
	buf := make([]byte, ChunkHeaderSize)
	copy(buf[0:32], h.ContentHash[:])
	copy(buf[32:64], h.SchemaID[:])
	buf[64] = h.TypeTag
	buf[65] = h.Flags
	binary.BigEndian.PutUint16(buf[66:68], h.Version)
	binary.BigEndian.PutUint32(buf[68:72], h.Length)
	return buf
}

// ParseChunkHeader decodes a ChunkHeader from the front of buf. It does
// not validate the payload length against the remainder of buf; callers
// must do that with len(payload) == header.Length after slicing.
func ParseChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return ChunkHeader{}, ErrShortHeader
	}

	var h ChunkHeader
	copy(h.ContentHash[:], buf[0:32])
	copy(h.SchemaID[:], buf[32:64])
	h.TypeTag = buf[64]
	h.Flags = buf[65]
	h.Version = binary.BigEndian.Uint16(buf[66:68])
	h.Length = binary.BigEndian.Uint32(buf[68:72])
	return h, nil
}

// EncodeChunk concatenates a marshaled header with its payload into one
// AEAD plaintext buffer.
func EncodeChunk(h ChunkHeader, payload []byte) []byte {
	h.Length = uint32(len(payload))
	buf := make([]byte, ChunkHeaderSize+len(payload))
	copy(buf, h.Marshal())
	copy(buf[ChunkHeaderSize:], payload)
	return buf
}

// DecodeChunk splits a decrypted frame into its header and payload,
// verifying that the declared length matches the remaining bytes.
func DecodeChunk(frame []byte) (ChunkHeader, []byte, error) {
	h, err := ParseChunkHeader(frame)
	if err != nil {
		return ChunkHeader{}, nil, err
	}

	rest := frame[ChunkHeaderSize:]
	if uint32(len(rest)) != h.Length {
		return ChunkHeader{}, nil, ErrPayloadLength
	}

	payload := make([]byte, len(rest))
	copy(payload, rest)
	return h, payload, nil
}

// AnnouncementSize is the fixed wire size of a CapabilityAnnouncement,
// in bytes.
const AnnouncementSize = 80

// CapabilityAnnouncement is the fixed 80-byte datagram broadcast during
// discovery (see §6 of the protocol specification for the exact byte
// layout).
type CapabilityAnnouncement struct {
	CapabilityHash [32]byte
	PublicKey      [32]byte
	SessionPort    uint16
	ChunkPort      uint16
	Version        uint32
	Contract       Contract
}

// Marshal encodes the announcement into its 80-byte wire representation.
// Bytes 73..79 (reserved) are always zero.
func (a CapabilityAnnouncement) Marshal() []byte {
	buf := make([]byte, AnnouncementSize)
	copy(buf[0:32], a.CapabilityHash[:])
	copy(buf[32:64], a.PublicKey[:])
	binary.BigEndian.PutUint16(buf[64:66], a.SessionPort)
	binary.BigEndian.PutUint16(buf[66:68], a.ChunkPort)
	binary.BigEndian.PutUint32(buf[68:72], a.Version)
	buf[72] = uint8(a.Contract)
	// buf[73:80] reserved, left zero.
	return buf
}

// ParseCapabilityAnnouncement decodes a fixed 80-byte announcement.
// Datagrams that are the wrong size, carry an unknown contract, or have
// non-zero reserved bytes are rejected — callers drop these silently
// per the discovery component's failure semantics.
func ParseCapabilityAnnouncement(buf []byte) (CapabilityAnnouncement, error) {
	if len(buf) != AnnouncementSize {
		return CapabilityAnnouncement{}, ErrShortAnnouncement
	}

	var a CapabilityAnnouncement
	copy(a.CapabilityHash[:], buf[0:32])
	copy(a.PublicKey[:], buf[32:64])
	a.SessionPort = binary.BigEndian.Uint16(buf[64:66])
	a.ChunkPort = binary.BigEndian.Uint16(buf[66:68])
	a.Version = binary.BigEndian.Uint32(buf[68:72])
	a.Contract = Contract(buf[72])
	if !a.Contract.IsValid() {
		return CapabilityAnnouncement{}, fmt.Errorf("wire: unknown contract %d", buf[72])
	}

	for _, b := range buf[73:80] {
		if b != 0 {
			return CapabilityAnnouncement{}, fmt.Errorf("wire: reserved bytes not zero")
		}
	}

	return a, nil
}
