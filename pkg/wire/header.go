// Package wire implements the fixed-size frame header, payload builder, and
// varint/varstring primitives shared by every connection in this module.
// Nothing in this package blocks or owns a goroutine; it is pure codec.
package wire

import "encoding/binary"

// HeaderLen is the on-the-wire size of Header in bytes. Header.HeaderLen
// must always equal this constant; a decoded frame with a different value
// is a protocol error and the connection carrying it is closed.
const HeaderLen = 38

// ProtocolVersion is the only version this package knows how to decode.
const ProtocolVersion = 1

// Flags is the header flag bitset, little-endian on the wire.
type Flags uint16

const (
	FlagRequest          Flags = 0x0001
	FlagIgnoreResponse   Flags = 0x0002
	FlagUrgent           Flags = 0x0004
	FlagPayloadCompressed Flags = 0x2000
	FlagProxyMapUpdate   Flags = 0x4000
	FlagPayloadChecksum  Flags = 0x8000
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the decoded form of the fixed 38-byte frame header. All
// integer fields are transmitted little-endian.
type Header struct {
	Version          uint8
	HeaderLen        uint8
	Alignment        uint16
	Flags            Flags
	HeaderChecksum   uint32
	ID               uint32
	GroupID          uint32
	TotalLen         uint32
	TimeoutMs        uint32
	PayloadChecksum  uint32
	Command          uint64
}

// PayloadLen returns the payload length implied by TotalLen, or 0 if
// TotalLen is inconsistent (shorter than the header itself).
func (h Header) PayloadLen() int {
	if int(h.TotalLen) < HeaderLen {
		return 0
	}
	return int(h.TotalLen) - HeaderLen
}

// Encode writes h into dst[:HeaderLen], computing HeaderChecksum over the
// encoded bytes with the checksum field zeroed. dst must have length >=
// HeaderLen.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderLen-1]
	dst[0] = h.Version
	dst[1] = h.HeaderLen
	binary.LittleEndian.PutUint16(dst[2:4], h.Alignment)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.Flags))
	binary.LittleEndian.PutUint32(dst[6:10], 0) // checksum placeholder
	binary.LittleEndian.PutUint32(dst[10:14], h.ID)
	binary.LittleEndian.PutUint32(dst[14:18], h.GroupID)
	binary.LittleEndian.PutUint32(dst[18:22], h.TotalLen)
	binary.LittleEndian.PutUint32(dst[22:26], h.TimeoutMs)
	binary.LittleEndian.PutUint32(dst[26:30], h.PayloadChecksum)
	binary.LittleEndian.PutUint64(dst[30:38], h.Command)

	sum := Fletcher32(dst[:HeaderLen])
	binary.LittleEndian.PutUint32(dst[6:10], sum)
}

// Decode parses a Header from src[:HeaderLen] and validates its checksum.
// It does not validate Version or HeaderLen; callers check those
// separately so they can distinguish "bad checksum" from "bad version"
// for logging, though both are malformed-header conditions that close the
// connection.
func Decode(src []byte) (Header, bool) {
	if len(src) < HeaderLen {
		return Header{}, false
	}
	var h Header
	h.Version = src[0]
	h.HeaderLen = src[1]
	h.Alignment = binary.LittleEndian.Uint16(src[2:4])
	h.Flags = Flags(binary.LittleEndian.Uint16(src[4:6]))
	h.HeaderChecksum = binary.LittleEndian.Uint32(src[6:10])
	h.ID = binary.LittleEndian.Uint32(src[10:14])
	h.GroupID = binary.LittleEndian.Uint32(src[14:18])
	h.TotalLen = binary.LittleEndian.Uint32(src[18:22])
	h.TimeoutMs = binary.LittleEndian.Uint32(src[22:26])
	h.PayloadChecksum = binary.LittleEndian.Uint32(src[26:30])
	h.Command = binary.LittleEndian.Uint64(src[30:38])

	check := make([]byte, HeaderLen)
	copy(check, src[:HeaderLen])
	binary.LittleEndian.PutUint32(check[6:10], 0)
	ok := Fletcher32(check) == h.HeaderChecksum
	return h, ok
}

// Valid reports whether h has a decodable version and header length. This
// is checked in addition to the checksum verified by Decode.
func (h Header) Valid() bool {
	return h.Version == ProtocolVersion && h.HeaderLen == HeaderLen
}
