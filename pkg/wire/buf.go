package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4"
)

// Builder assembles one frame: a header plus an append-typed payload.
// Construction is two-phase — callers start from a header template and an
// estimated payload capacity, append fields, then call Finalize to stamp
// total_len and the checksum(s).
type Builder struct {
	header  Header
	payload []byte
}

// NewBuilder starts a frame with the given header template and an
// estimated payload capacity (a hint only; the payload grows as needed).
// Most header fields (TotalLen, HeaderChecksum) are computed by Finalize
// and may be left zero here.
func NewBuilder(h Header, payloadCapacityHint int) *Builder {
	h.Version = ProtocolVersion
	h.HeaderLen = HeaderLen
	return &Builder{
		header:  h,
		payload: make([]byte, 0, payloadCapacityHint),
	}
}

func (b *Builder) AppendUint8(v uint8) *Builder {
	b.payload = append(b.payload, v)
	return b
}

func (b *Builder) AppendUint32(v uint32) *Builder {
	b.payload = AppendFixed32(b.payload, v)
	return b
}

func (b *Builder) AppendInt32(v int32) *Builder { return b.AppendUint32(uint32(v)) }

func (b *Builder) AppendUint64(v uint64) *Builder {
	b.payload = AppendFixed64(b.payload, v)
	return b
}

func (b *Builder) AppendInt64(v int64) *Builder { return b.AppendUint64(uint64(v)) }

func (b *Builder) AppendBool(v bool) *Builder {
	b.payload = AppendBool(b.payload, v)
	return b
}

func (b *Builder) AppendString(s string) *Builder {
	b.payload = AppendString(b.payload, s)
	return b
}

func (b *Builder) AppendBytes(p []byte) *Builder {
	b.payload = AppendBytes(b.payload, p)
	return b
}

// AppendRaw appends p uninterpreted (used for pre-encoded sub-structures
// such as a fixed 6-byte sockaddr in a proxy map update record).
func (b *Builder) AppendRaw(p []byte) *Builder {
	b.payload = append(b.payload, p...)
	return b
}

// Codec identifies the compression algorithm tagging a compressed
// payload. CodecNone means the payload is stored uncompressed even though
// FlagPayloadCompressed may still be examined by callers that always read
// the tag byte.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecFlate
	CodecSnappy
	CodecLZ4
)

// Compress replaces the current payload with a codec-tagged compressed
// version and sets FlagPayloadCompressed. Compression is opt-in; most
// frames never call it. Compressing an empty payload still sets the flag
// and tag byte, so decompression is symmetric regardless of payload size.
func (b *Builder) Compress(codec Codec) error {
	var compressed []byte
	switch codec {
	case CodecNone:
		compressed = b.payload
	case CodecFlate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := w.Write(b.payload); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		compressed = buf.Bytes()
	case CodecSnappy:
		compressed = snappy.Encode(nil, b.payload)
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b.payload); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		compressed = buf.Bytes()
	default:
		return fmt.Errorf("wire: unknown codec %d", codec)
	}

	tagged := make([]byte, 0, len(compressed)+1)
	tagged = append(tagged, byte(codec))
	tagged = append(tagged, compressed...)
	b.payload = tagged
	b.header.Flags |= FlagPayloadCompressed
	return nil
}

// Decompress reverses Compress given a payload whose first byte is a
// Codec tag, as produced by Compress. It is the caller's responsibility to
// only invoke this when FlagPayloadCompressed is set on the decoded header.
func Decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrNotEnoughData
	}
	codec := Codec(payload[0])
	body := payload[1:]
	switch codec {
	case CodecNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case CodecFlate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case CodecSnappy:
		return snappy.Decode(nil, body)
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("wire: unknown codec tag %d", codec)
	}
}

// Finalize stamps TotalLen, the header checksum, and (if
// withPayloadChecksum is true) the payload checksum and its flag, then
// returns the complete frame ready to write to a socket. The Builder must
// not be reused after Finalize.
func (b *Builder) Finalize(withPayloadChecksum bool) []byte {
	frame := make([]byte, HeaderLen+len(b.payload))
	b.header.TotalLen = uint32(len(frame))

	if withPayloadChecksum {
		b.header.Flags |= FlagPayloadChecksum
		b.header.PayloadChecksum = Fletcher32(b.payload)
	} else {
		// payload_checksum stays in the header for wire compatibility but
		// is not required; emit zero when unused.
		b.header.PayloadChecksum = 0
	}

	copy(frame[HeaderLen:], b.payload)
	b.header.Encode(frame[:HeaderLen])
	return frame
}

// AppendFixed32 and AppendFixed64 write fixed-width little-endian
// integers (not LEB128), used for the coordination protocol's structured
// fields (handle IDs, event counts, session IDs) as opposed to the
// varint-prefixed strings.
func AppendFixed32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func AppendFixed64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
