package wire

import (
	"encoding/binary"
	"errors"
)

// ErrNotEnoughData is returned by Reader methods when src is exhausted
// before the requested field could be read.
var ErrNotEnoughData = errors.New("wire: not enough data to read field")

// AppendUvarint appends v to dst as an unsigned LEB128 varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendString appends s as a varint length prefix followed by its raw
// bytes; there is no NUL terminator on the wire.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// AppendBytes appends b as a varint length prefix followed by the raw bytes.
func AppendBytes(dst []byte, b []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendBool appends a single 0/1 byte.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// Reader reads fixed and variable-width fields sequentially out of Src,
// sticking the first error encountered so callers can chain calls and
// check Err() (or call Complete()) once at the end.
type Reader struct {
	Src []byte
	err error
}

// NewReader returns a Reader over src.
func NewReader(src []byte) *Reader { return &Reader{Src: src} }

// Err returns the first error encountered by any read on this Reader.
func (r *Reader) Err() error { return r.err }

// Complete returns an error if Src has bytes remaining unconsumed, or the
// first error encountered during reading.
func (r *Reader) Complete() error {
	if r.err != nil {
		return r.err
	}
	if len(r.Src) > 0 {
		return errors.New("wire: unexpected trailing bytes")
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.Src) < n {
		r.err = ErrNotEnoughData
		return nil
	}
	b := r.Src[:n]
	r.Src = r.Src[n:]
	return b
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Bool reads a single 0/1 byte.
func (r *Reader) Bool() bool { return r.Uint8() != 0 }

// Uvarint reads an unsigned LEB128 varint.
func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.Src)
	if n <= 0 {
		r.err = ErrNotEnoughData
		return 0
	}
	r.Src = r.Src[n:]
	return v
}

// String reads a varint length prefix followed by that many raw bytes.
func (r *Reader) String() string {
	n := r.Uvarint()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Bytes reads a varint length prefix followed by that many raw bytes,
// returning a copy so callers may retain it beyond the Reader's lifetime.
func (r *Reader) Bytes() []byte {
	n := r.Uvarint()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
