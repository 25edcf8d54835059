package wire

import (
	"testing"
)

func TestBuilderFinalizeStampsTotalLen(t *testing.T) {
	b := NewBuilder(Header{ID: 1, Command: 7}, 16)
	b.AppendString("hello").AppendInt32(42)

	frame := b.Finalize(true)
	h, ok := Decode(frame)
	if !ok {
		t.Fatal("finalized frame failed checksum validation")
	}
	if int(h.TotalLen) != len(frame) {
		t.Fatalf("TotalLen = %d, want %d", h.TotalLen, len(frame))
	}
	if h.PayloadLen() != len(frame)-HeaderLen {
		t.Fatalf("PayloadLen = %d, want %d", h.PayloadLen(), len(frame)-HeaderLen)
	}
	if !h.Flags.Has(FlagPayloadChecksum) {
		t.Fatal("expected FlagPayloadChecksum to be set")
	}

	payload := frame[HeaderLen:]
	if got := Fletcher32(payload); got != h.PayloadChecksum {
		t.Fatalf("payload checksum mismatch: got %d want %d", got, h.PayloadChecksum)
	}

	r := NewReader(payload)
	if s := r.String(); s != "hello" {
		t.Fatalf("String() = %q, want hello", s)
	}
	if v := r.Int32(); v != 42 {
		t.Fatalf("Int32() = %d, want 42", v)
	}
	if err := r.Complete(); err != nil {
		t.Fatalf("Complete() = %v", err)
	}
}

func TestBuilderWithoutPayloadChecksumEmitsZero(t *testing.T) {
	b := NewBuilder(Header{}, 4)
	b.AppendUint8(1)
	frame := b.Finalize(false)
	h, ok := Decode(frame)
	if !ok {
		t.Fatal("frame failed checksum validation")
	}
	if h.Flags.Has(FlagPayloadChecksum) {
		t.Fatal("did not expect FlagPayloadChecksum")
	}
	if h.PayloadChecksum != 0 {
		t.Fatalf("PayloadChecksum = %d, want 0", h.PayloadChecksum)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to pad this out")

	for _, codec := range []Codec{CodecNone, CodecFlate, CodecSnappy, CodecLZ4} {
		b := NewBuilder(Header{}, len(payload))
		b.AppendBytes(payload)
		if err := b.Compress(codec); err != nil {
			t.Fatalf("codec %d: Compress: %v", codec, err)
		}
		frame := b.Finalize(true)

		h, ok := Decode(frame)
		if !ok {
			t.Fatalf("codec %d: frame failed checksum validation", codec)
		}
		if !h.Flags.Has(FlagPayloadCompressed) {
			t.Fatalf("codec %d: expected FlagPayloadCompressed", codec)
		}

		out, err := Decompress(frame[HeaderLen:])
		if err != nil {
			t.Fatalf("codec %d: Decompress: %v", codec, err)
		}
		r := NewReader(out)
		got := r.Bytes()
		if err := r.Complete(); err != nil {
			t.Fatalf("codec %d: Complete: %v", codec, err)
		}
		if string(got) != string(payload) {
			t.Fatalf("codec %d: round trip mismatch: got %q", codec, got)
		}
	}
}

func TestReaderNotEnoughData(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_ = r.Uint64()
	if r.Err() != ErrNotEnoughData {
		t.Fatalf("Err() = %v, want ErrNotEnoughData", r.Err())
	}
}
