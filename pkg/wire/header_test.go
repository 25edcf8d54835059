package wire

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{},
		{
			Version: ProtocolVersion, HeaderLen: HeaderLen,
			Alignment: 8, Flags: FlagRequest | FlagUrgent,
			ID: 42, GroupID: 7, TotalLen: HeaderLen + 5,
			TimeoutMs: 1000, PayloadChecksum: 0, Command: 1,
		},
		{
			Version: ProtocolVersion, HeaderLen: HeaderLen,
			Flags: FlagProxyMapUpdate, ID: 0xFFFFFFFF, GroupID: 0,
			TotalLen: HeaderLen, Command: ^uint64(0),
		},
	}

	for i, h := range cases {
		buf := make([]byte, HeaderLen)
		h.Encode(buf)

		got, ok := Decode(buf)
		if !ok {
			t.Fatalf("case %d: checksum did not validate on decode\nwire bytes: %s", i, spew.Sdump(buf))
		}

		want := h
		want.HeaderChecksum = got.HeaderChecksum // computed field, not input
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("case %d: round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestDecodeRejectsCorruptedChecksum(t *testing.T) {
	h := Header{Version: ProtocolVersion, HeaderLen: HeaderLen, ID: 5, TotalLen: HeaderLen}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)
	buf[10] ^= 0xFF // corrupt the id field after checksum was stamped

	if _, ok := Decode(buf); ok {
		t.Fatal("expected corrupted header to fail checksum validation")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, ok := Decode(make([]byte, HeaderLen-1)); ok {
		t.Fatal("expected short buffer to fail decode")
	}
}

func TestHeaderValid(t *testing.T) {
	h := Header{Version: ProtocolVersion, HeaderLen: HeaderLen}
	if !h.Valid() {
		t.Fatal("expected canonical header to be valid")
	}
	h.Version = 9
	if h.Valid() {
		t.Fatal("expected wrong version to be invalid")
	}
}

func TestPayloadLen(t *testing.T) {
	h := Header{TotalLen: HeaderLen + 10}
	if got := h.PayloadLen(); got != 10 {
		t.Fatalf("PayloadLen() = %d, want 10", got)
	}
	h.TotalLen = 3
	if got := h.PayloadLen(); got != 0 {
		t.Fatalf("PayloadLen() with inconsistent TotalLen = %d, want 0", got)
	}
}
