package session

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("payload bytes")
	buf, err := encodeHeader(PacketData, FlagFin, 42, payload)
	if err != nil {
		t.Fatalf("encodeHeader: %v", err)
	}
	typ, flags, seq, out, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if typ != PacketData || flags != FlagFin || seq != 42 || !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch: typ=%v flags=%x seq=%d payload=%q", typ, flags, seq, out)
	}
}

func TestEncodeHeaderRejectsOverMTU(t *testing.T) {
	payload := make([]byte, MTU)
	if _, err := encodeHeader(PacketData, 0, 0, payload); err == nil {
		t.Fatal("expected an error for a payload that pushes the packet past MTU")
	}
}

func TestDecodeHeaderRejectsShortPacket(t *testing.T) {
	if _, _, _, _, err := decodeHeader([]byte{1, 2}); err == nil {
		t.Fatal("expected an error for a packet shorter than the header")
	}
}

func TestLooksLikeSTUNDetectsMagicCookie(t *testing.T) {
	b := make([]byte, 20)
	copy(b[4:8], stunMagicCookie[:])
	if !looksLikeSTUN(b) {
		t.Error("expected looksLikeSTUN to recognize the STUN magic cookie")
	}
	if looksLikeSTUN(make([]byte, 20)) {
		t.Error("an all-zero buffer should not look like STUN")
	}
	if looksLikeSTUN([]byte{1, 2, 3}) {
		t.Error("a too-short buffer should never look like STUN")
	}
}

func TestPacketTypeStringKnownAndUnknown(t *testing.T) {
	if got := PacketData.String(); got != "DATA" {
		t.Errorf("PacketData.String() = %q, want DATA", got)
	}
	if got := PacketType(255).String(); got == "" {
		t.Error("unknown packet type should still stringify to something non-empty")
	}
}
