package signaling

import (
	"net/netip"
	"testing"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
)

func TestOfferEncodeDecodeRoundTrip(t *testing.T) {
	var sender, target PeerID
	copy(sender[:], "peer-a")
	copy(target[:], "peer-b")

	offer := Offer{
		Sender:       sender,
		Target:       target,
		TimestampSec: 1700000000,
		DelayTrigger: 3,
		Candidates: []session.Candidate{
			{
				Type:     session.CandidateHost,
				Addr:     netip.MustParseAddrPort("10.0.0.5:4000"),
				Priority: 12345,
			},
			{
				Type:     session.CandidateServerReflexive,
				Addr:     netip.MustParseAddrPort("203.0.113.9:4001"),
				Base:     netip.MustParseAddrPort("10.0.0.5:4000"),
				Priority: 6789,
			},
		},
	}

	enc := Encode(offer)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Sender != offer.Sender || dec.Target != offer.Target {
		t.Fatal("sender/target did not round trip")
	}
	if dec.TimestampSec != offer.TimestampSec || dec.DelayTrigger != offer.DelayTrigger {
		t.Fatal("timestamp/delay_trigger did not round trip")
	}
	if len(dec.Candidates) != len(offer.Candidates) {
		t.Fatalf("got %d candidates, want %d", len(dec.Candidates), len(offer.Candidates))
	}
	for i, c := range dec.Candidates {
		want := offer.Candidates[i]
		if c.Type != want.Type || c.Addr != want.Addr || c.Priority != want.Priority {
			t.Fatalf("candidate %d mismatch: got %+v want %+v", i, c, want)
		}
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for a too-short payload, got %v", err)
	}
}

func TestDecodeTruncatesOversizedCandidateCount(t *testing.T) {
	offer := Offer{Candidates: []session.Candidate{{Addr: netip.MustParseAddrPort("10.0.0.1:1")}}}
	enc := Encode(offer)
	// Overstate candidate_count (the 3rd u32 before the candidate array).
	enc[offerHeaderSize-4] = 0xFF
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode should tolerate an inflated candidate_count, got error: %v", err)
	}
	if len(dec.Candidates) != 1 {
		t.Fatalf("expected decode to clamp to what actually fits (1), got %d", len(dec.Candidates))
	}
}

func TestParsePeerIDTruncatesAndRejectsOverlong(t *testing.T) {
	id, err := ParsePeerID("short")
	if err != nil {
		t.Fatalf("ParsePeerID: %v", err)
	}
	if id.String() == "" {
		t.Error("expected a non-empty stringified peer id")
	}
	long := make([]byte, 40)
	if _, err := ParsePeerID(string(long)); err == nil {
		t.Fatal("expected an error for a peer id longer than 32 bytes")
	}
}
