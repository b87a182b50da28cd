package relay

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling"
)

func TestEncodeFrameFeedRoundTrip(t *testing.T) {
	payload := []byte("small offer payload")
	buf := encodeFrame(msgConnect, nil, payload)

	fr := newFrameReader()
	frames, err := fr.feed(buf)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].typ != msgConnect || !bytes.Equal(frames[0].payload, payload) {
		t.Fatalf("frame mismatch: typ=%v payload=%q", frames[0].typ, frames[0].payload)
	}
}

func TestFeedResumesAcrossPartialReads(t *testing.T) {
	payload := []byte("fragmented across several reads")
	buf := encodeFrame(msgHeartbeat, nil, payload)

	fr := newFrameReader()
	var got []frame
	for i := 0; i < len(buf); i++ {
		frames, err := fr.feed(buf[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames across byte-at-a-time feed, want 1", len(got))
	}
	if !bytes.Equal(got[0].payload, payload) {
		t.Fatalf("payload = %q, want %q", got[0].payload, payload)
	}
}

func TestFrameWithSenderRoundTrip(t *testing.T) {
	var sender signaling.PeerID
	copy(sender[:], "sender-id")
	payload := []byte("offer body")
	buf := encodeFrame(msgOffer, &sender, payload)

	fr := newFrameReader()
	frames, err := fr.feed(buf)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if !f.hasSndr || f.sender != sender {
		t.Fatalf("sender mismatch: hasSndr=%v sender=%v", f.hasSndr, f.sender)
	}
	if !bytes.Equal(f.payload, payload) {
		t.Fatalf("payload = %q, want %q", f.payload, payload)
	}
}

func TestEncodeFrameCompressesLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("repeating-pattern-compresses-well "), 200)
	buf := encodeFrame(msgConnect, nil, payload)

	// flags byte (index 5) must carry frameFlagZstd, and the encoded frame
	// must be materially smaller than the header plus the raw payload.
	if buf[5]&frameFlagZstd == 0 {
		t.Fatal("expected a payload over one MTU of repetitive data to be compressed")
	}
	if len(buf) >= frameHeaderLen+len(payload) {
		t.Fatalf("compressed frame (%d bytes) is not smaller than the uncompressed form (%d bytes)", len(buf), frameHeaderLen+len(payload))
	}

	fr := newFrameReader()
	frames, err := fr.feed(buf)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].payload, payload) {
		t.Fatal("decompressed payload did not round trip")
	}
}

func TestEncodeFrameLeavesSmallPayloadUncompressed(t *testing.T) {
	payload := []byte("tiny")
	buf := encodeFrame(msgConnect, nil, payload)
	if buf[5]&frameFlagZstd != 0 {
		t.Fatal("a payload under one MTU should never be compressed")
	}
}

func TestDispatchLockedRoutesForwardLikeOffer(t *testing.T) {
	var sender signaling.PeerID
	copy(sender[:], "peer-b")

	cand := session.Candidate{
		Type: session.CandidateHost,
		Addr: netip.MustParseAddrPort("10.0.0.5:4000"),
	}
	payload := signaling.Encode(signaling.Offer{Sender: sender, Candidates: []session.Candidate{cand}})

	c := &Client{remoteCandSeen: make(map[nativeAddrKey]bool)}
	update, err := c.dispatchLocked(frame{typ: msgForward, hasSndr: true, sender: sender, payload: payload})
	if err != nil {
		t.Fatalf("dispatchLocked(msgForward): %v", err)
	}
	if update == nil || !update.PeerChanged || update.RemotePeer != sender {
		t.Fatalf("expected a PeerChanged update naming the FORWARD sender, got %+v", update)
	}
	if len(update.Candidates) != 1 || update.Candidates[0].Addr != cand.Addr {
		t.Fatalf("expected the FORWARD offer's candidate to be admitted, got %+v", update.Candidates)
	}
	if !c.peerAdopted {
		t.Error("expected peerAdopted to be set after a FORWARD")
	}

	// A FORWARD with no sender prefix is malformed, same as a bare OFFER.
	if _, err := c.dispatchLocked(frame{typ: msgForward, hasSndr: false, payload: payload}); err != ErrMalformed {
		t.Fatalf("dispatchLocked(msgForward without sender) = %v, want ErrMalformed", err)
	}
}

func TestFeedRejectsBadMagic(t *testing.T) {
	buf := encodeFrame(msgHeartbeat, nil, nil)
	buf[0] ^= 0xFF
	fr := newFrameReader()
	if _, err := fr.feed(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for a corrupted magic, got %v", err)
	}
}
