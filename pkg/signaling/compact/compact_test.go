package compact

import (
	"net"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
)

// newTestClient wires a real Client against a throwaway loopback UDP
// listener, so sendLocked's writes have somewhere to land without requiring
// network I/O assertions in the tests themselves.
func newTestClient(t *testing.T) (*Client, *net.UDPConn) {
	t.Helper()
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	serverAddr := netip.MustParseAddrPort(ln.LocalAddr().String())

	var localID, remoteID session.PeerID
	copy(localID[:], "local")
	copy(remoteID[:], "remote")

	c, err := New(localID, remoteID, serverAddr, zerolog.Nop())
	if err != nil {
		ln.Close()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		ln.Close()
	})
	return c, ln
}

func TestCompactCandidateEncodeDecodeRoundTrip(t *testing.T) {
	cand := session.Candidate{
		Type: session.CandidateServerReflexive,
		Addr: netip.MustParseAddrPort("203.0.113.7:5555"),
	}
	buf := make([]byte, compactCandidSize)
	putCompactCandidate(buf, encodeCompactCandidate(cand))
	got := getCompactCandidate(buf)
	if got.Type != cand.Type || got.Addr != cand.Addr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cand)
	}
}

func TestOnPeerInfoLockedDedupsAndAdoptsPeer(t *testing.T) {
	c, _ := newTestClient(t)
	c.sessionID = 42
	c.sessionIDKnown = true

	cand := session.Candidate{Type: session.CandidateHost, Addr: netip.MustParseAddrPort("10.0.0.9:1111")}
	body := make([]byte, 8+1+1+compactCandidSize)
	putCompactCandidate(body[10:], encodeCompactCandidate(cand))
	body[9] = 1
	// sessionID field matches what onPeerInfoLocked expects at body[0:8].
	putSessionID(body, 42)

	c.mu.Lock()
	update, err := c.onPeerInfoLocked(body, 1, 0)
	c.mu.Unlock()
	if err != nil {
		t.Fatalf("onPeerInfoLocked: %v", err)
	}
	if !update.PeerChanged {
		t.Fatal("first batch should report PeerChanged")
	}
	if len(update.Candidates) != 1 || update.Candidates[0].Addr != cand.Addr {
		t.Fatalf("unexpected candidates: %+v", update.Candidates)
	}

	// Feeding the exact same batch again should not re-surface the candidate
	// or re-flip PeerChanged.
	c.mu.Lock()
	update2, err := c.onPeerInfoLocked(body, 2, 0)
	c.mu.Unlock()
	if err != nil {
		t.Fatalf("onPeerInfoLocked (repeat): %v", err)
	}
	if update2.PeerChanged {
		t.Fatal("peer should not be re-adopted on a later batch")
	}
	if len(update2.Candidates) != 0 {
		t.Fatalf("duplicate candidate resurfaced: %+v", update2.Candidates)
	}
}

func TestOnPeerOffLockedResetsSessionState(t *testing.T) {
	c, _ := newTestClient(t)
	c.sessionID = 7
	c.sessionIDKnown = true
	c.peerAdopted = true
	c.state = StateICE
	c.remoteCands = []session.Candidate{{Addr: netip.MustParseAddrPort("10.0.0.1:1")}}
	c.remoteCandSeen[netip.MustParseAddrPort("10.0.0.1:1")] = true

	body := make([]byte, 8)
	putSessionID(body, 7)
	if err := c.onPeerOffLocked(body); err != nil {
		t.Fatalf("onPeerOffLocked: %v", err)
	}
	if c.state != StateRegistered || c.sessionIDKnown || c.peerAdopted || len(c.remoteCands) != 0 {
		t.Fatalf("state not reset: state=%v sessionIDKnown=%v peerAdopted=%v remoteCands=%v",
			c.state, c.sessionIDKnown, c.peerAdopted, c.remoteCands)
	}
}

func TestOnRelayDataLockedUnwrapsMatchingSession(t *testing.T) {
	c, _ := newTestClient(t)
	c.sessionID = 99
	inner := []byte("inner reliable packet bytes")
	body := make([]byte, 10+len(inner))
	putSessionID(body, 99)
	body[8] = 0
	body[9] = byte(len(inner))
	copy(body[10:], inner)

	update, err := c.onRelayDataLocked(body)
	if err != nil {
		t.Fatalf("onRelayDataLocked: %v", err)
	}
	if len(update.RelayData) != 1 || string(update.RelayData[0]) != string(inner) {
		t.Fatalf("unwrapped relay data mismatch: %v", update.RelayData)
	}
}

func TestOnRelayDataLockedIgnoresSessionMismatch(t *testing.T) {
	c, _ := newTestClient(t)
	c.sessionID = 1
	body := make([]byte, 10)
	putSessionID(body, 2)
	update, err := c.onRelayDataLocked(body)
	if err != nil {
		t.Fatalf("onRelayDataLocked: %v", err)
	}
	if update != nil {
		t.Fatalf("expected nil update for a session id mismatch, got %+v", update)
	}
}

func putSessionID(b []byte, sid uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(sid >> uint(8*(7-i)))
	}
}
