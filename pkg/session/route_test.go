package session

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCheckSameSubnet(t *testing.T) {
	r := newRouteLayer(false, zerolog.Nop())
	r.locals = []localSubnet{
		{addr: netip.MustParseAddr("192.168.1.10"), mask: netip.MustParseAddr("255.255.255.0")},
	}
	if !r.checkSameSubnet(netip.MustParseAddr("192.168.1.50")) {
		t.Error("expected 192.168.1.50 to be recognized as same subnet as 192.168.1.10/24")
	}
	if r.checkSameSubnet(netip.MustParseAddr("10.0.0.5")) {
		t.Error("expected 10.0.0.5 to not be recognized as same subnet")
	}
	if r.checkSameSubnet(netip.MustParseAddr("::1")) {
		t.Error("checkSameSubnet should reject non-IPv4 addresses")
	}
}

// TestSendProbeRoundTrip exercises sendProbe -> onProbe -> onProbeAck over
// real loopback UDP sockets, confirming the LAN-shortcut confirmation path
// (§4.7) actually fires end to end.
func TestSendProbeRoundTrip(t *testing.T) {
	a, err := newUDPSocket(0)
	if err != nil {
		t.Fatalf("newUDPSocket a: %v", err)
	}
	defer a.Close()
	b, err := newUDPSocket(0)
	if err != nil {
		t.Fatalf("newUDPSocket b: %v", err)
	}
	defer b.Close()

	rb := newRouteLayer(false, zerolog.Nop())

	ra := newRouteLayer(false, zerolog.Nop())
	ra.sendProbe(a, b.LocalAddr(), a.LocalAddr().Port())

	buf := make([]byte, MTU)
	deadline := time.Now().Add(2 * time.Second)
	var gotProbe bool
	for time.Now().Before(deadline) {
		n, from, err := b.recvFrom(buf)
		if err != nil {
			t.Fatalf("b.recvFrom: %v", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		typ, _, _, payload, err := decodeHeader(buf[:n])
		if err != nil {
			t.Fatalf("decodeHeader: %v", err)
		}
		if typ != PacketRouteProbe {
			t.Fatalf("b received packet type %v, want PacketRouteProbe", typ)
		}
		if len(payload) < 2 {
			t.Fatalf("probe payload too short: %d bytes", len(payload))
		}
		peerPort := uint16(payload[0])<<8 | uint16(payload[1])
		rb.onProbe(b, from, peerPort)
		gotProbe = true
		break
	}
	if !gotProbe {
		t.Fatal("b never received the ROUTE_PROBE sent by a")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, from, err := a.recvFrom(buf)
		if err != nil {
			t.Fatalf("a.recvFrom: %v", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		typ, _, _, _, err := decodeHeader(buf[:n])
		if err != nil {
			t.Fatalf("decodeHeader: %v", err)
		}
		if typ != PacketRouteProbeAck {
			t.Fatalf("a received packet type %v, want PacketRouteProbeAck", typ)
		}
		ra.onProbeAck(from)
		break
	}
	if !ra.lanConfirmed {
		t.Fatal("expected onProbeAck to set lanConfirmed")
	}
	if ra.lanAddr != b.LocalAddr() {
		t.Errorf("lanAddr = %v, want %v", ra.lanAddr, b.LocalAddr())
	}
}
