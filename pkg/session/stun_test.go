package session

import (
	"net/netip"
	"testing"
)

func TestBindingRequestResponseRoundTrip(t *testing.T) {
	req, tsx, err := BuildBindingRequest("user", "pass")
	if err != nil {
		t.Fatalf("BuildBindingRequest: %v", err)
	}
	if len(req) < 20 {
		t.Fatal("request shorter than the fixed STUN header")
	}

	resp := stunHeader(stunBindingResponse, tsx, 0)
	xport := uint16(54321) ^ uint16(stunMagicCookieU32>>16)
	var xip [4]byte
	ip := [4]byte{203, 0, 113, 5}
	for i := range xip {
		xip[i] = ip[i] ^ byte(stunMagicCookieU32>>uint(24-8*i))
	}
	val := make([]byte, 8)
	val[1] = 0x01
	val[2] = byte(xport >> 8)
	val[3] = byte(xport)
	copy(val[4:8], xip[:])
	resp = appendAttr(resp, attrXORMappedAddress, val)

	addr, err := ParseBindingResponse(resp, tsx)
	if err != nil {
		t.Fatalf("ParseBindingResponse: %v", err)
	}
	if addr.Addr() != netip.AddrFrom4(ip) || addr.Port() != 54321 {
		t.Fatalf("parsed addr = %v, want %v:54321", addr, netip.AddrFrom4(ip))
	}
}

func TestParseBindingResponseRejectsTransactionMismatch(t *testing.T) {
	_, tsx, err := BuildBindingRequest("", "")
	if err != nil {
		t.Fatalf("BuildBindingRequest: %v", err)
	}
	var other [12]byte
	resp := stunHeader(stunBindingResponse, other, 0)
	if _, err := ParseBindingResponse(resp, tsx); err == nil {
		t.Fatal("expected an error when the echoed transaction id doesn't match")
	}
}

func TestClassifyNATLANPunchAlwaysOpen(t *testing.T) {
	if got := ClassifyNAT(nil, netip.AddrPort{}, netip.AddrPort{}, true); got != NATOpen {
		t.Errorf("ClassifyNAT with lanPunch=true = %v, want NATOpen", got)
	}
}

func TestClassifyNATOpenWhenLocalMatchesPublic(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.5")
	pub := netip.AddrPortFrom(addr, 4000)
	got := ClassifyNAT([]netip.Addr{addr}, pub, pub, false)
	if got != NATOpen {
		t.Errorf("ClassifyNAT = %v, want NATOpen when a local address matches the public one", got)
	}
}

func TestClassifyNATConeWhenPortsMatch(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.2")
	pub := netip.MustParseAddr("203.0.113.5")
	addr1 := netip.AddrPortFrom(pub, 4000)
	addr2 := netip.AddrPortFrom(pub, 4000)
	got := ClassifyNAT([]netip.Addr{local}, addr1, addr2, false)
	if got != NATCone {
		t.Errorf("ClassifyNAT = %v, want NATCone when both probes map to the same port", got)
	}
}

func TestClassifyNATSymmetricWhenPortsDiffer(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.2")
	pub := netip.MustParseAddr("203.0.113.5")
	addr1 := netip.AddrPortFrom(pub, 4000)
	addr2 := netip.AddrPortFrom(pub, 4001)
	got := ClassifyNAT([]netip.Addr{local}, addr1, addr2, false)
	if got != NATSymmetric {
		t.Errorf("ClassifyNAT = %v, want NATSymmetric when probes map to different ports", got)
	}
}

func TestParseNATType(t *testing.T) {
	cases := []struct {
		in   string
		want NATType
		ok   bool
	}{
		{"open", NATOpen, true},
		{"cone", NATCone, true},
		{"symmetric", NATSymmetric, true},
		{"timeout", NATTimeout, true},
		{"", NATUnknown, false},
		{"bogus", NATUnknown, false},
	}
	for _, c := range cases {
		got, ok := parseNATType(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("parseNATType(%q) = (%v,%v), want (%v,%v)", c.in, got, ok, c.want, c.ok)
		}
		if ok && got.String() != c.in {
			t.Errorf("parseNATType(%q).String() = %q, want round trip", c.in, got.String())
		}
	}
}
