package session

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// localSubnet is a detected local, non-loopback, up IPv4 interface address
// and its netmask (§4.7).
type localSubnet struct {
	addr netip.Addr
	mask netip.Addr
}

// routeLayer enumerates local interfaces and detects a same-subnet path to
// the peer so the session can shortcut to a LAN address instead of punching
// through NAT unnecessarily (§4.7).
type routeLayer struct {
	locals []localSubnet

	lanConfirmed bool
	lanAddr      netip.AddrPort

	disableShortcut bool

	log zerolog.Logger
}

func newRouteLayer(disableShortcut bool, log zerolog.Logger) *routeLayer {
	return &routeLayer{disableShortcut: disableShortcut, log: log}
}

// detectLocal enumerates non-loopback, up IPv4 interfaces (§4.7).
func (r *routeLayer) detectLocal() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	r.locals = r.locals[:0]
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			maskBytes := ipn.Mask
			if len(maskBytes) != 4 {
				continue
			}
			mask, ok := netip.AddrFromSlice(maskBytes)
			if !ok {
				continue
			}
			r.locals = append(r.locals, localSubnet{addr: addr, mask: mask})
		}
	}
	return nil
}

// checkSameSubnet returns true iff (local.addr & mask) == (peer.addr & mask)
// for some detected local interface (§4.7).
func (r *routeLayer) checkSameSubnet(peer netip.Addr) bool {
	if !peer.Is4() {
		return false
	}
	pb := peer.As4()
	for _, l := range r.locals {
		lb := l.addr.As4()
		mb := l.mask.As4()
		same := true
		for i := 0; i < 4; i++ {
			if lb[i]&mb[i] != pb[i]&mb[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// sendProbe sends a ROUTE_PROBE carrying the local port in a 2-byte payload
// (§4.7). The outgoing TTL is kept low via ipv4.PacketConn since this probe
// is only ever meaningful within the directly-attached subnet.
func (r *routeLayer) sendProbe(sock *udpSocket, peer netip.AddrPort, localPort uint16) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, localPort)

	pc := ipv4.NewPacketConn(sock.conn)
	prevTTL, err := pc.TTL()
	if err == nil {
		pc.SetTTL(8)
		defer pc.SetTTL(prevTTL)
	}
	sock.sendPacket(peer, PacketRouteProbe, 0, 0, payload)
}

// onProbe replies with ROUTE_PROBE_ACK (§4.7).
func (r *routeLayer) onProbe(sock *udpSocket, from netip.AddrPort, localPort uint16) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, localPort)
	sock.sendPacket(from, PacketRouteProbeAck, 0, 0, payload)
}

// onProbeAck records LAN confirmation (§4.7). The orchestrator promotes the
// active path to lan at the next opportunity, but only at the transition
// into connected — this method only records the fact; it does not itself
// switch the active path (§4.1: "idempotent switch... not re-evaluated
// mid-session").
func (r *routeLayer) onProbeAck(from netip.AddrPort) {
	if r.disableShortcut {
		return
	}
	r.lanConfirmed = true
	r.lanAddr = from
	r.log.Info().Str("addr", from.String()).Msg("lan shortcut confirmed")
}
