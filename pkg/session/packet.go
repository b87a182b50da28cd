package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// MTU is the maximum size, in bytes, of a packet this engine will ever send,
// header included (§4.2).
const MTU = 1200

// headerLen is the size of the fixed packet header: [type:u8, flags:u8, seq:u16be] (§3).
const headerLen = 4

// StreamPayloadMax is the largest chunk of stream bytes that fits in one data
// packet: MTU - header - the 5-byte fragmentation sub-header (§4.3).
const StreamPayloadMax = MTU - headerLen - 5

// PacketType is the first byte of every packet header (§3, §4.1 dispatch table).
type PacketType uint8

const (
	PacketRegister PacketType = iota + 1
	PacketRegisterAck
	PacketPeerInfo
	PacketPeerInfoAck
	PacketAlive
	PacketAliveAck
	PacketNATProbe
	PacketNATProbeAck
	PacketUnregister
	PacketPeerOff

	PacketPunch
	PacketPunchAck
	PacketPing
	PacketPong

	PacketData
	PacketAck
	PacketRelayData
	PacketRelayAck

	PacketFin

	PacketRouteProbe
	PacketRouteProbeAck

	PacketAuth

	PacketSTUNBinding // carries a STUN-formatted body; dispatched by magic cookie, not this type byte
)

func (t PacketType) String() string {
	switch t {
	case PacketRegister:
		return "REGISTER"
	case PacketRegisterAck:
		return "REGISTER_ACK"
	case PacketPeerInfo:
		return "PEER_INFO"
	case PacketPeerInfoAck:
		return "PEER_INFO_ACK"
	case PacketAlive:
		return "ALIVE"
	case PacketAliveAck:
		return "ALIVE_ACK"
	case PacketNATProbe:
		return "NAT_PROBE"
	case PacketNATProbeAck:
		return "NAT_PROBE_ACK"
	case PacketUnregister:
		return "UNREGISTER"
	case PacketPeerOff:
		return "PEER_OFF"
	case PacketPunch:
		return "PUNCH"
	case PacketPunchAck:
		return "PUNCH_ACK"
	case PacketPing:
		return "PING"
	case PacketPong:
		return "PONG"
	case PacketData:
		return "DATA"
	case PacketAck:
		return "ACK"
	case PacketRelayData:
		return "RELAY_DATA"
	case PacketRelayAck:
		return "RELAY_ACK"
	case PacketFin:
		return "FIN"
	case PacketRouteProbe:
		return "ROUTE_PROBE"
	case PacketRouteProbeAck:
		return "ROUTE_PROBE_ACK"
	case PacketAuth:
		return "AUTH"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Header flag bits carried in byte 1 of the packet header.
const (
	FlagFin          uint8 = 0x01 // terminal batch marker (compact PEER_INFO), or stream framer's FIRST
	FlagRelaySupport uint8 = 0x02 // REGISTER_ACK: server supports RELAY_DATA fallback
	FlagLast         uint8 = 0x02 // stream framer's LAST (distinct namespace, see stream.go sub-header)
)

// stunMagicCookie is the fixed STUN magic cookie (RFC 5389 §6), used by
// Update to distinguish STUN/TURN datagrams (length >= 20, cookie at byte
// offset 4) from this engine's own packet header (§4.1 step 1).
var stunMagicCookie = [4]byte{0x21, 0x12, 0xA4, 0x42}

func looksLikeSTUN(b []byte) bool {
	return len(b) >= 20 && b[4] == stunMagicCookie[0] && b[5] == stunMagicCookie[1] && b[6] == stunMagicCookie[2] && b[7] == stunMagicCookie[3]
}

// encodeHeader writes the 4-byte packet header and returns the full packet
// (header + payload). Fails if the result would exceed MTU.
func encodeHeader(typ PacketType, flags uint8, seq uint16, payload []byte) ([]byte, error) {
	if headerLen+len(payload) > MTU {
		return nil, fmt.Errorf("p2p: packet of %d bytes exceeds MTU %d", headerLen+len(payload), MTU)
	}
	buf := make([]byte, headerLen+len(payload))
	buf[0] = uint8(typ)
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], seq)
	copy(buf[4:], payload)
	return buf, nil
}

// decodeHeader parses the fixed header from a received datagram. The
// returned payload aliases b.
func decodeHeader(b []byte) (typ PacketType, flags uint8, seq uint16, payload []byte, err error) {
	if len(b) < headerLen {
		return 0, 0, 0, nil, errors.New("p2p: packet shorter than header")
	}
	typ = PacketType(b[0])
	flags = b[1]
	seq = binary.BigEndian.Uint16(b[2:4])
	payload = b[headerLen:]
	return
}

// udpSocket wraps a non-blocking UDP socket. Construction and option-setting
// follow nspkt.Listener's ListenAndServe/Serve split, but this engine reads
// with a deadline-based poll loop instead of a dedicated Serve goroutine,
// since Update() is expected to be invoked cooperatively (§5: "single-
// threaded cooperative by default").
type udpSocket struct {
	conn *net.UDPConn
}

// newUDPSocket binds a UDP socket to the given local port (0 = kernel
// chosen), with SO_REUSEADDR set via the platform-specific control function
// in packet_unix.go / packet_other.go (§4.2).
func newUDPSocket(bindPort int) (*udpSocket, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(nopCtx, "udp4", fmt.Sprintf(":%d", bindPort))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("%w: unexpected packet conn type", ErrResolve)
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	a := s.conn.LocalAddr().(*net.UDPAddr)
	ap, _ := netip.AddrFromSlice(a.IP.To4())
	return netip.AddrPortFrom(ap, uint16(a.Port))
}

func (s *udpSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// sendPacket serializes and writes one packet. Mirrors nspkt's send():
// build the wire bytes, then WriteToUDPAddrPort once.
func (s *udpSocket) sendPacket(addr netip.AddrPort, typ PacketType, flags uint8, seq uint16, payload []byte) (int, error) {
	buf, err := encodeHeader(typ, flags, seq, payload)
	if err != nil {
		return 0, err
	}
	return s.conn.WriteToUDPAddrPort(buf, addr)
}

func (s *udpSocket) sendRaw(addr netip.AddrPort, buf []byte) (int, error) {
	if len(buf) > MTU {
		return 0, fmt.Errorf("p2p: raw packet of %d bytes exceeds MTU %d", len(buf), MTU)
	}
	return s.conn.WriteToUDPAddrPort(buf, addr)
}

// recvFrom returns 0, zero-addr, nil on would-block, per §4.2. It never
// blocks: the deadline is set to "now" each call (the cheapest portable way
// to poll a net.UDPConn without blocking).
func (s *udpSocket) recvFrom(buf []byte) (int, netip.AddrPort, error) {
	s.conn.SetReadDeadline(timeNow())
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netip.AddrPort{}, nil
		}
		return 0, netip.AddrPort{}, err
	}
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}
