// Package session implements the peer-to-peer session engine: signaling-
// agnostic candidate exchange, NAT traversal (hole-punching, LAN shortcut,
// NAT-type classification), an optional ICE-style connectivity checker, and
// a packet-level ARQ plus byte-stream framer feeding a pluggable transport
// (§1, §2).
package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
)

// State is the session's top-level state machine (§4.1).
type State uint8

const (
	StateIdle State = iota
	StateRegistering
	StatePunching
	StateConnected
	StateRelay
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StatePunching:
		return "punching"
	case StateConnected:
		return "connected"
	case StateRelay:
		return "relay"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Path is the active-path tag (§3).
type Path uint8

const (
	PathNone Path = iota
	PathPunch
	PathLAN
	PathRelay
)

func (p Path) String() string {
	switch p {
	case PathPunch:
		return "punch"
	case PathLAN:
		return "lan"
	case PathRelay:
		return "relay"
	default:
		return "none"
	}
}

// Session is one peer-to-peer connection attempt (§3).
type Session struct {
	mu sync.Mutex

	cfg Config
	log zerolog.Logger
	met *sessionMetrics

	sock *udpSocket

	localID  PeerID
	remoteID PeerID
	haveRemoteID bool

	state State
	path  Path

	locals  *candidateList
	remotes *candidateList

	activeAddr netip.AddrPort

	arq    *reliableARQ
	framer *byteStreamFramer
	punch  *punchEngine
	route  *routeLayer
	ice    *iceChecker
	transport Transport // nil unless DTLS is enabled

	signaling Signaling

	natType    NATType
	natTested  bool

	authOK bool // AUTH handshake completed (only meaningful when AuthKey is set)

	disconnectFired bool
	connectedFired  bool

	closeErr error
}

// Create allocates a session for the given configuration and signaling
// back-end (§6 "create(config) -> handle"). Unlike the original single-
// process design, this module does not construct the signaling variant
// itself — pkg/session cannot import pkg/signaling/{compact,relay,pubsub}
// without an import cycle (they depend on pkg/session for Candidate), so the
// caller (typically cmd/p2pctl) builds the right variant from cfg and passes
// it in; see DESIGN.md.
func Create(cfg Config, sig Signaling) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := getDefaultLogger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("component", "session").Logger()

	sock, err := newUDPSocket(cfg.BindPort)
	if err != nil {
		return nil, err
	}

	localID, err := ParsePeerID(cfg.LocalPeerID)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	met := newSessionMetrics()
	s := &Session{
		cfg:       cfg,
		log:       log,
		met:       met,
		sock:      sock,
		localID:   localID,
		state:     StateIdle,
		locals:    newCandidateList(),
		remotes:   newCandidateList(),
		arq:       newReliableARQ(met),
		framer:    newByteStreamFramer(cfg.Nagle),
		punch:     newPunchEngine(log.With().Str("subcomponent", "punch").Logger(), met),
		route:     newRouteLayer(cfg.DisableLANShortcut, log.With().Str("subcomponent", "route").Logger()),
		signaling: sig,
	}
	if cfg.UseICE {
		s.ice = newICEChecker(log.With().Str("subcomponent", "ice").Logger(), met)
	}
	if cfg.UsePseudoTCP {
		s.arq.cc = newCongestionController()
	}
	if cfg.UseDTLS {
		cipher := NewPSKDatagramCipher([]byte(cfg.AuthKey), cfg.DTLSServer)
		s.transport = newDTLSTransport(cipher)
		if err := s.transport.Init(s.arq); err != nil {
			sock.Close()
			return nil, err
		}
	}
	if err := s.route.detectLocal(); err != nil {
		s.log.Warn().Err(err).Msg("route layer: failed to enumerate local interfaces")
	}
	return s, nil
}

// Connect begins an active (remotePeerID != nil) or passive (nil) connection
// attempt (§6 "connect(handle, remote_peer_id | null)").
func (s *Session) Connect(remotePeerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remotePeerID != nil {
		id, err := ParsePeerID(*remotePeerID)
		if err != nil {
			s.state = StateError
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		s.remoteID = id
		s.haveRemoteID = true
	}

	s.gatherHostCandidatesLocked()
	s.state = StateRegistering
	if err := s.signaling.AnnounceCandidates(s.locals.all()); err != nil {
		s.log.Warn().Err(err).Msg("initial candidate announcement failed")
	}
	return nil
}

// gatherHostCandidatesLocked adds one host candidate per detected local
// interface, priority = (126<<24)|(65535-ifindex)<<8|255 (§4.9).
func (s *Session) gatherHostCandidatesLocked() {
	if s.cfg.SkipHostCandidates {
		return
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	localPort := s.sock.LocalAddr().Port()
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
			localPref := uint32(65535-iface.Index) & 0xFFFF
			cand := Candidate{
				Type:        CandidateHost,
				Addr:        netip.AddrPortFrom(addr, localPort),
				ComponentID: 1,
			}
			cand.Priority = (cand.Type.typePreference() << 24) | (localPref << 8) | 255
			s.locals.add(cand)
		}
	}
}

// State/Path/IsReady report current status (§6).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Path() Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected || s.state == StateRelay
}

// Send queues bytes for delivery, returning the number actually queued
// (§6, §7 "reliable window full -> backpressure by returning less-than-
// requested byte count").
func (s *Session) Send(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateRelay {
		return 0, ErrNotReady
	}
	n := s.framer.write(buf)
	if err := s.flushLocked(); err != nil && err != ErrWindowFull {
		return n, err
	}
	return n, nil
}

// Recv copies reassembled application bytes into buf (§6).
func (s *Session) Recv(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framer.read(buf), nil
}

func (s *Session) flushLocked() error {
	if s.transport != nil {
		// The DTLS transport re-encrypts each framer-produced chunk before
		// handing it to the reliable ARQ, so it can't share framer's direct
		// rs.sendPkt path; drain what the ring has and push each slice
		// through the transport instead.
		for s.framer.sendRing.len() > 0 && s.arq.windowHasRoom() {
			chunkLen := s.framer.sendRing.len()
			if chunkLen > StreamPayloadMax {
				chunkLen = StreamPayloadMax
			}
			data := make([]byte, chunkLen)
			s.framer.sendRing.peek(data, 0)
			if err := s.transport.SendData(data); err != nil {
				return err
			}
			s.framer.sendRing.discard(chunkLen)
			s.framer.pendingBytes -= chunkLen
		}
		return nil
	}
	return s.framer.flushToReliable(s.arq)
}

// Close emits a FIN on the active path if one is up, transitions to closing,
// and fires the disconnect callback if applicable (§5 "close() is
// synchronous").
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return nil
	}
	if s.activeAddr.IsValid() {
		s.sock.sendPacket(s.activeAddr, PacketFin, 0, 0, nil)
	}
	if s.signaling != nil {
		if rs, ok := s.signaling.(interface{ Unregister() error }); ok {
			rs.Unregister()
		}
	}
	s.state = StateClosing
	s.fireDisconnectLocked(nil)
	s.state = StateClosed
	return nil
}

// Destroy releases the session's socket and signaling context (§6).
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != nil {
		s.signaling.Close()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	return s.sock.Close()
}

// Update drains the socket, advances every sub-machine, and flushes pending
// data, in the fixed order specified by §4.1.
func (s *Session) Update() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateError {
		return ErrClosed
	}
	now := nowMs()

	// Step 1: drain the socket non-blockingly, dispatch by type.
	buf := make([]byte, MTU)
	for {
		n, from, err := s.sock.recvFrom(buf)
		if err != nil {
			s.log.Warn().Err(err).Msg("udp recv error")
			break
		}
		if n == 0 {
			break
		}
		pkt := append([]byte(nil), buf[:n]...)
		if looksLikeSTUN(pkt) {
			s.onSTUNLocked(pkt, from)
			continue
		}
		if n < headerLen {
			continue
		}
		s.dispatchLocked(pkt, from, now)
	}

	// Step 2 is implicit: sub-ticks below (punch, route) advance state as a
	// side effect of processing what step 1 dispatched.

	// Step 3: flush pending stream data if an active path exists.
	if (s.state == StateConnected || s.state == StateRelay) && s.activeAddr.IsValid() {
		if err := s.flushLocked(); err != nil && err != ErrWindowFull {
			s.log.Warn().Err(err).Msg("flush to reliable failed")
		}
	}

	// Step 4: tick sub-components in the specified order.
	s.tickTransportLocked(now)
	s.tickPunchLocked(now)
	s.tickNATProbeLocked(now)
	if s.ice != nil {
		s.ice.tick(s.sock, s.remotes.all(), now)
	}
	if s.signaling != nil {
		update, err := s.signaling.Tick(now)
		if err != nil {
			s.log.Warn().Err(err).Msg("signaling tick error")
			if s.met != nil {
				s.met.signalingErrors.Inc()
			}
		}
		if update != nil {
			s.onSignalingUpdateLocked(update)
		}
	}

	return nil
}

func (s *Session) tickTransportLocked(now int64) {
	if s.transport != nil {
		s.transport.Tick(s.sock, s.activeAddr, now)
	}
	toSend, ackSeq, sackBits, hasAck := s.arq.tick(now)
	relayMode := s.path == PathRelay
	dataType, ackType := PacketData, PacketAck
	if relayMode {
		dataType, ackType = PacketRelayData, PacketRelayAck
	}
	for _, d := range toSend {
		s.sendDataPacketLocked(dataType, d.Seq, d.Payload, relayMode)
	}
	if hasAck && s.activeAddr.IsValid() {
		ackBody := make([]byte, 4)
		putU32(ackBody, sackBits)
		if relayMode {
			if s.signaling != nil {
				s.signaling.RelaySend(encodeAckPayload(ackSeq, sackBits))
			}
		} else {
			s.sock.sendPacket(s.activeAddr, ackType, 0, ackSeq, ackBody)
		}
	}
}

func (s *Session) sendDataPacketLocked(typ PacketType, seq uint16, payload []byte, relayMode bool) {
	if relayMode {
		if s.signaling != nil {
			s.signaling.RelaySend(encodeDataPayload(seq, payload))
		}
		return
	}
	s.sock.sendPacket(s.activeAddr, typ, 0, seq, payload)
	s.punch.noteSend(nowMs())
}

func encodeDataPayload(seq uint16, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = uint8(PacketData)
	binary.BigEndian.PutUint16(buf[2:4], seq)
	copy(buf[4:], payload)
	return buf
}

func encodeAckPayload(ackSeq uint16, sackBits uint32) []byte {
	buf := make([]byte, headerLen+4)
	buf[0] = uint8(PacketAck)
	binary.BigEndian.PutUint16(buf[2:4], ackSeq)
	putU32(buf[4:], sackBits)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *Session) tickPunchLocked(now int64) {
	outcome := s.punch.tick(s.sock, s.remotes.all(), now)
	s.syncPathFromPunchLocked()
	switch outcome {
	case tickFellBackToRelay:
		s.state = StateRelay
		s.path = PathRelay
		if s.met != nil {
			s.met.pathTransitions.Inc()
		}
	case tickHeartbeatLost:
		s.closeErr = ErrHeartbeatLost
		s.state = StateError
		s.fireDisconnectLocked(ErrHeartbeatLost)
	}
}

// syncPathFromPunchLocked promotes state/path to connected/punch the first
// time the punch engine reports connected, and evaluates the LAN shortcut
// exactly once at that transition (§4.1: "idempotent switch... not
// re-evaluated mid-session").
func (s *Session) syncPathFromPunchLocked() {
	if s.punch.state != PunchConnected {
		return
	}
	if s.state == StateConnected || s.state == StateRelay {
		return
	}
	s.activeAddr = s.punch.peerAddr
	s.state = StateConnected
	s.path = PathPunch
	if !s.cfg.DisableLANShortcut && s.route.lanConfirmed {
		s.activeAddr = s.route.lanAddr
		s.path = PathLAN
	}
	if s.met != nil {
		s.met.pathTransitions.Inc()
	}
	s.fireConnectedLocked()
}

// maybeProbeLANLocked sends a ROUTE_PROBE to a newly-admitted remote
// candidate that shares a subnet with one of our detected local interfaces,
// so the two peers can confirm a LAN shortcut (§4.7) instead of relying on
// the punch/relay path once they're both known. onProbeAck records the
// confirmation; syncPathFromPunchLocked promotes the active path to lan at
// the next connected transition.
func (s *Session) maybeProbeLANLocked(remote netip.AddrPort) {
	if s.cfg.DisableLANShortcut || s.route.lanConfirmed {
		return
	}
	if !s.route.checkSameSubnet(remote.Addr()) {
		return
	}
	s.route.sendProbe(s.sock, remote, s.sock.LocalAddr().Port())
}

func (s *Session) tickNATProbeLocked(now int64) {
	if s.natTested || s.cfg.SignalingMode != SignalingCompact {
		return
	}
	if t, ok := parseNATType(s.cfg.ForcedNATType); ok {
		s.natType = t
		s.natTested = true
		s.log.Info().Stringer("nat_type", s.natType).Msg("nat classification forced by config")
		return
	}
	c, ok := s.signaling.(interface{ PublicAddrs() (netip.AddrPort, netip.AddrPort, bool) })
	if !ok {
		return
	}
	addr1, addr2, classified := c.PublicAddrs()
	if !classified {
		if pr, ok := s.signaling.(interface{ SendNATProbe() error }); ok {
			pr.SendNATProbe()
		}
		return
	}
	locals := make([]netip.Addr, 0, s.locals.len())
	for _, lc := range s.locals.all() {
		locals = append(locals, lc.Addr.Addr())
	}
	s.natType = ClassifyNAT(locals, addr1, addr2, s.cfg.LANPunch)
	s.natTested = true
	s.log.Info().Stringer("nat_type", s.natType).Msg("nat classification complete")
}

func (s *Session) onSTUNLocked(pkt []byte, from netip.AddrPort) {
	// Only Binding Responses are meaningful here; Binding Requests would
	// only arrive if this session were acting as its own STUN responder,
	// which it never does (§4.8 scopes this engine to the client role).
	_ = pkt
	_ = from
}

func (s *Session) onSignalingUpdateLocked(u *RemoteUpdate) {
	if u.PeerChanged {
		s.remoteID = u.RemotePeer
		s.haveRemoteID = true
		if s.ice != nil && (s.ice.state == ICEChecking || s.ice.state == ICEFailed) {
			s.ice.reset()
			s.remotes = newCandidateList()
		}
	}
	newlyAdmitted := false
	for _, c := range u.Candidates {
		if _, admitted := s.remotes.add(c); admitted {
			newlyAdmitted = true
			s.punch.trickle(s.sock, c.Addr, nowMs())
			s.maybeProbeLANLocked(c.Addr)
		}
	}
	if s.remotes.len() > 0 && s.punch.state == PunchInit {
		s.punch.start(s.sock, s.remotes.all(), nowMs())
		s.state = StatePunching
	}
	if newlyAdmitted && s.ice != nil {
		s.ice.setCheckList(s.locals.all(), s.remotes.all())
	}
	if u.PeerChanged {
		// Auto-emit an answer with our own candidates (relay/pubsub
		// reconnection policy, §4.12/§4.13).
		s.signaling.AnnounceCandidates(s.locals.all())
	}
	for _, raw := range u.RelayData {
		s.onRelayDataLocked(raw, nowMs())
	}
}

func (s *Session) fireConnectedLocked() {
	if s.connectedFired {
		return
	}
	s.connectedFired = true
	if s.cfg.OnConnected != nil {
		cb := s.cfg.OnConnected
		s.mu.Unlock()
		cb(s)
		s.mu.Lock()
	}
}

// fireDisconnectLocked fires on_disconnected exactly once on first
// transition out of {connected, relay} (§7).
func (s *Session) fireDisconnectLocked(err error) {
	if s.disconnectFired {
		return
	}
	if !s.connectedFired {
		return
	}
	s.disconnectFired = true
	if s.cfg.OnDisconnected != nil {
		cb := s.cfg.OnDisconnected
		s.mu.Unlock()
		cb(s, err)
		s.mu.Lock()
	}
}

// dispatchLocked implements the §4.1 packet-type dispatch table.
func (s *Session) dispatchLocked(pkt []byte, from netip.AddrPort, now int64) {
	typ, _, seq, payload, err := decodeHeader(pkt)
	if err != nil {
		return
	}
	switch typ {
	case PacketPunch:
		s.punch.onPunch(s.sock, from, now)
		s.onCandidateArrivalLocked(from, now)
	case PacketPunchAck:
		s.punch.onPunchAck(from, now)
		s.onCandidateArrivalLocked(from, now)
	case PacketPing:
		s.punch.onPing(s.sock, from, now)
	case PacketPong:
		s.punch.onPong(now)
	case PacketData:
		s.onDataLocked(seq, payload, from, now)
	case PacketAck:
		if s.activeAddr == from && len(payload) >= 4 {
			s.arq.onAck(seq, getU32(payload), now)
		}
	case PacketRelayData:
		s.onRelayDataLocked(payload, now)
	case PacketRelayAck:
		if len(payload) >= 4 {
			s.arq.onAck(seq, getU32(payload), now)
		}
	case PacketFin:
		s.state = StateClosing
		s.fireDisconnectLocked(nil)
		s.state = StateClosed
	case PacketRouteProbe:
		if len(payload) >= 2 {
			peerPort := uint16(payload[0])<<8 | uint16(payload[1])
			s.route.onProbe(s.sock, from, peerPort)
		}
	case PacketRouteProbeAck:
		s.route.onProbeAck(from)
	case PacketAuth:
		s.onAuthLocked(payload)
	default:
		// compact-signaling-specific types ride their own dedicated socket
		// (see DESIGN.md); nothing else to dispatch here.
	}
}

// onCandidateArrivalLocked implements the peer-reflexive discovery rule:
// a PUNCH/PUNCH_ACK from an address not already known as a remote candidate
// is admitted as a lower-preference prflx candidate (§4.1).
func (s *Session) onCandidateArrivalLocked(from netip.AddrPort, now int64) {
	if _, ok := s.remotes.find(from); ok {
		if s.ice != nil {
			if cand, done := s.ice.onArrival(from, s.remotes); done {
				s.promoteFromICELocked(cand)
			}
		}
		return
	}
	cand := Candidate{Type: CandidatePeerReflexive, Addr: from, ComponentID: 1}
	cand.Priority = computePriority(CandidatePeerReflexive, 65535, 1)
	s.remotes.add(cand)
	if s.ice != nil {
		s.ice.setCheckList(s.locals.all(), s.remotes.all())
	}
}

func (s *Session) promoteFromICELocked(cand Candidate) {
	if s.state == StateConnected || s.state == StateRelay {
		return
	}
	s.activeAddr = cand.Addr
	s.state = StateConnected
	s.path = PathPunch
	s.fireConnectedLocked()
}

func (s *Session) onDataLocked(seq uint16, payload []byte, from netip.AddrPort, now int64) {
	if s.state != StateConnected && s.state != StateRelay {
		return
	}
	if from != s.activeAddr {
		return
	}
	s.punch.noteRecv(now)
	s.admitReliablePayloadLocked(seq, payload)
}

// onRelayDataLocked unwraps the server-relay envelope and feeds the inner
// reliable-layer packet through the same path as a direct DATA/ACK packet
// would take (§4.11 RELAY_DATA, §4.1 "RELAY_DATA/RELAY_ACK -> reliable ARQ
// (relay-mode framing)").
func (s *Session) onRelayDataLocked(envelope []byte, now int64) {
	if s.state != StateRelay {
		return
	}
	if len(envelope) < headerLen {
		return
	}
	typ, _, seq, payload, err := decodeHeader(envelope)
	if err != nil {
		return
	}
	switch typ {
	case PacketData:
		s.punch.noteRecv(now)
		s.admitReliablePayloadLocked(seq, payload)
	case PacketAck:
		if len(payload) >= 4 {
			s.arq.onAck(seq, getU32(payload), now)
		}
	}
}

func (s *Session) admitReliablePayloadLocked(seq uint16, payload []byte) {
	s.arq.onData(seq, payload)
	for _, p := range s.arq.drainInOrder() {
		if s.transport != nil {
			app, err := s.transport.OnReliablePacket(p)
			if err != nil {
				s.log.Warn().Err(err).Msg("transport rejected reliable payload")
				continue
			}
			for _, chunk := range app {
				s.framer.feedFromReliable(wrapSubHeader(chunk))
			}
			continue
		}
		s.framer.feedFromReliable(p)
	}
}

// wrapSubHeader re-applies a synthetic FIRST|LAST sub-header to a decrypted
// transport chunk, since the DTLS transport strips and re-wraps application
// bytes below the framer rather than passing the original sub-header
// through (the framer only needs FIRST/LAST for its own bookkeeping, which
// is a no-op once data has already been reassembled by the reliable layer).
func wrapSubHeader(chunk []byte) []byte {
	out := make([]byte, streamDataSubHeaderLen+len(chunk))
	out[4] = FragWhole
	copy(out[streamDataSubHeaderLen:], chunk)
	return out
}

// onAuthLocked compares an AUTH payload to the configured key (§4.1, §7).
func (s *Session) onAuthLocked(payload []byte) {
	if s.cfg.AuthKey == "" {
		return
	}
	if string(payload) != s.cfg.AuthKey {
		s.authOK = false
		s.state = StateError
		s.log.Warn().Msg("auth mismatch, entering error state")
		return
	}
	s.authOK = true
}
