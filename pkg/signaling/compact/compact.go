// Package compact implements the single-socket, UDP signaling protocol of
// §4.11: registration with a rendezvous server, server-cached candidate
// batches (PEER_INFO) with a per-batch ack bitmap, NAT probing, keep-alive,
// and an optional server-relayed data fallback.
package compact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling"
)

// State is the compact client's own state machine (§4.11: "init →
// registering → registered → ice → ready").
type State uint8

const (
	StateInit State = iota
	StateRegistering
	StateRegistered
	StateICE
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateICE:
		return "ice"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// message type byte, mirroring session.PacketType's server-facing subset
// (§4.11); compact signaling defines its own numbering since these ride a
// dedicated socket rather than session's data-plane header space.
type msgType uint8

const (
	msgRegister msgType = iota + 1
	msgRegisterAck
	msgPeerInfo
	msgPeerInfoAck
	msgAlive
	msgAliveAck
	msgNATProbe
	msgNATProbeAck
	msgUnregister
	msgPeerOff
	msgRelayData
	msgRelayAck
)

const (
	flagRelaySupport uint8 = 0x02
	flagFin          uint8 = 0x01
)

const (
	registerRetryMs   = 1000
	registerMaxTries  = 10
	peerInfoRetryMs   = 500
	aliveIntervalMs   = 20_000
	compactCandidSize = 7 // type:u8, ip:u32ne, port:u16ne
	compactHeaderSize = 4 // type:u8, flags:u8, seq:u16be, matches session's wire header shape
)

var (
	ErrRegisterTimeout = errors.New("p2p: compact signaling REGISTER timed out")
	ErrMalformed       = errors.New("p2p: malformed compact signaling message")
)

// compactCandidate is the 7-byte candidate encoding used by REGISTER and
// PEER_INFO (§4.11), distinct from the §4.10 common 32-byte encoding used by
// the other two variants.
type compactCandidate struct {
	Type session.CandidateType
	Addr netip.AddrPort
}

func encodeCompactCandidate(c session.Candidate) compactCandidate {
	return compactCandidate{Type: c.Type, Addr: c.Addr}
}

func putCompactCandidate(b []byte, c compactCandidate) {
	b[0] = uint8(c.Type)
	a4 := c.Addr.Addr().As4()
	copy(b[1:5], a4[:])
	binary.LittleEndian.PutUint16(b[5:7], c.Addr.Port())
}

func getCompactCandidate(b []byte) compactCandidate {
	var a4 [4]byte
	copy(a4[:], b[1:5])
	port := binary.LittleEndian.Uint16(b[5:7])
	return compactCandidate{
		Type: session.CandidateType(b[0]),
		Addr: netip.AddrPortFrom(netip.AddrFrom4(a4), port),
	}
}

// Client drives the §4.11 state machine. It owns a dedicated UDP socket to
// the rendezvous server. (The original single-process implementation shares
// one fd between signaling and data plane; here the two are split across
// pkg/session's data socket and this one, since pkg/session's udpSocket is
// unexported by design — see DESIGN.md. Functionally equivalent: both sockets
// are ordinary ephemeral-port UDP sockets and nothing depends on fd
// identity.)
type Client struct {
	mu sync.Mutex

	conn       *net.UDPConn
	serverAddr netip.AddrPort

	localID  signaling.PeerID
	remoteID signaling.PeerID

	state State

	registerTries  int
	lastRegisterMs int64
	registered     bool

	sessionID      uint64
	sessionIDKnown bool

	relaySupport bool

	publicAddr1 netip.AddrPort // REGISTER_ACK's reflexive address (Test I, §4.8)
	publicAddr2 netip.AddrPort // NAT_PROBE_ACK's reflexive address (Test II, §4.8)
	probePort   uint16
	natClassed  bool

	localCandidates []session.Candidate
	sentBaseline    int // how many locals went out with REGISTER already

	// outbound candidate batches awaiting ack, keyed by batch seq (1..16).
	pendingBatches   map[uint8][]byte
	pendingFlags     map[uint8]uint8
	candidatesAcked uint16
	lastBatchSentMs map[uint8]int64
	nextBatchSeq    uint8
	sentTerminalFin bool

	remoteCands    []session.Candidate
	remoteCandSeen map[netip.AddrPort]bool
	peerAdopted    bool

	lastAliveMs int64

	log zerolog.Logger
}

func New(localID, remoteID signaling.PeerID, serverAddr netip.AddrPort, log zerolog.Logger) (*Client, error) {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		return nil, fmt.Errorf("p2p: compact signaling dial: %w", err)
	}
	return &Client{
		conn:              conn,
		serverAddr:        serverAddr,
		localID:           localID,
		remoteID:          remoteID,
		state:             StateInit,
		pendingBatches:  make(map[uint8][]byte),
		pendingFlags:    make(map[uint8]uint8),
		lastBatchSentMs: make(map[uint8]int64),
		remoteCandSeen:  make(map[netip.AddrPort]bool),
		nextBatchSeq:    1,
		log:             log.With().Str("component", "signaling.compact").Logger(),
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) RelaySupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relaySupport
}

func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// RemoteCandidates returns every remote candidate admitted so far.
func (c *Client) RemoteCandidates() []session.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Candidate(nil), c.remoteCands...)
}

// AnnounceCandidates sends up to one MTU's worth of candidates as the
// initial REGISTER if still in init, otherwise queues any not-yet-sent
// locals as a new PEER_INFO batch (§4.11: "send the remainder of local
// candidates that were not in the first REGISTER").
func (c *Client) AnnounceCandidates(locals []session.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCandidates = locals

	if c.state == StateInit {
		return c.sendRegisterLocked(0)
	}
	if c.state == StateRegistered || c.state == StateICE {
		return c.queueRemainderLocked()
	}
	return nil
}

func (c *Client) sendRegisterLocked(nowMs int64) error {
	n := len(c.localCandidates)
	// cand_count is one byte; cap what fits (§4.11: "capped to what fits in
	// one MTU").
	maxCands := (session.MTU - compactHeaderSize - 32 - 32 - 1) / compactCandidSize
	if n > maxCands {
		n = maxCands
	}
	if n > 255 {
		n = 255
	}
	body := make([]byte, 32+32+1+n*compactCandidSize)
	copy(body[0:32], c.localID[:])
	copy(body[32:64], c.remoteID[:])
	body[64] = uint8(n)
	for i := 0; i < n; i++ {
		putCompactCandidate(body[65+i*compactCandidSize:], encodeCompactCandidate(c.localCandidates[i]))
	}
	c.sentBaseline = n

	c.state = StateRegistering
	c.registerTries = 1
	c.lastRegisterMs = nowMs
	return c.sendLocked(msgRegister, 0, 0, body)
}

// queueRemainderLocked partitions any locals beyond sentBaseline into
// numbered batches with a terminating FIN, as required on transition into
// ice (§4.11).
func (c *Client) queueRemainderLocked() error {
	remainder := c.localCandidates[c.sentBaseline:]
	if len(remainder) == 0 {
		if !c.sentTerminalFin {
			return c.queueBatchLocked(nil, true)
		}
		return nil
	}
	const perBatch = (session.MTU - compactHeaderSize - 8 - 1 - 1) / compactCandidSize
	for len(remainder) > 0 {
		n := len(remainder)
		if n > perBatch {
			n = perBatch
		}
		last := n == len(remainder)
		if err := c.queueBatchLocked(remainder[:n], last); err != nil {
			return err
		}
		remainder = remainder[n:]
	}
	c.sentBaseline = len(c.localCandidates)
	return nil
}

func (c *Client) queueBatchLocked(cands []session.Candidate, fin bool) error {
	if c.nextBatchSeq > 16 {
		return fmt.Errorf("p2p: compact signaling exhausted 16 candidate batches")
	}
	seq := c.nextBatchSeq
	c.nextBatchSeq++

	body := make([]byte, 8+1+1+len(cands)*compactCandidSize)
	binary.BigEndian.PutUint64(body[0:8], c.sessionID)
	body[8] = 0 // base_index: unused by the client-originated path (§9 open-question decision below)
	body[9] = uint8(len(cands))
	for i, cd := range cands {
		putCompactCandidate(body[10+i*compactCandidSize:], encodeCompactCandidate(cd))
	}

	flags := uint8(0)
	if fin {
		flags = flagFin
		c.sentTerminalFin = true
	}
	c.pendingBatches[seq] = body
	c.pendingFlags[seq] = flags
	return c.sendLocked(msgPeerInfo, flags, uint16(seq), body)
}

func (c *Client) sendLocked(typ msgType, flags uint8, seq uint16, body []byte) error {
	buf := make([]byte, compactHeaderSize+len(body))
	buf[0] = uint8(typ)
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], seq)
	copy(buf[4:], body)
	_, err := c.conn.Write(buf)
	return err
}

// Tick drains any pending datagrams, dispatches them, and fires
// retransmission/keep-alive timers (§4.11).
func (c *Client) Tick(nowMs int64) (*signaling.RemoteUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var update *signaling.RemoteUpdate
	buf := make([]byte, session.MTU)
	c.conn.SetReadDeadline(deadlineNow())
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			break
		}
		u, err := c.dispatchLocked(buf[:n], nowMs)
		if err != nil {
			c.log.Warn().Err(err).Msg("compact signaling: dropping malformed message")
			continue
		}
		if u != nil {
			update = mergeUpdate(update, u)
		}
	}

	c.retransmitLocked(nowMs)
	c.maybeAliveLocked(nowMs)
	return update, nil
}

func mergeUpdate(a, b *signaling.RemoteUpdate) *signaling.RemoteUpdate {
	if a == nil {
		return b
	}
	a.Candidates = append(a.Candidates, b.Candidates...)
	if b.PeerChanged {
		a.PeerChanged = true
		a.RemotePeer = b.RemotePeer
	}
	return a
}

func (c *Client) retransmitLocked(nowMs int64) {
	if c.state == StateRegistering {
		if nowMs-c.lastRegisterMs >= registerRetryMs {
			if c.registerTries >= registerMaxTries {
				c.log.Error().Msg("compact signaling: REGISTER exhausted retries")
				return
			}
			c.registerTries++
			c.lastRegisterMs = nowMs
			c.sendRegisterLocked(nowMs)
		}
	}
	for seq, body := range c.pendingBatches {
		if c.candidatesAcked&(1<<seq) != 0 {
			delete(c.pendingBatches, seq)
			delete(c.pendingFlags, seq)
			continue
		}
		if nowMs-c.lastBatchSentMs[seq] >= peerInfoRetryMs {
			c.lastBatchSentMs[seq] = nowMs
			c.sendLocked(msgPeerInfo, c.pendingFlags[seq], uint16(seq), body)
		}
	}
}

func (c *Client) maybeAliveLocked(nowMs int64) {
	if c.state != StateRegistered && c.state != StateICE && c.state != StateReady {
		return
	}
	if nowMs-c.lastAliveMs < aliveIntervalMs {
		return
	}
	c.lastAliveMs = nowMs
	c.sendLocked(msgAlive, 0, 0, nil)
}

func (c *Client) dispatchLocked(pkt []byte, nowMs int64) (*signaling.RemoteUpdate, error) {
	if len(pkt) < compactHeaderSize {
		return nil, ErrMalformed
	}
	typ := msgType(pkt[0])
	flags := pkt[1]
	seq := binary.BigEndian.Uint16(pkt[2:4])
	body := pkt[4:]

	switch typ {
	case msgRegisterAck:
		return nil, c.onRegisterAckLocked(body, flags)
	case msgPeerInfo:
		return c.onPeerInfoLocked(body, seq, flags)
	case msgPeerInfoAck:
		return nil, c.onPeerInfoAckLocked(body, seq)
	case msgAliveAck:
		return nil, nil
	case msgNATProbeAck:
		return nil, c.onNATProbeAckLocked(body)
	case msgPeerOff:
		return nil, c.onPeerOffLocked(body)
	case msgRelayData, msgRelayAck:
		return c.onRelayDataLocked(body)
	default:
		return nil, fmt.Errorf("%w: unexpected type %d", ErrMalformed, typ)
	}
}

func (c *Client) onRegisterAckLocked(body []byte, flags uint8) error {
	if len(body) < 1+1+4+2+2 {
		return ErrMalformed
	}
	c.relaySupport = flags&flagRelaySupport != 0
	// body[1] carries the server's advertised candidate cache size; this
	// client never needs to cap against it since it paces batches off its
	// own ack bitmap instead.
	var ip4 [4]byte
	copy(ip4[:], body[2:6])
	port := binary.BigEndian.Uint16(body[6:8])
	c.publicAddr1 = netip.AddrPortFrom(netip.AddrFrom4(ip4), port)
	c.probePort = binary.BigEndian.Uint16(body[8:10])

	if c.state == StateRegistering {
		c.state = StateRegistered
	}
	c.maybeEnterICELocked()
	return nil
}

// onPeerInfoLocked handles a server-originated or peer-originated candidate
// batch. seq==0 is server-minted and its session_id is adopted as canonical
// (§4.11); base_index on a non-zero seq other than what this implementation
// mints is out of scope (see DESIGN.md open-question decision).
func (c *Client) onPeerInfoLocked(body []byte, seq uint16, flags uint8) (*signaling.RemoteUpdate, error) {
	if len(body) < 8+1+1 {
		return nil, ErrMalformed
	}
	sid := binary.BigEndian.Uint64(body[0:8])
	count := int(body[9])
	if len(body) < 10+count*compactCandidSize {
		return nil, ErrMalformed
	}

	if seq == 0 {
		c.sessionID = sid
		c.sessionIDKnown = true
	} else if c.sessionIDKnown && sid != c.sessionID {
		return nil, fmt.Errorf("%w: session id mismatch on batch %d", ErrMalformed, seq)
	}

	update := &signaling.RemoteUpdate{}
	if !c.peerAdopted {
		c.peerAdopted = true
		update.PeerChanged = true
		update.RemotePeer = c.remoteID
	}
	for i := 0; i < count; i++ {
		cc := getCompactCandidate(body[10+i*compactCandidSize:])
		if c.remoteCandSeen[cc.Addr] {
			continue
		}
		c.remoteCandSeen[cc.Addr] = true
		cand := session.Candidate{Type: cc.Type, Addr: cc.Addr, Priority: 0}
		c.remoteCands = append(c.remoteCands, cand)
		update.Candidates = append(update.Candidates, cand)
	}
	if flags&flagFin != 0 {
		c.maybeEnterICELocked()
	}

	c.sendLocked(msgPeerInfoAck, 0, seq, beU64(c.sessionID))
	c.maybeEnterICELocked()
	return update, nil
}

func beU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (c *Client) onPeerInfoAckLocked(body []byte, seq uint16) error {
	if len(body) < 8 {
		return ErrMalformed
	}
	c.candidatesAcked |= 1 << seq
	return nil
}

// onRelayDataLocked unwraps a RELAY_DATA envelope `[session_id:u64be,
// data_len:u16be, data]` and, if the session id matches, surfaces the inner
// reliable-layer packet bytes for the orchestrator to feed through its
// normal reliable-ARQ path (§4.11).
func (c *Client) onRelayDataLocked(body []byte) (*signaling.RemoteUpdate, error) {
	if len(body) < 10 {
		return nil, ErrMalformed
	}
	sid := binary.BigEndian.Uint64(body[0:8])
	if sid != c.sessionID {
		return nil, nil
	}
	dataLen := int(binary.BigEndian.Uint16(body[8:10]))
	if len(body) < 10+dataLen {
		return nil, ErrMalformed
	}
	inner := append([]byte(nil), body[10:10+dataLen]...)
	return &signaling.RemoteUpdate{RelayData: [][]byte{inner}}, nil
}

func (c *Client) onNATProbeAckLocked(body []byte) error {
	if len(body) < 6 {
		return ErrMalformed
	}
	var ip4 [4]byte
	copy(ip4[:], body[0:4])
	port := binary.BigEndian.Uint16(body[4:6])
	c.publicAddr2 = netip.AddrPortFrom(netip.AddrFrom4(ip4), port)
	c.natClassed = true
	return nil
}

// onPeerOffLocked resets to registered when the server reports the
// counterpart vanished (§4.11).
func (c *Client) onPeerOffLocked(body []byte) error {
	if len(body) < 8 {
		return ErrMalformed
	}
	sid := binary.BigEndian.Uint64(body)
	if sid != c.sessionID {
		return nil
	}
	c.state = StateRegistered
	c.remoteCands = nil
	c.remoteCandSeen = make(map[netip.AddrPort]bool)
	c.sessionID = 0
	c.sessionIDKnown = false
	c.peerAdopted = false
	return nil
}

// maybeEnterICELocked implements §4.11's transition rule: needs both
// REGISTER_ACK and a PEER_INFO carrying a session id, in either order.
func (c *Client) maybeEnterICELocked() {
	if c.state != StateRegistered {
		return
	}
	if !c.sessionIDKnown {
		return
	}
	c.state = StateICE
	c.queueRemainderLocked()
}

// SendNATProbe issues the §4.8 Test II probe to the server's dedicated probe
// port, used by ClassifyNAT's second observation.
func (c *Client) SendNATProbe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	probeAddr := netip.AddrPortFrom(c.serverAddr.Addr(), c.probePort)
	if c.probePort == 0 {
		return fmt.Errorf("p2p: NAT probe port not yet known (REGISTER_ACK pending)")
	}
	buf := make([]byte, compactHeaderSize)
	buf[0] = uint8(msgNATProbe)
	_, err := c.conn.WriteToUDP(buf, net.UDPAddrFromAddrPort(probeAddr))
	return err
}

func (c *Client) PublicAddrs() (netip.AddrPort, netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicAddr1, c.publicAddr2, c.natClassed
}

// RelaySend wraps a reliable-layer packet in a RELAY_DATA envelope and sends
// it via the server, if the server advertised relay support (§4.11).
func (c *Client) RelaySend(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.relaySupport {
		return signaling.ErrRelayUnsupported
	}
	body := make([]byte, 8+2+len(payload))
	binary.BigEndian.PutUint64(body[0:8], c.sessionID)
	binary.BigEndian.PutUint16(body[8:10], uint16(len(payload)))
	copy(body[10:], payload)
	return c.sendLocked(msgRelayData, 0, 0, body)
}

// Unregister sends UNREGISTER on close (§4.11).
func (c *Client) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := make([]byte, 64)
	copy(body[0:32], c.localID[:])
	copy(body[32:64], c.remoteID[:])
	return c.sendLocked(msgUnregister, 0, 0, body)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
