package session

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"
)

const (
	punchIntervalMs   = 500
	punchTimeoutMs    = 5000
	pingIntervalMs    = int64(15 * time.Second / time.Millisecond)
	pongTimeoutMs     = int64(30 * time.Second / time.Millisecond)
	relayReprobeMs    = 4 * punchIntervalMs
)

// PunchState is the NAT-punch engine's state (§4.6).
type PunchState uint8

const (
	PunchInit PunchState = iota
	PunchPunching
	PunchConnected
	PunchRelay
)

// punchEngine drives PUNCH/PUNCH_ACK/PING/PONG across the candidate list
// until a direct path works or the attempt times out and falls back to
// relay (§4.6).
type punchEngine struct {
	state      PunchState
	peerAddr   netip.AddrPort
	punchStart int64
	lastSentTo map[netip.AddrPort]int64

	connectedAt int64
	lastSendMs  int64 // last PING or app data sent while connected
	lastRecvMs  int64 // last datagram received from peerAddr while connected

	lastReprobeMs int64

	everConnected bool // §4.1 step 5: "after having been active" — disconnect is only detected once we've been up

	log     zerolog.Logger
	metrics *sessionMetrics
}

func newPunchEngine(log zerolog.Logger, m *sessionMetrics) *punchEngine {
	return &punchEngine{
		state:      PunchInit,
		lastSentTo: make(map[netip.AddrPort]int64),
		log:        log,
		metrics:    m,
	}
}

// start begins a batch punch against every remote candidate (§4.6
// "nat_punch(addr=None)"). Requires at least one remote candidate.
func (p *punchEngine) start(sock *udpSocket, remotes []Candidate, nowMs int64) bool {
	if len(remotes) == 0 {
		return false
	}
	p.peerAddr = remotes[0].Addr
	p.punchStart = nowMs
	p.state = PunchPunching
	for _, c := range remotes {
		p.sendPunch(sock, c.Addr)
	}
	return true
}

// trickle sends a PUNCH to a single newly-discovered candidate (§4.6
// "nat_punch(addr=X)"). No-op once connected.
func (p *punchEngine) trickle(sock *udpSocket, addr netip.AddrPort, nowMs int64) {
	if p.state == PunchConnected {
		return
	}
	p.sendPunch(sock, addr)
}

func (p *punchEngine) sendPunch(sock *udpSocket, addr netip.AddrPort) {
	if _, err := sock.sendPacket(addr, PacketPunch, 0, 0, nil); err == nil {
		p.lastSentTo[addr] = nowMs()
		if p.metrics != nil {
			p.metrics.punchSent.Inc()
		}
	}
}

// onPunch handles a received PUNCH: reply with PUNCH_ACK and treat the
// sender as having arrived (§4.6).
func (p *punchEngine) onPunch(sock *udpSocket, from netip.AddrPort, nowMs int64) {
	sock.sendPacket(from, PacketPunchAck, 0, 0, nil)
	p.onPunchAck(from, nowMs)
}

// onPunchAck handles a received PUNCH_ACK: adopt the sender as the active
// peer address and transition to connected (§4.6).
func (p *punchEngine) onPunchAck(from netip.AddrPort, nowMs int64) {
	if p.state == PunchConnected && p.peerAddr == from {
		p.lastRecvMs = nowMs
		return
	}
	p.peerAddr = from
	p.state = PunchConnected
	p.connectedAt = nowMs
	p.lastSendMs = nowMs
	p.lastRecvMs = nowMs
	p.everConnected = true
	if p.metrics != nil {
		p.metrics.punchAcked.Inc()
	}
	p.log.Info().Str("peer", from.String()).Int64("elapsed_ms", nowMs-p.punchStart).Msg("nat punch succeeded")
}

// noteSend records that application/keepalive traffic was just sent to
// peerAddr, resetting the ping-interval timer.
func (p *punchEngine) noteSend(nowMs int64) {
	p.lastSendMs = nowMs
}

// noteRecv records that a datagram was just received from peerAddr,
// resetting the pong-timeout timer.
func (p *punchEngine) noteRecv(nowMs int64) {
	p.lastRecvMs = nowMs
}

// tickOutcome reports what the orchestrator should do as a result of a tick.
type tickOutcome uint8

const (
	tickNone tickOutcome = iota
	tickFellBackToRelay
	tickHeartbeatLost
)

// tick advances punch retries, ping/pong keepalive, and relay-mode direct-
// path re-probing (§4.6).
func (p *punchEngine) tick(sock *udpSocket, remotes []Candidate, nowMs int64) tickOutcome {
	switch p.state {
	case PunchPunching:
		if nowMs-p.punchStart >= punchTimeoutMs {
			p.state = PunchRelay
			p.lastReprobeMs = nowMs
			if p.metrics != nil {
				p.metrics.punchTimeouts.Inc()
			}
			p.log.Warn().Msg("nat punch timed out, falling back to relay")
			return tickFellBackToRelay
		}
		for _, c := range remotes {
			if nowMs-p.lastSentTo[c.Addr] >= punchIntervalMs {
				p.sendPunch(sock, c.Addr)
			}
		}
	case PunchConnected:
		if nowMs-p.lastSendMs >= pingIntervalMs {
			sock.sendPacket(p.peerAddr, PacketPing, 0, 0, nil)
			p.lastSendMs = nowMs
		}
		if p.everConnected && nowMs-p.lastRecvMs >= pongTimeoutMs {
			return tickHeartbeatLost
		}
	case PunchRelay:
		if nowMs-p.lastReprobeMs >= relayReprobeMs {
			p.lastReprobeMs = nowMs
			for _, c := range remotes {
				p.sendPunch(sock, c.Addr)
			}
		}
	}
	return tickNone
}

// onPing/onPong keep the pong-timeout timer alive without otherwise changing state.
func (p *punchEngine) onPing(sock *udpSocket, from netip.AddrPort, nowMs int64) {
	sock.sendPacket(from, PacketPong, 0, 0, nil)
	p.noteRecv(nowMs)
}

func (p *punchEngine) onPong(nowMs int64) {
	p.noteRecv(nowMs)
}
