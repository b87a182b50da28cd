package session

import (
	"net/netip"

	"github.com/rs/zerolog"
)

// ICEState is the connectivity checker's state (§4.9).
type ICEState uint8

const (
	ICEGathering ICEState = iota
	ICEChecking
	ICECompleted
	ICEFailed
)

const (
	iceCheckIntervalMs = 500
	iceMaxRounds       = 20 // 20 * 500ms = 10s (§4.9)
)

// iceChecker implements the ICE-style priority-ordered connectivity check
// with nomination described in §4.9. Per that section, the actual
// connectivity probe reuses PUNCH/PUNCH_ACK rather than full STUN Binding
// ("a simplified connectivity check — full STUN Binding is not required for
// inter-peer checks").
type iceChecker struct {
	state ICEState
	pairs []*CandidatePair

	round      int
	lastTickMs int64

	log     zerolog.Logger
	metrics *sessionMetrics
}

func newICEChecker(log zerolog.Logger, m *sessionMetrics) *iceChecker {
	return &iceChecker{state: ICEGathering, log: log, metrics: m}
}

// setCheckList (re)builds the check list from the current local/remote
// candidate sets (§4.9).
func (c *iceChecker) setCheckList(locals, remotes []Candidate) {
	c.pairs = buildCheckList(locals, remotes)
	c.round = 0
	if len(c.pairs) > 0 {
		c.state = ICEChecking
	}
}

// reset clears check-list state, used when a reconnection offer arrives
// while checks are in flight (§4.12 "if ICE state is failed or checking,
// reset ICE... to accept the reconnection without carrying over stale
// state").
func (c *iceChecker) reset() {
	c.pairs = nil
	c.round = 0
	c.state = ICEGathering
}

// tick sends a PUNCH to every remote candidate once per 500ms round, up to
// iceMaxRounds, while gathering or checking and at least one remote
// candidate is known (§4.9).
func (c *iceChecker) tick(sock *udpSocket, remotes []Candidate, nowMs int64) {
	if c.state != ICEGathering && c.state != ICEChecking {
		return
	}
	if len(remotes) == 0 {
		return
	}
	if nowMs-c.lastTickMs < iceCheckIntervalMs {
		return
	}
	c.lastTickMs = nowMs
	c.round++
	if c.round > iceMaxRounds {
		c.state = ICEFailed
		c.log.Warn().Msg("ice connectivity check failed after max rounds")
		return
	}
	for _, r := range remotes {
		sock.sendPacket(r.Addr, PacketPunch, 0, 0, nil)
		if c.metrics != nil {
			c.metrics.iceChecksSent.Inc()
		}
	}
}

// onArrival is notified of any PUNCH or PUNCH_ACK received from a candidate
// address while ICE is enabled (§4.9: "On PUNCH/PUNCH_ACK from a candidate
// address: locate matching remote candidate, set session active_addr,
// ice_state = completed..."). Returns the matched candidate and true if this
// arrival completes the check.
func (c *iceChecker) onArrival(from netip.AddrPort, remotes *candidateList) (Candidate, bool) {
	if c.state == ICECompleted {
		return Candidate{}, false
	}
	cand, ok := remotes.find(from)
	if !ok {
		return Candidate{}, false
	}
	for _, pair := range c.pairs {
		if pair.Remote.Addr == from {
			pair.State = PairSucceeded
			pair.Nominated = true
		}
	}
	c.state = ICECompleted
	if c.metrics != nil {
		c.metrics.iceNominations.Inc()
	}
	return cand, true
}
