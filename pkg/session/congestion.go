package session

// mss is the maximum segment size congestion control reasons about, in
// bytes; this engine uses the stream framer's max data-packet payload size
// for it (§4.5).
const mss = StreamPayloadMax

type ccState uint8

const (
	ccSlowStart ccState = iota
	ccCongestionAvoidance
	ccFastRecovery
)

// congestionController is the optional pseudo-TCP AIMD controller (§4.5). It
// gates the reliable send window by min(cwnd-in-packets, ReliableWindow);
// nothing else about reliable ARQ semantics changes.
type congestionController struct {
	cwnd     float64 // bytes
	ssthresh float64 // bytes
	dupAcks  int
	state    ccState

	lastAckSeq    uint16
	haveLastSeen  bool
}

func newCongestionController() *congestionController {
	return &congestionController{
		cwnd:     mss,
		ssthresh: 64 * 1024,
		state:    ccSlowStart,
	}
}

// windowPackets converts the current cwnd (bytes) into a packet count capped
// at max (§4.5: "gates the reliable send window by min(cwnd-in-packets, 32)").
func (c *congestionController) windowPackets(max int) int {
	packets := int(c.cwnd / mss)
	if packets < 1 {
		packets = 1
	}
	if packets > max {
		packets = max
	}
	return packets
}

// onAck is invoked once per newly-acknowledged slot. isOriginalSend tells
// the controller whether this ack corresponds to a packet's first
// transmission (used elsewhere for RTT sampling; congestion control only
// cares that forward progress was made).
func (c *congestionController) onAck(isOriginalSend bool) {
	switch c.state {
	case ccSlowStart:
		c.cwnd += mss
		if c.cwnd >= c.ssthresh {
			c.state = ccCongestionAvoidance
		}
	case ccCongestionAvoidance:
		c.cwnd += mss * mss / c.cwnd
	case ccFastRecovery:
		c.state = ccCongestionAvoidance
	}
	c.dupAcks = 0
}

// onCumulativeAckSeq is fed the cumulative ack_seq on every received ACK/
// RELAY_ACK, and detects the "three duplicate acks" trigger from §4.5 by
// noticing the cumulative point failed to advance.
func (c *congestionController) onCumulativeAckSeq(ackSeq uint16) {
	if c.haveLastSeen && ackSeq == c.lastAckSeq {
		c.dupAcks++
		if c.dupAcks == 3 {
			c.ssthresh = c.cwnd / 2
			if c.ssthresh < mss {
				c.ssthresh = mss
			}
			c.cwnd = c.ssthresh
			c.state = ccFastRecovery
		}
		return
	}
	c.lastAckSeq = ackSeq
	c.haveLastSeen = true
	c.dupAcks = 0
}

// onRetransmitTimeout is called by reliableARQ.tick whenever it actually
// retransmits a slot (§4.5: "On retransmit timeout (observed via reliable)").
func (c *congestionController) onRetransmitTimeout() {
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < mss {
		c.ssthresh = mss
	}
	c.cwnd = mss
	c.state = ccSlowStart
}
