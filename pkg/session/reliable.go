package session

// ReliableWindow is the sliding window size in packets (§2, §4.4).
const ReliableWindow = 32

// sackBits covers 31 bits (recv_base+1 .. recv_base+31), not 32, per the
// Open Question in spec.md §9: one revision of the source used
// RELIABLE_WINDOW and another RELIABLE_WINDOW-1 as the loop bound, and the
// correct bound is 31 so ring-wrap never aliases a stale slot onto the
// cumulative ack position itself.
const sackBitCount = 31

const (
	rtoInitialMs = 200
	rtoMinMs     = 50
	rtoMaxMs     = 2000
)

// seqDiff computes the signed circular difference a-b over the u16 range, so
// that seqDiff(a,a)==0, seqDiff(a+1,a)==1, seqDiff(a,a+1)==-1, and the
// relation holds through wraparound (§8 invariant).
func seqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// sendSlot is the per-seq bookkeeping for an unacknowledged (or recently
// acknowledged) outbound packet (§3 "Reliable entry").
type sendSlot struct {
	valid     bool
	seq       uint16
	payload   []byte
	sendTime  int64 // ms, 0 = not yet sent
	retxCount int   // -1 = pending first send
	acked     bool
}

// recvSlot buffers an out-of-order but in-window received payload until it
// can be delivered in sequence.
type recvSlot struct {
	filled  bool
	seq     uint16
	payload []byte
}

// reliableARQ implements the packet-level ARQ of §4.4: a 32-slot sliding
// window with cumulative+SACK acks and an RFC 6298 RTO estimator.
type reliableARQ struct {
	sendSlots [ReliableWindow]sendSlot
	sendSeq   uint16 // next seq to allocate
	sendBase  uint16 // lowest unacked seq
	sendCount int    // slots occupied in [sendBase, sendSeq)

	recvSlots [ReliableWindow]recvSlot
	recvBase  uint16

	srtt   float64 // ms, 0 = uninitialized
	rttvar float64
	rto    int64 // ms

	cc *congestionController // nil unless pseudo-tcp is enabled (§4.5)

	metrics *sessionMetrics
}

func newReliableARQ(m *sessionMetrics) *reliableARQ {
	return &reliableARQ{rto: rtoInitialMs, metrics: m}
}

// windowLimit is the effective window size: 32, or min(cwnd-in-packets, 32)
// when pseudo-tcp congestion control gates it (§4.5).
func (r *reliableARQ) windowLimit() int {
	if r.cc == nil {
		return ReliableWindow
	}
	return r.cc.windowPackets(ReliableWindow)
}

func (r *reliableARQ) windowHasRoom() bool {
	return r.sendCount < r.windowLimit()
}

// sendPkt stores payload for transmission on the next tick. Fails with
// ErrWindowFull if the window has no room (§4.4).
func (r *reliableARQ) sendPkt(payload []byte) error {
	return r.send(payload)
}

func (r *reliableARQ) send(payload []byte) error {
	if r.sendCount >= r.windowLimit() {
		if r.metrics != nil {
			r.metrics.arqWindowFull.Inc()
		}
		return ErrWindowFull
	}
	slot := r.sendSeq % ReliableWindow
	r.sendSlots[slot] = sendSlot{
		valid:     true,
		seq:       r.sendSeq,
		payload:   append([]byte(nil), payload...),
		sendTime:  0,
		retxCount: -1,
	}
	r.sendSeq++
	r.sendCount++
	return nil
}

// onData admits an in-window payload for seq, buffering it for in-order
// delivery. Returns true if this admission warrants sending an ack promptly
// rather than waiting for the next tick (§4.4).
func (r *reliableARQ) onData(seq uint16, payload []byte) bool {
	d := seqDiff(seq, r.recvBase)
	if d < 0 || d >= ReliableWindow {
		return false // outside [recv_base, recv_base+32): drop without bitmap update (§3 invariant)
	}
	slot := seq % ReliableWindow
	if r.recvSlots[slot].filled && r.recvSlots[slot].seq == seq {
		return true // duplicate receive is idempotent (§4.4 failure semantics)
	}
	r.recvSlots[slot] = recvSlot{filled: true, seq: seq, payload: append([]byte(nil), payload...)}
	return true
}

// drainInOrder pops contiguous, already-received payloads starting at
// recv_base, advancing recv_base past each one. The stream framer calls this
// to pull data in order (§4.3 "stream_feed_from_reliable pulls in-order
// packets from reliable").
func (r *reliableARQ) drainInOrder() [][]byte {
	var out [][]byte
	for {
		slot := r.recvBase % ReliableWindow
		s := &r.recvSlots[slot]
		if !s.filled || s.seq != r.recvBase {
			break
		}
		out = append(out, s.payload)
		*s = recvSlot{}
		r.recvBase++
	}
	return out
}

// onAck applies a cumulative+SACK ack: advances send_base past ack_seq, then
// selectively acks the up-to-31 slots named by sackBits (§4.4, §9 design
// note resolving the bitmap width). nowMs is the current tick time, used for
// RTT sampling.
func (r *reliableARQ) onAck(ackSeq uint16, sackBits uint32, nowMs int64) {
	if r.metrics != nil {
		r.metrics.arqAcksRecv.Inc()
	}
	if r.cc != nil {
		r.cc.onCumulativeAckSeq(ackSeq)
	}
	for r.sendCount > 0 && seqDiff(ackSeq, r.sendBase) > 0 {
		slot := r.sendBase % ReliableWindow
		e := &r.sendSlots[slot]
		if e.valid && e.seq == r.sendBase && !e.acked {
			r.ackSlot(e, nowMs)
		}
		r.sendBase++
	}
	for i := 0; i < sackBitCount; i++ {
		if sackBits&(1<<uint(i)) == 0 {
			continue
		}
		seq := ackSeq + 1 + uint16(i)
		if seqDiff(seq, r.sendBase) < 0 || seqDiff(seq, r.sendSeq) >= 0 {
			continue // not in the current send window
		}
		slot := seq % ReliableWindow
		e := &r.sendSlots[slot]
		if e.valid && e.seq == seq && !e.acked {
			r.ackSlot(e, nowMs)
		}
	}
}

func (r *reliableARQ) ackSlot(e *sendSlot, nowMs int64) {
	e.acked = true
	r.sendCount--
	if e.retxCount == 0 && e.sendTime > 0 {
		r.updateRTO(nowMs - e.sendTime)
	}
	if r.cc != nil {
		r.cc.onAck(e.retxCount == 0)
	}
}

// updateRTO applies the RFC 6298 estimator referenced in §4.4.
func (r *reliableARQ) updateRTO(sampleMs int64) {
	rtt := float64(sampleMs)
	if r.srtt == 0 {
		r.srtt = rtt
		r.rttvar = rtt / 2
	} else {
		r.rttvar = (3*r.rttvar + abs64(r.srtt-rtt)) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	rto := int64(r.srtt + 4*r.rttvar)
	if rto < rtoMinMs {
		rto = rtoMinMs
	}
	if rto > rtoMaxMs {
		rto = rtoMaxMs
	}
	r.rto = rto
	if r.metrics != nil {
		r.metrics.rttMillis.Update(rtt)
	}
}

func abs64(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// dataToSend describes one packet the orchestrator must transmit as a DATA
// (or RELAY_DATA) packet.
type dataToSend struct {
	Seq     uint16
	Payload []byte
}

// tick advances retransmission timers and computes the ack to send, per
// §4.4. relayMode only affects which packet type the orchestrator uses for
// the ack it emits (ACK vs RELAY_ACK); reliableARQ itself has no notion of
// addressing.
func (r *reliableARQ) tick(nowMs int64) (toSend []dataToSend, ackSeq uint16, sackBits uint32, hasAck bool) {
	for seq := r.sendBase; seqDiff(seq, r.sendSeq) < 0; seq++ {
		slot := seq % ReliableWindow
		e := &r.sendSlots[slot]
		if !e.valid || e.seq != seq || e.acked {
			continue
		}
		switch {
		case e.sendTime == 0:
			e.sendTime = nowMs
			e.retxCount = 0
			toSend = append(toSend, dataToSend{Seq: seq, Payload: e.payload})
		case nowMs-e.sendTime >= r.rto:
			e.sendTime = nowMs
			e.retxCount++
			r.rto *= 2
			if r.rto > rtoMaxMs {
				r.rto = rtoMaxMs
			}
			if r.cc != nil {
				r.cc.onRetransmitTimeout()
			}
			if r.metrics != nil {
				r.metrics.arqRetransmits.Inc()
			}
			toSend = append(toSend, dataToSend{Seq: seq, Payload: e.payload})
		}
	}

	hasAck = true
	ackSeq = r.recvBase
	for i := 0; i < sackBitCount; i++ {
		slot := (r.recvBase + 1 + uint16(i)) % ReliableWindow
		if r.recvSlots[slot].filled && r.recvSlots[slot].seq == r.recvBase+1+uint16(i) {
			sackBits |= 1 << uint(i)
		}
	}
	return toSend, ackSeq, sackBits, hasAck
}
