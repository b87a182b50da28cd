// Package signaling defines the contract shared by the three candidate-
// exchange back-ends (compact UDP, relay TCP, pubsub KV-store), and the
// common binary offer payload they all carry (§4.10).
package signaling

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
)

// ErrMalformed is returned by Decode when a payload is truncated or carries
// an inconsistent candidate_count.
var ErrMalformed = errors.New("p2p: malformed offer payload")

// PeerID, RemoteUpdate, Signaling and ErrRelayUnsupported are defined on
// pkg/session (which every back-end variant already depends on for
// Candidate) and aliased here so callers of this package don't need to
// import both.
type (
	PeerID       = session.PeerID
	RemoteUpdate = session.RemoteUpdate
	Signaling    = session.Signaling
)

var ErrRelayUnsupported = session.ErrRelayUnsupported

// ParsePeerID truncates/pads s into a PeerID.
func ParsePeerID(s string) (PeerID, error) { return session.ParsePeerID(s) }

// Offer is the common payload every signaling variant must be able to
// produce and consume (§4.10): a sender/target id pair, a timestamp and
// delay-trigger hint, and an ordered candidate list.
type Offer struct {
	Sender       PeerID
	Target       PeerID
	TimestampSec uint32
	DelayTrigger uint32
	Candidates   []session.Candidate
}

// wireCandidateSize is the encoded size of one candidate_count entry in
// §4.10's layout: type, family, port, addr, base_family, base_port,
// base_addr, priority — eight u32 fields.
const wireCandidateSize = 8 * 4

const offerHeaderSize = 32 + 32 + 4 + 4 + 4

// Encode serializes o per §4.10's binary layout (network byte order, IPv4
// addresses carried without additional byte-swap beyond their natural
// big-endian form).
func Encode(o Offer) []byte {
	buf := make([]byte, offerHeaderSize+len(o.Candidates)*wireCandidateSize)
	off := 0
	copy(buf[off:], o.Sender[:])
	off += 32
	copy(buf[off:], o.Target[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], o.TimestampSec)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], o.DelayTrigger)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(o.Candidates)))
	off += 4

	for _, c := range o.Candidates {
		off += encodeWireCandidate(buf[off:], c)
	}
	return buf
}

func encodeWireCandidate(b []byte, c session.Candidate) int {
	binary.BigEndian.PutUint32(b[0:4], uint32(c.Type))
	binary.BigEndian.PutUint32(b[4:8], 1) // family: AF_INET, always 1 (§1 non-goals: no IPv6)
	binary.BigEndian.PutUint32(b[8:12], uint32(c.Addr.Port()))
	putAddrNetworkOrder(b[12:16], c.Addr.Addr())
	binary.BigEndian.PutUint32(b[16:20], 1)
	binary.BigEndian.PutUint32(b[20:24], uint32(c.Base.Port()))
	putAddrNetworkOrder(b[24:28], c.Base.Addr())
	binary.BigEndian.PutUint32(b[28:32], c.Priority)
	return wireCandidateSize
}

func putAddrNetworkOrder(b []byte, a netip.Addr) {
	if !a.IsValid() {
		return
	}
	a4 := a.As4()
	copy(b, a4[:])
}

func addrFromNetworkOrder(b []byte, port uint32) netip.AddrPort {
	var a4 [4]byte
	copy(a4[:], b)
	return netip.AddrPortFrom(netip.AddrFrom4(a4), uint16(port))
}

// Decode parses a §4.10 offer payload. It tolerates a candidate_count larger
// than what actually fits (truncating to what's present) so that a
// partially-delivered batch (compact signaling's per-batch PEER_INFO) can
// still be decoded by a caller that reassembles batches itself; full-payload
// callers (relay, pubsub) get an error if the stated count does not match.
func Decode(b []byte) (Offer, error) {
	if len(b) < offerHeaderSize {
		return Offer{}, ErrMalformed
	}
	var o Offer
	off := 0
	copy(o.Sender[:], b[off:off+32])
	off += 32
	copy(o.Target[:], b[off:off+32])
	off += 32
	o.TimestampSec = binary.BigEndian.Uint32(b[off:])
	off += 4
	o.DelayTrigger = binary.BigEndian.Uint32(b[off:])
	off += 4
	count := binary.BigEndian.Uint32(b[off:])
	off += 4

	avail := (len(b) - off) / wireCandidateSize
	if uint32(avail) < count {
		count = uint32(avail)
	}
	o.Candidates = make([]session.Candidate, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := decodeWireCandidate(b[off : off+wireCandidateSize])
		if err != nil {
			return Offer{}, err
		}
		o.Candidates = append(o.Candidates, c)
		off += wireCandidateSize
	}
	return o, nil
}

func decodeWireCandidate(b []byte) (session.Candidate, error) {
	if len(b) < wireCandidateSize {
		return session.Candidate{}, ErrMalformed
	}
	typ := session.CandidateType(binary.BigEndian.Uint32(b[0:4]))
	port := binary.BigEndian.Uint32(b[8:12])
	addr := addrFromNetworkOrder(b[12:16], port)
	basePort := binary.BigEndian.Uint32(b[20:24])
	base := addrFromNetworkOrder(b[24:28], basePort)
	priority := binary.BigEndian.Uint32(b[28:32])
	return session.Candidate{
		Type:        typ,
		Addr:        addr,
		Base:        base,
		Priority:    priority,
		ComponentID: 1,
	}, nil
}

// RemoteUpdate, Signaling and ErrRelayUnsupported live on pkg/session; see
// the alias block above.
