package session

import "errors"

// PeerID is a 32-byte peer identifier, zero-padded on encode and compare
// (§4.10/§4.11: `sender[32]`, `target[32]`, `local_id(32)`).
type PeerID [32]byte

// ParsePeerID truncates/pads s into a PeerID. Errors if s is longer than 32
// bytes.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) > len(id) {
		return id, errors.New("p2p: peer id exceeds 32 bytes")
	}
	copy(id[:], s)
	return id, nil
}

func (id PeerID) String() string {
	n := len(id)
	for n > 0 && id[n-1] == 0 {
		n--
	}
	return string(id[:n])
}

// RemoteUpdate is what every signaling back-end delivers to the session
// orchestrator on each Tick (§4.10: "exactly two pieces of information — a
// bag of remote candidates... and a learned remote peer id").
type RemoteUpdate struct {
	RemotePeer  PeerID
	Candidates  []Candidate
	PeerChanged bool

	// RelayData carries any inner reliable-layer packets (full wire-format
	// bytes: type/flags/seq header plus payload) that arrived wrapped in a
	// server-relay envelope (§4.11 RELAY_DATA), already unwrapped by the
	// signaling variant.
	RelayData [][]byte
}

// Signaling is the capability every back-end variant (compact, relay,
// pubsub) implements, so the orchestrator can drive candidate exchange
// without knowing which wire protocol is underneath (§4.10). Defined here
// rather than in pkg/signaling so the concrete variants — which already
// depend on this package for Candidate — can implement it without a back
// reference.
type Signaling interface {
	// Tick drives retransmission timers, keep-alives, and polling, and
	// returns any RemoteUpdate produced since the last call (nil if none).
	Tick(nowMs int64) (*RemoteUpdate, error)

	// AnnounceCandidates (re)announces the current local candidate set;
	// called again as gathering produces more candidates.
	AnnounceCandidates(locals []Candidate) error

	// Ready reports whether this variant has finished whatever it
	// considers initial candidate delivery.
	Ready() bool

	// RelaySupported reports whether this back-end can relay data packets
	// if direct/LAN paths fail (§4.11's RELAY_DATA).
	RelaySupported() bool

	// RelaySend tunnels one reliable-layer packet through the signaling
	// channel when the active path is relay.
	RelaySend(payload []byte) error

	Close() error
}

// ErrRelayUnsupported is returned by RelaySend on a variant with no
// data-relay capability.
var ErrRelayUnsupported = errors.New("p2p: signaling variant does not support data relay")
