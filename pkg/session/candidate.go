package session

import "net/netip"

// CandidateType identifies the origin of a Candidate, per §3.
type CandidateType uint8

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference implements the RFC 5245 type-preference table used by the
// priority formula below: host is most preferred, relay least.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

// maxCandidates bounds each of the local/remote candidate lists (§3: "both
// bounded (≈8–16 slots)").
const maxCandidates = 16

// Candidate is a transport address proposed as an endpoint of a
// peer-to-peer path (§3, GLOSSARY).
type Candidate struct {
	Type     CandidateType
	Addr     netip.AddrPort
	Priority uint32

	// Base is the address the candidate was derived from, for non-host
	// types (the local socket a srflx/relay candidate was observed/
	// allocated from). Zero value for host candidates.
	Base netip.AddrPort

	// ComponentID distinguishes multiple candidates competing within one
	// gathering pass; this engine only ever has one component (data), so
	// it is always 1, but is kept explicit since it appears in the
	// priority formula (§4.8: "256 - component").
	ComponentID uint32
}

// computePriority implements the RFC 5245 formula referenced in §4.8/§4.9:
//
//	priority = (type_pref << 24) | (local_pref << 8) | (256 - component)
func computePriority(t CandidateType, localPref uint32, component uint32) uint32 {
	if component == 0 {
		component = 1
	}
	return (t.typePreference() << 24) | ((localPref & 0xFFFF) << 8) | (256 - component)
}

// candidateKey is the dedup identity for a candidate: (address, port), per §3
// invariants ("Identity for dedup is (address, port)").
type candidateKey netip.AddrPort

// candidateList is an ordered, capacity-bounded, dedup-on-insert container
// for local or remote candidates, replacing the teacher/original's manual
// fixed-size array with a mutable count (see design notes §9: "Manual
// fixed-size candidate arrays... replace with ordered containers capped by a
// constant, with a push helper that enforces dedup and capacity").
type candidateList struct {
	items []Candidate
	seen  map[candidateKey]int // key -> index into items
}

func newCandidateList() *candidateList {
	return &candidateList{seen: make(map[candidateKey]int, maxCandidates)}
}

// add inserts c if its (address, port) is not already present and the list
// has room. Returns the admitted candidate (possibly the existing one) and
// whether a new entry was created. Admitting the same (address, port) twice
// is idempotent (§8 invariant).
func (l *candidateList) add(c Candidate) (Candidate, bool) {
	key := candidateKey(c.Addr)
	if idx, ok := l.seen[key]; ok {
		return l.items[idx], false
	}
	if len(l.items) >= maxCandidates {
		return Candidate{}, false
	}
	l.seen[key] = len(l.items)
	l.items = append(l.items, c)
	return c, true
}

func (l *candidateList) find(addr netip.AddrPort) (Candidate, bool) {
	idx, ok := l.seen[candidateKey(addr)]
	if !ok {
		return Candidate{}, false
	}
	return l.items[idx], true
}

func (l *candidateList) all() []Candidate {
	return l.items
}

func (l *candidateList) len() int {
	return len(l.items)
}

// CandidatePairState is the ICE check state for a candidate pair (§3).
type CandidatePairState uint8

const (
	PairFrozen CandidatePairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

// CandidatePair couples a local and remote candidate under an ICE-style
// priority ordering (§3, §4.9).
type CandidatePair struct {
	Local, Remote Candidate
	PairPriority  uint64
	State         CandidatePairState
	Nominated     bool
	LastCheckMs   int64
	CheckCount    int
}

// pairPriority implements the formula from §4.9:
//
//	pair_priority = (min(G,D)<<32) + (max(G,D)<<1) + (G>D ? 1 : 0)
//
// where G is the controlling side's candidate priority and D is the
// controlled side's. This engine is always the controlling side with
// respect to its own local candidate (g) when pairing against a remote
// candidate (d); ties are broken deterministically by the G>D bit per §3's
// invariant ("ties broken by a deterministic G>D bit").
func pairPriority(g, d uint32) uint64 {
	var lo, hi uint64
	if g < d {
		lo, hi = uint64(g), uint64(d)
	} else {
		lo, hi = uint64(d), uint64(g)
	}
	p := (lo << 32) + (hi << 1)
	if g > d {
		p++
	}
	return p
}

// buildCheckList forms the cross-product of local x remote candidates,
// sorted descending by pair priority, with the topmost pair waiting and the
// rest frozen (§4.9).
func buildCheckList(locals, remotes []Candidate) []*CandidatePair {
	pairs := make([]*CandidatePair, 0, len(locals)*len(remotes))
	for _, l := range locals {
		for _, r := range remotes {
			pairs = append(pairs, &CandidatePair{
				Local:        l,
				Remote:       r,
				PairPriority: pairPriority(l.Priority, r.Priority),
				State:        PairFrozen,
			})
		}
	}
	// insertion sort is fine at these sizes (<= maxCandidates^2 = 256)
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].PairPriority > pairs[j-1].PairPriority; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	if len(pairs) > 0 {
		pairs[0].State = PairWaiting
	}
	return pairs
}
