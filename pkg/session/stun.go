package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net/netip"
)

// STUN (RFC 5389) constants used to build Binding Requests and parse
// Binding Success Responses (§4.8).
const (
	stunBindingRequest  uint16 = 0x0001
	stunBindingResponse uint16 = 0x0101
	stunMagicCookieU32  uint32 = 0x2112A442

	attrMappedAddress    uint16 = 0x0001
	attrUsername         uint16 = 0x0006
	attrMessageIntegrity uint16 = 0x0008
	attrXORMappedAddress uint16 = 0x0020
	attrFingerprint      uint16 = 0x8028

	fingerprintXOR uint32 = 0x5354554E // "STUN"
)

var ErrSTUNMalformed = errors.New("p2p: malformed STUN message")

// BuildBindingRequest constructs a STUN Binding Request (§4.8): a 20-byte
// header, an optional USERNAME attribute (ICE short-term credentials), a
// MESSAGE-INTEGRITY attribute keyed by icePassword, and a FINGERPRINT.
// Either credential argument may be empty to omit it.
func BuildBindingRequest(iceUsername, icePassword string) ([]byte, [12]byte, error) {
	var tsx [12]byte
	if _, err := rand.Read(tsx[:]); err != nil {
		return nil, tsx, err
	}

	var attrs []byte
	if iceUsername != "" {
		attrs = appendAttr(attrs, attrUsername, []byte(iceUsername))
	}

	msg := stunHeader(stunBindingRequest, tsx, len(attrs))
	msg = append(msg, attrs...)

	if icePassword != "" {
		miLen := len(msg) - 20 + 4 + 20 // placeholder attr (4 hdr + 20 mac) included in length
		binary.BigEndian.PutUint16(msg[2:4], uint16(miLen))
		mac := hmac.New(sha1.New, []byte(icePassword))
		mac.Write(msg)
		msg = appendAttr(msg, attrMessageIntegrity, mac.Sum(nil))
	}

	fpLen := len(msg) - 20 + 8 // fingerprint attr itself (4 hdr + 4 value)
	binary.BigEndian.PutUint16(msg[2:4], uint16(fpLen))
	crc := crc32.ChecksumIEEE(msg) ^ fingerprintXOR
	fp := make([]byte, 4)
	binary.BigEndian.PutUint32(fp, crc)
	msg = appendAttr(msg, attrFingerprint, fp)

	return msg, tsx, nil
}

func stunHeader(typ uint16, tsx [12]byte, attrsLen int) []byte {
	b := make([]byte, 20, 20+attrsLen)
	binary.BigEndian.PutUint16(b[0:2], typ)
	binary.BigEndian.PutUint16(b[2:4], uint16(attrsLen))
	binary.BigEndian.PutUint32(b[4:8], stunMagicCookieU32)
	copy(b[8:20], tsx[:])
	return b
}

func appendAttr(msg []byte, typ uint16, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], typ)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	msg = append(msg, hdr...)
	msg = append(msg, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		msg = append(msg, make([]byte, pad)...)
	}
	return msg
}

// ParseBindingResponse parses a STUN Binding Success Response, verifies the
// transaction ID echo, and extracts the XOR-MAPPED-ADDRESS (§4.8). Only
// IPv4 mapped addresses are supported (§1 non-goals: no IPv6).
func ParseBindingResponse(msg []byte, wantTsx [12]byte) (netip.AddrPort, error) {
	if len(msg) < 20 {
		return netip.AddrPort{}, ErrSTUNMalformed
	}
	typ := binary.BigEndian.Uint16(msg[0:2])
	length := binary.BigEndian.Uint16(msg[2:4])
	if typ != stunBindingResponse {
		return netip.AddrPort{}, ErrSTUNMalformed
	}
	if int(length)+20 > len(msg) {
		return netip.AddrPort{}, ErrSTUNMalformed
	}
	var tsx [12]byte
	copy(tsx[:], msg[8:20])
	if tsx != wantTsx {
		return netip.AddrPort{}, ErrSTUNMalformed
	}

	body := msg[20 : 20+length]
	for len(body) >= 4 {
		atyp := binary.BigEndian.Uint16(body[0:2])
		alen := binary.BigEndian.Uint16(body[2:4])
		if int(alen)+4 > len(body) {
			break
		}
		aval := body[4 : 4+alen]
		if atyp == attrXORMappedAddress && len(aval) >= 8 && aval[1] == 0x01 {
			xport := binary.BigEndian.Uint16(aval[2:4]) ^ uint16(stunMagicCookieU32>>16)
			var xip [4]byte
			binary.BigEndian.PutUint32(xip[:], binary.BigEndian.Uint32(aval[4:8])^stunMagicCookieU32)
			addr := netip.AddrFrom4(xip)
			return netip.AddrPortFrom(addr, xport), nil
		}
		adv := 4 + int(alen)
		if pad := (4 - int(alen)%4) % 4; pad > 0 {
			adv += pad
		}
		body = body[adv:]
	}
	return netip.AddrPort{}, errors.New("p2p: no XOR-MAPPED-ADDRESS in response")
}

// srflxPriority computes the priority of a server-reflexive candidate (§4.8):
// (100<<24) | (local_pref<<8) | (256-component).
func srflxPriority(localPref uint32, component uint32) uint32 {
	return computePriority(CandidateServerReflexive, localPref, component)
}

// NATType is the result of the reduced, single-IP-server NAT classification
// described in §4.8 (no full RFC 3489 double-interface classification; see
// §1 non-goals).
type NATType uint8

const (
	NATUnknown NATType = iota
	NATOpen
	NATCone
	NATSymmetric
	NATTimeout
)

func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "open"
	case NATCone:
		return "cone"
	case NATSymmetric:
		return "symmetric"
	case NATTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// parseNATType parses a NATType.String() spelling back into a NATType, for
// Config.ForcedNATType. The empty string reports ok=false so callers fall
// back to normal probing.
func parseNATType(s string) (t NATType, ok bool) {
	switch s {
	case "open":
		return NATOpen, true
	case "cone":
		return NATCone, true
	case "symmetric":
		return NATSymmetric, true
	case "timeout":
		return NATTimeout, true
	default:
		return NATUnknown, false
	}
}

// ClassifyNAT implements the compact-mode classification policy of §4.8:
// Test I (REGISTER to the server's main port) yields publicAddr1, Test II
// (NAT_PROBE to the server's dedicated probe port) yields publicAddr2.
// If lanPunch is set, probing is skipped entirely and NATOpen is returned.
func ClassifyNAT(locals []netip.Addr, publicAddr1, publicAddr2 netip.AddrPort, lanPunch bool) NATType {
	if lanPunch {
		return NATOpen
	}
	for _, l := range locals {
		if l == publicAddr1.Addr() {
			return NATOpen
		}
	}
	if publicAddr1.Port() == publicAddr2.Port() {
		return NATCone
	}
	return NATSymmetric
}
