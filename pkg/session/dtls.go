package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// DatagramCipher is the suspendable handshake/encrypt/decrypt engine the
// datagram-encryption transport adapter drives (§9 design note: "model as a
// push/pull codec... with a boolean is_handshake_done", since the concrete
// ciphersuite library is out of scope per §1). A DTLS implementation would
// satisfy this by wrapping its BIO callbacks; pskDatagramCipher below is the
// PSK-mode engine this module ships, since full certificate-based DTLS PKI
// is explicitly a non-goal (§1) and PSK is "the primary mode".
type DatagramCipher interface {
	// IsHandshakeDone reports whether application data can flow yet.
	IsHandshakeDone() bool

	// OfferCiphertext feeds a received ciphertext/handshake record. It
	// returns any decrypted application records it yielded, plus any
	// handshake response records that must be sent back.
	OfferCiphertext(in []byte) (appData [][]byte, toSend [][]byte, err error)

	// OfferPlaintext encrypts one application record for transmission.
	// Returns an error if the handshake is not yet complete.
	OfferPlaintext(in []byte) (toSend []byte, err error)

	// StartHandshake produces the first handshake record to send, for the
	// side that initiates (the non-DTLS-server side, per Config.DTLSServer).
	StartHandshake() ([]byte, error)

	Close() error
}

const (
	dtlsRecordHello    uint8 = 1
	dtlsRecordHelloAck uint8 = 2
	dtlsRecordData     uint8 = 3

	dtlsNonceSize = 12
)

var ErrDTLSMalformed = errors.New("p2p: malformed datagram-encryption record")

// pskDatagramCipher is a minimal PSK-mode suspendable engine: a one
// round-trip nonce exchange derives a session key via HKDF from the
// configured pre-shared key, after which records are sealed individually
// with AES-GCM under a monotonic send counter (§1 non-goals: "no full DTLS
// certificate PKI (PSK mode is the primary mode)").
type pskDatagramCipher struct {
	psk      []byte
	isServer bool

	localNonce  [16]byte
	remoteNonce [16]byte
	haveRemote  bool

	aead      cipher.AEAD
	sendCtr   uint64
	handshook bool
}

// NewPSKDatagramCipher constructs the engine for one session leg. isServer
// matches Config.DTLSServer: the server side waits for a ClientHello
// record instead of sending one via StartHandshake.
func NewPSKDatagramCipher(psk []byte, isServer bool) *pskDatagramCipher {
	return &pskDatagramCipher{psk: psk, isServer: isServer}
}

func (c *pskDatagramCipher) IsHandshakeDone() bool { return c.handshook }

func (c *pskDatagramCipher) StartHandshake() ([]byte, error) {
	if c.isServer {
		return nil, nil
	}
	if _, err := rand.Read(c.localNonce[:]); err != nil {
		return nil, err
	}
	return append([]byte{dtlsRecordHello}, c.localNonce[:]...), nil
}

func (c *pskDatagramCipher) OfferCiphertext(in []byte) (appData [][]byte, toSend [][]byte, err error) {
	if len(in) < 1 {
		return nil, nil, ErrDTLSMalformed
	}
	switch in[0] {
	case dtlsRecordHello:
		if len(in) < 17 {
			return nil, nil, ErrDTLSMalformed
		}
		copy(c.remoteNonce[:], in[1:17])
		c.haveRemote = true
		if c.isServer {
			if _, err := rand.Read(c.localNonce[:]); err != nil {
				return nil, nil, err
			}
			if err := c.deriveKey(); err != nil {
				return nil, nil, err
			}
			reply := append([]byte{dtlsRecordHelloAck}, c.localNonce[:]...)
			return nil, [][]byte{reply}, nil
		}
		return nil, nil, errors.New("p2p: unexpected ClientHello on client side")
	case dtlsRecordHelloAck:
		if c.isServer {
			return nil, nil, errors.New("p2p: unexpected ServerHello on server side")
		}
		if len(in) < 17 {
			return nil, nil, ErrDTLSMalformed
		}
		copy(c.remoteNonce[:], in[1:17])
		c.haveRemote = true
		if err := c.deriveKey(); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	case dtlsRecordData:
		if !c.handshook {
			return nil, nil, errors.New("p2p: data record before handshake completion")
		}
		if len(in) < 1+8+dtlsNonceSize {
			return nil, nil, ErrDTLSMalformed
		}
		seq := binary.BigEndian.Uint64(in[1:9])
		nonce := make([]byte, dtlsNonceSize)
		binary.BigEndian.PutUint64(nonce[4:], seq)
		pt, err := c.aead.Open(nil, nonce, in[9:], nil)
		if err != nil {
			return nil, nil, err
		}
		return [][]byte{pt}, nil, nil
	default:
		return nil, nil, ErrDTLSMalformed
	}
}

func (c *pskDatagramCipher) deriveKey() error {
	// Client nonce first, server nonce second, regardless of which side we
	// are, so both ends derive the same key.
	var clientN, serverN [16]byte
	if c.isServer {
		clientN, serverN = c.remoteNonce, c.localNonce
	} else {
		clientN, serverN = c.localNonce, c.remoteNonce
	}
	info := append(append([]byte{}, clientN[:]...), serverN[:]...)
	kdf := hkdf.New(sha3.New256, c.psk, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	c.aead = aead
	c.handshook = true
	return nil
}

func (c *pskDatagramCipher) OfferPlaintext(in []byte) ([]byte, error) {
	if !c.handshook {
		return nil, errors.New("p2p: handshake not complete")
	}
	nonce := make([]byte, dtlsNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	ct := c.aead.Seal(nil, nonce, in, nil)

	out := make([]byte, 0, 9+len(ct))
	out = append(out, dtlsRecordData)
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, c.sendCtr)
	out = append(out, seqBuf...)
	out = append(out, ct...)
	c.sendCtr++
	return out, nil
}

func (c *pskDatagramCipher) Close() error { return nil }
