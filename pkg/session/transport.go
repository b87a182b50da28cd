package session

import "net/netip"

// Transport is the capability set every active-path data transport
// implements (§9: replaces a C vtable of `p2p_transport_ops_t` with Go
// polymorphism). The base reliable transport is driven directly by the
// orchestrator without going through this interface (§9: "invoked directly
// by the orchestrator, no virtual call"); Transport exists for the
// variants that actually change behavior: pseudo-tcp (congestion-gated
// reliable, handled via reliableARQ.cc rather than a separate transport)
// and dtlsTransport (datagram encryption layered on top of reliable ARQ).
type Transport interface {
	// Init prepares the transport to ride on top of the given reliable ARQ
	// instance.
	Init(r *reliableARQ) error

	// Tick lets the transport do periodic work (e.g. handshake retries).
	Tick(sock *udpSocket, addr netip.AddrPort, nowMs int64)

	// SendData hands one application-level chunk to the transport, which
	// transforms it (if needed) before handing it to the reliable ARQ.
	SendData(chunk []byte) error

	// OnReliablePacket is called for each in-order payload the reliable
	// ARQ drains, and should return the plaintext application chunk(s)
	// produced (empty during handshake-only records).
	OnReliablePacket(payload []byte) ([][]byte, error)

	IsReady() bool
	Close() error
}

// dtlsTransport adapts a DatagramCipher to the Transport interface,
// carrying handshake and data records as ordinary reliable-ARQ payloads
// (§4.1 design note: the DTLS engine's BIO callbacks are mapped onto UDP
// via the reliable layer, rather than directly onto raw sockets, so
// handshake records benefit from the same retransmission/ack machinery as
// application data).
type dtlsTransport struct {
	cipher DatagramCipher
	r      *reliableARQ
}

func newDTLSTransport(c DatagramCipher) *dtlsTransport {
	return &dtlsTransport{cipher: c}
}

func (t *dtlsTransport) Init(r *reliableARQ) error {
	t.r = r
	hello, err := t.cipher.StartHandshake()
	if err != nil {
		return err
	}
	if hello != nil {
		return t.r.sendPkt(hello)
	}
	return nil
}

func (t *dtlsTransport) Tick(sock *udpSocket, addr netip.AddrPort, nowMs int64) {
	// Handshake retransmission is handled by the reliable ARQ's own
	// retransmit timer, since handshake records are ordinary reliable
	// payloads; nothing additional to do here.
}

func (t *dtlsTransport) SendData(chunk []byte) error {
	if !t.cipher.IsHandshakeDone() {
		return ErrNotReady
	}
	ct, err := t.cipher.OfferPlaintext(chunk)
	if err != nil {
		return err
	}
	return t.r.sendPkt(ct)
}

func (t *dtlsTransport) OnReliablePacket(payload []byte) ([][]byte, error) {
	app, toSend, err := t.cipher.OfferCiphertext(payload)
	if err != nil {
		return nil, err
	}
	for _, rec := range toSend {
		if err := t.r.sendPkt(rec); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (t *dtlsTransport) IsReady() bool { return t.cipher.IsHandshakeDone() }

func (t *dtlsTransport) Close() error { return t.cipher.Close() }
