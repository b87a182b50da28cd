// Package pubsub implements candidate exchange via an external key-value
// store's HTTP API (§4.13): the §4.10 common offer payload, DES-encrypted
// and Base64-encoded, published as a text field of a document the peer
// polls for.
package pubsub

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling"
)

// defaultAuthKey is used to derive the DES key when Config.AuthKey is empty
// (§4.13: "under a key derived from the configured auth_key (or default)").
const defaultAuthKey = "p2p0-pubsub-default"

var ErrMalformed = errors.New("p2p: malformed pubsub document payload")

// KVStore is the minimal external key-value document API this variant needs
// (§1: "the signaling server implementations... are out of scope; only the
// wire protocols the client speaks are specified" — here that wire protocol
// is a small HTTP document store, modeled loosely on a GitHub Gist-style
// single-file JSON document).
type KVStore interface {
	// GetDocument fetches the named document's text field; returns ("", nil)
	// if the document doesn't yet exist.
	GetDocument(ctx context.Context, key string) (string, error)
	// PutDocument creates or overwrites the named document's text field.
	PutDocument(ctx context.Context, key string, text string) error
}

// Role distinguishes the publisher (active connector) from the subscriber
// (passive) side of a pubsub exchange (§4.13).
type Role uint8

const (
	RolePublisher Role = iota
	RoleSubscriber
)

const pollIntervalMs = 2000

// Client drives the §4.13 state machine against a KVStore.
type Client struct {
	store KVStore
	role  Role

	localID signaling.PeerID
	target  signaling.PeerID
	docKey  string

	desBlock cipher.Block

	havePublished  bool
	lastPollMs     int64
	remoteCands    []session.Candidate
	remoteCandSeen map[string]bool
	peerAdopted    bool

	log zerolog.Logger
}

// New derives the DES key from authKey (SHA-256, truncated to 8 bytes, per
// DES's fixed key size) and builds a client for the given role. docKey
// identifies the shared document both peers rendezvous on; callers
// typically derive it from the configured gist_id, falling back to a fresh
// xid for a publisher that mints a brand new document.
func New(role Role, localID, target signaling.PeerID, authKey string, docKey string, store KVStore, log zerolog.Logger) (*Client, error) {
	if authKey == "" {
		authKey = defaultAuthKey
	}
	if docKey == "" {
		docKey = xid.New().String()
	}
	sum := sha256.Sum256([]byte(authKey))
	block, err := des.NewCipher(sum[:8])
	if err != nil {
		return nil, fmt.Errorf("p2p: pubsub signaling DES key: %w", err)
	}
	return &Client{
		store:          store,
		role:           role,
		localID:        localID,
		target:         target,
		docKey:         docKey,
		desBlock:       block,
		remoteCandSeen: make(map[string]bool),
		log:            log.With().Str("component", "signaling.pubsub").Logger(),
	}, nil
}

func (c *Client) DocKey() string { return c.docKey }

func (c *Client) RelaySupported() bool { return false }

func (c *Client) Ready() bool { return c.peerAdopted }

// Published reports whether AnnounceCandidates has written a document yet.
func (c *Client) Published() bool { return c.havePublished }

// RemoteCandidates returns every remote candidate admitted so far.
func (c *Client) RemoteCandidates() []session.Candidate {
	return append([]session.Candidate(nil), c.remoteCands...)
}

// encrypt pads with PKCS#7 to the DES block size, encrypts in CBC mode with
// a zero IV (the key is per-session-derived and every publish is a fresh
// document write, so IV reuse across independent sessions does not recur
// within one exchange), then base64-encodes.
func (c *Client) encrypt(plain []byte) string {
	padded := pkcs7Pad(plain, des.BlockSize)
	iv := make([]byte, des.BlockSize)
	cbc := cipher.NewCBCEncrypter(c.desBlock, iv)
	out := make([]byte, len(padded))
	cbc.CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func (c *Client) decrypt(enc string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%des.BlockSize != 0 {
		return nil, ErrMalformed
	}
	iv := make([]byte, des.BlockSize)
	cbc := cipher.NewCBCDecrypter(c.desBlock, iv)
	out := make([]byte, len(raw))
	cbc.CryptBlocks(out, raw)
	return pkcs7Unpad(out)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformed
	}
	pad := int(b[len(b)-1])
	if pad <= 0 || pad > len(b) {
		return nil, ErrMalformed
	}
	return b[:len(b)-pad], nil
}

// document is the JSON shape stored in the KV document's text field.
type document struct {
	Payload string `json:"payload"`
}

// AnnounceCandidates publishes (or republishes) the local candidate set.
// §4.13: "Publisher role waits until at least one srflx candidate is
// available before first publish" — enforced by the session orchestrator
// only calling AnnounceCandidates once that's true. The subscriber role
// additionally withholds its own publish (it would only overwrite the
// publisher's document with its own offer) until it has adopted a peer, at
// which point it publishes its answer carrying the same document key.
func (c *Client) AnnounceCandidates(locals []session.Candidate) error {
	if c.role == RoleSubscriber && !c.peerAdopted {
		return nil
	}
	offer := signaling.Offer{
		Sender:       c.localID,
		Target:       c.target,
		TimestampSec: uint32(time.Now().Unix()),
		Candidates:   locals,
	}
	enc := c.encrypt(signaling.Encode(offer))
	doc, err := json.Marshal(document{Payload: enc})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.PutDocument(ctx, c.docKey, string(doc)); err != nil {
		return err
	}
	c.havePublished = true
	return nil
}

// Tick polls the document at pollIntervalMs and, on a new valid payload,
// adopts the sender and surfaces any newly-seen candidates (§4.13:
// "Subscriber polls; on receiving a valid payload from a new sender, adopts
// it as peer, resets ICE, and auto-emits an answer").
func (c *Client) Tick(nowMs int64) (*signaling.RemoteUpdate, error) {
	if nowMs-c.lastPollMs < pollIntervalMs {
		return nil, nil
	}
	c.lastPollMs = nowMs

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := c.store.GetDocument(ctx, c.docKey)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	var doc document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plain, err := c.decrypt(doc.Payload)
	if err != nil {
		return nil, err
	}
	offer, err := signaling.Decode(plain)
	if err != nil {
		return nil, err
	}
	if offer.Sender == c.localID {
		return nil, nil // our own publish, echoed back by the store
	}

	update := &signaling.RemoteUpdate{}
	wasAdopted := c.peerAdopted
	if !wasAdopted {
		update.PeerChanged = true
		update.RemotePeer = offer.Sender
		c.peerAdopted = true
		c.target = offer.Sender
	}
	for _, cand := range offer.Candidates {
		key := fmt.Sprintf("%s", cand.Addr)
		if c.remoteCandSeen[key] {
			continue
		}
		c.remoteCandSeen[key] = true
		c.remoteCands = append(c.remoteCands, cand)
		update.Candidates = append(update.Candidates, cand)
	}

	// Subscriber auto-emits an answer with its own candidates once it
	// learns the peer; this is driven by the session orchestrator calling
	// AnnounceCandidates again after seeing PeerChanged, mirroring how the
	// orchestrator already re-announces on any local candidate growth.
	return update, nil
}

func (c *Client) RelaySend(payload []byte) error {
	return signaling.ErrRelayUnsupported
}

func (c *Client) Close() error { return nil }

// httpKVStore is a simple reference KVStore implementation against a
// Gist-like single-document HTTP API: GET/PUT a JSON document by id.
type httpKVStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPKVStore builds a KVStore against a REST endpoint of the shape
// "{baseURL}/{key}", authenticated with a bearer token (matching the
// gh_token config field's GitHub-Gist-flavored intent from §6).
func NewHTTPKVStore(baseURL, token string) KVStore {
	return &httpKVStore{baseURL: baseURL, token: token, client: &http.Client{Timeout: 10 * time.Second}}
}

func (k *httpKVStore) GetDocument(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/"+key, nil)
	if err != nil {
		return "", err
	}
	k.setAuth(req)
	resp, err := k.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("p2p: pubsub kv store GET %s: status %d", key, resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (k *httpKVStore) PutDocument(ctx context.Context, key string, text string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, k.baseURL+"/"+key, bytes.NewReader([]byte(text)))
	if err != nil {
		return err
	}
	k.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("p2p: pubsub kv store PUT %s: status %d", key, resp.StatusCode)
	}
	return nil
}

func (k *httpKVStore) setAuth(req *http.Request) {
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}
}
