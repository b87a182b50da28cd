package pubsub

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling"
)

// memKVStore is an in-process KVStore for tests, avoiding any real HTTP call.
type memKVStore struct {
	mu   sync.Mutex
	docs map[string]string
}

func newMemKVStore() *memKVStore { return &memKVStore{docs: make(map[string]string)} }

func (m *memKVStore) GetDocument(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[key], nil
}

func (m *memKVStore) PutDocument(ctx context.Context, key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = text
	return nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var local, target signaling.PeerID
	copy(local[:], "a")
	copy(target[:], "b")
	c, err := New(RolePublisher, local, target, "my-auth-key", "doc-1", newMemKVStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain := []byte("offer payload bytes")
	enc := c.encrypt(plain)
	dec, err := c.decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("decrypted = %q, want %q", dec, plain)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	var local, target signaling.PeerID
	c, err := New(RolePublisher, local, target, "", "doc-1", newMemKVStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.decrypt("not-valid-base64!!"); err == nil {
		t.Fatal("expected an error decrypting invalid base64")
	}
	if _, err := c.decrypt(""); err == nil {
		t.Fatal("expected an error decrypting an empty payload")
	}
}

func TestPublisherPublishesAndSubscriberAdopts(t *testing.T) {
	store := newMemKVStore()
	var pubID, subID signaling.PeerID
	copy(pubID[:], "publisher")
	copy(subID[:], "subscriber")

	pub, err := New(RolePublisher, pubID, signaling.PeerID{}, "key", "doc", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New publisher: %v", err)
	}
	sub, err := New(RoleSubscriber, subID, signaling.PeerID{}, "key", "doc", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New subscriber: %v", err)
	}

	local := session.Candidate{Type: session.CandidateServerReflexive, Addr: netip.MustParseAddrPort("203.0.113.1:5000")}
	if err := pub.AnnounceCandidates([]session.Candidate{local}); err != nil {
		t.Fatalf("publisher AnnounceCandidates: %v", err)
	}
	if !pub.Published() {
		t.Fatal("Published() should report true after a successful AnnounceCandidates")
	}

	update, err := sub.Tick(pollIntervalMs)
	if err != nil {
		t.Fatalf("subscriber Tick: %v", err)
	}
	if update == nil || !update.PeerChanged {
		t.Fatal("subscriber should adopt the publisher on first valid payload")
	}
	if len(update.Candidates) != 1 || update.Candidates[0].Addr != local.Addr {
		t.Fatalf("unexpected candidates: %+v", update.Candidates)
	}
}

func TestSubscriberWithholdsPublishUntilPeerAdopted(t *testing.T) {
	store := newMemKVStore()
	var subID signaling.PeerID
	copy(subID[:], "subscriber")
	sub, err := New(RoleSubscriber, subID, signaling.PeerID{}, "key", "doc", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sub.AnnounceCandidates(nil); err != nil {
		t.Fatalf("AnnounceCandidates: %v", err)
	}
	if sub.Published() {
		t.Fatal("a subscriber that hasn't adopted a peer yet should not publish")
	}
}
