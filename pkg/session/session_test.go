package session

import "testing"

// fakeSignaling is a no-op Signaling implementation for exercising the
// orchestrator lifecycle without a real rendezvous server.
type fakeSignaling struct {
	announced [][]Candidate
	closed    bool
}

func (f *fakeSignaling) Tick(nowMs int64) (*RemoteUpdate, error) { return nil, nil }
func (f *fakeSignaling) AnnounceCandidates(locals []Candidate) error {
	f.announced = append(f.announced, locals)
	return nil
}
func (f *fakeSignaling) Ready() bool                    { return false }
func (f *fakeSignaling) RelaySupported() bool           { return false }
func (f *fakeSignaling) RelaySend(payload []byte) error { return ErrRelayUnsupported }
func (f *fakeSignaling) Close() error                   { f.closed = true; return nil }

func newTestConfig() Config {
	return Config{
		SignalingMode:      SignalingCompact,
		ServerHost:         "127.0.0.1",
		ServerPort:         9000,
		LocalPeerID:        "local-peer",
		SkipHostCandidates: true, // avoids depending on the test host's network interfaces
	}
}

func TestCreateValidatesConfig(t *testing.T) {
	cfg := Config{} // no signaling_mode, no server_host
	if _, err := Create(cfg, &fakeSignaling{}); err == nil {
		t.Fatal("expected Create to reject an invalid config")
	}
}

func TestCreateConnectDestroyLifecycle(t *testing.T) {
	cfg := newTestConfig()
	sig := &fakeSignaling{}
	s, err := Create(cfg, sig)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if s.State() != StateIdle {
		t.Fatalf("initial state = %v, want StateIdle", s.State())
	}

	remote := "remote-peer"
	if err := s.Connect(&remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateRegistering {
		t.Fatalf("state after Connect = %v, want StateRegistering", s.State())
	}
	if len(sig.announced) != 1 {
		t.Fatalf("expected exactly one AnnounceCandidates call, got %d", len(sig.announced))
	}

	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !sig.closed {
		t.Error("Destroy should close the underlying signaling client")
	}
}

func TestSendBeforeReadyReturnsErrNotReady(t *testing.T) {
	cfg := newTestConfig()
	s, err := Create(cfg, &fakeSignaling{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if _, err := s.Send([]byte("hi")); err != ErrNotReady {
		t.Fatalf("Send before connected = %v, want ErrNotReady", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := newTestConfig()
	s, err := Create(cfg, &fakeSignaling{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after Close = %v, want StateClosed", s.State())
	}
}
