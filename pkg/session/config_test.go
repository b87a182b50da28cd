package session

import "testing"

func TestUnmarshalEnvAppliesDefaultsAndOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"P2P_LOCAL_PEER_ID=alice",
		"P2P_SERVER_PORT=9100",
		"P2P_USE_DTLS=true",
	})
	if err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.LocalPeerID != "alice" {
		t.Errorf("LocalPeerID = %q, want alice", c.LocalPeerID)
	}
	if c.ServerPort != 9100 {
		t.Errorf("ServerPort = %d, want 9100 (override)", c.ServerPort)
	}
	if c.SignalingMode != SignalingCompact {
		t.Errorf("SignalingMode = %q, want default %q", c.SignalingMode, SignalingCompact)
	}
	if !c.UseDTLS {
		t.Error("UseDTLS should be true")
	}
}

func TestUnmarshalEnvRejectsUnknownKey(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"P2P_NOT_A_REAL_FIELD=1"}); err == nil {
		t.Fatal("expected an error for an unrecognized P2P_ environment key")
	}
}

func TestUnmarshalEnvRejectsBadIntValue(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"P2P_SERVER_PORT=not-a-number"}); err == nil {
		t.Fatal("expected an error parsing a non-numeric P2P_SERVER_PORT")
	}
}

func TestValidateRequiresServerHostForCompactAndRelay(t *testing.T) {
	for _, mode := range []SignalingMode{SignalingCompact, SignalingRelay} {
		c := Config{SignalingMode: mode}
		if err := c.validate(); err == nil {
			t.Errorf("expected validate() to require server_host for mode %q", mode)
		}
		c.ServerHost = "example.com"
		if err := c.validate(); err != nil {
			t.Errorf("validate() with server_host set should pass for mode %q, got %v", mode, err)
		}
	}
}

func TestValidateRequiresGistCredentialsForPubsub(t *testing.T) {
	c := Config{SignalingMode: SignalingPubsub}
	if err := c.validate(); err == nil {
		t.Fatal("expected validate() to require gh_token and gist_id for pubsub")
	}
	c.GHToken = "tok"
	c.GistID = "gist"
	if err := c.validate(); err != nil {
		t.Errorf("validate() with credentials set should pass, got %v", err)
	}
}

func TestValidateRequiresAuthKeyForDTLS(t *testing.T) {
	c := Config{SignalingMode: SignalingCompact, ServerHost: "example.com", UseDTLS: true}
	if err := c.validate(); err == nil {
		t.Fatal("expected validate() to require auth_key when use_dtls is set")
	}
	c.AuthKey = "key"
	if err := c.validate(); err != nil {
		t.Errorf("validate() with auth_key set should pass, got %v", err)
	}
}

func TestServerAddrResolvesHostPort(t *testing.T) {
	c := Config{ServerHost: "127.0.0.1", ServerPort: 9000}
	addr, err := c.ServerAddr()
	if err != nil {
		t.Fatalf("ServerAddr: %v", err)
	}
	if addr.Port() != 9000 {
		t.Errorf("port = %d, want 9000", addr.Port())
	}
}
