package session

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SignalingMode selects which of the three signaling back-ends (§4.10-4.13)
// a session uses.
type SignalingMode string

const (
	SignalingCompact SignalingMode = "compact"
	SignalingRelay   SignalingMode = "relay"
	SignalingPubsub  SignalingMode = "pubsub"
)

// Config holds the fields recognized by Create (§6). Fields tagged `env`
// can be populated via Config.UnmarshalEnv, following the same reflection-
// driven convention as Atlas's Config.UnmarshalEnv; fields without an `env`
// tag (callbacks, user data) are only ever set programmatically, and are
// left untouched by UnmarshalEnv, mirroring how that function already skips
// any field lacking the tag.
type Config struct {
	UseDTLS            bool `env:"P2P_USE_DTLS"`
	UseOpenSSL         bool `env:"P2P_USE_OPENSSL"`
	UseSCTP            bool `env:"P2P_USE_SCTP"`
	UsePseudoTCP       bool `env:"P2P_USE_PSEUDOTCP"`
	UseICE             bool `env:"P2P_USE_ICE"`
	DisableLANShortcut bool `env:"P2P_DISABLE_LAN_SHORTCUT"`
	LANPunch           bool `env:"P2P_LAN_PUNCH"`
	SkipHostCandidates bool `env:"P2P_SKIP_HOST_CANDIDATES"`
	VerboseNATPunch    bool `env:"P2P_VERBOSE_NAT_PUNCH"`

	SignalingMode SignalingMode `env:"P2P_SIGNALING_MODE=compact"`

	ServerHost string `env:"P2P_SERVER_HOST"`
	ServerPort int    `env:"P2P_SERVER_PORT=9000"`

	STUNServer string `env:"P2P_STUN_SERVER"`
	STUNPort   int    `env:"P2P_STUN_PORT=3478"`

	TURNServer string `env:"P2P_TURN_SERVER"`
	TURNPort   int    `env:"P2P_TURN_PORT=3478"`
	TURNUser   string `env:"P2P_TURN_USER"`
	TURNPass   string `env:"P2P_TURN_PASS"`

	GHToken string `env:"P2P_GH_TOKEN"`
	GistID  string `env:"P2P_GIST_ID"`

	LocalPeerID string `env:"P2P_LOCAL_PEER_ID"`
	BindPort    int    `env:"P2P_BIND_PORT=0"`
	Language    string `env:"P2P_LANGUAGE=en"`

	Nagle   bool   `env:"P2P_NAGLE"`
	AuthKey string `env:"P2P_AUTH_KEY"`

	// ForcedNATType skips the §4.8 compact-mode NAT classification probe and
	// assumes this value instead, for operators who already know their
	// network's classification or want to force symmetric-NAT test paths.
	// Accepts NATType.String() spellings ("open", "cone", "symmetric",
	// "timeout"); empty means probe normally.
	ForcedNATType string `env:"P2P_FORCED_NAT_TYPE"`

	UpdateInterval time.Duration `env:"P2P_UPDATE_INTERVAL=10ms"`
	DTLSServer     bool          `env:"P2P_DTLS_SERVER"`

	// Logger is the zerolog.Logger this session logs through. If nil, the
	// process-wide default set by SetDefaultLogger is used (§5, §9:
	// "process-wide logging sink... set-once before concurrent use").
	Logger *zerolog.Logger

	// OnConnected and OnDisconnected fire exactly once on the corresponding
	// transition (§7: "on_disconnected fires exactly once on first
	// transition out of {connected, relay}").
	OnConnected    func(s *Session)
	OnDisconnected func(s *Session, err error)

	UserData any
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variable
// strings into c, applying defaults from the `env` tag for anything
// missing, following the same struct-tag convention as Atlas's
// Config.UnmarshalEnv (env:"NAME=default", or env:"NAME?=default" for a
// field that may be explicitly set to the empty string).
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if iv, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(iv)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if bv, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(bv)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case time.Duration:
			if dv, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(dv))
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case SignalingMode:
			cvf.Set(reflect.ValueOf(SignalingMode(val)))
		default:
			return fmt.Errorf("p2p: unhandled config field type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" && strings.HasPrefix(key, "P2P_") {
			return fmt.Errorf("p2p: unknown environment variable %q", key)
		}
	}
	return nil
}

// validate enforces §7's "Configuration error: missing required field for
// selected signaling mode".
func (c *Config) validate() error {
	switch c.SignalingMode {
	case SignalingCompact, SignalingRelay:
		if c.ServerHost == "" {
			return fmt.Errorf("%w: server_host required for signaling mode %q", ErrConfig, c.SignalingMode)
		}
	case SignalingPubsub:
		if c.GHToken == "" || c.GistID == "" {
			return fmt.Errorf("%w: gh_token and gist_id required for pubsub signaling", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown signaling_mode %q", ErrConfig, c.SignalingMode)
	}
	if c.UseDTLS && c.AuthKey == "" {
		return fmt.Errorf("%w: auth_key required when use_dtls is set (PSK mode)", ErrConfig)
	}
	return nil
}

// ServerAddr resolves the configured signaling server host/port.
func (c *Config) ServerAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.ServerHost)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("p2p: resolve server_host %q: %w", c.ServerHost, err)
	}
	return netip.AddrPortFrom(addr, uint16(c.ServerPort)), nil
}
