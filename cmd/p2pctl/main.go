// Command p2pctl is a reference driver for pkg/session: it gathers local
// candidates, exchanges them with a peer through one of the three signaling
// back-ends, and once a path is established relays stdin/stdout over it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/wenpeng8019/p2p0-sub000/pkg/session"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling/compact"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling/pubsub"
	"github.com/wenpeng8019/p2p0-sub000/pkg/signaling/relay"
)

var opt struct {
	Help bool

	DTLS      bool
	OpenSSL   bool
	PseudoTCP bool
	Compact   bool

	Server string
	GitHub string
	Gist   string

	Name string
	To   string

	DisableLAN  bool
	LANPunch    bool
	PublicOnly  bool
	VerboseNAT  bool
	Verbose     bool
	Echo        bool
	ClientNAT   string
	TURN        string
	TURNUser    string
	TURNPass    string
	BindPort    int
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.BoolVar(&opt.DTLS, "dtls", false, "Encrypt the data channel with the PSK datagram cipher")
	pflag.BoolVar(&opt.OpenSSL, "openssl", false, "Use the OpenSSL-compatible transport instead of the built-in one")
	pflag.BoolVar(&opt.PseudoTCP, "pseudo", false, "Enable the pseudo-TCP reliability/congestion layer")
	pflag.BoolVar(&opt.Compact, "compact", true, "Use the compact UDP signaling protocol (default)")
	pflag.StringVar(&opt.Server, "server", "", "Signaling server host[:port]")
	pflag.StringVar(&opt.GitHub, "github", "", "GitHub token for pubsub signaling")
	pflag.StringVar(&opt.Gist, "gist", "", "Gist id used as the pubsub document key")
	pflag.StringVar(&opt.Name, "name", "", "Local peer id")
	pflag.StringVar(&opt.To, "to", "", "Remote peer id to connect to")
	pflag.BoolVar(&opt.DisableLAN, "disable-lan", false, "Disable the LAN shortcut path")
	pflag.BoolVar(&opt.LANPunch, "lan-punch", false, "Punch even when both peers look like they're on the same LAN")
	pflag.BoolVar(&opt.PublicOnly, "public-only", false, "Skip host candidates, only gather server-reflexive/relay ones")
	pflag.BoolVar(&opt.VerboseNAT, "verbose-punch", false, "Log every punch attempt")
	pflag.BoolVar(&opt.Verbose, "verbose", false, "Enable debug logging")
	pflag.BoolVar(&opt.Echo, "echo", false, "Echo received bytes back instead of reading stdin")
	pflag.StringVar(&opt.ClientNAT, "cn", "", "Assume this client NAT classification instead of probing")
	pflag.StringVar(&opt.TURN, "turn", "", "TURN relay host")
	pflag.StringVar(&opt.TURNUser, "turn-user", "", "TURN username")
	pflag.StringVar(&opt.TURNPass, "turn-pass", "", "TURN password")
	pflag.IntVar(&opt.BindPort, "bind-port", 0, "Local UDP port to bind (0 picks an ephemeral one)")
}

func main() {
	pflag.Parse()
	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if opt.Verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("p2pctl exited")
	}
}

// readEnvFile parses a KEY=VALUE env file the same way cmd/atlas does,
// so the same deployment file format works for both commands.
func readEnvFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}
	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

// applyFlagOverrides copies any flag the user actually passed on top of
// whatever cfg.UnmarshalEnv already populated from the environment/env file,
// so flags win but an unset flag never clobbers an env-provided value.
func applyFlagOverrides(cfg *session.Config) {
	changed := func(name string) bool {
		f := pflag.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("dtls") {
		cfg.UseDTLS = opt.DTLS
	}
	if changed("openssl") {
		cfg.UseOpenSSL = opt.OpenSSL
	}
	if changed("pseudo") {
		cfg.UsePseudoTCP = opt.PseudoTCP
	}
	if changed("disable-lan") {
		cfg.DisableLANShortcut = opt.DisableLAN
	}
	if changed("lan-punch") {
		cfg.LANPunch = opt.LANPunch
	}
	if changed("public-only") {
		cfg.SkipHostCandidates = opt.PublicOnly
	}
	if changed("verbose-punch") {
		cfg.VerboseNATPunch = opt.VerboseNAT
	}
	if changed("bind-port") {
		cfg.BindPort = opt.BindPort
	}
	if changed("server") {
		cfg.ServerHost = hostOf(opt.Server)
		cfg.ServerPort = portOf(opt.Server, 9000)
	}
	if changed("turn") {
		cfg.TURNServer = opt.TURN
	}
	if changed("turn-user") {
		cfg.TURNUser = opt.TURNUser
	}
	if changed("turn-pass") {
		cfg.TURNPass = opt.TURNPass
	}
	if changed("github") {
		cfg.GHToken = opt.GitHub
	}
	if changed("gist") {
		cfg.GistID = opt.Gist
	}
	if changed("cn") {
		cfg.ForcedNATType = opt.ClientNAT
	}
}

func run(log zerolog.Logger) error {
	var cfg session.Config
	env := os.Environ()
	if pflag.NArg() == 1 {
		fileEnv, err := readEnvFile(pflag.Arg(0))
		if err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
		env = fileEnv
	}
	if err := cfg.UnmarshalEnv(env); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	// Flags layer on top of whatever the environment/env-file already set,
	// each only if the user actually passed it (pflag.Changed).
	applyFlagOverrides(&cfg)

	if opt.Name != "" {
		cfg.LocalPeerID = opt.Name
	}
	if cfg.LocalPeerID == "" {
		return fmt.Errorf("--name (or P2P_LOCAL_PEER_ID) is required")
	}
	cfg.UseICE = true
	cfg.Logger = &log
	cfg.OnConnected = func(s *session.Session) {
		log.Info().Str("path", s.Path().String()).Msg("connected")
	}
	cfg.OnDisconnected = func(s *session.Session, err error) {
		log.Warn().Err(err).Msg("disconnected")
	}

	switch {
	case opt.Gist != "" || opt.GitHub != "" || cfg.GistID != "":
		cfg.SignalingMode = session.SignalingPubsub
	case opt.Compact || cfg.SignalingMode == session.SignalingCompact || cfg.SignalingMode == "":
		cfg.SignalingMode = session.SignalingCompact
	default:
		cfg.SignalingMode = session.SignalingRelay
	}

	sig, err := buildSignaling(cfg, log)
	if err != nil {
		return fmt.Errorf("build signaling client: %w", err)
	}

	sess, err := session.Create(cfg, sig)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer sess.Destroy()

	var remote *string
	if opt.To != "" {
		remote = &opt.To
	}
	if err := sess.Connect(remote); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return pump(ctx, sess, log)
}

// buildSignaling picks and constructs the concrete signaling client for
// cfg.SignalingMode; this is the one place that needs to know about all
// three back-ends, so pkg/session itself never has to import them.
func buildSignaling(cfg session.Config, log zerolog.Logger) (session.Signaling, error) {
	localID, err := session.ParsePeerID(cfg.LocalPeerID)
	if err != nil {
		return nil, err
	}
	var remoteID session.PeerID
	if opt.To != "" {
		remoteID, err = session.ParsePeerID(opt.To)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.SignalingMode {
	case session.SignalingCompact:
		addr, err := cfg.ServerAddr()
		if err != nil {
			return nil, err
		}
		return compact.New(localID, remoteID, addr, log)

	case session.SignalingRelay:
		addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
		c, err := relay.Dial(addr, localID, log)
		if err != nil {
			return nil, err
		}
		if opt.To != "" {
			c.SetTarget(remoteID)
		}
		return c, nil

	case session.SignalingPubsub:
		store := pubsub.NewHTTPKVStore("https://api.github.com/gists", cfg.GHToken)
		role := pubsub.RolePublisher
		if opt.To == "" {
			role = pubsub.RoleSubscriber
		}
		return pubsub.New(role, localID, remoteID, cfg.AuthKey, cfg.GistID, store, log)

	default:
		return nil, fmt.Errorf("p2p: unknown signaling mode %q", cfg.SignalingMode)
	}
}

// pump drives Update on a fixed tick and shuttles bytes between the session
// and stdio until ctx is cancelled or the peer disconnects.
func pump(ctx context.Context, sess *session.Session, log zerolog.Logger) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	in := make(chan []byte, 64)
	if !opt.Echo {
		go readStdin(in)
	}

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			_ = sess.Close()
			return nil

		case line := <-in:
			if _, err := sess.Send(line); err != nil {
				log.Warn().Err(err).Msg("send failed")
			}

		case <-tick.C:
			if err := sess.Update(); err != nil {
				log.Error().Err(err).Msg("update failed")
			}
			for {
				n, err := sess.Recv(buf)
				if err != nil || n == 0 {
					break
				}
				if opt.Echo {
					if _, err := sess.Send(buf[:n]); err != nil {
						log.Warn().Err(err).Msg("echo send failed")
					}
				} else {
					os.Stdout.Write(buf[:n])
				}
			}
		}
	}
}

func readStdin(out chan<- []byte) {
	r := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- cp
		}
		if err != nil {
			return
		}
	}
}

func hostOf(hostport string) string {
	h, _, ok := strings.Cut(hostport, ":")
	if !ok {
		return hostport
	}
	return h
}

func portOf(hostport string, def int) int {
	_, p, ok := strings.Cut(hostport, ":")
	if !ok || p == "" {
		return def
	}
	var port int
	if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
		return def
	}
	return port
}
