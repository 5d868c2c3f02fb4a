package cli

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	gmprometheus "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/friends"
	"github.com/raskyld/friends/pkg/fabric"
	"github.com/raskyld/friends/pkg/kv"
	"github.com/raskyld/friends/pkg/wire"
	"github.com/spf13/cobra"
)

// ChatOptions holds flags for the chat command.
type ChatOptions struct {
	*RootOptions
	Config
}

// NewChatCommand creates the chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join channels and chat from the terminal",
		Long: `Join channels, print every message delivered on them and send the
lines read from stdin.

Lines starting with a slash are commands:
  /join <channel>    join a channel and make it current
  /leave <channel>   leave a channel
  /switch <channel>  send the next lines to another joined channel
  /peers             list the peers of the current channel

Example:
  friends chat --username alice --channel friends \
    --tls-cert alice.crt --tls-key alice.key --tls-ca ca.crt \
    --hub 10.0.0.2:6174`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.override(cmd, &cfg)
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, opts.logHandler(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Username, "username", "", "name attached to your messages")
	f.StringSliceVar(&opts.Channels, "channel", nil, "channels to join, the first one is current")
	f.StringVar(&opts.Hostname, "hostname", "", "node name, defaults to the certificate common name")
	f.StringVar(&opts.Listen, "listen", "", "UDP address to listen on")
	f.StringVar(&opts.Advertise, "advertise", "", "address other nodes reach us with")
	f.StringSliceVar(&opts.Hubs, "hub", nil, "host:port of nodes to join the fabric through")
	f.StringVar(&opts.RemoteConfigURL, "remote-config", "", "URL of a connectivity configuration")
	f.StringVar(&opts.TLS.Cert, "tls-cert", "", "node certificate")
	f.StringVar(&opts.TLS.Key, "tls-key", "", "node private key")
	f.StringVar(&opts.TLS.CA, "tls-ca", "", "CA to verify other nodes")
	f.StringVar(&opts.Storage, "storage", "", "badger, sqlite or memory")
	f.StringVar(&opts.Data, "data", "", "directory holding the logs")
	f.Uint64Var(&opts.ReplayWindow, "replay-window", 0, "how many past messages are printed on join")
	f.StringVar(&opts.Metrics, "metrics", "", "address to serve prometheus metrics on")
	f.StringVar(&opts.SignKey, "sign-key", "", "ed25519 key to sign messages with")

	return cmd
}

// override applies the flags explicitly set over the file configuration.
func (opts *ChatOptions) override(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	set("username", &cfg.Username, opts.Username)
	set("hostname", &cfg.Hostname, opts.Hostname)
	set("listen", &cfg.Listen, opts.Listen)
	set("advertise", &cfg.Advertise, opts.Advertise)
	set("remote-config", &cfg.RemoteConfigURL, opts.RemoteConfigURL)
	set("tls-cert", &cfg.TLS.Cert, opts.TLS.Cert)
	set("tls-key", &cfg.TLS.Key, opts.TLS.Key)
	set("tls-ca", &cfg.TLS.CA, opts.TLS.CA)
	set("storage", &cfg.Storage, opts.Storage)
	set("data", &cfg.Data, opts.Data)
	set("metrics", &cfg.Metrics, opts.Metrics)
	set("sign-key", &cfg.SignKey, opts.SignKey)
	if f.Changed("channel") {
		cfg.Channels = opts.Channels
	}
	if f.Changed("hub") {
		cfg.Hubs = opts.Hubs
	}
	if f.Changed("replay-window") {
		cfg.ReplayWindow = opts.ReplayWindow
	}
}

func runChat(ctx context.Context, cfg Config, handler slog.Handler, in io.Reader, out io.Writer) error {
	logger := slog.New(handler)

	var sink metrics.MetricSink = &metrics.BlackholeSink{}
	if cfg.Metrics != "" {
		psink, err := gmprometheus.NewPrometheusSink()
		if err != nil {
			return fmt.Errorf("failed to create metric sink: %w", err)
		}
		sink = psink

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.Metrics)
	}

	fb, err := createFabric(cfg, handler, sink)
	if err != nil {
		return err
	}
	defer fb.Shutdown()

	if err := fb.JoinCluster(); err != nil {
		logger.Warn("could not join the fabric, waiting for others", "error", err)
	}

	db, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	swarm, err := friends.New(
		friends.WithDiscovery(fb),
		friends.WithStorage(db),
		friends.WithHubs(cfg.Hubs...),
		friends.WithRemoteConfigURL(cfg.RemoteConfigURL),
		friends.WithLog(handler),
		friends.WithMetricSink(sink),
		friends.WithReplayWindow(cfg.ReplayWindow),
		friends.WithDefaultChannel(cfg.Channels[0]),
		friends.WithObserver(&logObserver{logger: logger}),
	)
	if err != nil {
		return err
	}
	defer swarm.Close()

	if cfg.SignKey != "" {
		key, err := loadSignKey(cfg.SignKey)
		if err != nil {
			return err
		}
		swarm.SetSign(signer(key))
	}
	if len(cfg.Trusted) > 0 {
		verify, err := verifier(cfg.Trusted)
		if err != nil {
			return err
		}
		swarm.SetVerify(verify)
	}

	ch := newChat(swarm, cfg.Username, out)
	for _, name := range cfg.Channels {
		if err := ch.join(ctx, name); err != nil {
			return err
		}
	}
	ch.current = cfg.Channels[0]
	swarm.SetProcessor(ch.print)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("terminating...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := ch.handleLine(ctx, line); err != nil {
				ch.printf("error: %s\n", err)
			}
		}
	}
}

func createFabric(cfg Config, handler slog.Handler, sink metrics.MetricSink) (*fabric.Fabric, error) {
	tlsConf, cn, err := loadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if cfg.Hostname == "" {
		cfg.Hostname = cn
	}

	addr, port, err := splitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %w", ErrInvalidConfig, err)
	}

	opts := []fabric.Option{
		fabric.WithHostname(cfg.Hostname),
		fabric.WithListenOn(addr, port),
		fabric.WithTlsConfig(tlsConf),
		fabric.WithLog(handler),
		fabric.WithMetricSink(sink),
		fabric.WithNeighbours(cfg.Hubs),
	}
	if cfg.Advertise != "" {
		addr, port, err := splitHostPort(cfg.Advertise)
		if err != nil {
			return nil, fmt.Errorf("%w: advertise: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, fabric.WithAdvertise(addr, port))
	}

	return fabric.Create(opts...)
}

func openStorage(cfg Config, logger *slog.Logger) (kv.DB, error) {
	switch cfg.Storage {
	case "memory":
		return kv.NewMemory(), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Data, 0o700); err != nil {
			return nil, err
		}
		return kv.OpenSQLite(filepath.Join(cfg.Data, "friends.db"))
	default:
		return kv.OpenBadger(kv.BadgerConfig{
			Path:   filepath.Join(cfg.Data, "badger"),
			Logger: logger.With("component", "badger"),
		})
	}
}

// loadTLSConfig also returns the common name of the node certificate.
func loadTLSConfig(cfg TLSConfig) (*tls.Config, string, error) {
	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.CA)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, "", fmt.Errorf("failed to load CA: no certificate in %s", cfg.CA)
	}

	var cn string
	if keypair.Leaf != nil {
		cn = keypair.Leaf.Subject.CommonName
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, cn, nil
}

func splitHostPort(hostport string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// chat turns terminal lines into messages and messages into lines.
type chat struct {
	swarm    *friends.Swarm
	username string
	current  string

	lk  sync.Mutex
	out io.Writer
}

func newChat(swarm *friends.Swarm, username string, out io.Writer) *chat {
	return &chat{swarm: swarm, username: username, out: out}
}

func (c *chat) printf(format string, args ...any) {
	c.lk.Lock()
	defer c.lk.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chat) print(_ context.Context, msg *friends.Message) error {
	c.printf("%s\n", formatMessage(msg))
	return nil
}

func (c *chat) join(ctx context.Context, name string) error {
	if err := c.swarm.AddChannel(ctx, name); err != nil {
		return err
	}
	c.current = name
	return nil
}

func (c *chat) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		msg := &wire.Message{}
		msg.SetChannel(c.current)
		msg.SetUsername(c.username)
		msg.SetTimestamp(uint64(time.Now().UnixMilli()))
		msg.SetText(line)
		return c.swarm.Send(ctx, msg)
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "join":
		return c.join(ctx, arg)
	case "leave":
		if arg == "" {
			arg = c.current
		}
		c.swarm.RemoveChannel(arg)
		if arg == c.current {
			c.current = ""
			if joined := c.swarm.Channels(); len(joined) > 0 {
				c.current = joined[0]
			}
		}
		return nil
	case "switch":
		for _, name := range c.swarm.Channels() {
			if name == arg {
				c.current = arg
				return nil
			}
		}
		return fmt.Errorf("not in channel %q", arg)
	case "peers":
		c.printf("peers of %s: %s\n", c.current, strings.Join(c.swarm.Peers(c.current), ", "))
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func formatMessage(msg *friends.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s #%d] %s: %s", msg.GetChannel(), msg.Change, msg.GetUsername(), msg.GetText())
	if msg.Valid {
		b.WriteString(" (valid)")
	}
	return b.String()
}

type logObserver struct {
	logger *slog.Logger
}

func (o *logObserver) PeerConnected(ev friends.PeerEvent) {
	o.logger.Info("peer connected", "channel", ev.Channel, "peer", ev.PeerID)
}

func (o *logObserver) Pushed(channel string) {
	o.logger.Debug("pushed changes", "channel", channel)
}

func (o *logObserver) Pulled(channel string) {
	o.logger.Debug("pulled changes", "channel", channel)
}
