package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/baderanaas/roomchat/pkg/chat"
	"github.com/baderanaas/roomchat/pkg/peer"
)

var log = logging.Logger("roomchat/cmd")

type options struct {
	addrs       []string
	bootstrap   []string
	dataDir     string
	mdns        bool
	rendezvous  bool
	nat         bool
	seal        bool
	logLevel    string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaults := peer.DefaultConfig()

	cmd := &cobra.Command{
		Use:          "roomchat",
		Short:        "Decentralized room chat over libp2p",
		Long:         "Join chat rooms on a GossipSub overlay. Peers find each other via bootstrap peers, the DHT and mDNS; no servers are involved.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&opts.addrs, "addr", envList("ROOMCHAT_ADDR", defaults.ListenAddrs), "Multiaddr to listen on (repeatable)")
	flags.StringArrayVar(&opts.bootstrap, "bootstrap", envList("ROOMCHAT_BOOTSTRAP", nil), "Bootstrap peer as <peer-id>:<multiaddr> (repeatable)")
	flags.StringVar(&opts.dataDir, "data-dir", envString("ROOMCHAT_DATA_DIR", defaultDataDir()), "Directory for the identity key and room history")
	flags.BoolVar(&opts.mdns, "mdns", defaults.EnableMDNS, "Discover peers on the local network")
	flags.BoolVar(&opts.rendezvous, "rendezvous", defaults.EnableRendezvous, "Find room members through the DHT")
	flags.BoolVar(&opts.nat, "nat", defaults.EnableNAT, "Map ports and punch holes through NATs")
	flags.BoolVar(&opts.seal, "seal", false, "Encrypt message text with a key derived from the room name")
	flags.StringVar(&opts.logLevel, "log-level", envString("ROOMCHAT_LOG_LEVEL", "error"), "Log level: debug|info|warn|error")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on host:port")
	return cmd
}

func run(ctx context.Context, opts *options, stdin io.Reader, stdout, stderr io.Writer) error {
	if err := logging.SetLogLevelRegex("roomchat/.*", opts.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg := opts.peerConfig(stderr)
	cfg.Registerer = reg

	p, err := peer.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintf(stdout, "Peer ID: %s\n", p.ID())
	for _, addr := range p.Addrs() {
		fmt.Fprintf(stdout, "  %s\n", addr)
	}

	return chat.NewREPL(p, stdin, stdout, opts.dataDir).Run(ctx)
}

// peerConfig maps the flags onto a peer configuration. Malformed bootstrap
// entries are reported to w and skipped.
func (o *options) peerConfig(w io.Writer) peer.Config {
	cfg := peer.DefaultConfig()
	if len(o.addrs) > 0 {
		cfg.ListenAddrs = o.addrs
	}
	cfg.DataDir = o.dataDir
	cfg.EnableMDNS = o.mdns
	cfg.EnableRendezvous = o.rendezvous
	cfg.EnableNAT = o.nat
	cfg.Sealed = o.seal

	seeds, err := peer.ParseBootstrapAddresses(o.bootstrap)
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(w, "Skipping bootstrap peer: %v\n", e)
	}
	cfg.Bootstrap = seeds
	return cfg
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "addr", addr, "err", err)
		}
	}()
	log.Infow("serving metrics", "addr", addr)
	return srv
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomchat"
	}
	return filepath.Join(home, ".roomchat")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated variable.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
