// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"sockpool/config"
	"sockpool/internal/core"
	"sockpool/internal/metrics"
	"sockpool/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sockpool/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives --dry-run and --version output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the selected sockpool mode.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("sockpool", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Listen mode")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local port number")
	fs.BoolVarP(&cfg.UDP, "udp", "u", cfg.UDP, "UDP mode")
	fs.BoolVarP(&cfg.IPv6, "ipv6", "6", cfg.IPv6, "Use IPv6 (AAAA lookups, [::] listeners)")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")
	fs.BoolVarP(&cfg.KeepOpen, "keep-open", "k", cfg.KeepOpen, "Accept multiple connections (with -l)")
	fs.StringVar(&cfg.Group, "join", cfg.Group, "Join a multicast group (with -u -l)")

	timeoutSec := int(cfg.Timeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Connect timeout in seconds")

	// ── other modes ──────────────────────────────────────────────
	fs.BoolVar(&cfg.Lookup, "lookup", cfg.Lookup, "Resolve <host> and print the first address")
	fs.BoolVar(&cfg.SelfTest, "selftest", cfg.SelfTest, "Exercise the pools on the in-memory engine")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Execute, "exec", "e", cfg.Execute, "Execute program after connect")
	fs.StringVarP(&cfg.Command, "command", "c", cfg.Command, "Execute shell command after connect")
	fs.BoolVar(&cfg.Echo, "echo", cfg.Echo, "Echo received data back to the peer")

	// ── buffer pools ─────────────────────────────────────────────
	fs.IntVar(&cfg.StreamSockets, "stream-sockets", cfg.StreamSockets, "Stream pool capacity")
	fs.IntVar(&cfg.StreamTxSize, "stream-tx", cfg.StreamTxSize, "Stream transmit buffer bytes")
	fs.IntVar(&cfg.StreamRxSize, "stream-rx", cfg.StreamRxSize, "Stream receive buffer bytes")
	fs.IntVar(&cfg.DatagramSockets, "datagram-sockets", cfg.DatagramSockets, "Datagram pool capacity")
	fs.IntVar(&cfg.DatagramTxSize, "datagram-tx", cfg.DatagramTxSize, "Datagram transmit buffer bytes")
	fs.IntVar(&cfg.DatagramRxSize, "datagram-rx", cfg.DatagramRxSize, "Datagram receive buffer bytes")
	fs.IntVar(&cfg.DatagramMeta, "datagram-meta", cfg.DatagramMeta, "Datagram metadata entries per direction")
	fs.IntVar(&cfg.EngineSockets, "engine-sockets", cfg.EngineSockets, "Sockets the engine may register")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "Max accepts per second (0 = unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "Accept burst with --accept-rate")

	// ── DNS ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.DNSServer, "dns-server", cfg.DNSServer, "Upstream name server host[:port]")
	fs.DurationVar(&cfg.DNSTimeout, "dns-timeout", cfg.DNSTimeout, "Upstream DNS timeout")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Route streams via SSH gateway user@host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	envVerbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate and print the pool layout, then exit")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "sockpool %s\n", version)
		return nil
	}

	cfg.Timeout = time.Duration(timeoutSec) * time.Second
	if cfg.Verbose == 0 {
		cfg.Verbose = envVerbose
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DryRun {
		fmt.Fprintf(stdout, "mode:          %s\n", cfg.Mode())
		fmt.Fprint(stdout, cfg.Layout())
		return nil
	}

	return run(ctx, cfg)
}

// run builds the engine and the mode, and serves metrics while the mode
// runs.
func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)
	m := metrics.New()

	var env *core.Env
	if cfg.Mode() != config.ModeSelfTest {
		var err error
		if env, err = core.NewHostEnv(cfg, logger, m); err != nil {
			return err
		}
		defer func() {
			if err := env.Close(); err != nil {
				logger.Warn("engine close: %v", err)
			}
		}()
	}

	mode, err := core.Build(cfg, env, logger)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	err = mode.Run(ctx)
	logger.Debug("metrics: %s", m.JSON())
	return err
}

// serveMetrics exposes m on addr until the returned stop is called.
func serveMetrics(addr string, m *metrics.Collector, logger *util.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Verbose("serving metrics on http://%s/metrics", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}, nil
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	switch cfg.Mode() {
	case config.ModeSelfTest:
		if len(remaining) > 0 {
			return fmt.Errorf("--selftest takes no arguments")
		}
		return nil

	case config.ModeLookup:
		switch len(remaining) {
		case 0:
		case 1:
			cfg.Host = remaining[0]
		default:
			return fmt.Errorf("--lookup takes one hostname")
		}
		return nil

	case config.ModeListen, config.ModeUDPListen:
		switch len(remaining) {
		case 0: // sockpool -l -p PORT
		case 1: // sockpool -l PORT
			if cfg.LocalPort != 0 {
				return fmt.Errorf("listen port given twice")
			}
			port, err := config.ParsePort(remaining[0])
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			cfg.LocalPort = port
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	// Connect / UDP mode: host port
	switch len(remaining) {
	case 0:
		return fmt.Errorf("hostname required (use --help for usage)")
	case 1:
		return fmt.Errorf("port required")
	case 2:
	default:
		return fmt.Errorf("too many arguments: want <host> <port>")
	}
	cfg.Host = remaining[0]
	port, err := config.ParsePort(remaining[1])
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	cfg.Port = port
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sockpool – netcat over fixed-capacity socket buffer pools v%s

Every socket borrows its transmit/receive buffers from a preallocated
pool and returns them on close, abort or leak.

Usage:
  sockpool [options] <host> <port>            Connect (TCP)
  sockpool -u [options] <host> <port>         Send stdin lines (UDP)
  sockpool -l -p <port> [options]             Listen
  sockpool --lookup <host>                    Resolve a name
  sockpool --selftest                         Check the pools offline

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  sockpool example.com 80                     TCP connect
  sockpool -lk -p 8080 --echo                 Echo server
  sockpool -u -l -p 5353 --join 224.0.0.251   Multicast listener
  sockpool -T admin@bastion db-internal 5432  Through an SSH gateway
  sockpool -l -p 9000 --dry-run               Show the pool layout
`)
}
