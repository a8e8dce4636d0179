// Package config defines the runtime configuration for sockpool: the
// session mode, the buffer pool layout, and the SSH gateway.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	errs "sockpool/internal/errors"
	"sockpool/tunnel"
)

// Config holds every tuneable for a single sockpool run.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host      string
	Port      int // destination port
	LocalPort int // -p: local bind port
	Listen    bool
	UDP       bool
	IPv6      bool // -6: resolve AAAA records
	Timeout   time.Duration
	KeepOpen  bool
	NoDNS     bool
	Group     string // --join: multicast group for UDP listen mode

	// ── Other modes ──────────────────────────────────────────────────
	Lookup   bool
	SelfTest bool

	// ── Buffer pools ─────────────────────────────────────────────────
	StreamSockets   int
	StreamTxSize    int
	StreamRxSize    int
	DatagramSockets int
	DatagramTxSize  int
	DatagramRxSize  int
	DatagramMeta    int
	EngineSockets   int
	AcceptRate      float64 // accepts per second, 0 for unlimited
	AcceptBurst     int

	// ── DNS ──────────────────────────────────────────────────────────
	DNSServer  string // host[:port], empty for the system resolver
	DNSTimeout time.Duration
	DNSCache   int

	// ── SSH gateway ──────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Execution ────────────────────────────────────────────────────
	Execute string // -e: program path
	Command string // -c: shell command
	Echo    bool   // --echo: echo the peer's data back

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	DryRun      bool
	MetricsAddr string
}

// Mode names, as reported by Config.Mode.
const (
	ModeSelfTest  = "selftest"
	ModeLookup    = "lookup"
	ModeListen    = "listen"
	ModeConnect   = "connect"
	ModeUDPListen = "udp-listen"
	ModeUDP       = "udp"
)

// Mode names the session mode the configuration selects.
func (c *Config) Mode() string {
	switch {
	case c.SelfTest:
		return ModeSelfTest
	case c.Lookup:
		return ModeLookup
	case c.UDP && c.Listen:
		return ModeUDPListen
	case c.UDP:
		return ModeUDP
	case c.Listen:
		return ModeListen
	default:
		return ModeConnect
	}
}

// PoolSockets is the combined capacity of every pool.
func (c *Config) PoolSockets() int { return c.StreamSockets + c.DatagramSockets }

// DNSAddr returns the upstream name server as "host:port", or "" when
// none is configured.
func (c *Config) DNSAddr() string {
	if c.DNSServer == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(c.DNSServer); err == nil {
		return c.DNSServer
	}
	return net.JoinHostPort(strings.Trim(c.DNSServer, "[]"), DefaultDNSPort)
}

// Gateway parses -T and the SSH flags into a tunnel configuration.  It
// returns nil when no gateway is configured.
func (c *Config) Gateway() (*tunnel.SSHConfig, error) {
	if c.TunnelSpec == "" {
		return nil, nil
	}
	ssh, err := tunnel.ParseTarget(c.TunnelSpec)
	if err != nil {
		return nil, &errs.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use -T user@host[:port]",
		}
	}
	ssh.ConnTimeout = c.Timeout
	ssh.KeyPath = c.SSHKeyPath
	ssh.UseAgent = c.UseSSHAgent
	ssh.PromptPass = c.SSHPassword
	ssh.StrictHostKey = c.StrictHostKey
	ssh.KnownHosts = c.KnownHostsPath
	return ssh, nil
}

// Layout describes the effective pool layout, one line per pool.
func (c *Config) Layout() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stream pool:   %d sockets x (%d tx + %d rx) = %d bytes\n",
		c.StreamSockets, c.StreamTxSize, c.StreamRxSize,
		c.StreamSockets*(c.StreamTxSize+c.StreamRxSize))
	fmt.Fprintf(&b, "datagram pool: %d sockets x (%d tx + %d rx, %d+%d metadata) = %d bytes\n",
		c.DatagramSockets, c.DatagramTxSize, c.DatagramRxSize, c.DatagramMeta, c.DatagramMeta,
		c.DatagramSockets*(c.DatagramTxSize+c.DatagramRxSize))
	fmt.Fprintf(&b, "engine:        %d of %d sockets\n", c.PoolSockets(), c.EngineSockets)
	return b.String()
}

// ParsePort parses a single port number in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SelfTest {
		return nil
	}
	if err := c.validatePools(); err != nil {
		return err
	}

	switch c.Mode() {
	case ModeLookup:
		if c.Host == "" {
			return &errs.ConfigError{Field: "lookup", Message: "a hostname is required", Hint: "sockpool --lookup example.com"}
		}
		if c.NoDNS {
			return &errs.ConfigError{Field: "lookup", Message: "lookup mode and -n are mutually exclusive"}
		}
		return nil
	case ModeListen, ModeUDPListen:
		if c.LocalPort == 0 {
			return &errs.ConfigError{Field: "port", Message: "listen mode requires a local port", Hint: "use -l -p <port>"}
		}
		if c.TunnelSpec != "" {
			return &errs.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: "listen mode cannot run through an SSH gateway"}
		}
	default:
		if c.Host == "" {
			return &errs.ConfigError{Field: "host", Message: "hostname is required", Hint: "use --help for usage"}
		}
		if c.Port < 1 || c.Port > 65535 {
			return &errs.ConfigError{Field: "port", Value: c.Port, Message: "destination port is required", Hint: "sockpool <host> <port>"}
		}
	}

	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &errs.ConfigError{Field: "local-port", Value: c.LocalPort, Message: "out of range 0-65535"}
	}
	if c.Execute != "" && c.Command != "" {
		return &errs.ConfigError{Field: "exec", Message: "-e and -c are mutually exclusive"}
	}
	if c.Echo && (c.Execute != "" || c.Command != "") {
		return &errs.ConfigError{Field: "echo", Message: "--echo cannot be combined with -e or -c"}
	}
	if c.UDP {
		if c.TunnelSpec != "" {
			return &errs.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: "UDP is not supported through SSH gateways"}
		}
		if c.Execute != "" || c.Command != "" {
			return &errs.ConfigError{Field: "exec", Message: "-e and -c need a stream connection", Hint: "drop -u"}
		}
	}
	if c.Group != "" {
		if c.Mode() != ModeUDPListen {
			return &errs.ConfigError{Field: "join", Value: c.Group, Message: "multicast groups need UDP listen mode", Hint: "use -u -l -p <port>"}
		}
		if addr, err := netip.ParseAddr(c.Group); err != nil || !addr.IsMulticast() {
			return &errs.ConfigError{Field: "join", Value: c.Group, Message: "not a multicast address"}
		}
	}
	if c.AcceptRate < 0 {
		return &errs.ConfigError{Field: "accept-rate", Value: c.AcceptRate, Message: "must not be negative"}
	}
	if _, err := c.Gateway(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePools() error {
	sizes := []struct {
		field string
		value int
	}{
		{"stream-sockets", c.StreamSockets},
		{"stream-tx", c.StreamTxSize},
		{"stream-rx", c.StreamRxSize},
		{"datagram-sockets", c.DatagramSockets},
		{"datagram-tx", c.DatagramTxSize},
		{"datagram-rx", c.DatagramRxSize},
		{"datagram-meta", c.DatagramMeta},
		{"engine-sockets", c.EngineSockets},
	}
	for _, s := range sizes {
		if s.value <= 0 {
			return &errs.ConfigError{Field: s.field, Value: s.value, Message: "must be positive"}
		}
	}
	if c.PoolSockets() > c.EngineSockets {
		return &errs.ConfigError{
			Field:   "engine-sockets",
			Value:   c.EngineSockets,
			Message: fmt.Sprintf("pools hold %d sockets, more than the engine can register", c.PoolSockets()),
			Hint:    "raise --engine-sockets or shrink the pools",
		}
	}
	return nil
}
