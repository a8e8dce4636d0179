// Package tunnel connects to an SSH gateway and forwards outbound
// stream connections through it, so the host engine can reach networks
// only the gateway can see.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	errs "sockpool/internal/errors"
	"sockpool/util"
)

// SSHConfig describes one gateway and how to authenticate to it.
type SSHConfig struct {
	User        string
	Host        string
	Port        int // default 22
	ConnTimeout time.Duration

	KeyPath    string // private key file, prompted for a passphrase if encrypted
	UseAgent   bool   // authenticate with $SSH_AUTH_SOCK
	PromptPass bool   // read a password from the terminal
	Password   string // fixed password, for scripted use

	// StrictHostKey verifies the gateway against KnownHosts
	// (default ~/.ssh/known_hosts).
	StrictHostKey bool
	KnownHosts    string
}

// ParseTarget parses "user@host[:port]".
func ParseTarget(target string) (*SSHConfig, error) {
	user, hostport, ok := strings.Cut(target, "@")
	if !ok || user == "" || hostport == "" {
		return nil, fmt.Errorf("gateway %q: want user@host[:port]", target)
	}
	cfg := &SSHConfig{User: user, Host: strings.Trim(hostport, "[]"), Port: 22}
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("gateway %q: bad port %q", target, p)
		}
		cfg.Host, cfg.Port = h, port
	}
	return cfg, nil
}

// Addr returns the gateway's "host:port".
func (c *SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return util.FormatAddr(c.Host, port)
}

func (c *SSHConfig) String() string { return c.User + "@" + c.Addr() }

// SSHTunnel is one SSH client connection to a gateway.
type SSHTunnel struct {
	cfg *SSHConfig
	log *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
}

// NewSSHTunnel returns a tunnel ready to Connect.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	return &SSHTunnel{cfg: cfg, log: logger}
}

// Connect dials the gateway and completes the SSH handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	addr := t.cfg.Addr()
	auth, err := BuildAuthMethods(t.cfg)
	if err != nil {
		return errs.Wrap("ssh", "auth", addr, err)
	}
	hostKey, err := hostKeyCallback(t.cfg)
	if err != nil {
		return errs.Wrap("ssh", "hostkey", addr, err)
	}
	timeout := t.cfg.ConnTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	t.log.Debug("dialing %s as %s", addr, t.cfg.User)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.Wrap("ssh", "dial", addr, err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return errs.Wrap("ssh", "handshake", addr, err)
	}
	client := ssh.NewClient(sc, chans, reqs)

	t.mu.Lock()
	t.client, t.alive = client, true
	t.mu.Unlock()

	go t.monitor(client)
	return nil
}

// Dial opens a forwarded connection to address.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()
	if !alive {
		return nil, errs.Wrap("ssh", "dial", address, errs.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.log.Debug("forwarding %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, errs.Wrap("ssh", "forward", address, err)
	}
	return conn, nil
}

// Close disconnects from the gateway.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = false
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// IsAlive reports whether the gateway connection is still up.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()
	t.log.Debug("gateway connection closed: %v", err)
}
