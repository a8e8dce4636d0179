package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"sockpool/tunnel"
	"sockpool/util"
)

// SSHDialer forwards connections through an SSH gateway.  The gateway
// is connected on the first Dial and reconnected if it drops.
type SSHDialer struct {
	cfg    *tunnel.SSHConfig
	log    *util.Logger
	mu     sync.Mutex
	tunnel *tunnel.SSHTunnel
}

// NewSSHDialer returns a dialer for cfg.  Nothing is dialed yet.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{cfg: cfg, log: logger.Named("ssh")}
}

func (d *SSHDialer) connect(ctx context.Context) (*tunnel.SSHTunnel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel != nil && d.tunnel.IsAlive() {
		return d.tunnel, nil
	}
	d.log.Verbose("connecting to gateway %s", d.cfg)
	t := tunnel.NewSSHTunnel(d.cfg, d.log)
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	d.tunnel = t
	d.log.Verbose("gateway %s up", d.cfg)
	return t, nil
}

// Dial connects to address through the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, network, address)
}

// Close disconnects the gateway.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tunnel == nil {
		return nil
	}
	err := d.tunnel.Close()
	d.tunnel = nil
	return err
}
