package transport

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// TCPDialer dials plain TCP.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 uses the OS default, negative disables

	// Source, if valid, pins the local address of every connection.
	Source netip.Addr
}

// Dial connects to address.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	if d.Source.IsValid() {
		dialer.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(d.Source, 0))
	}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op.
func (d *TCPDialer) Close() error { return nil }
