package socket

import (
	"context"
	"fmt"
	"net/netip"

	"sockpool/engine"
	errs "sockpool/internal/errors"
)

// AddrType is the address family hint of a name lookup.
type AddrType int

const (
	AddrTypeEither AddrType = iota
	AddrTypeIPv4
	AddrTypeIPv6
)

// DNS resolves names through the engine's resolver.
type DNS struct {
	stack engine.Stack
}

// NewDNS returns a resolver for stack.
func NewDNS(stack engine.Stack) *DNS { return &DNS{stack: stack} }

// HostByName returns the first address host resolves to.  An IPv6 hint
// queries AAAA records; any other hint queries A records.
func (d *DNS) HostByName(ctx context.Context, host string, hint AddrType) (netip.Addr, error) {
	qtype := engine.QueryA
	if hint == AddrTypeIPv6 {
		qtype = engine.QueryAAAA
	}
	addrs, err := d.stack.DNSQuery(ctx, host, qtype)
	if err != nil {
		return netip.Addr{}, errs.Wrap("dns", "lookup", host, fmt.Errorf("%w: %w", ErrDNSFailed, err))
	}
	if len(addrs) == 0 {
		return netip.Addr{}, errs.Wrap("dns", "lookup", host, ErrDNSFailed)
	}
	return addrs[0], nil
}

// HostByAddress is reverse resolution, which the engine does not offer.
func (d *DNS) HostByAddress(ctx context.Context, addr netip.Addr) (string, error) {
	return "", errs.Wrap("dns", "reverse", addr.String(), ErrNotSupported)
}
