package socket

import (
	"net/netip"

	"sockpool/engine"
)

// toEndpoint converts a remote address.  IPv4-mapped IPv6 addresses are
// unmapped first.
func toEndpoint(st engine.Stack, ap netip.AddrPort) (engine.Endpoint, error) {
	addr := ap.Addr().Unmap()
	if !supported(st, addr) {
		return engine.Endpoint{}, ErrUnsupportedProto
	}
	return engine.Endpoint{Addr: addr, Port: ap.Port()}, nil
}

// toListenEndpoint converts a bind address.  An unspecified address
// listens on every local address, but its family must still be one the
// engine supports.  A zero AddrPort (no address at all) also means any.
func toListenEndpoint(st engine.Stack, ap netip.AddrPort) (engine.ListenEndpoint, error) {
	addr := ap.Addr().Unmap()
	if !addr.IsValid() {
		return engine.ListenEndpoint{Port: ap.Port()}, nil
	}
	if !supported(st, addr) {
		return engine.ListenEndpoint{}, ErrUnsupportedProto
	}
	if addr.IsUnspecified() {
		addr = netip.Addr{}
	}
	return engine.ListenEndpoint{Addr: addr, Port: ap.Port()}, nil
}

func fromEndpoint(e engine.Endpoint) netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

func supported(st engine.Stack, addr netip.Addr) bool {
	f := engine.Of(addr)
	return f != 0 && st.Families().Has(f)
}
