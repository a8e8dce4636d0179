package sim

import (
	"context"
	"net/netip"

	"sockpool/engine"
)

// DNSQuery implements engine.Stack.  IP literals of the queried family
// resolve to themselves; other names come from Config.Hosts.
func (s *Stack) DNSQuery(ctx context.Context, name string, qtype engine.DNSQueryType) ([]netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if addr, err := netip.ParseAddr(name); err == nil {
		if !qtype.Matches(addr) {
			return nil, engine.ErrDNSFailed
		}
		return []netip.Addr{addr.Unmap()}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []netip.Addr
	for _, a := range s.cfg.Hosts[canonicalName(name)] {
		if qtype.Matches(a) {
			out = append(out, a.Unmap())
		}
	}
	if len(out) == 0 {
		s.log.Debug("dns %s %s: no answer", qtype, name)
		return nil, engine.ErrDNSFailed
	}
	return out, nil
}

// JoinMulticastGroup implements engine.Stack.
func (s *Stack) JoinMulticastGroup(addr netip.Addr) error {
	if !addr.IsMulticast() || !s.cfg.Families.Has(engine.Of(addr)) {
		return engine.ErrUnaddressable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[addr]; ok {
		return nil
	}
	if len(s.groups) >= s.cfg.MaxGroups {
		return engine.ErrGroupTableFull
	}
	s.groups[addr] = struct{}{}
	s.log.Debug("joined %v", addr)
	return nil
}

// LeaveMulticastGroup implements engine.Stack.  Leaving a group that
// was never joined is not an error.
func (s *Stack) LeaveMulticastGroup(addr netip.Addr) error {
	if !addr.IsMulticast() {
		return engine.ErrUnaddressable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, addr)
	return nil
}
