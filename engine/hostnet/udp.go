package hostnet

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"sockpool/engine"
)

type udpSocket struct {
	st             *Stack
	rxMeta, txMeta []engine.PacketMetadata
	rx, tx         []byte
	guard          ioGuard

	mu   sync.Mutex
	conn *net.UDPConn

	rmu     sync.Mutex
	pending bool // rxMeta[0] describes a datagram staged in rx

	wmu sync.Mutex
}

var _ engine.UDPSocket = (*udpSocket)(nil)

// NewUDPSocket implements engine.Stack.  Datagrams are staged one at a
// time, so only the first metadata entry of each ring is used.
func (s *Stack) NewUDPSocket(rxMeta []engine.PacketMetadata, rx []byte,
	txMeta []engine.PacketMetadata, tx []byte) (engine.UDPSocket, error) {
	if err := s.register(); err != nil {
		return nil, err
	}
	return &udpSocket{st: s, rxMeta: rxMeta, rx: rx, txMeta: txMeta, tx: tx}, nil
}

func (u *udpSocket) Bind(local engine.ListenEndpoint) error {
	if local.Addr.IsValid() && !u.st.cfg.Families.Has(engine.Of(local.Addr)) {
		return engine.ErrUnaddressable
	}
	u.mu.Lock()
	if u.conn != nil || u.guard.isRemoved() {
		u.mu.Unlock()
		return engine.ErrInvalidState
	}
	c, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(local.Addr, local.Port)))
	if err != nil {
		u.mu.Unlock()
		return mapErr(context.Background(), err)
	}
	u.conn = c
	u.mu.Unlock()

	u.st.addUDP(u, c)
	u.st.log.Debug("udp bound %v", c.LocalAddr())
	return nil
}

func (u *udpSocket) current() *net.UDPConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn
}

func (u *udpSocket) SendTo(ctx context.Context, p []byte, remote engine.Endpoint) error {
	c := u.current()
	switch {
	case c == nil:
		return engine.ErrSocketNotBound
	case remote.Port == 0:
		return engine.ErrInvalidPort
	case !remote.Addr.IsValid() || remote.Addr.IsUnspecified():
		return engine.ErrNoRoute
	case len(p) > len(u.tx) || len(u.txMeta) == 0:
		return engine.ErrPacketTooLarge
	}

	u.wmu.Lock()
	defer u.wmu.Unlock()
	if !u.guard.enter() {
		return engine.ErrSocketNotBound
	}
	defer u.guard.exit()

	n := copy(u.tx, p)
	u.txMeta[0] = engine.PacketMetadata{Size: n, Endpoint: remote}
	dst := netip.AddrPortFrom(remote.Addr, remote.Port)
	if la, ok := c.LocalAddr().(*net.UDPAddr); ok && la.IP.To4() == nil && remote.Addr.Is4() {
		dst = netip.AddrPortFrom(netip.AddrFrom16(remote.Addr.As16()), remote.Port)
	}

	done := bindDeadline(ctx, c.SetWriteDeadline)
	_, err := c.WriteToUDPAddrPort(u.tx[:n], dst)
	done()
	return mapErr(ctx, err)
}

// fillLocked receives one datagram into rx unless one is staged.
func (u *udpSocket) fillLocked(ctx context.Context) error {
	if u.pending {
		return nil
	}
	if len(u.rxMeta) == 0 {
		return engine.ErrPacketTooLarge
	}
	c := u.current()
	if c == nil || !u.guard.enter() {
		return engine.ErrSocketNotBound
	}
	defer u.guard.exit()

	done := bindDeadline(ctx, c.SetReadDeadline)
	n, from, err := c.ReadFromUDPAddrPort(u.rx)
	done()
	if err != nil {
		return mapErr(ctx, err)
	}
	local, _ := endpointOf(c.LocalAddr())
	u.rxMeta[0] = engine.PacketMetadata{
		Size:     n,
		Endpoint: engine.Endpoint{Addr: from.Addr().Unmap(), Port: from.Port()},
		Local:    local.Addr,
	}
	u.pending = true
	return nil
}

func (u *udpSocket) RecvFrom(ctx context.Context, p []byte) (int, engine.UDPMetadata, error) {
	u.rmu.Lock()
	defer u.rmu.Unlock()
	if !u.guard.enter() {
		return 0, engine.UDPMetadata{}, engine.ErrSocketNotBound
	}
	defer u.guard.exit()
	if err := u.fillLocked(ctx); err != nil {
		return 0, engine.UDPMetadata{}, err
	}
	md := u.rxMeta[0]
	u.pending = false
	n := copy(p, u.rx[:md.Size])
	meta := engine.UDPMetadata{Endpoint: md.Endpoint, Local: md.Local}
	if n < md.Size {
		return n, meta, engine.ErrTruncated
	}
	return n, meta, nil
}

func (u *udpSocket) WaitRecvReady(ctx context.Context) error {
	u.rmu.Lock()
	defer u.rmu.Unlock()
	err := u.fillLocked(ctx)
	if err == engine.ErrSocketNotBound {
		return nil
	}
	return err
}

// Close unbinds the socket.
func (u *udpSocket) Close() {
	u.mu.Lock()
	c := u.conn
	u.conn = nil
	u.mu.Unlock()
	if c != nil {
		u.st.removeUDP(u)
		c.Close()
	}
}

func (u *udpSocket) Remove() {
	if !u.guard.remove() {
		return
	}
	u.Close()
	u.guard.wait()

	u.rmu.Lock()
	u.pending = false
	u.rmu.Unlock()
	u.st.unregister()
}

// ── Multicast ────────────────────────────────────────────────────────

func (s *Stack) addUDP(u *udpSocket, c *net.UDPConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udp[u] = struct{}{}
	for g := range s.groups {
		if err := membership(c, g, true); err != nil {
			s.log.Verbose("join %v on %v: %v", g, c.LocalAddr(), err)
		}
	}
}

func (s *Stack) removeUDP(u *udpSocket) {
	s.mu.Lock()
	delete(s.udp, u)
	s.mu.Unlock()
}

// JoinMulticastGroup implements engine.Stack.  Membership is applied to
// every bound socket now and to each socket bound later.  Failures to
// join on an individual socket are logged, not returned.
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
	s.applyLocked(addr, true)
	return nil
}

// LeaveMulticastGroup implements engine.Stack.
func (s *Stack) LeaveMulticastGroup(addr netip.Addr) error {
	if !addr.IsMulticast() {
		return engine.ErrUnaddressable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[addr]; !ok {
		return nil
	}
	delete(s.groups, addr)
	s.applyLocked(addr, false)
	return nil
}

func (s *Stack) applyLocked(group netip.Addr, join bool) {
	for u := range s.udp {
		c := u.current()
		if c == nil {
			continue
		}
		if err := membership(c, group, join); err != nil {
			s.log.Verbose("multicast %v on %v: %v", group, c.LocalAddr(), err)
		}
	}
}

func membership(c *net.UDPConn, group netip.Addr, join bool) error {
	g := &net.UDPAddr{IP: group.AsSlice()}
	if group.Is4() {
		p := ipv4.NewPacketConn(c)
		if join {
			return p.JoinGroup(nil, g)
		}
		return p.LeaveGroup(nil, g)
	}
	p := ipv6.NewPacketConn(c)
	if join {
		return p.JoinGroup(nil, g)
	}
	return p.LeaveGroup(nil, g)
}
