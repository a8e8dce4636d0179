package socket

import (
	"context"
	"net/netip"
	"runtime"

	"sockpool/engine"
	errs "sockpool/internal/errors"
	"sockpool/pool"
)

// UDP creates datagram sockets over an engine, drawing buffers from a
// datagram pool.
type UDP struct {
	stack   engine.Stack
	buffers pool.DynPool[pool.DatagramSocketBuffers]
	opts    Options
}

// NewUDP returns a UDP factory.
func NewUDP(stack engine.Stack, buffers pool.DynPool[pool.DatagramSocketBuffers], opts Options) *UDP {
	opts.Logger = opts.Logger.Named("udp")
	return &UDP{stack: stack, buffers: buffers, opts: opts}
}

// Bind opens a datagram socket on local.  Port 0 picks an ephemeral
// port.  An unsupported family fails before any buffer is allocated.
func (u *UDP) Bind(ctx context.Context, local netip.AddrPort) (*UDPSocket, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap("udp", "bind", local.String(), err)
	}
	le, err := toListenEndpoint(u.stack, local)
	if err != nil {
		return nil, errs.Wrap("udp", "bind", local.String(), err)
	}

	b, ok := u.buffers.Alloc()
	if !ok {
		u.opts.Metrics.NoBuffers()
		u.opts.Logger.Verbose("bind %v: buffer pool exhausted", local)
		return nil, errs.Wrap("udp", "bind", local.String(), ErrNoBuffers)
	}
	es, err := u.stack.NewUDPSocket(b.RxMeta(), b.Rx(), b.TxMeta(), b.Tx())
	if err != nil {
		u.buffers.Free(b.Token())
		return nil, errs.Wrap("udp", "bind", local.String(), err)
	}

	s := &UDPSocket{c: &udpConn{
		stack: u.stack,
		sock:  es,
		lease: newLease("udp", b.Token(), u.buffers.Free, u.opts),
		opts:  u.opts,
	}}
	runtime.SetFinalizer(s, (*UDPSocket).finalize)

	if err := es.Bind(le); err != nil {
		s.Close()
		return nil, errs.Wrap("udp", "bind", local.String(), err)
	}
	u.opts.Logger.Debug("bound %v", local)
	return s, nil
}

// UDPReceiver is the receive side of a UDP socket.
type UDPReceiver interface {
	Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error)
	Readable(ctx context.Context) error
}

// UDPSender is the send side of a UDP socket.
type UDPSender interface {
	Send(ctx context.Context, remote netip.AddrPort, data []byte) error
}

// UDPSocket is a bound datagram socket that owns one buffer slot.
type UDPSocket struct {
	c *udpConn
}

var (
	_ UDPReceiver = (*UDPSocket)(nil)
	_ UDPSender   = (*UDPSocket)(nil)
)

type udpConn struct {
	stack engine.Stack
	sock  engine.UDPSocket
	lease *lease
	opts  Options
}

func (s *UDPSocket) finalize() { s.c.release(true) }

// Token returns the pool slot backing the socket.
func (s *UDPSocket) Token() pool.Token { return s.c.lease.token }

// Send queues one datagram to remote.
func (s *UDPSocket) Send(ctx context.Context, remote netip.AddrPort, data []byte) error {
	defer runtime.KeepAlive(s)
	c := s.c
	if c.lease.isClosed() {
		return errs.Wrap("udp", "send", remote.String(), ErrSocketClosed)
	}
	ep, err := toEndpoint(c.stack, remote)
	if err != nil {
		return errs.Wrap("udp", "send", remote.String(), err)
	}
	if err := c.sock.SendTo(ctx, data, ep); err != nil {
		return errs.Wrap("udp", "send", remote.String(), err)
	}
	c.opts.Metrics.BytesSent(int64(len(data)))
	return nil
}

// Receive waits for one datagram and copies it into buf.  It returns
// the payload length and the sender's address.
func (s *UDPSocket) Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	defer runtime.KeepAlive(s)
	c := s.c
	if c.lease.isClosed() {
		return 0, netip.AddrPort{}, errs.Wrap("udp", "receive", "", ErrSocketClosed)
	}
	n, md, err := c.sock.RecvFrom(ctx, buf)
	c.opts.Metrics.BytesReceived(int64(n))
	return n, fromEndpoint(md.Endpoint), errs.Wrap("udp", "receive", "", err)
}

// Readable waits until a datagram is queued.
func (s *UDPSocket) Readable(ctx context.Context) error {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return errs.Wrap("udp", "readable", "", ErrSocketClosed)
	}
	return errs.Wrap("udp", "readable", "", s.c.sock.WaitRecvReady(ctx))
}

// Split returns the receive and send sides.  Both are s itself.
func (s *UDPSocket) Split() (UDPReceiver, UDPSender) { return s, s }

// JoinV4 joins an IPv4 multicast group.  iface is ignored; membership
// is stack-wide.
func (s *UDPSocket) JoinV4(ctx context.Context, group, iface netip.Addr) error {
	return s.membership(ctx, "join", group, true, true)
}

// LeaveV4 leaves an IPv4 multicast group.
func (s *UDPSocket) LeaveV4(ctx context.Context, group, iface netip.Addr) error {
	return s.membership(ctx, "leave", group, true, false)
}

// JoinV6 joins an IPv6 multicast group.  iface is ignored.
func (s *UDPSocket) JoinV6(ctx context.Context, group netip.Addr, iface uint32) error {
	return s.membership(ctx, "join", group, false, true)
}

// LeaveV6 leaves an IPv6 multicast group.
func (s *UDPSocket) LeaveV6(ctx context.Context, group netip.Addr, iface uint32) error {
	return s.membership(ctx, "leave", group, false, false)
}

func (s *UDPSocket) membership(ctx context.Context, op string, group netip.Addr, v4, join bool) error {
	defer runtime.KeepAlive(s)
	c := s.c
	if c.lease.isClosed() {
		return errs.Wrap("udp", op, group.String(), ErrSocketClosed)
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap("udp", op, group.String(), err)
	}
	if !c.opts.Multicast {
		return errs.Wrap("udp", op, group.String(), ErrUnsupportedProto)
	}
	group = group.Unmap()
	if group.Is4() != v4 || !supported(c.stack, group) {
		return errs.Wrap("udp", op, group.String(), ErrUnsupportedProto)
	}

	var err error
	if join {
		err = c.stack.JoinMulticastGroup(group)
	} else {
		err = c.stack.LeaveMulticastGroup(group)
	}
	switch {
	case err == nil:
		c.opts.Logger.Debug("%s %v", op, group)
		return nil
	case errs.Is(err, engine.ErrGroupTableFull):
		err = ErrMulticastGroupTableFull
	case errs.Is(err, engine.ErrUnaddressable):
		err = ErrMulticastUnaddressable
	}
	return errs.Wrap("udp", op, group.String(), err)
}

// Close unbinds the socket and returns its buffers to the pool.  It is
// safe to call more than once.
func (s *UDPSocket) Close() error {
	runtime.SetFinalizer(s, nil)
	s.c.release(false)
	return nil
}

func (c *udpConn) release(leaked bool) {
	c.lease.release(func() {
		c.sock.Close()
		c.sock.Remove()
	}, leaked)
}
