package socket

import (
	"context"
	"runtime"

	"sockpool/engine"
	errs "sockpool/internal/errors"
	"sockpool/pool"
)

// MacAddr is a link-layer address.  Raw sockets work at the IP layer,
// so it is ignored on send and zero on receive.
type MacAddr [6]byte

// Raw creates raw IP sockets over an engine, drawing buffers from a raw
// pool.
type Raw struct {
	stack   engine.Stack
	buffers pool.DynPool[pool.RawSocketBuffers]
	opts    Options
}

// NewRaw returns a Raw factory.  Options.RawVersion and
// Options.RawProtocol select the traffic its sockets see.
func NewRaw(stack engine.Stack, buffers pool.DynPool[pool.RawSocketBuffers], opts Options) *Raw {
	opts.Logger = opts.Logger.Named("raw")
	return &Raw{stack: stack, buffers: buffers, opts: opts}
}

// Bind opens a raw socket.
func (r *Raw) Bind(ctx context.Context) (*RawSocket, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap("raw", "bind", "", err)
	}
	b, ok := r.buffers.Alloc()
	if !ok {
		r.opts.Metrics.NoBuffers()
		r.opts.Logger.Verbose("bind: buffer pool exhausted")
		return nil, errs.Wrap("raw", "bind", "", ErrNoBuffers)
	}
	es, err := r.stack.NewRawSocket(r.opts.RawVersion, r.opts.RawProtocol,
		b.RxMeta(), b.Rx(), b.TxMeta(), b.Tx())
	if err != nil {
		r.buffers.Free(b.Token())
		return nil, errs.Wrap("raw", "bind", "", err)
	}

	s := &RawSocket{c: &rawConn{
		sock:  es,
		lease: newLease("raw", b.Token(), r.buffers.Free, r.opts),
		opts:  r.opts,
	}}
	runtime.SetFinalizer(s, (*RawSocket).finalize)
	return s, nil
}

// RawReceiver is the receive side of a raw socket.
type RawReceiver interface {
	Receive(ctx context.Context, buf []byte) (int, MacAddr, error)
	Readable(ctx context.Context) error
}

// RawSender is the send side of a raw socket.
type RawSender interface {
	Send(ctx context.Context, mac MacAddr, data []byte) error
}

// RawSocket is a raw IP socket that owns one buffer slot.
type RawSocket struct {
	c *rawConn
}

var (
	_ RawReceiver = (*RawSocket)(nil)
	_ RawSender   = (*RawSocket)(nil)
)

type rawConn struct {
	sock  engine.RawSocket
	lease *lease
	opts  Options
}

func (s *RawSocket) finalize() { s.c.release(true) }

// Token returns the pool slot backing the socket.
func (s *RawSocket) Token() pool.Token { return s.c.lease.token }

// Send injects one IP packet.
func (s *RawSocket) Send(ctx context.Context, _ MacAddr, data []byte) error {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return errs.Wrap("raw", "send", "", ErrSocketClosed)
	}
	if err := s.c.sock.Send(ctx, data); err != nil {
		return errs.Wrap("raw", "send", "", err)
	}
	s.c.opts.Metrics.BytesSent(int64(len(data)))
	return nil
}

// Receive waits for one IP packet and copies it into buf.
func (s *RawSocket) Receive(ctx context.Context, buf []byte) (int, MacAddr, error) {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return 0, MacAddr{}, errs.Wrap("raw", "receive", "", ErrSocketClosed)
	}
	n, err := s.c.sock.Recv(ctx, buf)
	s.c.opts.Metrics.BytesReceived(int64(n))
	return n, MacAddr{}, errs.Wrap("raw", "receive", "", err)
}

// Readable waits until a packet is queued.
func (s *RawSocket) Readable(ctx context.Context) error {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return errs.Wrap("raw", "readable", "", ErrSocketClosed)
	}
	return errs.Wrap("raw", "readable", "", s.c.sock.WaitRecvReady(ctx))
}

// Split returns the receive and send sides.  Both are s itself.
func (s *RawSocket) Split() (RawReceiver, RawSender) { return s, s }

// Close unregisters the socket and returns its buffers to the pool.
func (s *RawSocket) Close() error {
	runtime.SetFinalizer(s, nil)
	s.c.release(false)
	return nil
}

func (c *rawConn) release(leaked bool) {
	c.lease.release(c.sock.Remove, leaked)
}
