package socket

import (
	"context"
	"io"
	"net/netip"
	"runtime"
	"sync"

	"sockpool/engine"
	errs "sockpool/internal/errors"
	"sockpool/pool"
)

// TCP creates stream sockets over an engine, drawing buffers from a
// stream pool.  A TCP value may be shared by any number of goroutines.
//
// The pool's capacity must not exceed the number of sockets the engine
// can register, or socket creation fails once the engine is full.
type TCP struct {
	stack   engine.Stack
	buffers pool.DynPool[pool.StreamSocketBuffers]
	opts    Options
}

// NewTCP returns a TCP factory.
func NewTCP(stack engine.Stack, buffers pool.DynPool[pool.StreamSocketBuffers], opts Options) *TCP {
	opts.Logger = opts.Logger.Named("tcp")
	return &TCP{stack: stack, buffers: buffers, opts: opts}
}

// Connect opens a stream to remote.  The address is checked before a
// buffer is allocated, so an unsupported family consumes nothing.
func (t *TCP) Connect(ctx context.Context, remote netip.AddrPort) (*TCPSocket, error) {
	ep, err := toEndpoint(t.stack, remote)
	if err != nil {
		return nil, errs.Wrap("tcp", "connect", remote.String(), err)
	}
	s, err := t.newSocket("connect", remote.String())
	if err != nil {
		return nil, err
	}
	if err := s.c.sock.Connect(ctx, ep); err != nil {
		s.Close()
		return nil, errs.Wrap("tcp", "connect", remote.String(), err)
	}
	t.opts.Logger.Debug("connected %v", remote)
	return s, nil
}

// Bind returns an acceptor for local.  No buffer is held until Accept.
func (t *TCP) Bind(ctx context.Context, local netip.AddrPort) (*TCPAcceptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap("tcp", "bind", local.String(), err)
	}
	le, err := toListenEndpoint(t.stack, local)
	if err != nil {
		return nil, errs.Wrap("tcp", "bind", local.String(), err)
	}
	return &TCPAcceptor{tcp: t, local: le, addr: local}, nil
}

func (t *TCP) newSocket(op, addr string) (*TCPSocket, error) {
	b, ok := t.buffers.Alloc()
	if !ok {
		t.opts.Metrics.NoBuffers()
		t.opts.Logger.Verbose("%s %s: buffer pool exhausted", op, addr)
		return nil, errs.Wrap("tcp", op, addr, ErrNoBuffers)
	}
	es, err := t.stack.NewTCPSocket(b.Rx(), b.Tx())
	if err != nil {
		t.buffers.Free(b.Token())
		return nil, errs.Wrap("tcp", op, addr, err)
	}

	s := &TCPSocket{c: &tcpConn{
		sock:  es,
		lease: newLease("tcp", b.Token(), t.buffers.Free, t.opts),
		opts:  t.opts,
	}}
	runtime.SetFinalizer(s, (*TCPSocket).finalize)
	return s, nil
}

// TCPAcceptor accepts incoming streams on one local address.  Each
// Accept allocates a fresh socket, so several goroutines may accept
// concurrently, each holding one buffer slot while it waits.
type TCPAcceptor struct {
	tcp   *TCP
	local engine.ListenEndpoint
	addr  netip.AddrPort
}

// Addr returns the address the acceptor was bound to.
func (a *TCPAcceptor) Addr() netip.AddrPort { return a.addr }

// Accept waits for one connection and returns the peer's address with
// the connected socket.
func (a *TCPAcceptor) Accept(ctx context.Context) (netip.AddrPort, *TCPSocket, error) {
	s, err := a.tcp.newSocket("accept", a.addr.String())
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	if err := s.c.sock.Accept(ctx, a.local); err != nil {
		s.Close()
		return netip.AddrPort{}, nil, errs.Wrap("tcp", "accept", a.addr.String(), err)
	}
	remote, _ := s.c.sock.RemoteEndpoint()
	a.tcp.opts.Logger.Debug("accepted %v on %v", remote, a.addr)
	return fromEndpoint(remote), s, nil
}

// ── Socket ───────────────────────────────────────────────────────────

// TCPSocket is a connected stream socket that owns one buffer slot.
//
// Read and write may proceed concurrently from different goroutines;
// use Split to hand each direction to its own goroutine.
type TCPSocket struct {
	c *tcpConn
}

// tcpConn holds everything the socket's teardown needs, so the lease
// never points back at the finalizer-carrying TCPSocket.
type tcpConn struct {
	sock  engine.TCPSocket
	lease *lease
	opts  Options

	mu      sync.Mutex
	state   State
	done    CloseMode // directions already closed
	aborted bool
}

func (s *TCPSocket) finalize() { s.c.release(true) }

// Token returns the pool slot backing the socket.
func (s *TCPSocket) Token() pool.Token { return s.c.lease.token }

// Read reads into p.  It returns io.EOF once the peer has closed and
// all received data has been consumed.
func (s *TCPSocket) Read(ctx context.Context, p []byte) (int, error) {
	defer runtime.KeepAlive(s)
	return s.c.read(ctx, p)
}

// Write writes all of p, waiting for transmit space as needed.
func (s *TCPSocket) Write(ctx context.Context, p []byte) (int, error) {
	defer runtime.KeepAlive(s)
	return s.c.write(ctx, p)
}

// Flush waits until every written byte has left the transmit buffer.
func (s *TCPSocket) Flush(ctx context.Context) error {
	defer runtime.KeepAlive(s)
	return s.c.flush(ctx)
}

// Readable waits until a Read would not block.
func (s *TCPSocket) Readable(ctx context.Context) error {
	defer runtime.KeepAlive(s)
	return s.c.readable(ctx)
}

// LocalAddr returns the local address of the connection.
func (s *TCPSocket) LocalAddr() (netip.AddrPort, error) {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return netip.AddrPort{}, ErrSocketClosed
	}
	ep, ok := s.c.sock.LocalEndpoint()
	if !ok {
		return netip.AddrPort{}, ErrNotConnected
	}
	return fromEndpoint(ep), nil
}

// RemoteAddr returns the peer's address.
func (s *TCPSocket) RemoteAddr() (netip.AddrPort, error) {
	defer runtime.KeepAlive(s)
	if s.c.lease.isClosed() {
		return netip.AddrPort{}, ErrSocketClosed
	}
	ep, ok := s.c.sock.RemoteEndpoint()
	if !ok {
		return netip.AddrPort{}, ErrNotConnected
	}
	return fromEndpoint(ep), nil
}

// State returns the close-protocol state.
func (s *TCPSocket) State() State {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.state
}

// Close tears the socket down and returns its buffers to the pool.  A
// Shutdown still in progress is aborted rather than waited for.  Close
// never blocks on I/O and is safe to call more than once.
func (s *TCPSocket) Close() error {
	runtime.SetFinalizer(s, nil)
	s.c.release(false)
	return nil
}

// Split returns read and write halves.  The halves borrow the socket:
// they do not own its buffers, and s must stay open while they are in
// use.
func (s *TCPSocket) Split() (*TCPSocketRead, *TCPSocketWrite) {
	return &TCPSocketRead{s: s}, &TCPSocketWrite{s: s}
}

// IO adapts the socket to io.Reader and io.Writer, binding every call
// to ctx.
func (s *TCPSocket) IO(ctx context.Context) *StreamIO {
	return &StreamIO{ctx: ctx, s: s}
}

func (c *tcpConn) read(ctx context.Context, p []byte) (int, error) {
	if c.lease.isClosed() {
		return 0, errs.Wrap("tcp", "read", "", ErrSocketClosed)
	}
	n, err := c.sock.Read(ctx, p)
	c.opts.Metrics.BytesReceived(int64(n))
	if err == io.EOF {
		return n, io.EOF
	}
	return n, errs.Wrap("tcp", "read", "", err)
}

func (c *tcpConn) write(ctx context.Context, p []byte) (int, error) {
	if c.lease.isClosed() {
		return 0, errs.Wrap("tcp", "write", "", ErrSocketClosed)
	}
	written := 0
	for written < len(p) {
		n, err := c.sock.Write(ctx, p[written:])
		written += n
		if err != nil {
			c.opts.Metrics.BytesSent(int64(written))
			return written, errs.Wrap("tcp", "write", "", err)
		}
		if n == 0 {
			c.opts.Metrics.BytesSent(int64(written))
			return written, errs.Wrap("tcp", "write", "", io.ErrShortWrite)
		}
	}
	c.opts.Metrics.BytesSent(int64(written))
	return written, nil
}

func (c *tcpConn) flush(ctx context.Context) error {
	if c.lease.isClosed() {
		return errs.Wrap("tcp", "flush", "", ErrSocketClosed)
	}
	return errs.Wrap("tcp", "flush", "", c.sock.Flush(ctx))
}

func (c *tcpConn) readable(ctx context.Context) error {
	if c.lease.isClosed() {
		return errs.Wrap("tcp", "readable", "", ErrSocketClosed)
	}
	return errs.Wrap("tcp", "readable", "", c.sock.WaitReadReady(ctx))
}

func (c *tcpConn) release(leaked bool) { c.lease.release(c.teardown, leaked) }

// teardown signals the engine and unregisters the socket.  A close
// still in progress is aborted so that its waiters return at once.
func (c *tcpConn) teardown() {
	c.mu.Lock()
	prev, aborted := c.state, c.aborted
	c.state = StateClosed
	c.mu.Unlock()

	switch {
	case aborted:
	case prev == StateClosingRead, prev == StateClosingWrite, prev == StateClosingBoth:
		c.sock.Abort()
	default:
		c.sock.Close()
	}
	c.sock.Remove()
}

// ── Halves ───────────────────────────────────────────────────────────

// TCPSocketRead is the read half of a split TCPSocket.
type TCPSocketRead struct{ s *TCPSocket }

// Read reads from the socket.
func (r *TCPSocketRead) Read(ctx context.Context, p []byte) (int, error) { return r.s.Read(ctx, p) }

// Readable waits until a Read would not block.
func (r *TCPSocketRead) Readable(ctx context.Context) error { return r.s.Readable(ctx) }

// TCPSocketWrite is the write half of a split TCPSocket.
type TCPSocketWrite struct{ s *TCPSocket }

// Write writes all of p.
func (w *TCPSocketWrite) Write(ctx context.Context, p []byte) (int, error) { return w.s.Write(ctx, p) }

// Flush waits for the transmit buffer to drain.
func (w *TCPSocketWrite) Flush(ctx context.Context) error { return w.s.Flush(ctx) }

// StreamIO binds a TCPSocket to a context for use with io.Copy and
// friends.
type StreamIO struct {
	ctx context.Context
	s   *TCPSocket
}

var (
	_ io.Reader = (*StreamIO)(nil)
	_ io.Writer = (*StreamIO)(nil)
)

func (s *StreamIO) Read(p []byte) (int, error)  { return s.s.Read(s.ctx, p) }
func (s *StreamIO) Write(p []byte) (int, error) { return s.s.Write(s.ctx, p) }

// CloseWrite half-closes the stream and waits for queued data to
// drain.
func (s *StreamIO) CloseWrite() error { return s.s.Shutdown(s.ctx, CloseWrite) }
