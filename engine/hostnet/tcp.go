package hostnet

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"sockpool/engine"
	"sockpool/internal/transport"
)

type tcpSocket struct {
	st     *Stack
	rx, tx []byte
	guard  ioGuard

	mu      sync.Mutex
	conn    net.Conn
	wclosed bool
	aborted bool

	rmu          sync.Mutex
	rhead, rtail int   // staged bytes are rx[rhead:rtail]
	rerr         error // sticky: io.EOF or a reset

	wmu  sync.Mutex
	werr error
}

var _ engine.TCPSocket = (*tcpSocket)(nil)

// NewTCPSocket implements engine.Stack.
func (s *Stack) NewTCPSocket(rx, tx []byte) (engine.TCPSocket, error) {
	if err := s.register(); err != nil {
		return nil, err
	}
	return &tcpSocket{st: s, rx: rx, tx: tx}, nil
}

func (t *tcpSocket) attach(c net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil || t.aborted || t.guard.isRemoved() {
		c.Close()
		return engine.ErrInvalidState
	}
	t.conn = c
	return nil
}

func (t *tcpSocket) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *tcpSocket) Connect(ctx context.Context, remote engine.Endpoint) error {
	if t.current() != nil {
		return engine.ErrInvalidState
	}
	if remote.Port == 0 {
		return engine.ErrInvalidPort
	}
	c, err := t.st.dialer.Dial(ctx, "tcp", remote.String())
	if err != nil {
		return mapErr(ctx, err)
	}
	t.st.log.Debug("tcp connected %v -> %v", c.LocalAddr(), c.RemoteAddr())
	return t.attach(c)
}

func (t *tcpSocket) Accept(ctx context.Context, local engine.ListenEndpoint) error {
	if t.current() != nil {
		return engine.ErrInvalidState
	}
	if local.Port == 0 {
		return engine.ErrInvalidPort
	}
	l, err := t.st.listener(local)
	if err != nil {
		return err
	}
	select {
	case c := <-l.conns:
		return t.attach(c)
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tcpSocket) LocalEndpoint() (engine.Endpoint, bool) {
	if c := t.current(); c != nil {
		return endpointOf(c.LocalAddr())
	}
	return engine.Endpoint{}, false
}

func (t *tcpSocket) RemoteEndpoint() (engine.Endpoint, bool) {
	if c := t.current(); c != nil {
		return endpointOf(c.RemoteAddr())
	}
	return engine.Endpoint{}, false
}

// fillLocked stages more bytes into rx when none are left.
func (t *tcpSocket) fillLocked(ctx context.Context) error {
	if t.rhead < t.rtail || t.rerr != nil {
		return nil
	}
	c := t.current()
	if c == nil || !t.guard.enter() {
		return engine.ErrInvalidState
	}
	defer t.guard.exit()

	done := bindDeadline(ctx, c.SetReadDeadline)
	n, err := c.Read(t.rx)
	done()

	t.rhead, t.rtail = 0, n
	if err == nil {
		return nil
	}
	err = t.readErr(ctx, err)
	if timedOut(err) {
		return err
	}
	t.rerr = err
	return nil
}

func (t *tcpSocket) readErr(ctx context.Context, err error) error {
	t.mu.Lock()
	aborted := t.aborted
	t.mu.Unlock()
	if aborted {
		return engine.ErrConnectionReset
	}
	return mapErr(ctx, err)
}

func (t *tcpSocket) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.rmu.Lock()
	defer t.rmu.Unlock()
	if !t.guard.enter() {
		return 0, engine.ErrInvalidState
	}
	defer t.guard.exit()
	if err := t.fillLocked(ctx); err != nil {
		return 0, err
	}
	if t.rhead < t.rtail {
		n := copy(p, t.rx[t.rhead:t.rtail])
		t.rhead += n
		return n, nil
	}
	return 0, t.rerr
}

func (t *tcpSocket) WaitReadReady(ctx context.Context) error {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	return t.fillLocked(ctx)
}

func (t *tcpSocket) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.werr != nil {
		return 0, t.werr
	}
	t.mu.Lock()
	c, wclosed := t.conn, t.wclosed
	t.mu.Unlock()
	if c == nil || wclosed {
		return 0, engine.ErrInvalidState
	}
	if !t.guard.enter() {
		return 0, engine.ErrInvalidState
	}
	defer t.guard.exit()

	n := copy(t.tx, p)
	done := bindDeadline(ctx, c.SetWriteDeadline)
	written, err := c.Write(t.tx[:n])
	done()
	if err != nil {
		err = t.readErr(ctx, err)
		if !timedOut(err) {
			t.werr = err
		}
	}
	return written, err
}

// Flush waits for an in-progress write.  Writes go to the OS
// synchronously, so nothing else is ever queued.
func (t *tcpSocket) Flush(ctx context.Context) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.mu.Lock()
	aborted := t.aborted
	t.mu.Unlock()
	if aborted {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.werr
}

func (t *tcpSocket) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.wclosed || t.aborted {
		return
	}
	t.wclosed = true
	if hc, ok := t.conn.(transport.HalfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			t.st.log.Debug("tcp half-close: %v", err)
		}
		return
	}
	t.conn.Close()
}

func (t *tcpSocket) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.aborted {
		return
	}
	t.aborted = true
	if tc, ok := t.conn.(*net.TCPConn); ok {
		tc.SetLinger(0) //nolint:errcheck
	}
	t.conn.Close()
	t.st.log.Debug("tcp %v: aborted", t.conn.LocalAddr())
}

func (t *tcpSocket) Remove() {
	t.mu.Lock()
	first := t.guard.remove()
	c := t.conn
	t.mu.Unlock()
	if !first {
		return
	}
	if c != nil {
		c.Close()
	}
	t.guard.wait()

	t.rmu.Lock()
	t.rhead, t.rtail = 0, 0
	t.rmu.Unlock()
	t.st.unregister()
}

// ── Listeners ────────────────────────────────────────────────────────

// listener is shared by every socket accepting on one local address.
// Its goroutine hands each accepted connection to one waiting socket.
type listener struct {
	ln      net.Listener
	conns   chan net.Conn
	closing chan struct{}
	done    chan struct{}
	err     error // valid after done is closed
	once    sync.Once
}

func (s *Stack) listener(local engine.ListenEndpoint) (*listener, error) {
	key := netip.AddrPortFrom(local.Addr, local.Port)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrInvalidState
	}
	if l, ok := s.listeners[key]; ok {
		return l, nil
	}
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(key))
	if err != nil {
		return nil, mapErr(context.Background(), err)
	}
	l := &listener{
		ln:      ln,
		conns:   make(chan net.Conn),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.listeners[key] = l
	s.log.Verbose("listening on %v", ln.Addr())
	go l.run()
	return l, nil
}

func (l *listener) run() {
	defer close(l.done)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			l.err = engine.ErrInvalidState
			return
		}
		select {
		case l.conns <- c:
		case <-l.closing:
			c.Close()
			l.err = engine.ErrInvalidState
			return
		}
	}
}

func (l *listener) close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		err = l.ln.Close()
	})
	<-l.done
	return err
}
