package sim

import (
	"context"
	"io"

	"sockpool/engine"
)

type tcpState uint8

const (
	tcpClosed tcpState = iota
	tcpListen
	tcpEstablished
)

type tcpSocket struct {
	st *Stack

	rx, tx ring
	state  tcpState
	listen engine.ListenEndpoint
	local  engine.Endpoint
	remote engine.Endpoint
	peer   *tcpSocket

	finQueued  bool // Close called
	finSent    bool // FIN delivered to peer
	rxFin      bool // peer's FIN received
	reset      bool // connection reset, by either side
	aborted    bool // reset originated here
	rstPending bool // RST queued, not yet delivered
	removed    bool
}

var _ engine.TCPSocket = (*tcpSocket)(nil)

// NewTCPSocket implements engine.Stack.
func (s *Stack) NewTCPSocket(rx, tx []byte) (engine.TCPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(); err != nil {
		return nil, err
	}
	t := &tcpSocket{st: s, rx: ring{buf: rx}, tx: ring{buf: tx}}
	s.tcp = append(s.tcp, t)
	return t, nil
}

func (t *tcpSocket) Connect(ctx context.Context, remote engine.Endpoint) error {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.removed || t.state != tcpClosed || t.reset {
		return engine.ErrInvalidState
	}
	if remote.Port == 0 {
		return engine.ErrInvalidPort
	}
	if !s.routable(remote.Addr) {
		return engine.ErrNoRoute
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var l *tcpSocket
	for _, c := range s.tcp {
		if c != t && c.state == tcpListen && c.listen.Matches(remote) {
			l = c
			break
		}
	}
	if l == nil {
		s.log.Debug("tcp connect %v: no listener, reset", remote)
		return engine.ErrConnectionReset
	}

	t.local = engine.Endpoint{Addr: s.localAddrFor(remote.Addr), Port: s.ephemeralLocked()}
	t.remote = remote
	l.local = remote
	l.remote = t.local
	t.peer, l.peer = l, t
	t.state, l.state = tcpEstablished, tcpEstablished
	s.log.Debug("tcp %v -> %v established", t.local, t.remote)
	s.changedLocked()
	return nil
}

func (t *tcpSocket) Accept(ctx context.Context, local engine.ListenEndpoint) error {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.removed || t.state != tcpClosed || t.reset {
		return engine.ErrInvalidState
	}
	if local.Port == 0 {
		return engine.ErrInvalidPort
	}
	t.state = tcpListen
	t.listen = local

	err := s.waitLocked(ctx, func() (bool, error) {
		switch t.state {
		case tcpEstablished:
			return true, nil
		case tcpListen:
			return false, nil
		default:
			return false, engine.ErrInvalidState
		}
	})
	if err != nil && t.state == tcpListen {
		t.state = tcpClosed
	}
	return err
}

func (t *tcpSocket) LocalEndpoint() (engine.Endpoint, bool) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.local, t.state == tcpEstablished
}

func (t *tcpSocket) RemoteEndpoint() (engine.Endpoint, bool) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.remote, t.state == tcpEstablished
}

func (t *tcpSocket) readableLocked() bool {
	return t.rx.len() > 0 || t.rxFin || t.reset || t.state != tcpEstablished
}

func (t *tcpSocket) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.waitLocked(ctx, func() (bool, error) { return t.readableLocked(), nil }); err != nil {
		return 0, err
	}
	switch {
	case t.rx.len() > 0:
		n := t.rx.read(p)
		s.changedLocked()
		return n, nil
	case t.reset:
		return 0, engine.ErrConnectionReset
	case t.rxFin:
		return 0, io.EOF
	default:
		return 0, engine.ErrInvalidState
	}
}

func (t *tcpSocket) Write(ctx context.Context, p []byte) (int, error) {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.waitLocked(ctx, func() (bool, error) {
		switch {
		case t.reset:
			return false, engine.ErrConnectionReset
		case t.state != tcpEstablished || t.finQueued:
			return false, engine.ErrInvalidState
		}
		return t.tx.space() > 0 || len(p) == 0, nil
	})
	if err != nil {
		return 0, err
	}
	n := t.tx.write(p)
	if n > 0 {
		s.changedLocked()
	}
	return n, nil
}

func (t *tcpSocket) Flush(ctx context.Context) error {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waitLocked(ctx, func() (bool, error) {
		switch {
		case t.removed:
			return false, engine.ErrInvalidState
		case t.aborted:
			return !t.rstPending, nil
		case t.reset:
			if t.tx.len() > 0 {
				return false, engine.ErrConnectionReset
			}
			return true, nil
		case t.state != tcpEstablished:
			return true, nil
		}
		return t.tx.len() == 0 && (!t.finQueued || t.finSent), nil
	})
}

func (t *tcpSocket) WaitReadReady(ctx context.Context) error {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(ctx, func() (bool, error) { return t.readableLocked(), nil })
}

func (t *tcpSocket) Close() {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.state {
	case tcpListen:
		t.state = tcpClosed
	case tcpEstablished:
		if !t.finQueued {
			t.finQueued = true
			s.log.Debug("tcp %v: fin queued", t.local)
		}
	default:
		return
	}
	s.changedLocked()
}

func (t *tcpSocket) Abort() {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.reset || t.state == tcpClosed {
		return
	}
	t.tx.reset()
	t.rx.reset()
	t.reset, t.aborted = true, true
	if t.state == tcpEstablished && t.peer != nil {
		t.rstPending = true
	}
	t.state = tcpClosed
	s.log.Debug("tcp %v: aborted", t.local)
	s.changedLocked()
}

func (t *tcpSocket) Remove() {
	s := t.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.removed {
		return
	}
	if p := t.peer; p != nil {
		if !t.finSent {
			p.resetByPeerLocked()
		} else {
			p.peer = nil
		}
	}
	t.peer = nil
	t.removed = true
	t.state = tcpClosed
	t.rx, t.tx = ring{}, ring{}
	s.tcp = removeFrom(s.tcp, t)
	s.notifyLocked()
}

func (t *tcpSocket) resetByPeerLocked() {
	t.reset = true
	t.peer = nil
	t.st.log.Debug("tcp %v: reset by peer", t.local)
}

// pollLocked moves tx data, a queued FIN or a queued RST to the peer.
func (t *tcpSocket) pollLocked() bool {
	if t.rstPending {
		t.rstPending = false
		if p := t.peer; p != nil {
			p.resetByPeerLocked()
		}
		t.peer = nil
		return true
	}
	if t.state != tcpEstablished || t.reset {
		return false
	}
	p := t.peer
	if p == nil {
		// Peer is gone: anything still queued draws a reset.
		if t.tx.len() > 0 {
			t.reset = true
			return true
		}
		if t.finQueued && !t.finSent {
			t.finSent = true
			return true
		}
		return false
	}

	moved := transfer(&p.rx, &t.tx) > 0
	if t.tx.len() == 0 && t.finQueued && !t.finSent {
		t.finSent = true
		p.rxFin = true
		moved = true
	}
	return moved
}
