package sim

import (
	"context"
	"net/netip"

	"sockpool/engine"
)

type udpSocket struct {
	st *Stack

	rx, tx  pktRing
	bound   bool
	local   engine.ListenEndpoint
	removed bool
}

var _ engine.UDPSocket = (*udpSocket)(nil)

// NewUDPSocket implements engine.Stack.
func (s *Stack) NewUDPSocket(rxMeta []engine.PacketMetadata, rx []byte,
	txMeta []engine.PacketMetadata, tx []byte) (engine.UDPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(); err != nil {
		return nil, err
	}
	u := &udpSocket{st: s, rx: newPktRing(rxMeta, rx), tx: newPktRing(txMeta, tx)}
	s.udp = append(s.udp, u)
	return u, nil
}

func (u *udpSocket) Bind(local engine.ListenEndpoint) error {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.removed || u.bound {
		return engine.ErrInvalidState
	}
	if local.Addr.IsValid() && !s.cfg.Families.Has(engine.Of(local.Addr)) {
		return engine.ErrUnaddressable
	}
	if local.Port == 0 {
		local.Port = s.ephemeralLocked()
	}
	u.local = local
	u.bound = true
	s.log.Debug("udp bound %v", engine.Endpoint(local))
	return nil
}

func (u *udpSocket) SendTo(ctx context.Context, p []byte, remote engine.Endpoint) error {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case u.removed:
		return engine.ErrInvalidState
	case !u.bound:
		return engine.ErrSocketNotBound
	case remote.Port == 0:
		return engine.ErrInvalidPort
	case !s.routable(remote.Addr):
		return engine.ErrNoRoute
	case len(p) > len(u.tx.data.buf) || len(u.tx.meta) == 0:
		return engine.ErrPacketTooLarge
	}

	err := s.waitLocked(ctx, func() (bool, error) {
		if u.removed || !u.bound {
			return false, engine.ErrSocketNotBound
		}
		return u.tx.fits(len(p)), nil
	})
	if err != nil {
		return err
	}
	u.tx.push(engine.PacketMetadata{Endpoint: remote, Local: u.sourceFor(remote.Addr)}, p)
	s.changedLocked()
	return nil
}

func (u *udpSocket) sourceFor(dst netip.Addr) netip.Addr {
	if u.local.Addr.IsValid() && !u.local.Addr.IsMulticast() {
		return u.local.Addr
	}
	return u.st.localAddrFor(dst)
}

func (u *udpSocket) RecvFrom(ctx context.Context, p []byte) (int, engine.UDPMetadata, error) {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.waitLocked(ctx, func() (bool, error) {
		if u.removed || !u.bound {
			return false, engine.ErrSocketNotBound
		}
		return !u.rx.empty(), nil
	})
	if err != nil {
		return 0, engine.UDPMetadata{}, err
	}
	md, n, truncated := u.rx.pop(p)
	meta := engine.UDPMetadata{Endpoint: md.Endpoint, Local: md.Local}
	if truncated {
		return n, meta, engine.ErrTruncated
	}
	return n, meta, nil
}

func (u *udpSocket) WaitRecvReady(ctx context.Context) error {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(ctx, func() (bool, error) {
		return !u.rx.empty() || u.removed || !u.bound, nil
	})
}

func (u *udpSocket) Close() {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if !u.bound {
		return
	}
	u.bound = false
	u.rx.reset()
	u.tx.reset()
	s.notifyLocked()
}

func (u *udpSocket) Remove() {
	s := u.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.removed {
		return
	}
	u.removed = true
	u.bound = false
	u.rx, u.tx = pktRing{}, pktRing{}
	s.udp = removeFrom(s.udp, u)
	s.notifyLocked()
}

// accepts reports whether a datagram to dst reaches u.
func (u *udpSocket) accepts(dst engine.Endpoint) bool {
	if !u.bound || u.local.Port != dst.Port {
		return false
	}
	if dst.Addr.IsMulticast() {
		if _, joined := u.st.groups[dst.Addr]; !joined {
			return false
		}
		return !u.local.Addr.IsValid() || u.local.Addr == dst.Addr
	}
	return u.local.Matches(dst)
}

// pollLocked delivers every queued datagram.
func (u *udpSocket) pollLocked() bool {
	s := u.st
	moved := false
	for !u.tx.empty() {
		payload := s.scratchLocked(u.tx.meta[u.tx.head].Size)
		md, n, _ := u.tx.pop(payload)
		src := engine.Endpoint{Addr: md.Local, Port: u.local.Port}
		s.deliverUDPLocked(src, md.Endpoint, payload[:n])
		if len(s.raw) > 0 {
			pkt, err := encodeUDP(src, md.Endpoint, payload[:n])
			if err != nil {
				s.log.Debug("raw encode %v -> %v: %v", src, md.Endpoint, err)
			} else {
				s.deliverRawLocked(nil, pkt)
			}
		}
		moved = true
	}
	return moved
}

// deliverUDPLocked hands a datagram to every matching UDP socket.
// Full receive rings drop the datagram.
func (s *Stack) deliverUDPLocked(src, dst engine.Endpoint, payload []byte) {
	for _, r := range s.udp {
		if r.accepts(dst) {
			if !r.rx.push(engine.PacketMetadata{Endpoint: src, Local: dst.Addr}, payload) {
				s.log.Debug("udp %v: rx ring full, dropped %d bytes from %v", dst, len(payload), src)
			}
		}
	}
}

// scratchLocked returns a stack-owned buffer of at least n bytes.
func (s *Stack) scratchLocked(n int) []byte {
	if cap(s.scratch) < n {
		s.scratch = make([]byte, n)
	}
	return s.scratch[:n]
}
