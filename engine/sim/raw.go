package sim

import (
	"context"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"sockpool/engine"
)

type rawSocket struct {
	st *Stack

	version  engine.IPVersion
	protocol engine.IPProtocol
	rx, tx   pktRing
	removed  bool
}

var _ engine.RawSocket = (*rawSocket)(nil)

// NewRawSocket implements engine.Stack.
func (s *Stack) NewRawSocket(version engine.IPVersion, protocol engine.IPProtocol,
	rxMeta []engine.PacketMetadata, rx []byte, txMeta []engine.PacketMetadata, tx []byte) (engine.RawSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(); err != nil {
		return nil, err
	}
	r := &rawSocket{
		st:       s,
		version:  version,
		protocol: protocol,
		rx:       newPktRing(rxMeta, rx),
		tx:       newPktRing(txMeta, tx),
	}
	s.raw = append(s.raw, r)
	return r, nil
}

func (r *rawSocket) Send(ctx context.Context, p []byte) error {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.removed {
		return engine.ErrInvalidState
	}
	if len(p) > len(r.tx.data.buf) || len(r.tx.meta) == 0 {
		return engine.ErrPacketTooLarge
	}
	err := s.waitLocked(ctx, func() (bool, error) {
		if r.removed {
			return false, engine.ErrInvalidState
		}
		return r.tx.fits(len(p)), nil
	})
	if err != nil {
		return err
	}
	r.tx.push(engine.PacketMetadata{}, p)
	s.changedLocked()
	return nil
}

func (r *rawSocket) Recv(ctx context.Context, p []byte) (int, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.waitLocked(ctx, func() (bool, error) {
		if r.removed {
			return false, engine.ErrInvalidState
		}
		return !r.rx.empty(), nil
	})
	if err != nil {
		return 0, err
	}
	_, n, truncated := r.rx.pop(p)
	if truncated {
		return n, engine.ErrTruncated
	}
	return n, nil
}

func (r *rawSocket) WaitRecvReady(ctx context.Context) error {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(ctx, func() (bool, error) { return !r.rx.empty() || r.removed, nil })
}

func (r *rawSocket) Remove() {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.removed {
		return
	}
	r.removed = true
	r.rx, r.tx = pktRing{}, pktRing{}
	s.raw = removeFrom(s.raw, r)
	s.notifyLocked()
}

func (r *rawSocket) accepts(version engine.IPVersion, protocol engine.IPProtocol) bool {
	return (r.version == engine.IPVersionAny || r.version == version) &&
		(r.protocol == engine.IPProtocolAny || r.protocol == protocol)
}

// pollLocked injects every queued packet: the raw packet goes to the
// other raw sockets, a UDP payload goes to the bound UDP sockets.
func (r *rawSocket) pollLocked() bool {
	s := r.st
	moved := false
	for !r.tx.empty() {
		buf := s.scratchLocked(r.tx.meta[r.tx.head].Size)
		_, n, _ := r.tx.pop(buf)
		pkt := buf[:n]
		s.deliverRawLocked(r, pkt)
		if src, dst, payload, ok := decodeUDP(pkt); ok {
			s.deliverUDPLocked(src, dst, payload)
		}
		moved = true
	}
	return moved
}

// deliverRawLocked hands pkt to every matching raw socket except from.
func (s *Stack) deliverRawLocked(from *rawSocket, pkt []byte) {
	version, protocol, ok := classify(pkt)
	if !ok {
		return
	}
	for _, r := range s.raw {
		if r != from && r.accepts(version, protocol) {
			if !r.rx.push(engine.PacketMetadata{}, pkt) {
				s.log.Debug("raw: rx ring full, dropped %d bytes", len(pkt))
			}
		}
	}
}

// ── Packet codec ─────────────────────────────────────────────────────

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// encodeUDP builds the IPv4 or IPv6 packet carrying a UDP datagram.
func encodeUDP(src, dst engine.Endpoint, payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	buf := gopacket.NewSerializeBuffer()

	var err error
	if dst.Addr.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.Addr.AsSlice(),
			DstIP:    dst.Addr.AsSlice(),
		}
		if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload))
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.Addr.AsSlice(),
			DstIP:      dst.Addr.AsSlice(),
		}
		if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func classify(pkt []byte) (engine.IPVersion, engine.IPProtocol, bool) {
	if len(pkt) == 0 {
		return 0, 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return 0, 0, false
		}
		return engine.IPv4, engine.IPProtocol(pkt[9]), true
	case 6:
		if len(pkt) < 40 {
			return 0, 0, false
		}
		return engine.IPv6, engine.IPProtocol(pkt[6]), true
	}
	return 0, 0, false
}

// decodeUDP extracts the endpoints and payload of a UDP-over-IP
// packet.  payload aliases pkt.
func decodeUDP(pkt []byte) (src, dst engine.Endpoint, payload []byte, ok bool) {
	version, _, ok := classify(pkt)
	if !ok {
		return src, dst, nil, false
	}
	first := gopacket.LayerType(layers.LayerTypeIPv4)
	if version == engine.IPv6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt, first, gopacket.NoCopy)
	udp, _ := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil {
		return src, dst, nil, false
	}

	var srcIP, dstIP []byte
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return src, dst, nil, false
	}
	sa, ok1 := netip.AddrFromSlice(srcIP)
	da, ok2 := netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return src, dst, nil, false
	}
	src = engine.Endpoint{Addr: sa.Unmap(), Port: uint16(udp.SrcPort)}
	dst = engine.Endpoint{Addr: da.Unmap(), Port: uint16(udp.DstPort)}
	return src, dst, udp.Payload, true
}
