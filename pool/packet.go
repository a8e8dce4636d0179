package pool

import "sockpool/engine"

// Default region sizes of a datagram or raw socket slot.
const (
	DefaultPacketTxSize   = 1472
	DefaultPacketRxSize   = 1472
	DefaultPacketMetadata = 2
)

type packetSlot struct {
	tx, rx         []byte
	txMeta, rxMeta []engine.PacketMetadata
}

// packetRegions is the layout shared by datagram and raw descriptors.
type packetRegions struct {
	token          Token
	tx, rx         []byte
	txMeta, rxMeta []engine.PacketMetadata
}

// Token returns the slot's release token.
func (r packetRegions) Token() Token { return r.token }

// Tx returns the transmit payload region.
func (r packetRegions) Tx() []byte { return r.tx }

// Rx returns the receive payload region.
func (r packetRegions) Rx() []byte { return r.rx }

// TxMeta returns the transmit packet-metadata ring region.
func (r packetRegions) TxMeta() []engine.PacketMetadata { return r.txMeta }

// RxMeta returns the receive packet-metadata ring region.
func (r packetRegions) RxMeta() []engine.PacketMetadata { return r.rxMeta }

// DatagramSocketBuffers is the descriptor of one UDP socket slot.
type DatagramSocketBuffers struct{ packetRegions }

// RawSocketBuffers is the descriptor of one raw socket slot.
type RawSocketBuffers struct{ packetRegions }

// packetPool is a pool of n slots of
// (tx [txSize]byte, rx [rxSize]byte, txMeta [meta]PacketMetadata, rxMeta [meta]PacketMetadata).
type packetPool struct {
	slots                *Pool[packetSlot]
	txSize, rxSize, meta int
}

func newPacketPool(n, txSize, rxSize, meta int) *packetPool {
	checkSize("tx", txSize)
	checkSize("rx", rxSize)
	checkSize("metadata", meta)

	p := NewPool[packetSlot](n)
	stride := txSize + rxSize
	bytes := make([]byte, n*stride)
	metas := make([]engine.PacketMetadata, n*2*meta)
	for i := 0; i < n; i++ {
		off, moff := i*stride, i*2*meta
		s := p.slot(i)
		s.tx = bytes[off : off+txSize : off+txSize]
		s.rx = bytes[off+txSize : off+stride : off+stride]
		s.txMeta = metas[moff : moff+meta : moff+meta]
		s.rxMeta = metas[moff+meta : moff+2*meta : moff+2*meta]
	}
	return &packetPool{slots: p, txSize: txSize, rxSize: rxSize, meta: meta}
}

func (p *packetPool) alloc() (packetRegions, bool) {
	tok, s, ok := p.slots.Alloc()
	if !ok {
		return packetRegions{}, false
	}
	return packetRegions{token: tok, tx: s.tx, rx: s.rx, txMeta: s.txMeta, rxMeta: s.rxMeta}, true
}

// Free implements DynPool.
func (p *packetPool) Free(tok Token) { p.slots.Free(tok) }

// Cap returns the number of slots.
func (p *packetPool) Cap() int { return p.slots.Cap() }

// InUse returns the number of allocated slots.
func (p *packetPool) InUse() int { return p.slots.InUse() }

// Stats implements StatsReporter.
func (p *packetPool) Stats() Stats { return p.slots.Stats() }

// TxSize returns the per-slot transmit region length.
func (p *packetPool) TxSize() int { return p.txSize }

// RxSize returns the per-slot receive region length.
func (p *packetPool) RxSize() int { return p.rxSize }

// Metadata returns the per-direction metadata ring length.
func (p *packetPool) Metadata() int { return p.meta }

// DatagramBuffers is a pool of UDP socket buffers.
type DatagramBuffers struct{ *packetPool }

var (
	_ DynPool[DatagramSocketBuffers] = (*DatagramBuffers)(nil)
	_ StatsReporter                  = (*DatagramBuffers)(nil)
)

// NewDatagramBuffers allocates a pool of n UDP slots.
func NewDatagramBuffers(n, txSize, rxSize, meta int) *DatagramBuffers {
	return &DatagramBuffers{newPacketPool(n, txSize, rxSize, meta)}
}

// Alloc implements DynPool.
func (b *DatagramBuffers) Alloc() (DatagramSocketBuffers, bool) {
	r, ok := b.alloc()
	return DatagramSocketBuffers{r}, ok
}

// RawBuffers is a pool of raw socket buffers.
type RawBuffers struct{ *packetPool }

var (
	_ DynPool[RawSocketBuffers] = (*RawBuffers)(nil)
	_ StatsReporter             = (*RawBuffers)(nil)
)

// NewRawBuffers allocates a pool of n raw socket slots.
func NewRawBuffers(n, txSize, rxSize, meta int) *RawBuffers {
	return &RawBuffers{newPacketPool(n, txSize, rxSize, meta)}
}

// Alloc implements DynPool.
func (b *RawBuffers) Alloc() (RawSocketBuffers, bool) {
	r, ok := b.alloc()
	return RawSocketBuffers{r}, ok
}
