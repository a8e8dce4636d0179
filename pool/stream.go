package pool

// Default region sizes of a stream socket slot.
const (
	DefaultStreamTxSize = 1024
	DefaultStreamRxSize = 1024
)

type streamSlot struct {
	tx, rx []byte
}

// StreamSocketBuffers is the descriptor of one stream socket slot: a
// transmit and a receive region plus the token that releases them.
type StreamSocketBuffers struct {
	token  Token
	tx, rx []byte
}

// Token returns the slot's release token.
func (b StreamSocketBuffers) Token() Token { return b.token }

// Tx returns the transmit region.
func (b StreamSocketBuffers) Tx() []byte { return b.tx }

// Rx returns the receive region.
func (b StreamSocketBuffers) Rx() []byte { return b.rx }

// StreamBuffers is a pool of stream socket buffers: n slots of
// (tx [txSize]byte, rx [rxSize]byte).
type StreamBuffers struct {
	slots          *Pool[streamSlot]
	txSize, rxSize int
}

var (
	_ DynPool[StreamSocketBuffers] = (*StreamBuffers)(nil)
	_ StatsReporter                = (*StreamBuffers)(nil)
)

// NewStreamBuffers allocates a pool of n stream slots.  Sizes are fixed
// for the pool's lifetime.
func NewStreamBuffers(n, txSize, rxSize int) *StreamBuffers {
	checkSize("tx", txSize)
	checkSize("rx", rxSize)

	p := NewPool[streamSlot](n)
	stride := txSize + rxSize
	backing := make([]byte, n*stride)
	for i := 0; i < n; i++ {
		off := i * stride
		s := p.slot(i)
		s.tx = backing[off : off+txSize : off+txSize]
		s.rx = backing[off+txSize : off+stride : off+stride]
	}
	return &StreamBuffers{slots: p, txSize: txSize, rxSize: rxSize}
}

// Alloc implements DynPool.
func (b *StreamBuffers) Alloc() (StreamSocketBuffers, bool) {
	tok, s, ok := b.slots.Alloc()
	if !ok {
		return StreamSocketBuffers{}, false
	}
	return StreamSocketBuffers{token: tok, tx: s.tx, rx: s.rx}, true
}

// Free implements DynPool.
func (b *StreamBuffers) Free(tok Token) { b.slots.Free(tok) }

// Cap returns the number of slots.
func (b *StreamBuffers) Cap() int { return b.slots.Cap() }

// InUse returns the number of allocated slots.
func (b *StreamBuffers) InUse() int { return b.slots.InUse() }

// Stats implements StatsReporter.
func (b *StreamBuffers) Stats() Stats { return b.slots.Stats() }

// TxSize returns the per-slot transmit region length.
func (b *StreamBuffers) TxSize() int { return b.txSize }

// RxSize returns the per-slot receive region length.
func (b *StreamBuffers) RxSize() int { return b.rxSize }
