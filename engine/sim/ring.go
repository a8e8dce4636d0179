package sim

import "sockpool/engine"

// ring is a byte ring laid over a caller-owned region.
type ring struct {
	buf     []byte
	head, n int
}

func (r *ring) len() int   { return r.n }
func (r *ring) space() int { return len(r.buf) - r.n }

func (r *ring) write(p []byte) int {
	w := 0
	for w < len(p) && r.n < len(r.buf) {
		tail := (r.head + r.n) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		k := copy(r.buf[tail:end], p[w:])
		r.n += k
		w += k
	}
	return w
}

func (r *ring) read(p []byte) int {
	rd := 0
	for rd < len(p) && r.n > 0 {
		k := copy(p[rd:], r.peek())
		r.advance(k)
		rd += k
	}
	return rd
}

// peek returns the contiguous readable prefix.
func (r *ring) peek() []byte {
	return r.buf[r.head:min(r.head+r.n, len(r.buf))]
}

func (r *ring) advance(k int) {
	if k == 0 {
		return
	}
	r.head = (r.head + k) % len(r.buf)
	r.n -= k
	if r.n == 0 {
		r.head = 0
	}
}

func (r *ring) reset() { r.head, r.n = 0, 0 }

// transfer moves as many bytes as fit from src to dst.
func transfer(dst, src *ring) int {
	moved := 0
	for src.n > 0 && dst.space() > 0 {
		k := dst.write(src.peek())
		src.advance(k)
		moved += k
	}
	return moved
}

// pktRing is a datagram ring: framing entries in a metadata region,
// payload bytes in a byte ring.
type pktRing struct {
	meta    []engine.PacketMetadata
	head, n int
	data    ring
}

func newPktRing(meta []engine.PacketMetadata, data []byte) pktRing {
	return pktRing{meta: meta, data: ring{buf: data}}
}

func (r *pktRing) empty() bool { return r.n == 0 }

func (r *pktRing) fits(size int) bool {
	return r.n < len(r.meta) && r.data.space() >= size
}

func (r *pktRing) push(md engine.PacketMetadata, payload []byte) bool {
	if !r.fits(len(payload)) {
		return false
	}
	md.Size = len(payload)
	r.meta[(r.head+r.n)%len(r.meta)] = md
	r.n++
	r.data.write(payload)
	return true
}

// pop removes the oldest datagram, copying as much of it as fits in
// p.  truncated reports that the tail of the payload was dropped.
func (r *pktRing) pop(p []byte) (md engine.PacketMetadata, n int, truncated bool) {
	md = r.meta[r.head]
	r.head = (r.head + 1) % len(r.meta)
	r.n--
	n = r.data.read(p[:min(len(p), md.Size)])
	if n < md.Size {
		r.data.advance(md.Size - n)
	}
	if r.n == 0 {
		r.head = 0
	}
	return md, n, n < md.Size
}

func (r *pktRing) reset() {
	r.head, r.n = 0, 0
	r.data.reset()
}
