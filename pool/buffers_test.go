package pool

import (
	"bytes"
	"testing"

	"sockpool/engine"
)

func TestStreamBuffersLayout(t *testing.T) {
	p := NewStreamBuffers(2, 8, 16)
	a, ok := p.Alloc()
	if !ok {
		t.Fatal("alloc a")
	}
	b, ok := p.Alloc()
	if !ok {
		t.Fatal("alloc b")
	}
	if _, ok := p.Alloc(); ok {
		t.Fatal("third alloc succeeded on capacity 2")
	}

	for _, d := range []StreamSocketBuffers{a, b} {
		if len(d.Tx()) != 8 || cap(d.Tx()) != 8 {
			t.Errorf("tx len/cap = %d/%d, want 8/8", len(d.Tx()), cap(d.Tx()))
		}
		if len(d.Rx()) != 16 || cap(d.Rx()) != 16 {
			t.Errorf("rx len/cap = %d/%d, want 16/16", len(d.Rx()), cap(d.Rx()))
		}
	}

	// Regions of one slot never alias another's.
	for i := range a.Tx() {
		a.Tx()[i] = 0xAA
	}
	for i := range a.Rx() {
		a.Rx()[i] = 0xBB
	}
	for _, r := range [][]byte{b.Tx(), b.Rx()} {
		if bytes.IndexByte(r, 0xAA) >= 0 || bytes.IndexByte(r, 0xBB) >= 0 {
			t.Error("writes to slot a leaked into slot b")
		}
	}
	if bytes.Contains(a.Tx(), []byte{0xBB}) {
		t.Error("rx writes leaked into tx")
	}
}

func TestStreamBuffersRoundTrip(t *testing.T) {
	p := NewStreamBuffers(1, DefaultStreamTxSize, DefaultStreamRxSize)
	d, _ := p.Alloc()
	tx := &d.Tx()[0]
	p.Free(d.Token())

	again, ok := p.Alloc()
	if !ok {
		t.Fatal("realloc after free")
	}
	if again.Token() != d.Token() {
		t.Errorf("token = %v, want %v", again.Token(), d.Token())
	}
	if &again.Tx()[0] != tx {
		t.Error("slot region moved between allocations")
	}
	if len(again.Tx()) != 1024 || len(again.Rx()) != 1024 {
		t.Errorf("region lengths = %d/%d", len(again.Tx()), len(again.Rx()))
	}
	if p.InUse() != 1 || p.Cap() != 1 {
		t.Errorf("InUse/Cap = %d/%d", p.InUse(), p.Cap())
	}
}

func TestDatagramBuffersLayout(t *testing.T) {
	p := NewDatagramBuffers(2, DefaultPacketTxSize, DefaultPacketRxSize, DefaultPacketMetadata)
	a, _ := p.Alloc()
	b, _ := p.Alloc()

	if len(a.Tx()) != 1472 || len(a.Rx()) != 1472 {
		t.Errorf("payload regions = %d/%d", len(a.Tx()), len(a.Rx()))
	}
	if len(a.TxMeta()) != 2 || len(a.RxMeta()) != 2 {
		t.Errorf("meta regions = %d/%d", len(a.TxMeta()), len(a.RxMeta()))
	}
	if cap(a.RxMeta()) != 2 {
		t.Errorf("rx meta cap = %d, want 2", cap(a.RxMeta()))
	}

	a.RxMeta()[1] = engine.PacketMetadata{Size: 99}
	if b.TxMeta()[0].Size == 99 || a.TxMeta()[0].Size == 99 {
		t.Error("metadata regions alias")
	}

	p.Free(a.Token())
	p.Free(b.Token())
	if p.InUse() != 0 {
		t.Errorf("InUse = %d", p.InUse())
	}
}

func TestRawBuffersFreeForeignPanics(t *testing.T) {
	raw := NewRawBuffers(1, 64, 64, 1)
	udp := NewDatagramBuffers(1, 64, 64, 1)
	d, _ := udp.Alloc()
	mustPanic(t, "does not belong", func() { raw.Free(d.Token()) })
}

func allocAll[B any](p DynPool[B]) int {
	n := 0
	for {
		if _, ok := p.Alloc(); !ok {
			return n
		}
		n++
	}
}

func TestDynPoolErasesCapacity(t *testing.T) {
	tests := []struct {
		name string
		pool DynPool[StreamSocketBuffers]
		want int
	}{
		{"small", NewStreamBuffers(1, 8, 8), 1},
		{"large", NewStreamBuffers(5, 256, 32), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allocAll(tt.pool); got != tt.want {
				t.Errorf("allocated %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBufferSizePanics(t *testing.T) {
	mustPanic(t, "tx size", func() { NewStreamBuffers(1, 0, 8) })
	mustPanic(t, "metadata size", func() { NewDatagramBuffers(1, 8, 8, 0) })
}
