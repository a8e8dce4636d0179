package pool

// DynPool is a pool viewed only through the buffer descriptor type B it
// hands out.  It hides the pool's capacity and slot layout, so socket
// types that hold a DynPool need not carry either.
//
// A DynPool value is a reference: copying it never copies or transfers
// ownership of the underlying pool.
type DynPool[B any] interface {
	// Alloc returns a descriptor for a free slot, or ok == false when
	// the pool is exhausted.
	Alloc() (b B, ok bool)

	// Free releases the slot identified by tok.  tok must come from a
	// descriptor returned by this pool's Alloc and must not have been
	// freed before.
	Free(tok Token)
}

// StatsReporter is implemented by every concrete socket buffer pool.
type StatsReporter interface {
	Stats() Stats
}

func checkSize(what string, n int) {
	if n <= 0 {
		panic("pool: " + what + " size must be positive")
	}
}
