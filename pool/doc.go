// Package pool provides fixed-capacity slot pools that back socket
// buffers.
//
// A [Pool] is created once with N slots and never grows.  Each slot is
// either free or owned by exactly one holder of the [Token] returned
// by Alloc.  Socket buffer pools ([StreamBuffers], [DatagramBuffers],
// [RawBuffers]) carve every slot into named regions at construction
// time from one contiguous backing array, so region addresses and
// lengths are stable for the pool's lifetime.
//
// Socket wrappers hold pools through the capacity-erased [DynPool]
// interface, which exposes only Alloc and Free.
//
// Freeing a token that was not issued by the pool, or freeing it
// twice, is a memory-safety bug rather than a runtime condition and
// panics.
package pool
