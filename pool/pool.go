package pool

import (
	"fmt"
	"sync"
)

// owner identifies a pool instance inside its tokens.  It must not be
// zero-sized: distinct zero-size allocations may share an address.
type owner struct{ _ byte }

// Token is the opaque identity of one allocated slot.  It is valid
// from the Alloc that returned it until it is passed to Free, and must
// have exactly one owner in between.  The zero Token is never valid.
type Token struct {
	owner *owner
	index int
}

// Valid reports whether t was issued by a pool.  It does not tell
// whether t has since been freed.
func (t Token) Valid() bool { return t.owner != nil }

// Index returns the slot index t refers to.
func (t Token) Index() int { return t.index }

func (t Token) String() string {
	if !t.Valid() {
		return "token(invalid)"
	}
	return fmt.Sprintf("token(%d)", t.index)
}

// Stats is a point-in-time view of a pool's occupancy and counters.
type Stats struct {
	Capacity  int
	InUse     int
	Allocs    uint64
	Frees     uint64
	Exhausted uint64 // Alloc calls that found no free slot
}

// Pool is a fixed-size array of N slots of T, each with a used flag.
//
// Alloc and Free each run one scan-and-flip critical section under a
// mutex; they never block on anything else.
type Pool[T any] struct {
	id *owner

	mu    sync.Mutex
	used  []bool
	data  []T
	inUse int

	allocs, frees, exhausted uint64
}

// NewPool creates a pool of n slots.  All storage is allocated here;
// the pool never grows or moves a slot afterwards.
func NewPool[T any](n int) *Pool[T] {
	if n <= 0 {
		panic(fmt.Sprintf("pool: capacity %d must be positive", n))
	}
	return &Pool[T]{
		id:   new(owner),
		used: make([]bool, n),
		data: make([]T, n),
	}
}

// Alloc marks the first free slot (lowest index) used and returns its
// token and storage.  The storage keeps whatever its previous owner
// left in it.  ok is false when every slot is in use.
func (p *Pool[T]) Alloc() (tok Token, slot *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, used := range p.used {
		if !used {
			p.used[i] = true
			p.inUse++
			p.allocs++
			return Token{owner: p.id, index: i}, &p.data[i], true
		}
	}
	p.exhausted++
	return Token{}, nil, false
}

// Free returns the slot identified by tok to the pool.  It panics if
// tok was not issued by p or has already been freed.
func (p *Pool[T]) Free(tok Token) {
	if tok.owner != p.id {
		panic(fmt.Sprintf("pool: %v does not belong to this pool", tok))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.index < 0 || tok.index >= len(p.used) {
		panic(fmt.Sprintf("pool: slot index %d out of range [0, %d)", tok.index, len(p.used)))
	}
	if !p.used[tok.index] {
		panic(fmt.Sprintf("pool: double free of slot %d", tok.index))
	}
	p.used[tok.index] = false
	p.inUse--
	p.frees++
}

// Cap returns the number of slots.
func (p *Pool[T]) Cap() int { return len(p.used) }

// InUse returns the number of allocated slots.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Available returns the number of free slots.
func (p *Pool[T]) Available() int { return p.Cap() - p.InUse() }

// Stats returns the pool's occupancy and lifetime counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  len(p.used),
		InUse:     p.inUse,
		Allocs:    p.allocs,
		Frees:     p.frees,
		Exhausted: p.exhausted,
	}
}

// slot gives construction-time access to a slot's storage.
func (p *Pool[T]) slot(i int) *T { return &p.data[i] }
