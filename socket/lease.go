package socket

import (
	"sync"
	"sync/atomic"

	"sockpool/internal/metrics"
	"sockpool/pool"
	"sockpool/util"
)

// lease owns one pool slot for the lifetime of a socket wrapper.
//
// It must not reference the wrapper itself: the wrapper carries the
// finalizer, and a cycle through it would keep the finalizer from ever
// running.
type lease struct {
	proto   string
	token   pool.Token
	free    func(pool.Token)
	log     *util.Logger
	metrics *metrics.Collector

	once   sync.Once
	closed atomic.Bool
}

func newLease(proto string, token pool.Token, free func(pool.Token), opts Options) *lease {
	opts.Metrics.SocketOpened()
	return &lease{
		proto:   proto,
		token:   token,
		free:    free,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

func (l *lease) isClosed() bool { return l.closed.Load() }

// release runs teardown and returns the slot, exactly once.  teardown
// must leave the engine holding no reference to the slot's regions.
func (l *lease) release(teardown func(), leaked bool) {
	l.once.Do(func() {
		l.closed.Store(true)
		teardown()
		l.free(l.token)
		l.metrics.SocketClosed()
		if leaked {
			l.metrics.SocketLeaked()
			l.log.Warn("%s socket %v was not closed; reclaimed by finalizer", l.proto, l.token)
			return
		}
		l.log.Debug("%s socket %v released", l.proto, l.token)
	})
}
