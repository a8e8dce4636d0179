// Package metrics provides lightweight, lock-free counters and gauges
// for tracking socket and buffer-pool statistics.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sockpool/pool"
)

// Collector tracks runtime metrics for a sockpool process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	socketsActive atomic.Int64
	socketsTotal  atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	noBuffers     atomic.Int64
	aborts        atomic.Int64
	leaks         atomic.Int64
	errorsTotal   atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
	pools        map[string]pool.StatsReporter
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{
		startTime: time.Now(),
		pools:     make(map[string]pool.StatsReporter),
	}
}

// ── Pool metrics ─────────────────────────────────────────────────────

// RegisterPool adds a buffer pool to snapshots under name.  Registering
// the same name again replaces the previous pool.
func (c *Collector) RegisterPool(name string, p pool.StatsReporter) {
	if c == nil || p == nil {
		return
	}
	c.mu.Lock()
	c.pools[name] = p
	c.mu.Unlock()
}

// NoBuffers records an allocation that found its pool exhausted.
func (c *Collector) NoBuffers() {
	if c == nil {
		return
	}
	c.noBuffers.Add(1)
}

// NoBuffersTotal returns the number of exhausted allocations.
func (c *Collector) NoBuffersTotal() int64 {
	if c == nil {
		return 0
	}
	return c.noBuffers.Load()
}

// ── Socket metrics ───────────────────────────────────────────────────

// SocketOpened increments both the active and total counters.
func (c *Collector) SocketOpened() {
	if c == nil {
		return
	}
	c.socketsActive.Add(1)
	c.socketsTotal.Add(1)
}

// SocketClosed decrements the active socket counter.
func (c *Collector) SocketClosed() {
	if c == nil {
		return
	}
	c.socketsActive.Add(-1)
}

// SocketAborted records a stream socket reset.
func (c *Collector) SocketAborted() {
	if c == nil {
		return
	}
	c.aborts.Add(1)
}

// SocketLeaked records a socket torn down by the garbage collector
// instead of an explicit Close.
func (c *Collector) SocketLeaked() {
	if c == nil {
		return
	}
	c.leaks.Add(1)
}

// ActiveSockets returns the current number of open sockets.
func (c *Collector) ActiveSockets() int64 {
	if c == nil {
		return 0
	}
	return c.socketsActive.Load()
}

// TotalSockets returns the lifetime socket count.
func (c *Collector) TotalSockets() int64 {
	if c == nil {
		return 0
	}
	return c.socketsTotal.Load()
}

// Aborts returns the number of stream resets.
func (c *Collector) Aborts() int64 {
	if c == nil {
		return 0
	}
	return c.aborts.Load()
}

// Leaks returns the number of sockets reclaimed by the finalizer.
func (c *Collector) Leaks() int64 {
	if c == nil {
		return 0
	}
	return c.leaks.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// PoolSnapshot is the state of one registered pool.
type PoolSnapshot struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	InUse     int    `json:"in_use"`
	Allocs    uint64 `json:"allocs"`
	Frees     uint64 `json:"frees"`
	Exhausted uint64 `json:"exhausted"`
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string         `json:"uptime"`
	SocketsActive    int64          `json:"sockets_active"`
	SocketsTotal     int64          `json:"sockets_total"`
	BytesIn          int64          `json:"bytes_in"`
	BytesOut         int64          `json:"bytes_out"`
	NoBuffers        int64          `json:"no_buffers"`
	Aborts           int64          `json:"aborts"`
	Leaks            int64          `json:"leaks"`
	ErrorsTotal      int64          `json:"errors_total"`
	LastError        string         `json:"last_error,omitempty"`
	LastErrorMessage string         `json:"last_error_message,omitempty"`
	Pools            []PoolSnapshot `json:"pools,omitempty"`
}

// Snapshot returns a copy of all current metrics.  Pools are sorted by
// name.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:        time.Since(c.startTime).Truncate(time.Second).String(),
		SocketsActive: c.socketsActive.Load(),
		SocketsTotal:  c.socketsTotal.Load(),
		BytesIn:       c.bytesIn.Load(),
		BytesOut:      c.bytesOut.Load(),
		NoBuffers:     c.noBuffers.Load(),
		Aborts:        c.aborts.Load(),
		Leaks:         c.leaks.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	for name, p := range c.pools {
		st := p.Stats()
		s.Pools = append(s.Pools, PoolSnapshot{
			Name:      name,
			Capacity:  st.Capacity,
			InUse:     st.InUse,
			Allocs:    st.Allocs,
			Frees:     st.Frees,
			Exhausted: st.Exhausted,
		})
	}
	sort.Slice(s.Pools, func(i, j int) bool { return s.Pools[i].Name < s.Pools[j].Name })
	return s
}

// JSON returns the snapshot as a JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
