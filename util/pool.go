package util

import "sync"

// DefaultBufSize is the scratch buffer size used when relaying between
// a pooled socket and local I/O (stdin/stdout, child processes).
const DefaultBufSize = 4 * 1024

// BufPool provides reusable scratch buffers for the CLI copy loops.
// Socket payload memory never comes from here; it lives in the
// fixed-capacity pools of package pool.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}
