// Package socket builds TCP, UDP and raw sockets over an embedded
// network engine, drawing every socket's memory from a fixed-capacity
// buffer pool.
//
// A socket wrapper owns exactly one pool slot from construction until
// Close.  Close tears the engine socket down and returns the slot; it
// is idempotent, and a wrapper that becomes unreachable without Close
// is torn down by a finalizer and reported as a leak.  Always Close
// sockets explicitly, typically with defer.
//
// Stream sockets add a close protocol (Shutdown, Abort) that makes
// "flushed or discarded" a precondition of returning the buffers.
package socket
