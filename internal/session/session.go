// Package session represents a single connection lifecycle, binding a
// pooled stream socket with I/O endpoints and shared context.
//
// Sessions decouple capabilities from concrete I/O sources.  A
// capability doesn't need to know whether it's reading from os.Stdin
// or a test buffer, it just uses the session's Reader/Writer.
package session

import (
	"io"
	"net/netip"

	"github.com/google/uuid"

	"sockpool/util"
)

// Stream is the connection side of a session.  *socket.StreamIO
// satisfies it.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the stream once everything written so
	// far has been flushed.
	CloseWrite() error
}

// Session encapsulates the runtime context for a single connection.
type Session struct {
	ID     string
	Conn   Stream
	Remote netip.AddrPort
	Stdin  io.Reader
	Stdout io.Writer
	Logger *util.Logger
}

// New creates a Session bound to the given stream and I/O pair.  Each
// session gets a fresh ID, and its logger is tagged with the first
// eight characters of that ID.
func New(conn Stream, remote netip.AddrPort, stdin io.Reader, stdout io.Writer, logger *util.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		Conn:   conn,
		Remote: remote,
		Stdin:  stdin,
		Stdout: stdout,
		Logger: logger.Named("session " + id[:8]),
	}
}
