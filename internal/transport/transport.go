// Package transport opens the OS connections behind the host engine's
// stream sockets: plain TCP, or TCP forwarded through an SSH gateway.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound stream connections.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	Close() error
}

// HalfCloser is implemented by connections that can shut down their
// write side alone.  *net.TCPConn and SSH channels both do.
type HalfCloser interface {
	CloseWrite() error
}
