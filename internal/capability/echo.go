package capability

import (
	"context"

	"sockpool/internal/session"
)

// Echo writes every byte received back to the peer, then half-closes
// once the peer has finished sending.
type Echo struct{}

// Handle echoes until the peer closes its side.
func (e *Echo) Handle(ctx context.Context, sess *session.Session) error {
	n, err := copyBuffered(sess.Conn, sess.Conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	sess.Logger.Verbose("echoed %d bytes", n)
	return sess.Conn.CloseWrite()
}
