package capability

import (
	"context"
	"errors"
	"io"

	"sockpool/internal/session"
	"sockpool/util"
)

// Relay copies data bidirectionally between the connection and the
// session's stdin/stdout.  It is the default interactive / pipe mode.
//
// When stdin reaches EOF the connection is half-closed, and Relay keeps
// draining the peer until it closes too.
type Relay struct{}

// Handle shuttles bytes between the network connection and the local
// I/O endpoints until the peer closes or the context is cancelled.
func (r *Relay) Handle(ctx context.Context, sess *session.Session) error {
	up := make(chan error, 1)
	go func() {
		_, err := copyBuffered(sess.Conn, sess.Stdin)
		if err == nil {
			sess.Logger.Debug("stdin closed, half-closing")
			err = sess.Conn.CloseWrite()
		}
		up <- err
	}()

	n, err := copyBuffered(sess.Stdout, sess.Conn)
	sess.Logger.Debug("received %d bytes", n)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	// The peer is done.  Report an upstream failure only if one has
	// already happened; stdin may never reach EOF.
	select {
	case err := <-up:
		return err
	default:
		return nil
	}
}

// copyBuffered is io.Copy through a pooled buffer.  io.EOF from src
// ends the copy without error.
func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	var total int64
	for {
		n, err := src.Read(*buf)
		if n > 0 {
			w, werr := dst.Write((*buf)[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
