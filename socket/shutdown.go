package socket

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	errs "sockpool/internal/errors"
)

// State is the close-protocol state of a stream socket.
//
//	Open ─► ClosingRead | ClosingWrite | ClosingBoth ─► Closed
//	any  ─► Aborting ─► Closed
//
// A failed close returns to the state it started from.
type State int

const (
	StateOpen State = iota
	StateClosingRead
	StateClosingWrite
	StateClosingBoth
	StateAborting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosingRead:
		return "closing-read"
	case StateClosingWrite:
		return "closing-write"
	case StateClosingBoth:
		return "closing-both"
	case StateAborting:
		return "aborting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseMode selects the directions a Shutdown closes.
type CloseMode uint8

const (
	CloseRead CloseMode = 1 << iota
	CloseWrite
	CloseBoth = CloseRead | CloseWrite
)

func (m CloseMode) String() string {
	switch m {
	case CloseRead:
		return "read"
	case CloseWrite:
		return "write"
	case CloseBoth:
		return "both"
	default:
		return fmt.Sprintf("close-mode(%d)", uint8(m))
	}
}

func closingState(m CloseMode) State {
	switch m {
	case CloseRead:
		return StateClosingRead
	case CloseWrite:
		return StateClosingWrite
	default:
		return StateClosingBoth
	}
}

// discardBufSize is the scratch size used to drain the receive side.
const discardBufSize = 32

// Shutdown gracefully closes the directions in how.
//
// Closing the write side sends a FIN and waits until every queued byte
// has been flushed.  Closing the read side reads and discards until the
// peer's end of stream.  CloseBoth does both concurrently and returns
// once both have finished; when both fail, the write error is
// reported.
//
// Directions already closed are skipped, so a socket that closed one
// direction may later close the other.  Shutdown does not release the
// socket's buffers; call Close for that.
func (s *TCPSocket) Shutdown(ctx context.Context, how CloseMode) error {
	defer runtime.KeepAlive(s)
	return s.c.shutdown(ctx, how)
}

// Abort resets the connection, discarding queued data, then waits until
// the transmit side is quiescent so that no engine operation still
// references the socket's buffers.
func (s *TCPSocket) Abort(ctx context.Context) error {
	defer runtime.KeepAlive(s)
	return s.c.abort(ctx)
}

func (c *tcpConn) shutdown(ctx context.Context, how CloseMode) error {
	if how == 0 || how&^CloseBoth != 0 {
		return errs.Wrap("tcp", "shutdown", "", fmt.Errorf("invalid close mode %d", uint8(how)))
	}
	if c.lease.isClosed() {
		return errs.Wrap("tcp", "shutdown", "", ErrSocketClosed)
	}

	c.mu.Lock()
	switch c.state {
	case StateClosingRead, StateClosingWrite, StateClosingBoth, StateAborting:
		c.mu.Unlock()
		return errs.Wrap("tcp", "shutdown", "", ErrCloseInProgress)
	}
	need := how &^ c.done
	if need == 0 {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	closing := closingState(need)
	c.state = closing
	c.mu.Unlock()

	c.opts.Logger.Debug("shutdown %v: %v -> %v", need, prev, closing)
	err := c.runClose(ctx, need)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != closing {
		// Aborted or torn down meanwhile.
		return err
	}
	if err != nil {
		c.state = prev
		return err
	}
	c.done |= need
	c.state = StateClosed
	return nil
}

func (c *tcpConn) runClose(ctx context.Context, need CloseMode) error {
	if need&CloseWrite != 0 {
		c.sock.Close()
	}

	switch need {
	case CloseWrite:
		return errs.Wrap("tcp", "flush", "", c.sock.Flush(ctx))
	case CloseRead:
		return errs.Wrap("tcp", "read", "", c.discard(ctx))
	}

	var g errgroup.Group
	var flushErr, readErr error
	g.Go(func() error {
		flushErr = c.sock.Flush(ctx)
		return nil
	})
	g.Go(func() error {
		readErr = c.discard(ctx)
		return nil
	})
	_ = g.Wait()

	if flushErr != nil {
		return errs.Wrap("tcp", "flush", "", flushErr)
	}
	return errs.Wrap("tcp", "read", "", readErr)
}

// discard reads until end of stream.  A zero-length read also counts as
// end of stream.
func (c *tcpConn) discard(ctx context.Context) error {
	var buf [discardBufSize]byte
	for {
		n, err := c.sock.Read(ctx, buf[:])
		c.opts.Metrics.BytesReceived(int64(n))
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		case n == 0:
			return nil
		}
	}
}

func (c *tcpConn) abort(ctx context.Context) error {
	if c.lease.isClosed() {
		return errs.Wrap("tcp", "abort", "", ErrSocketClosed)
	}

	c.mu.Lock()
	c.state = StateAborting
	c.aborted = true
	c.mu.Unlock()

	c.sock.Abort()
	c.opts.Metrics.SocketAborted()
	c.opts.Logger.Debug("aborted; waiting for transmit quiescence")
	err := c.sock.Flush(ctx)

	c.mu.Lock()
	if c.state == StateAborting {
		c.state = StateClosed
		c.done = CloseBoth
	}
	c.mu.Unlock()
	return errs.Wrap("tcp", "abort", "", err)
}
