package core

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sockpool/internal/capability"
	"sockpool/internal/retry"
	"sockpool/internal/session"
	"sockpool/socket"
	"sockpool/util"
)

// ListenMode accepts inbound connections on pooled stream sockets and
// runs a capability on each one.  With KeepOpen=true it spawns a
// goroutine per connection; otherwise it handles one connection and
// returns.
type ListenMode struct {
	Env        *Env
	Local      netip.AddrPort
	KeepOpen   bool
	Capability capability.Capability
	Logger     *util.Logger

	// Limiter paces accepts.  Nil accepts as fast as connections
	// arrive.
	Limiter *rate.Limiter

	// Backoff retries Accept while the stream pool is exhausted.  Nil
	// fails on the first exhaustion.
	Backoff *retry.Backoff

	// GracePeriod bounds how long Run waits for keep-open handlers
	// after the context ends.
	GracePeriod time.Duration

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run binds the local address and dispatches accepted connections to
// the capability.
func (m *ListenMode) Run(ctx context.Context) error {
	acc, err := m.Env.TCP.Bind(ctx, m.Local)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.Local, err)
	}
	m.Logger.Verbose("listening on %s (tcp)", acc.Addr())

	var wg sync.WaitGroup
	defer m.drain(&wg)

	for {
		if m.Limiter != nil {
			if err := m.Limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		remote, s, err := m.accept(ctx, acc)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !m.KeepOpen {
			return m.serve(ctx, remote, s)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.serve(ctx, remote, s); err != nil {
				m.Logger.Warn("%s: %v", remote, err)
			}
		}()
	}
}

func (m *ListenMode) accept(ctx context.Context, acc *socket.TCPAcceptor) (netip.AddrPort, *socket.TCPSocket, error) {
	if m.Backoff == nil {
		return acc.Accept(ctx)
	}
	var (
		remote netip.AddrPort
		s      *socket.TCPSocket
	)
	err := m.Backoff.Do(ctx, func(int) error {
		var err error
		remote, s, err = acc.Accept(ctx)
		return err
	})
	return remote, s, err
}

func (m *ListenMode) serve(ctx context.Context, remote netip.AddrPort, s *socket.TCPSocket) error {
	defer s.Close()

	sess := session.New(s.IO(ctx), remote, stdinOr(m.Stdin), stdoutOr(m.Stdout), m.Logger)
	sess.Logger.Verbose("connection from %s", remote)

	err := m.Capability.Handle(ctx, sess)
	if serr := s.Shutdown(ctx, socket.CloseBoth); serr != nil {
		sess.Logger.Debug("shutdown: %v", serr)
	}
	sess.Logger.Verbose("closed")
	return err
}

func (m *ListenMode) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := m.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		m.Logger.Warn("handlers still running after %v", grace)
	}
}
