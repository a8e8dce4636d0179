package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"sockpool/internal/capability"
	"sockpool/internal/session"
	"sockpool/socket"
	"sockpool/util"
)

// ConnectMode dials a remote address on a pooled stream socket, then
// runs a capability (usually Relay) over the connection.
type ConnectMode struct {
	Env        *Env
	Host       string
	Port       int
	IPv6       bool // resolve AAAA records
	NoDNS      bool
	Timeout    time.Duration // bounds resolution and connect
	Capability capability.Capability
	Logger     *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run connects, creates a session, and hands it to the capability.
// The connection is shut down in both directions and its buffers
// returned to the pool when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	dialCtx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	remote, err := m.Env.Resolve(dialCtx, m.Host, m.Port, m.IPv6, m.NoDNS)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", m.Host, err)
	}
	m.Logger.Verbose("connecting to %s", remote)

	s, err := m.Env.TCP.Connect(dialCtx, remote)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", remote, err)
	}
	defer s.Close()

	if local, err := s.LocalAddr(); err == nil {
		m.Logger.Verbose("connected to %s from %s", remote, local)
	}

	sess := session.New(s.IO(ctx), remote, stdinOr(m.Stdin), stdoutOr(m.Stdout), m.Logger)
	err = m.Capability.Handle(ctx, sess)

	if serr := s.Shutdown(ctx, socket.CloseBoth); serr != nil {
		switch {
		case ctx.Err() != nil, errors.Is(serr, socket.ErrCloseInProgress):
			sess.Logger.Debug("shutdown: %v", serr)
		case err == nil:
			err = serr
		}
	}
	return err
}
