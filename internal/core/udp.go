package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"sockpool/socket"
	"sockpool/util"
)

// UDPMode sends each stdin line as one datagram from a pooled socket
// and prints whatever comes back.
type UDPMode struct {
	Env    *Env
	Host   string
	Port   int
	IPv6   bool
	NoDNS  bool
	Logger *util.Logger

	// ReplyWait is how long Run keeps printing replies after stdin
	// is exhausted.
	ReplyWait time.Duration

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run sends stdin line by line and returns ReplyWait after the last
// line, or when the context ends.
func (m *UDPMode) Run(ctx context.Context) error {
	remote, err := m.Env.Resolve(ctx, m.Host, m.Port, m.IPv6, m.NoDNS)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", m.Host, err)
	}
	local := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	if remote.Addr().Is6() && !remote.Addr().Is4In6() {
		local = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}

	s, err := m.Env.UDP.Bind(ctx, local)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer s.Close()
	m.Logger.Verbose("sending to %s (udp)", remote)

	rctx, stop := context.WithCancel(ctx)
	defer stop()
	replies := make(chan error, 1)
	go func() { replies <- m.printReplies(rctx, s) }()

	sc := bufio.NewScanner(stdinOr(m.Stdin))
	for sc.Scan() {
		if err := s.Send(ctx, remote, append(sc.Bytes(), '\n')); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stdin: %w", err)
	}

	select {
	case <-time.After(m.ReplyWait):
	case <-ctx.Done():
	case err := <-replies:
		return err
	}
	stop()
	return <-replies
}

func (m *UDPMode) printReplies(ctx context.Context, s *socket.UDPSocket) error {
	out := stdoutOr(m.Stdout)
	buf := make([]byte, m.Env.Datagrams.RxSize())
	for {
		n, from, err := s.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.Logger.Debug("%d bytes from %s", n, from)
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
	}
}

// UDPListenMode receives datagrams on a pooled socket, prints them,
// and optionally echoes them back to the sender.
type UDPListenMode struct {
	Env    *Env
	Local  netip.AddrPort
	Group  netip.Addr // multicast group to join, if valid
	Echo   bool
	Logger *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

// Run receives until the context ends.
func (m *UDPListenMode) Run(ctx context.Context) error {
	s, err := m.Env.UDP.Bind(ctx, m.Local)
	if err != nil {
		return fmt.Errorf("listen UDP on %s: %w", m.Local, err)
	}
	defer s.Close()
	m.Logger.Verbose("listening on %s (udp)", m.Local)

	if m.Group.IsValid() {
		if m.Group.Is4() {
			err = s.JoinV4(ctx, m.Group, netip.Addr{})
		} else {
			err = s.JoinV6(ctx, m.Group, 0)
		}
		if err != nil {
			return fmt.Errorf("join %s: %w", m.Group, err)
		}
		m.Logger.Verbose("joined %s", m.Group)
	}

	out := stdoutOr(m.Stdout)
	buf := make([]byte, m.Env.Datagrams.RxSize())
	for {
		n, from, err := s.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.Logger.Debug("%d bytes from %s", n, from)
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		if m.Echo {
			if err := s.Send(ctx, from, buf[:n]); err != nil {
				m.Logger.Warn("echo to %s: %v", from, err)
			}
		}
	}
}
