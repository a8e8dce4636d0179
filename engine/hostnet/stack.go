// Package hostnet is an engine backed by the host's network stack.
//
// Sockets still live in caller-provided regions: the rx region stages
// bytes read from the OS socket until the caller consumes them, and the
// tx region stages each write on its way out.  Raw sockets are not
// available.
package hostnet

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"sockpool/engine"
	"sockpool/internal/transport"
	"sockpool/util"
)

// Config configures a Stack.
type Config struct {
	// Dialer opens outbound streams.  Nil dials plain TCP.
	Dialer transport.Dialer

	Families   engine.Family // default FamilyAll
	MaxSockets int           // registration capacity, default 64
	MaxGroups  int           // multicast group capacity, default 4

	// DNSServer is the "host:port" of the upstream name server.  Empty
	// uses the Go resolver.
	DNSServer  string
	DNSTimeout time.Duration // default 2s
	DNSCache   int           // cached answers, default 256

	Logger *util.Logger
}

// Stack implements engine.Stack over OS sockets.
type Stack struct {
	cfg    Config
	log    *util.Logger
	dialer transport.Dialer
	dns    *resolver

	mu        sync.Mutex
	sockets   int
	closed    bool
	listeners map[netip.AddrPort]*listener
	udp       map[*udpSocket]struct{}
	groups    map[netip.Addr]struct{}
}

var _ engine.Stack = (*Stack)(nil)

// New returns a Stack for cfg.
func New(cfg Config) (*Stack, error) {
	if cfg.Families == 0 {
		cfg.Families = engine.FamilyAll
	}
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = 64
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = 4
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 2 * time.Second
	}
	if cfg.DNSCache <= 0 {
		cfg.DNSCache = 256
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: 10 * time.Second}
	}
	log := cfg.Logger.Named("hostnet")
	res, err := newResolver(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Stack{
		cfg:       cfg,
		log:       log,
		dialer:    dialer,
		dns:       res,
		listeners: make(map[netip.AddrPort]*listener),
		udp:       make(map[*udpSocket]struct{}),
		groups:    make(map[netip.Addr]struct{}),
	}, nil
}

// Families implements engine.Stack.
func (s *Stack) Families() engine.Family { return s.cfg.Families }

// Sockets returns the number of registered sockets.
func (s *Stack) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets
}

// Close stops every listener and the dialer.  Sockets already handed
// out keep working until their own Remove.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ls := s.listeners
	s.listeners = make(map[netip.AddrPort]*listener)
	s.mu.Unlock()

	var err error
	for _, l := range ls {
		err = multierr.Append(err, l.close())
	}
	return multierr.Append(err, s.dialer.Close())
}

func (s *Stack) register() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrInvalidState
	}
	if s.sockets >= s.cfg.MaxSockets {
		return engine.ErrSocketSetFull
	}
	s.sockets++
	return nil
}

func (s *Stack) unregister() {
	s.mu.Lock()
	s.sockets--
	s.mu.Unlock()
}

// NewRawSocket implements engine.Stack.  The host engine has no raw
// sockets.
func (s *Stack) NewRawSocket(engine.IPVersion, engine.IPProtocol,
	[]engine.PacketMetadata, []byte, []engine.PacketMetadata, []byte) (engine.RawSocket, error) {
	return nil, engine.ErrNotSupported
}

// ── I/O helpers ──────────────────────────────────────────────────────

// ioGuard tracks OS calls that may still touch a socket's regions.
// Remove closes the OS socket to interrupt them and then waits them
// out, so after Remove nothing references the regions.
type ioGuard struct {
	mu       sync.Mutex
	removed  bool
	inflight sync.WaitGroup
}

func (g *ioGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return false
	}
	g.inflight.Add(1)
	return true
}

func (g *ioGuard) exit() { g.inflight.Done() }

func (g *ioGuard) isRemoved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removed
}

// remove marks the guard removed and reports whether this call did.
func (g *ioGuard) remove() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return false
	}
	g.removed = true
	return true
}

func (g *ioGuard) wait() { g.inflight.Wait() }

// bindDeadline applies ctx to one direction of conn for the duration
// of a call.  The returned func must be called when the call is done.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	d, _ := ctx.Deadline()
	set(d) //nolint:errcheck
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		set(time.Now()) //nolint:errcheck
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

// mapErr translates OS errors to engine errors.  A done ctx wins over
// the deadline error it caused.
func mapErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case err == io.EOF:
		return io.EOF
	case ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded):
		return ctx.Err()
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return engine.ErrConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return engine.ErrConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return engine.ErrNoRoute
	case errors.Is(err, os.ErrDeadlineExceeded):
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
		return engine.ErrTimedOut
	case errors.Is(err, net.ErrClosed):
		return engine.ErrInvalidState
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return engine.ErrTimedOut
	}
	return err
}

// timedOut reports whether err ended one call without affecting the
// socket's later calls.
func timedOut(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, engine.ErrTimedOut)
}

func endpointOf(a net.Addr) (engine.Endpoint, bool) {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	case nil:
		return engine.Endpoint{}, false
	default:
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return engine.Endpoint{}, false
		}
	}
	return engine.Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port()}, true
}
