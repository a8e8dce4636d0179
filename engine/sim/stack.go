// Package sim is a deterministic in-memory network engine.
//
// Every socket reads and writes the regions it was registered with in
// place: stream sockets keep byte rings over their rx and tx regions,
// packet sockets keep datagram rings over their metadata and payload
// regions.  All sockets of a Stack talk to each other; nothing leaves
// the process.
//
// One mutex guards the whole stack.  Blocked operations wait on a wake
// channel that is replaced each time the stack changes.  By default
// the stack moves data as soon as anything changes; with
// Config.ManualPoll set, data, FIN and RST only move when Poll is
// called, so tests can observe in-flight state.
package sim

import (
	"context"
	"net/netip"
	"strings"
	"sync"

	"sockpool/engine"
	"sockpool/util"
)

const (
	ephemeralFirst = 49152
	defaultGroups  = 4
)

// Config controls a simulated stack.
type Config struct {
	// Addrs are the stack's local addresses.  Defaults to the loopback
	// address of each enabled family.
	Addrs []netip.Addr

	// Families enabled in the stack.  Defaults to FamilyAll.
	Families engine.Family

	// MaxSockets caps concurrently registered sockets; 0 is unlimited.
	MaxSockets int

	// MaxGroups caps joined multicast groups.  Defaults to 4.
	MaxGroups int

	// Hosts is the static name table used by DNSQuery.
	Hosts map[string][]netip.Addr

	// ManualPoll stops the stack from moving data on its own.
	ManualPoll bool

	Logger *util.Logger
}

// Stack is a simulated engine.  It implements engine.Stack.
type Stack struct {
	cfg Config
	log *util.Logger

	mu      sync.Mutex
	wake    chan struct{}
	tcp     []*tcpSocket
	udp     []*udpSocket
	raw     []*rawSocket
	groups  map[netip.Addr]struct{}
	nextEph uint16
	scratch []byte
}

var _ engine.Stack = (*Stack)(nil)

// New creates a stack.
func New(cfg Config) *Stack {
	if cfg.Families == 0 {
		cfg.Families = engine.FamilyAll
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = defaultGroups
	}
	if len(cfg.Addrs) == 0 {
		if cfg.Families.Has(engine.FamilyIPv4) {
			cfg.Addrs = append(cfg.Addrs, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
		}
		if cfg.Families.Has(engine.FamilyIPv6) {
			cfg.Addrs = append(cfg.Addrs, netip.IPv6Loopback())
		}
	}
	hosts := make(map[string][]netip.Addr, len(cfg.Hosts))
	for name, addrs := range cfg.Hosts {
		hosts[canonicalName(name)] = addrs
	}
	cfg.Hosts = hosts

	return &Stack{
		cfg:     cfg,
		log:     cfg.Logger.Named("sim"),
		wake:    make(chan struct{}),
		groups:  make(map[netip.Addr]struct{}),
		nextEph: ephemeralFirst,
	}
}

// Families implements engine.Stack.
func (s *Stack) Families() engine.Family { return s.cfg.Families }

// Poll moves pending data, FINs and resets between sockets and wakes
// every waiter.  It reports whether anything moved.
func (s *Stack) Poll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.pollLocked()
	s.notifyLocked()
	return moved
}

// Sockets returns the number of registered sockets.
func (s *Stack) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// Groups returns the number of joined multicast groups.
func (s *Stack) Groups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

func (s *Stack) countLocked() int { return len(s.tcp) + len(s.udp) + len(s.raw) }

func (s *Stack) registerLocked() error {
	if s.cfg.MaxSockets > 0 && s.countLocked() >= s.cfg.MaxSockets {
		return engine.ErrSocketSetFull
	}
	return nil
}

// waitLocked blocks until ready reports done or an error.  s.mu is
// held on entry and on return.
func (s *Stack) waitLocked(ctx context.Context, ready func() (bool, error)) error {
	for {
		if !s.cfg.ManualPoll {
			s.pollLocked()
		}
		done, err := ready()
		if done || err != nil {
			return err
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}
}

func (s *Stack) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// changedLocked is called after every state mutation.
func (s *Stack) changedLocked() {
	if !s.cfg.ManualPoll {
		s.pollLocked()
	}
	s.notifyLocked()
}

func (s *Stack) pollLocked() bool {
	moved := false
	for _, t := range s.tcp {
		if t.pollLocked() {
			moved = true
		}
	}
	for _, u := range s.udp {
		if u.pollLocked() {
			moved = true
		}
	}
	for _, r := range s.raw {
		if r.pollLocked() {
			moved = true
		}
	}
	return moved
}

func (s *Stack) ephemeralLocked() uint16 {
	p := s.nextEph
	if s.nextEph == 65535 {
		s.nextEph = ephemeralFirst
	} else {
		s.nextEph++
	}
	return p
}

// localAddrFor picks the source address for traffic to dst.
func (s *Stack) localAddrFor(dst netip.Addr) netip.Addr {
	for _, a := range s.cfg.Addrs {
		if a == dst {
			return a
		}
	}
	for _, a := range s.cfg.Addrs {
		if engine.Of(a) == engine.Of(dst) {
			return a
		}
	}
	return dst
}

func (s *Stack) routable(addr netip.Addr) bool {
	f := engine.Of(addr)
	return f != 0 && s.cfg.Families.Has(f) && !addr.IsUnspecified()
}

func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

func removeFrom[T comparable](list []T, v T) []T {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
