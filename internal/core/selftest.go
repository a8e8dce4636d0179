package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"sockpool/engine"
	"sockpool/engine/sim"
	"sockpool/pool"
	"sockpool/socket"
	"sockpool/util"
)

// SelfTestMode exercises the pools against the in-memory engine and
// prints one line per check.  It needs no network access.
type SelfTestMode struct {
	Logger *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

type selftest struct {
	out    io.Writer
	failed int
	total  int
}

func (t *selftest) check(name string, err error) bool {
	t.total++
	if err != nil {
		t.failed++
		fmt.Fprintf(t.out, "FAIL %s: %v\n", name, err)
		return false
	}
	fmt.Fprintf(t.out, "ok   %s\n", name)
	return true
}

func expect(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	return fmt.Errorf(format, args...)
}

// Run performs every check and fails if any of them did.
func (m *SelfTestMode) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	t := &selftest{out: stdoutOr(m.Stdout)}
	m.datagramScenario(ctx, t)
	m.streamEcho(ctx, t)
	m.abortReturnsBuffers(ctx, t)

	fmt.Fprintf(t.out, "%d/%d checks passed\n", t.total-t.failed, t.total)
	if t.failed > 0 {
		return fmt.Errorf("selftest: %d of %d checks failed", t.failed, t.total)
	}
	return nil
}

// datagramScenario: two slots of 64 bytes, exhaustion, reuse of the
// freed slot, and an unsupported family that consumes nothing.
func (m *SelfTestMode) datagramScenario(ctx context.Context, t *selftest) {
	st := sim.New(sim.Config{Families: engine.FamilyIPv4, Logger: m.Logger})
	bufs := pool.NewDatagramBuffers(2, 64, 64, pool.DefaultPacketMetadata)
	udp := socket.NewUDP(st, bufs, socket.Options{Logger: m.Logger})
	bind := func(port uint16) (*socket.UDPSocket, error) {
		return udp.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
	}

	a, err := bind(1)
	if !t.check("udp: first bind takes slot 0", errors.Join(err, expect(err != nil || a.Token().Index() == 0,
		"got slot %d", slotOf(a)))) {
		return
	}
	b, err := bind(2)
	if !t.check("udp: second bind takes slot 1", errors.Join(err, expect(err != nil || b.Token().Index() == 1,
		"got slot %d", slotOf(b)))) {
		a.Close()
		return
	}
	defer b.Close()

	c, err := bind(3)
	if c != nil {
		c.Close()
	}
	t.check("udp: third bind reports exhaustion", expect(errors.Is(err, socket.ErrNoBuffers) &&
		socket.KindOf(err) == socket.KindOutOfMemory, "got %v", err))

	a.Close()
	d, err := bind(4)
	if d != nil {
		defer d.Close()
	}
	t.check("udp: freed slot 0 is reused", errors.Join(err, expect(err != nil || d.Token().Index() == 0,
		"got slot %d", slotOf(d))))

	allocs := bufs.Stats().Allocs
	_, err = udp.Bind(ctx, netip.MustParseAddrPort("[::1]:5"))
	t.check("udp: unsupported family is invalid input", expect(errors.Is(err, socket.ErrUnsupportedProto) &&
		socket.KindOf(err) == socket.KindInvalidInput, "got %v", err))
	t.check("udp: unsupported family consumes no slot", expect(bufs.Stats().Allocs == allocs,
		"allocations went from %d to %d", allocs, bufs.Stats().Allocs))
}

func slotOf(s *socket.UDPSocket) int {
	if s == nil {
		return -1
	}
	return s.Token().Index()
}

// streamPair connects a client to a server socket accepted on port.
func streamPair(ctx context.Context, tcp *socket.TCP, port uint16) (client, server *socket.TCPSocket, err error) {
	acc, err := tcp.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
	if err != nil {
		return nil, nil, err
	}
	type result struct {
		s   *socket.TCPSocket
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		_, s, err := acc.Accept(ctx)
		accepted <- result{s, err}
	}()

	remote := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
	for client == nil {
		client, err = tcp.Connect(ctx, remote)
		if errors.Is(err, engine.ErrConnectionReset) && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
	}
	r := <-accepted
	if r.err != nil {
		client.Close()
		return nil, nil, r.err
	}
	return client, r.s, nil
}

// streamEcho pushes a message larger than the slot through a stream
// pair and checks both slots come back.
func (m *SelfTestMode) streamEcho(ctx context.Context, t *selftest) {
	st := sim.New(sim.Config{Logger: m.Logger})
	bufs := pool.NewStreamBuffers(2, 64, 64)
	tcp := socket.NewTCP(st, bufs, socket.Options{Logger: m.Logger})

	client, server, err := streamPair(ctx, tcp, 7)
	if !t.check("tcp: connect and accept", err) {
		return
	}

	msg := []byte(strings.Repeat("sockpool ", 40))
	echoed := make(chan error, 1)
	go func() {
		_, err := io.Copy(server.IO(ctx), server.IO(ctx))
		if err == nil {
			err = server.Shutdown(ctx, socket.CloseWrite)
		}
		server.Close()
		echoed <- err
	}()

	got := new(bytes.Buffer)
	read := make(chan error, 1)
	go func() {
		_, err := io.Copy(got, client.IO(ctx))
		read <- err
	}()
	_, err = client.Write(ctx, msg)
	if err == nil {
		err = client.Shutdown(ctx, socket.CloseWrite)
	}
	err = errors.Join(err, <-read, <-echoed)
	t.check(fmt.Sprintf("tcp: %d bytes echoed through %d-byte buffers", len(msg), bufs.TxSize()),
		errors.Join(err, expect(err != nil || bytes.Equal(got.Bytes(), msg), "echo mismatch")))

	client.Close()
	t.check("tcp: closed sockets return their slots", expect(bufs.InUse() == 0, "%d slots in use", bufs.InUse()))
}

// abortReturnsBuffers resets a connection with unread data queued.
func (m *SelfTestMode) abortReturnsBuffers(ctx context.Context, t *selftest) {
	st := sim.New(sim.Config{Logger: m.Logger})
	bufs := pool.NewStreamBuffers(2, 64, 64)
	tcp := socket.NewTCP(st, bufs, socket.Options{Logger: m.Logger})

	client, server, err := streamPair(ctx, tcp, 9)
	if !t.check("tcp: second pair connects", err) {
		return
	}
	defer server.Close()

	_, err = client.Write(ctx, []byte("unread"))
	if err == nil {
		err = client.Abort(ctx)
	}
	t.check("tcp: abort waits for quiescence", errors.Join(err,
		expect(err != nil || client.State() == socket.StateClosed, "state %v", client.State())))
	client.Close()
	t.check("tcp: aborted socket returns its slot", expect(bufs.InUse() == 1, "%d slots in use", bufs.InUse()))

	_, err = server.Read(ctx, make([]byte, 64))
	for err == nil {
		_, err = server.Read(ctx, make([]byte, 64))
	}
	t.check("tcp: peer sees the reset", expect(errors.Is(err, engine.ErrConnectionReset), "got %v", err))
}
