package socket

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"runtime"
	"strings"
	"testing"
	"time"

	"sockpool/engine"
	"sockpool/engine/sim"
	"sockpool/internal/metrics"
	"sockpool/pool"
)

// connect retries until the acceptor goroutine is listening.
func connect(t *testing.T, tcp *TCP, remote netip.AddrPort) *TCPSocket {
	t.Helper()
	ctx := testCtx(t)
	for {
		s, err := tcp.Connect(ctx, remote)
		if err == nil {
			return s
		}
		if !errors.Is(err, engine.ErrConnectionReset) {
			t.Fatalf("Connect: %v", err)
		}
		select {
		case <-ctx.Done():
			t.Fatal("listener never came up")
		case <-time.After(time.Millisecond):
		}
	}
}

type accepted struct {
	remote netip.AddrPort
	sock   *TCPSocket
	err    error
}

// tcpPair returns a connected (client, server) pair.
func tcpPair(t *testing.T, tcp *TCP, port uint16) (*TCPSocket, *TCPSocket) {
	t.Helper()
	ctx := testCtx(t)
	acc, err := tcp.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ch := make(chan accepted, 1)
	go func() {
		remote, s, err := acc.Accept(ctx)
		ch <- accepted{remote, s, err}
	}()

	client := connect(t, tcp, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
	a := <-ch
	if a.err != nil {
		t.Fatalf("Accept: %v", a.err)
	}
	t.Cleanup(func() {
		client.Close()
		a.sock.Close()
	})
	return client, a.sock
}

// TestAcceptReturnsPeerAddress checks Accept reports the connecting
// peer, not the listening endpoint.
func TestAcceptReturnsPeerAddress(t *testing.T) {
	st := sim.New(sim.Config{})
	tcp := NewTCP(st, pool.NewStreamBuffers(2, 64, 64), Options{})
	ctx := testCtx(t)

	acc, err := tcp.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), 8080))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ch := make(chan accepted, 1)
	go func() {
		remote, s, err := acc.Accept(ctx)
		ch <- accepted{remote, s, err}
	}()
	client := connect(t, tcp, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 8080))
	defer client.Close()
	a := <-ch
	if a.err != nil {
		t.Fatalf("Accept: %v", a.err)
	}
	defer a.sock.Close()

	local, err := client.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	if a.remote != local {
		t.Errorf("Accept remote = %v, want client address %v", a.remote, local)
	}
	if a.remote.Port() == 8080 {
		t.Errorf("Accept returned the listening port %v", a.remote)
	}
}

func TestScenarioPoolExhaustionAndReuse(t *testing.T) {
	st := sim.New(sim.Config{Families: engine.FamilyIPv4})
	bufs := pool.NewDatagramBuffers(2, 64, 64, pool.DefaultPacketMetadata)
	udp := NewUDP(st, bufs, Options{})
	ctx := testCtx(t)
	bind := func(port uint16) (*UDPSocket, error) {
		return udp.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
	}

	a, err := bind(1)
	if err != nil {
		t.Fatalf("bind A: %v", err)
	}
	b, err := bind(2)
	if err != nil {
		t.Fatalf("bind B: %v", err)
	}
	defer b.Close()
	if a.Token().Index() != 0 || b.Token().Index() != 1 {
		t.Fatalf("tokens = %d, %d, want 0, 1", a.Token().Index(), b.Token().Index())
	}

	_, err = bind(3)
	if !errors.Is(err, ErrNoBuffers) || KindOf(err) != KindOutOfMemory {
		t.Fatalf("bind C = %v (kind %v), want ErrNoBuffers", err, KindOf(err))
	}

	a.Close()
	d, err := bind(4)
	if err != nil {
		t.Fatalf("bind D: %v", err)
	}
	defer d.Close()
	if d.Token().Index() != 0 {
		t.Errorf("D token = %d, want 0 reused", d.Token().Index())
	}

	allocs := bufs.Stats().Allocs
	_, err = udp.Bind(ctx, netip.MustParseAddrPort("[::1]:5"))
	if !errors.Is(err, ErrUnsupportedProto) || KindOf(err) != KindInvalidInput {
		t.Fatalf("IPv6 bind = %v, want ErrUnsupportedProto", err)
	}
	if got := bufs.Stats().Allocs; got != allocs {
		t.Errorf("unsupported bind consumed a slot (allocs %d -> %d)", allocs, got)
	}
	if bufs.InUse() != 2 {
		t.Errorf("InUse = %d, want 2", bufs.InUse())
	}
}

func TestTCPConnectUnsupportedFamilyAllocatesNothing(t *testing.T) {
	st := sim.New(sim.Config{Families: engine.FamilyIPv4})
	bufs := pool.NewStreamBuffers(1, 64, 64)
	tcp := NewTCP(st, bufs, Options{})

	_, err := tcp.Connect(testCtx(t), netip.MustParseAddrPort("[2001:db8::1]:80"))
	if !errors.Is(err, ErrUnsupportedProto) {
		t.Fatalf("Connect = %v, want ErrUnsupportedProto", err)
	}
	if bufs.Stats().Allocs != 0 {
		t.Error("slot allocated for an unsupported address")
	}
}

func TestTCPEcho(t *testing.T) {
	st := sim.New(sim.Config{})
	bufs := pool.NewStreamBuffers(4, 64, 64)
	m := metrics.New()
	tcp := NewTCP(st, bufs, Options{Metrics: m})
	ctx := testCtx(t)

	acc, err := tcp.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:7000"))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	type served struct {
		remote netip.AddrPort
		err    error
	}
	done := make(chan served, 1)
	go func() {
		remote, s, err := acc.Accept(ctx)
		if err != nil {
			done <- served{err: err}
			return
		}
		data, err := io.ReadAll(s.IO(ctx))
		if err == nil {
			_, err = s.Write(ctx, bytes.ToUpper(data))
		}
		if err == nil {
			err = s.Shutdown(ctx, CloseWrite)
		}
		s.Close()
		done <- served{remote, err}
	}()

	client := connect(t, tcp, netip.MustParseAddrPort("127.0.0.1:7000"))
	msg := strings.Repeat("pooled buffers ", 20)
	if _, err := client.Write(ctx, []byte(msg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.Shutdown(ctx, CloseWrite); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	reply, err := io.ReadAll(client.IO(ctx))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != strings.ToUpper(msg) {
		t.Errorf("reply = %q", reply)
	}

	srv := <-done
	if srv.err != nil {
		t.Fatalf("server: %v", srv.err)
	}
	local, err := client.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	if srv.remote != local {
		t.Errorf("accepted remote = %v, want client local %v", srv.remote, local)
	}
	if remote, _ := client.RemoteAddr(); remote.Port() != 7000 {
		t.Errorf("client remote = %v", remote)
	}

	client.Close()
	if bufs.InUse() != 0 {
		t.Errorf("InUse = %d after both sides closed", bufs.InUse())
	}
	if m.TotalBytesOut() != int64(2*len(msg)) || m.ActiveSockets() != 0 {
		t.Errorf("metrics: out=%d active=%d", m.TotalBytesOut(), m.ActiveSockets())
	}
}

func TestTCPOperationsAfterClose(t *testing.T) {
	st := sim.New(sim.Config{})
	tcp := NewTCP(st, pool.NewStreamBuffers(2, 16, 16), Options{})
	client, _ := tcpPair(t, tcp, 81)
	ctx := testCtx(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	checks := map[string]error{
		"write":    func() error { _, err := client.Write(ctx, []byte("x")); return err }(),
		"read":     func() error { _, err := client.Read(ctx, make([]byte, 1)); return err }(),
		"flush":    client.Flush(ctx),
		"readable": client.Readable(ctx),
		"shutdown": client.Shutdown(ctx, CloseBoth),
		"abort":    client.Abort(ctx),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrSocketClosed) {
			t.Errorf("%s after Close = %v, want ErrSocketClosed", op, err)
		}
	}
	if _, err := client.LocalAddr(); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("LocalAddr after Close = %v", err)
	}
}

func TestTCPSplitHalves(t *testing.T) {
	st := sim.New(sim.Config{})
	tcp := NewTCP(st, pool.NewStreamBuffers(2, 16, 16), Options{})
	client, server := tcpPair(t, tcp, 82)
	ctx := testCtx(t)

	_, w := client.Split()
	r, _ := server.Split()

	if _, err := w.Write(ctx, []byte("half")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Readable(ctx); err != nil {
		t.Fatalf("Readable: %v", err)
	}
	buf := make([]byte, 8)
	n, err := r.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "half" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
}

func TestTCPAbortHoldsBuffersUntilQuiescent(t *testing.T) {
	st := sim.New(sim.Config{ManualPoll: true})
	bufs := pool.NewStreamBuffers(2, 64, 64)
	tcp := NewTCP(st, bufs, Options{})
	client, server := tcpPair(t, tcp, 83)
	ctx := testCtx(t)

	if _, err := client.Write(ctx, []byte("in flight")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		err := client.Abort(ctx)
		client.Close()
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Abort returned before the reset was sent: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if bufs.InUse() != 2 {
		t.Fatalf("InUse = %d, buffers returned before quiescence", bufs.InUse())
	}

	st.Poll()
	if err := <-done; err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if bufs.InUse() != 1 {
		t.Errorf("InUse = %d after Abort and Close", bufs.InUse())
	}
	if _, err := server.Read(ctx, make([]byte, 4)); !errors.Is(err, engine.ErrConnectionReset) {
		t.Errorf("peer Read = %v, want reset", err)
	}
}

func TestTCPCloseDuringCloseReadDoesNotBlock(t *testing.T) {
	st := sim.New(sim.Config{})
	bufs := pool.NewStreamBuffers(2, 16, 16)
	tcp := NewTCP(st, bufs, Options{})
	client, server := tcpPair(t, tcp, 84)
	ctx := testCtx(t)

	done := make(chan error, 1)
	go func() { done <- server.Shutdown(ctx, CloseRead) }()
	for server.State() != StateClosingRead {
		select {
		case <-ctx.Done():
			t.Fatal("Shutdown never started")
		case <-time.After(time.Millisecond):
		}
	}

	server.Close()
	if err := <-done; err == nil {
		t.Error("interrupted Shutdown reported success")
	}
	if _, err := client.Read(ctx, make([]byte, 1)); !errors.Is(err, engine.ErrConnectionReset) {
		t.Errorf("peer Read = %v, want reset", err)
	}
	if bufs.InUse() != 1 {
		t.Errorf("InUse = %d", bufs.InUse())
	}
}

func TestTCPEngineFullReturnsSlot(t *testing.T) {
	st := sim.New(sim.Config{MaxSockets: 1})
	bufs := pool.NewStreamBuffers(2, 16, 16)
	tcp := NewTCP(st, bufs, Options{})
	ctx := testCtx(t)

	acc, _ := tcp.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:85"))
	go acc.Accept(ctx) //nolint:errcheck

	for st.Sockets() == 0 {
		time.Sleep(time.Millisecond)
	}
	_, err := tcp.Connect(ctx, netip.MustParseAddrPort("127.0.0.1:85"))
	if !errors.Is(err, engine.ErrSocketSetFull) {
		t.Fatalf("Connect = %v, want ErrSocketSetFull", err)
	}
	if bufs.InUse() != 1 {
		t.Errorf("InUse = %d, want only the acceptor's slot", bufs.InUse())
	}
}

// ── UDP ──────────────────────────────────────────────────────────────

func TestUDPSendReceive(t *testing.T) {
	st := sim.New(sim.Config{})
	udp := NewUDP(st, pool.NewDatagramBuffers(2, 64, 64, 2), Options{})
	ctx := testCtx(t)

	a, err := udp.Bind(ctx, netip.MustParseAddrPort("127.0.0.1:4000"))
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := udp.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:4001"))
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	rx, _ := b.Split()
	_, tx := a.Split()
	if err := tx.Send(ctx, netip.MustParseAddrPort("[::ffff:127.0.0.1]:4001"), []byte("dgram")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := rx.Readable(ctx); err != nil {
		t.Fatalf("Readable: %v", err)
	}
	buf := make([]byte, 64)
	n, from, err := rx.Receive(ctx, buf)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(buf[:n]) != "dgram" || from != netip.MustParseAddrPort("127.0.0.1:4000") {
		t.Errorf("got %q from %v", buf[:n], from)
	}
}

func TestUDPMulticast(t *testing.T) {
	group := netip.MustParseAddr("239.0.0.7")
	bind := func(t *testing.T, st *sim.Stack, opts Options) *UDPSocket {
		t.Helper()
		s, err := NewUDP(st, pool.NewDatagramBuffers(1, 64, 64, 2), opts).
			Bind(testCtx(t), netip.MustParseAddrPort("0.0.0.0:5353"))
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	ctx := testCtx(t)

	t.Run("disabled", func(t *testing.T) {
		s := bind(t, sim.New(sim.Config{}), Options{})
		if err := s.JoinV4(ctx, group, netip.IPv4Unspecified()); !errors.Is(err, ErrUnsupportedProto) {
			t.Errorf("JoinV4 = %v, want ErrUnsupportedProto", err)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		st := sim.New(sim.Config{MaxGroups: 1})
		s := bind(t, st, Options{Multicast: true})

		if err := s.JoinV4(ctx, group, netip.IPv4Unspecified()); err != nil {
			t.Fatalf("JoinV4: %v", err)
		}
		if err := s.JoinV4(ctx, netip.MustParseAddr("239.0.0.8"), netip.Addr{}); !errors.Is(err, ErrMulticastGroupTableFull) {
			t.Errorf("second JoinV4 = %v, want ErrMulticastGroupTableFull", err)
		}
		if err := s.JoinV4(ctx, netip.MustParseAddr("10.0.0.1"), netip.Addr{}); !errors.Is(err, ErrMulticastUnaddressable) {
			t.Errorf("unicast JoinV4 = %v, want ErrMulticastUnaddressable", err)
		}
		if err := s.JoinV6(ctx, group, 0); !errors.Is(err, ErrUnsupportedProto) {
			t.Errorf("JoinV6 with IPv4 group = %v, want ErrUnsupportedProto", err)
		}

		if err := s.Send(ctx, netip.AddrPortFrom(group, 5353), []byte("mdns")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		buf := make([]byte, 16)
		n, _, err := s.Receive(ctx, buf)
		if err != nil || string(buf[:n]) != "mdns" {
			t.Fatalf("Receive = %q, %v", buf[:n], err)
		}

		if err := s.LeaveV4(ctx, group, netip.Addr{}); err != nil {
			t.Fatalf("LeaveV4: %v", err)
		}
		if st.Groups() != 0 {
			t.Errorf("Groups = %d after leave", st.Groups())
		}
	})
}

func TestUDPFinalizerReclaimsLeakedSocket(t *testing.T) {
	st := sim.New(sim.Config{})
	bufs := pool.NewDatagramBuffers(1, 16, 16, 1)
	m := metrics.New()
	udp := NewUDP(st, bufs, Options{Metrics: m})

	func() {
		if _, err := udp.Bind(testCtx(t), netip.MustParseAddrPort("0.0.0.0:9")); err != nil {
			t.Fatalf("Bind: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Leaks() == 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}
	if m.Leaks() != 1 {
		t.Fatalf("Leaks = %d, want 1", m.Leaks())
	}
	if bufs.InUse() != 0 {
		t.Errorf("InUse = %d after reclaim", bufs.InUse())
	}
	if st.Sockets() != 0 {
		t.Errorf("engine still holds %d sockets", st.Sockets())
	}
}

// ── Raw ──────────────────────────────────────────────────────────────

func TestRawReceivesUDPPackets(t *testing.T) {
	st := sim.New(sim.Config{})
	ctx := testCtx(t)
	raw := NewRaw(st, pool.NewRawBuffers(1, 256, 256, 2), Options{RawVersion: engine.IPv4})
	rs, err := raw.Bind(ctx)
	if err != nil {
		t.Fatalf("raw Bind: %v", err)
	}
	defer rs.Close()

	u, err := NewUDP(st, pool.NewDatagramBuffers(1, 64, 64, 2), Options{}).
		Bind(ctx, netip.MustParseAddrPort("0.0.0.0:6000"))
	if err != nil {
		t.Fatalf("udp Bind: %v", err)
	}
	defer u.Close()
	if err := u.Send(ctx, netip.MustParseAddrPort("127.0.0.1:6001"), []byte("seen")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rx, _ := rs.Split()
	buf := make([]byte, 256)
	n, mac, err := rx.Receive(ctx, buf)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if mac != (MacAddr{}) {
		t.Errorf("mac = %v, want zero", mac)
	}
	if n != 20+8+4 || buf[0]>>4 != 4 || !bytes.HasSuffix(buf[:n], []byte("seen")) {
		t.Errorf("packet = % x", buf[:n])
	}
}

func TestRawExhaustion(t *testing.T) {
	st := sim.New(sim.Config{})
	raw := NewRaw(st, pool.NewRawBuffers(1, 64, 64, 1), Options{})
	s, err := raw.Bind(testCtx(t))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := raw.Bind(testCtx(t)); !errors.Is(err, ErrNoBuffers) {
		t.Errorf("second Bind = %v, want ErrNoBuffers", err)
	}
	s.Close()
	if err := s.Send(testCtx(t), MacAddr{}, []byte{0x45}); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	if st.Sockets() != 0 {
		t.Errorf("engine sockets = %d after Close", st.Sockets())
	}
}

// ── DNS ──────────────────────────────────────────────────────────────

func TestDNS(t *testing.T) {
	st := sim.New(sim.Config{Hosts: map[string][]netip.Addr{
		"device.local": {netip.MustParseAddr("192.168.1.20"), netip.MustParseAddr("fe80::20")},
	}})
	dns := NewDNS(st)
	ctx := testCtx(t)

	tests := []struct {
		host string
		hint AddrType
		want string
		err  error
	}{
		{"device.local", AddrTypeIPv4, "192.168.1.20", nil},
		{"device.local", AddrTypeEither, "192.168.1.20", nil},
		{"device.local", AddrTypeIPv6, "fe80::20", nil},
		{"unknown.local", AddrTypeIPv4, "", ErrDNSFailed},
	}
	for _, tt := range tests {
		got, err := dns.HostByName(ctx, tt.host, tt.hint)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("HostByName(%s) = %v, want %v", tt.host, err, tt.err)
			}
			continue
		}
		if err != nil || got.String() != tt.want {
			t.Errorf("HostByName(%s, %d) = %v, %v, want %s", tt.host, tt.hint, got, err, tt.want)
		}
	}

	if _, err := dns.HostByAddress(ctx, netip.MustParseAddr("192.168.1.20")); !errors.Is(err, ErrNotSupported) {
		t.Errorf("HostByAddress = %v, want ErrNotSupported", err)
	}
}
