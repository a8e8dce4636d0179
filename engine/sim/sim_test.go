package sim

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"sockpool/engine"
)

var (
	lo4 = netip.MustParseAddr("127.0.0.1")
	mc4 = netip.MustParseAddr("239.1.2.3")
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTCP(t *testing.T, s *Stack, size int) engine.TCPSocket {
	t.Helper()
	sock, err := s.NewTCPSocket(make([]byte, size), make([]byte, size))
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	return sock
}

// pair returns a connected (client, server) pair on port.
func pair(t *testing.T, s *Stack, port uint16, size int) (engine.TCPSocket, engine.TCPSocket) {
	t.Helper()
	ctx := testCtx(t)
	client, server := newTCP(t, s, size), newTCP(t, s, size)

	accepted := make(chan error, 1)
	go func() { accepted <- server.Accept(ctx, engine.ListenEndpoint{Port: port}) }()

	remote := engine.Endpoint{Addr: lo4, Port: port}
	for {
		err := client.Connect(ctx, remote)
		if err == nil {
			break
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
	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return client, server
}

func writeAll(t *testing.T, sock engine.TCPSocket, p []byte) {
	t.Helper()
	ctx := testCtx(t)
	for len(p) > 0 {
		n, err := sock.Write(ctx, p)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		p = p[n:]
	}
}

// drain reads until end of stream.
func drain(ctx context.Context, sock engine.TCPSocket) (string, error) {
	var out []byte
	buf := make([]byte, 7)
	for {
		n, err := sock.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
	}
}

// ── TCP ──────────────────────────────────────────────────────────────

func TestTCPConnectAcceptEndpoints(t *testing.T) {
	s := New(Config{})
	client, server := pair(t, s, 80, 16)

	cl, ok := client.LocalEndpoint()
	if !ok || cl.Addr != lo4 || cl.Port < ephemeralFirst {
		t.Errorf("client local = %v %v", cl, ok)
	}
	sr, _ := server.RemoteEndpoint()
	if sr != cl {
		t.Errorf("server remote = %v, want %v", sr, cl)
	}
	sl, _ := server.LocalEndpoint()
	if sl != (engine.Endpoint{Addr: lo4, Port: 80}) {
		t.Errorf("server local = %v", sl)
	}
}

func TestTCPStreamLargerThanRegions(t *testing.T) {
	s := New(Config{})
	client, server := pair(t, s, 80, 8)

	msg := "the quick brown fox jumps over the lazy dog"
	ctx := testCtx(t)
	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := drain(ctx, server)
		done <- result{data, err}
	}()

	writeAll(t, client, []byte(msg))
	client.Close()
	if err := client.Flush(testCtx(t)); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := <-done
	if got.err != nil {
		t.Fatalf("server read: %v", got.err)
	}
	if got.data != msg {
		t.Errorf("server read %q, want %q", got.data, msg)
	}
}

func TestTCPConnectNoListener(t *testing.T) {
	s := New(Config{})
	sock := newTCP(t, s, 8)
	err := sock.Connect(testCtx(t), engine.Endpoint{Addr: lo4, Port: 81})
	if !errors.Is(err, engine.ErrConnectionReset) {
		t.Fatalf("Connect = %v, want ErrConnectionReset", err)
	}
}

func TestTCPConnectErrors(t *testing.T) {
	s := New(Config{Families: engine.FamilyIPv4})
	tests := []struct {
		name   string
		remote engine.Endpoint
		want   error
	}{
		{"port zero", engine.Endpoint{Addr: lo4}, engine.ErrInvalidPort},
		{"disabled family", engine.Endpoint{Addr: netip.IPv6Loopback(), Port: 1}, engine.ErrNoRoute},
		{"unspecified", engine.Endpoint{Addr: netip.IPv4Unspecified(), Port: 1}, engine.ErrNoRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTCP(t, s, 8).Connect(testCtx(t), tt.remote)
			if !errors.Is(err, tt.want) {
				t.Errorf("Connect = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTCPAcceptCancelled(t *testing.T) {
	s := New(Config{})
	sock := newTCP(t, s, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sock.Accept(ctx, engine.ListenEndpoint{Port: 90}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Accept = %v, want context.Canceled", err)
	}
	// No longer listening.
	err := newTCP(t, s, 8).Connect(testCtx(t), engine.Endpoint{Addr: lo4, Port: 90})
	if !errors.Is(err, engine.ErrConnectionReset) {
		t.Fatalf("Connect = %v, want reset", err)
	}
}

func TestTCPManualPollFlush(t *testing.T) {
	s := New(Config{ManualPoll: true})
	client, server := pair(t, s, 80, 16)

	writeAll(t, client, []byte("ping"))
	client.Close()

	flushed := make(chan error, 1)
	go func() { flushed <- client.Flush(testCtx(t)) }()

	select {
	case err := <-flushed:
		t.Fatalf("Flush returned before poll: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Poll()
	if err := <-flushed; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := drain(testCtx(t), server)
	if err != nil || got != "ping" {
		t.Errorf("server read %q, %v", got, err)
	}
}

func TestTCPAbortResetsPeer(t *testing.T) {
	s := New(Config{ManualPoll: true})
	client, server := pair(t, s, 80, 16)

	writeAll(t, client, []byte("lost"))
	client.Abort()

	flushed := make(chan error, 1)
	go func() { flushed <- client.Flush(testCtx(t)) }()
	select {
	case <-flushed:
		t.Fatal("Flush after Abort returned before the reset left")
	case <-time.After(20 * time.Millisecond):
	}

	s.Poll()
	if err := <-flushed; err != nil {
		t.Fatalf("Flush after Abort: %v", err)
	}
	_, err := server.Read(testCtx(t), make([]byte, 4))
	if !errors.Is(err, engine.ErrConnectionReset) {
		t.Fatalf("peer Read = %v, want reset", err)
	}
	if _, err := client.Write(testCtx(t), []byte("x")); !errors.Is(err, engine.ErrConnectionReset) {
		t.Fatalf("Write after Abort = %v", err)
	}
}

func TestTCPRemoveWithoutFinResetsPeer(t *testing.T) {
	s := New(Config{})
	client, server := pair(t, s, 80, 16)
	if s.Sockets() != 2 {
		t.Fatalf("Sockets = %d", s.Sockets())
	}

	client.Remove()
	client.Remove()
	if s.Sockets() != 1 {
		t.Errorf("Sockets after Remove = %d", s.Sockets())
	}
	if _, err := server.Read(testCtx(t), make([]byte, 1)); !errors.Is(err, engine.ErrConnectionReset) {
		t.Errorf("peer Read = %v, want reset", err)
	}
}

func TestTCPSocketSetFull(t *testing.T) {
	s := New(Config{MaxSockets: 1})
	newTCP(t, s, 8)
	if _, err := s.NewTCPSocket(make([]byte, 8), make([]byte, 8)); !errors.Is(err, engine.ErrSocketSetFull) {
		t.Fatalf("second socket = %v, want ErrSocketSetFull", err)
	}
}

// ── UDP and raw ──────────────────────────────────────────────────────

func newUDP(t *testing.T, s *Stack, port uint16) engine.UDPSocket {
	t.Helper()
	u, err := s.NewUDPSocket(make([]engine.PacketMetadata, 2), make([]byte, 64),
		make([]engine.PacketMetadata, 2), make([]byte, 64))
	if err != nil {
		t.Fatalf("NewUDPSocket: %v", err)
	}
	if err := u.Bind(engine.ListenEndpoint{Port: port}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return u
}

func TestUDPSendRecv(t *testing.T) {
	s := New(Config{})
	a, b := newUDP(t, s, 1000), newUDP(t, s, 2000)
	ctx := testCtx(t)

	if err := a.SendTo(ctx, []byte("hi"), engine.Endpoint{Addr: lo4, Port: 2000}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	buf := make([]byte, 16)
	n, md, err := b.RecvFrom(ctx, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Errorf("payload = %q", buf[:n])
	}
	if md.Endpoint != (engine.Endpoint{Addr: lo4, Port: 1000}) || md.Local != lo4 {
		t.Errorf("metadata = %+v", md)
	}
}

func TestUDPSendErrors(t *testing.T) {
	s := New(Config{})
	ctx := testCtx(t)
	unbound, _ := s.NewUDPSocket(make([]engine.PacketMetadata, 1), make([]byte, 8),
		make([]engine.PacketMetadata, 1), make([]byte, 8))
	if err := unbound.SendTo(ctx, []byte("x"), engine.Endpoint{Addr: lo4, Port: 1}); !errors.Is(err, engine.ErrSocketNotBound) {
		t.Errorf("unbound SendTo = %v", err)
	}
	u := newUDP(t, s, 1)
	if err := u.SendTo(ctx, make([]byte, 65), engine.Endpoint{Addr: lo4, Port: 2}); !errors.Is(err, engine.ErrPacketTooLarge) {
		t.Errorf("oversize SendTo = %v", err)
	}
}

func TestUDPMulticastRequiresJoin(t *testing.T) {
	s := New(Config{MaxGroups: 1})
	tx, rx := newUDP(t, s, 1000), newUDP(t, s, 5353)
	ctx := testCtx(t)
	group := engine.Endpoint{Addr: mc4, Port: 5353}

	if err := tx.SendTo(ctx, []byte("before"), group); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if err := s.JoinMulticastGroup(mc4); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.JoinMulticastGroup(netip.MustParseAddr("239.9.9.9")); !errors.Is(err, engine.ErrGroupTableFull) {
		t.Errorf("second Join = %v, want ErrGroupTableFull", err)
	}
	if err := s.JoinMulticastGroup(lo4); !errors.Is(err, engine.ErrUnaddressable) {
		t.Errorf("unicast Join = %v, want ErrUnaddressable", err)
	}
	if err := tx.SendTo(ctx, []byte("after"), group); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 16)
	n, _, err := rx.RecvFrom(ctx, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "after" {
		t.Errorf("received %q, want only the post-join datagram", buf[:n])
	}
}

func newRaw(t *testing.T, s *Stack, v engine.IPVersion, p engine.IPProtocol) engine.RawSocket {
	t.Helper()
	r, err := s.NewRawSocket(v, p, make([]engine.PacketMetadata, 2), make([]byte, 256),
		make([]engine.PacketMetadata, 2), make([]byte, 256))
	if err != nil {
		t.Fatalf("NewRawSocket: %v", err)
	}
	return r
}

func TestRawSeesUDPTraffic(t *testing.T) {
	s := New(Config{})
	raw := newRaw(t, s, engine.IPv4, engine.IPProtocolUDP)
	icmp := newRaw(t, s, engine.IPv4, engine.IPProtocolICMP)
	a := newUDP(t, s, 1000)
	ctx := testCtx(t)

	if err := a.SendTo(ctx, []byte("payload"), engine.Endpoint{Addr: lo4, Port: 2000}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	buf := make([]byte, 256)
	n, err := raw.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	src, dst, payload, ok := decodeUDP(buf[:n])
	if !ok {
		t.Fatal("raw packet does not decode as UDP")
	}
	if src.Port != 1000 || dst != (engine.Endpoint{Addr: lo4, Port: 2000}) || string(payload) != "payload" {
		t.Errorf("decoded %v -> %v %q", src, dst, payload)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := icmp.WaitRecvReady(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ICMP raw socket woke: %v", err)
	}
}

func TestRawSendReachesUDP(t *testing.T) {
	s := New(Config{})
	raw := newRaw(t, s, engine.IPVersionAny, engine.IPProtocolAny)
	u := newUDP(t, s, 7)
	ctx := testCtx(t)

	pkt, err := encodeUDP(engine.Endpoint{Addr: netip.MustParseAddr("::1"), Port: 4000},
		engine.Endpoint{Addr: netip.IPv6Loopback(), Port: 7}, []byte("v6"))
	if err != nil {
		t.Fatalf("encodeUDP: %v", err)
	}
	if err := raw.Send(ctx, pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 8)
	n, md, err := u.RecvFrom(ctx, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "v6" || md.Endpoint.Port != 4000 {
		t.Errorf("got %q from %v", buf[:n], md.Endpoint)
	}
}

// ── DNS ──────────────────────────────────────────────────────────────

func TestDNSQuery(t *testing.T) {
	s := New(Config{Hosts: map[string][]netip.Addr{
		"Example.Test": {netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")},
	}})
	ctx := testCtx(t)

	tests := []struct {
		name  string
		qtype engine.DNSQueryType
		want  string
		err   error
	}{
		{"example.test.", engine.QueryA, "192.0.2.1", nil},
		{"example.test", engine.QueryAAAA, "2001:db8::1", nil},
		{"10.1.2.3", engine.QueryA, "10.1.2.3", nil},
		{"10.1.2.3", engine.QueryAAAA, "", engine.ErrDNSFailed},
		{"::ffff:10.1.2.3", engine.QueryA, "10.1.2.3", nil},
		{"missing.test", engine.QueryA, "", engine.ErrDNSFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.DNSQuery(ctx, tt.name, tt.qtype)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DNSQuery: %v", err)
			}
			if len(got) != 1 || got[0].String() != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}
}
