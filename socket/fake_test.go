package socket

import (
	"context"
	"io"
	"net/netip"
	"sync"

	"sockpool/engine"
)

// fakeStack is a scripted engine for exercising the close protocol.
type fakeStack struct {
	families engine.Family
	newErr   error // returned by every New*Socket
	last     *fakeTCP
	script   func(*fakeTCP)
}

func newFakeStack() *fakeStack { return &fakeStack{families: engine.FamilyAll} }

func (f *fakeStack) Families() engine.Family { return f.families }

func (f *fakeStack) NewTCPSocket(rx, tx []byte) (engine.TCPSocket, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	s := &fakeTCP{
		aborted:      make(chan struct{}),
		flushStarted: make(chan struct{}, 1),
		readStarted:  make(chan struct{}, 1),
	}
	if f.script != nil {
		f.script(s)
	}
	f.last = s
	return s, nil
}

func (f *fakeStack) NewUDPSocket([]engine.PacketMetadata, []byte, []engine.PacketMetadata, []byte) (engine.UDPSocket, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	return nil, engine.ErrNotSupported
}

func (f *fakeStack) NewRawSocket(engine.IPVersion, engine.IPProtocol,
	[]engine.PacketMetadata, []byte, []engine.PacketMetadata, []byte) (engine.RawSocket, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	return nil, engine.ErrNotSupported
}

func (f *fakeStack) DNSQuery(context.Context, string, engine.DNSQueryType) ([]netip.Addr, error) {
	return nil, nil
}

func (f *fakeStack) JoinMulticastGroup(netip.Addr) error  { return nil }
func (f *fakeStack) LeaveMulticastGroup(netip.Addr) error { return nil }

// fakeTCP records the calls made on it.  Flush and Read block on their
// gates (when set) until the gate closes, the socket is aborted, or
// the context ends.
type fakeTCP struct {
	mu    sync.Mutex
	calls []string

	flushErr  error
	readErr   error
	flushGate chan struct{}
	readGate  chan struct{}
	onRemove  func()

	abortOnce    sync.Once
	aborted      chan struct{}
	flushStarted chan struct{}
	readStarted  chan struct{}
}

func (f *fakeTCP) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTCP) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTCP) wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-f.aborted:
		return engine.ErrConnectionReset
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTCP) Connect(context.Context, engine.Endpoint) error {
	f.record("connect")
	return nil
}

func (f *fakeTCP) Accept(context.Context, engine.ListenEndpoint) error {
	f.record("accept")
	return nil
}

func (f *fakeTCP) LocalEndpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 50000}, true
}

func (f *fakeTCP) RemoteEndpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80}, true
}

func (f *fakeTCP) Read(ctx context.Context, p []byte) (int, error) {
	f.record("read")
	select {
	case f.readStarted <- struct{}{}:
	default:
	}
	if err := f.wait(ctx, f.readGate); err != nil {
		return 0, err
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	return 0, io.EOF
}

func (f *fakeTCP) Write(_ context.Context, p []byte) (int, error) {
	f.record("write")
	return len(p), nil
}

func (f *fakeTCP) Flush(ctx context.Context) error {
	f.record("flush")
	select {
	case f.flushStarted <- struct{}{}:
	default:
	}
	if err := f.wait(ctx, f.flushGate); err != nil {
		return err
	}
	return f.flushErr
}

func (f *fakeTCP) WaitReadReady(context.Context) error { return nil }

func (f *fakeTCP) Close() { f.record("close") }

func (f *fakeTCP) Abort() {
	f.record("abort")
	f.abortOnce.Do(func() { close(f.aborted) })
}

func (f *fakeTCP) Remove() {
	f.record("remove")
	if f.onRemove != nil {
		f.onRemove()
	}
}
