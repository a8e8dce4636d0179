package core

import (
	"context"
	"fmt"
	"io"
	"net/netip"

	"sockpool/config"
	"sockpool/engine"
	"sockpool/engine/hostnet"
	"sockpool/internal/metrics"
	"sockpool/internal/transport"
	"sockpool/pool"
	"sockpool/socket"
	"sockpool/util"
)

// Env is the engine, the buffer pools, and the socket factories a mode
// runs on.
type Env struct {
	Stack     engine.Stack
	Streams   *pool.StreamBuffers
	Datagrams *pool.DatagramBuffers
	TCP       *socket.TCP
	UDP       *socket.UDP
	DNS       *socket.DNS
	Metrics   *metrics.Collector
}

// NewEnv wires the pools to stack and registers them with opts.Metrics.
func NewEnv(stack engine.Stack, streams *pool.StreamBuffers, datagrams *pool.DatagramBuffers, opts socket.Options) *Env {
	opts.Metrics.RegisterPool("stream", streams)
	opts.Metrics.RegisterPool("datagram", datagrams)
	return &Env{
		Stack:     stack,
		Streams:   streams,
		Datagrams: datagrams,
		TCP:       socket.NewTCP(stack, streams, opts),
		UDP:       socket.NewUDP(stack, datagrams, opts),
		DNS:       socket.NewDNS(stack),
		Metrics:   opts.Metrics,
	}
}

// NewHostEnv builds the OS-backed engine and the pools cfg describes.
// Outbound streams go through the SSH gateway when one is configured.
func NewHostEnv(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*Env, error) {
	gw, err := cfg.Gateway()
	if err != nil {
		return nil, err
	}
	var dialer transport.Dialer = &transport.TCPDialer{Timeout: cfg.Timeout}
	if gw != nil {
		logger.Verbose("routing streams through %s", gw)
		dialer = transport.NewSSHDialer(gw, logger)
	}

	st, err := hostnet.New(hostnet.Config{
		Dialer:     dialer,
		MaxSockets: cfg.EngineSockets,
		DNSServer:  cfg.DNSAddr(),
		DNSTimeout: cfg.DNSTimeout,
		DNSCache:   cfg.DNSCache,
		Logger:     logger,
	})
	if err != nil {
		dialer.Close() //nolint:errcheck
		return nil, fmt.Errorf("engine: %w", err)
	}

	streams := pool.NewStreamBuffers(cfg.StreamSockets, cfg.StreamTxSize, cfg.StreamRxSize)
	datagrams := pool.NewDatagramBuffers(cfg.DatagramSockets, cfg.DatagramTxSize, cfg.DatagramRxSize, cfg.DatagramMeta)
	return NewEnv(st, streams, datagrams, socket.Options{
		Logger:    logger,
		Metrics:   m,
		Multicast: cfg.Group != "",
	}), nil
}

// Close shuts the engine down if it holds OS resources.
func (e *Env) Close() error {
	if c, ok := e.Stack.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Resolve turns host and port into a socket address.  IP literals are
// used as-is; names go through the engine's resolver unless noDNS is
// set.
func (e *Env) Resolve(ctx context.Context, host string, port int, v6, noDNS bool) (netip.AddrPort, error) {
	if util.IsIPLiteral(host) {
		return util.ParseAddrPort(host, port)
	}
	if noDNS {
		return netip.AddrPort{}, fmt.Errorf("%q is not an IP address and DNS is disabled (-n)", host)
	}
	hint := socket.AddrTypeIPv4
	if v6 {
		hint = socket.AddrTypeIPv6
	}
	addr, err := e.DNS.HostByName(ctx, host, hint)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
