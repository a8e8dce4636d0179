package config

import (
	"time"

	"sockpool/pool"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultStreamSockets is the stream pool capacity.
	DefaultStreamSockets = 8

	// DefaultDatagramSockets is the datagram pool capacity.
	DefaultDatagramSockets = 4

	// DefaultEngineSockets is how many sockets the host engine will
	// register at once.  The pools together must fit inside it.
	DefaultEngineSockets = 16

	// DefaultStreamTxSize and DefaultStreamRxSize are the per-socket
	// stream buffer sizes in bytes.
	DefaultStreamTxSize = pool.DefaultStreamTxSize
	DefaultStreamRxSize = pool.DefaultStreamRxSize

	// DefaultDatagramTxSize, DefaultDatagramRxSize and
	// DefaultDatagramMeta size the datagram slots.
	DefaultDatagramTxSize = pool.DefaultPacketTxSize
	DefaultDatagramRxSize = pool.DefaultPacketRxSize
	DefaultDatagramMeta   = pool.DefaultPacketMetadata

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 10 * time.Second

	// DefaultReplyWait is how long UDP connect mode keeps listening for
	// replies after stdin is exhausted.
	DefaultReplyWait = time.Second

	// DefaultDNSTimeout bounds one upstream DNS exchange.
	DefaultDNSTimeout = 2 * time.Second

	// DefaultDNSCache is the number of cached DNS answers.
	DefaultDNSCache = 256

	// DefaultDNSPort is appended to a --dns-server given without one.
	DefaultDNSPort = "53"

	// DefaultAcceptBurst is the accept pacing burst when --accept-rate
	// is set.
	DefaultAcceptBurst = 4

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultGracePeriod is how long listen mode waits for handlers to
	// finish after the context is cancelled.
	DefaultGracePeriod = 5 * time.Second
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Timeout:         DefaultConnTimeout,
		StreamSockets:   DefaultStreamSockets,
		StreamTxSize:    DefaultStreamTxSize,
		StreamRxSize:    DefaultStreamRxSize,
		DatagramSockets: DefaultDatagramSockets,
		DatagramTxSize:  DefaultDatagramTxSize,
		DatagramRxSize:  DefaultDatagramRxSize,
		DatagramMeta:    DefaultDatagramMeta,
		EngineSockets:   DefaultEngineSockets,
		AcceptBurst:     DefaultAcceptBurst,
		DNSTimeout:      DefaultDNSTimeout,
		DNSCache:        DefaultDNSCache,
	}
}
