package socket

import (
	"sockpool/engine"
	"sockpool/internal/metrics"
	"sockpool/util"
)

// Options configures a socket factory.  The zero value is usable.
type Options struct {
	Logger  *util.Logger       // nil discards
	Metrics *metrics.Collector // nil disables

	// Multicast enables UDP group membership.  Without it the Join and
	// Leave methods fail with ErrUnsupportedProto.
	Multicast bool

	// RawVersion and RawProtocol filter the traffic raw sockets see.
	// The zero values accept every version and protocol.
	RawVersion  engine.IPVersion
	RawProtocol engine.IPProtocol
}
