package engine

import "errors"

// Errors reported by engines.  Implementations return these (possibly
// wrapped) so that callers can classify failures with errors.Is.
var (
	ErrConnectionReset   = errors.New("connection reset")
	ErrConnectionRefused = errors.New("connection refused")
	ErrInvalidState      = errors.New("socket in invalid state")
	ErrInvalidPort       = errors.New("invalid port")
	ErrNoRoute           = errors.New("no route to host")
	ErrTimedOut          = errors.New("timed out")
	ErrSocketNotBound    = errors.New("socket not bound")
	ErrPacketTooLarge    = errors.New("packet too large")
	ErrTruncated         = errors.New("packet truncated")
	ErrSocketSetFull     = errors.New("socket set is full")
	ErrGroupTableFull    = errors.New("multicast group table full")
	ErrUnaddressable     = errors.New("multicast group unaddressable")
	ErrDNSFailed         = errors.New("dns query failed")
	ErrNotSupported      = errors.New("not supported by engine")
)
