package socket

import (
	errs "sockpool/internal/errors"
)

// OpError tags a failure with the socket operation that produced it.
type OpError = errs.OpError

// Errors reported by sockets.  Transport failures from the engine are
// wrapped in *OpError and remain matchable with errors.Is.
var (
	ErrNoBuffers               = errs.ErrNoBuffers
	ErrUnsupportedProto        = errs.ErrUnsupportedProto
	ErrSocketClosed            = errs.ErrSocketClosed
	ErrMulticastGroupTableFull = errs.ErrMulticastGroupTableFull
	ErrMulticastUnaddressable  = errs.ErrMulticastUnaddressable
	ErrDNSFailed               = errs.ErrDNSFailed
	ErrNotSupported            = errs.ErrNotSupported
	ErrNotConnected            = errs.ErrNotConnected
	ErrCloseInProgress         = errs.ErrCloseInProgress
)

// Kind is the I/O error kind of a socket error.
type Kind = errs.Kind

const (
	KindOther        = errs.KindOther
	KindOutOfMemory  = errs.KindOutOfMemory
	KindInvalidInput = errs.KindInvalidInput
)

// KindOf classifies err: pool exhaustion is KindOutOfMemory, an
// unsupported address family is KindInvalidInput.
func KindOf(err error) Kind { return errs.KindOf(err) }
