// Package errors provides domain-specific error types for sockpool.
//
// These types carry structured context (protocol, operation, address,
// retryability) that helps callers decide how to handle failures and
// provides better diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrNoBuffers reports that a buffer pool has no free slot.  It is
	// recoverable: retry once another socket has been closed.
	ErrNoBuffers = errors.New("no socket buffers available")

	// ErrUnsupportedProto reports an address family the engine was not
	// built with.  It is an invalid-input condition and never retryable.
	ErrUnsupportedProto = errors.New("unsupported protocol")

	ErrSocketClosed            = errors.New("socket is closed")
	ErrMulticastGroupTableFull = errors.New("multicast group table is full")
	ErrMulticastUnaddressable  = errors.New("multicast group is unaddressable")
	ErrDNSFailed               = errors.New("name resolution failed")
	ErrNotSupported            = errors.New("operation not supported")
	ErrCircuitOpen             = errors.New("circuit breaker is open")
	ErrNotConnected            = errors.New("not connected")
	ErrCloseInProgress         = errors.New("close already in progress")
)

// ── Error kinds ──────────────────────────────────────────────────────

// Kind is a coarse classification of an error, mirroring the I/O error
// kinds embedded network layers report.
type Kind int

const (
	KindOther Kind = iota
	KindOutOfMemory
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "other"
	}
}

// KindOf classifies err.  Exhaustion maps to KindOutOfMemory and
// unsupported address families to KindInvalidInput; everything else,
// including transport errors, is KindOther.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrNoBuffers):
		return KindOutOfMemory
	case errors.Is(err, ErrUnsupportedProto):
		return KindInvalidInput
	default:
		return KindOther
	}
}

// ── Structured error types ───────────────────────────────────────────

// OpError tags a failure with the socket operation that produced it.
type OpError struct {
	Proto     string // "tcp", "udp", "raw", "dns"
	Op        string // "connect", "accept", "bind", "read", "write", "flush", ...
	Addr      string // address involved, if any
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *OpError) Error() string {
	s := e.Proto + " " + e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	s += ": " + e.Err.Error()
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *OpError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates an OpError, detecting retryability from the underlying
// error.  A nil err yields nil.
func Wrap(proto, op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{
		Proto:     proto,
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: errors.Is(err, ErrNoBuffers),
	}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return errors.Is(err, ErrNoBuffers)
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
