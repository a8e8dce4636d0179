// Package core is the orchestration layer.  It composes pooled sockets
// and capabilities into complete operational modes and provides a
// builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	pool  →  engine  →  socket  →  capability/session  →  core  →  cmd (CLI)
//
// Every socket a mode opens draws its buffers from the pools in Env.
package core

import (
	"context"
	"io"
	"os"
)

// Mode represents a complete operational mode of sockpool (connect,
// listen, udp, lookup or selftest).  Each mode owns its full lifecycle
// from socket allocation to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

func stdinOr(r io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return os.Stdin
}

func stdoutOr(w io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return os.Stdout
}
