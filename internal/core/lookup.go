package core

import (
	"context"
	"fmt"
	"io"

	"sockpool/socket"
	"sockpool/util"
)

// LookupMode resolves one name through the engine's resolver and
// prints the first address.
type LookupMode struct {
	Env    *Env
	Host   string
	IPv6   bool
	Logger *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

// Run performs the lookup.
func (m *LookupMode) Run(ctx context.Context) error {
	hint := socket.AddrTypeIPv4
	if m.IPv6 {
		hint = socket.AddrTypeIPv6
	}
	addr, err := m.Env.DNS.HostByName(ctx, m.Host, hint)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", m.Host, err)
	}
	m.Logger.Debug("%s -> %s", m.Host, addr)
	_, err = fmt.Fprintln(stdoutOr(m.Stdout), addr)
	return err
}
