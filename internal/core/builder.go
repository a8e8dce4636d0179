package core

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"sockpool/config"
	"sockpool/internal/capability"
	"sockpool/internal/retry"
	"sockpool/util"
)

// Build constructs the Mode cfg selects, running on env.  Only the
// selftest mode may be built with a nil env; it brings its own engine.
func Build(cfg *config.Config, env *Env, logger *util.Logger) (Mode, error) {
	mode := cfg.Mode()
	if env == nil && mode != config.ModeSelfTest {
		return nil, fmt.Errorf("%s mode needs an engine", mode)
	}

	switch mode {
	case config.ModeSelfTest:
		return &SelfTestMode{Logger: logger}, nil
	case config.ModeLookup:
		return &LookupMode{Env: env, Host: cfg.Host, IPv6: cfg.IPv6, Logger: logger}, nil
	case config.ModeListen:
		return buildListen(cfg, env, logger), nil
	case config.ModeUDPListen:
		return buildUDPListen(cfg, env, logger)
	case config.ModeUDP:
		return &UDPMode{
			Env:       env,
			Host:      cfg.Host,
			Port:      cfg.Port,
			IPv6:      cfg.IPv6,
			NoDNS:     cfg.NoDNS,
			ReplyWait: config.DefaultReplyWait,
			Logger:    logger,
		}, nil
	default:
		return &ConnectMode{
			Env:        env,
			Host:       cfg.Host,
			Port:       cfg.Port,
			IPv6:       cfg.IPv6,
			NoDNS:      cfg.NoDNS,
			Timeout:    cfg.Timeout,
			Capability: buildCapability(cfg),
			Logger:     logger,
		}, nil
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildListen(cfg *config.Config, env *Env, logger *util.Logger) *ListenMode {
	backoff := retry.PoolBackoff()
	backoff.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Verbose("stream pool exhausted (attempt %d), retrying in %v", attempt, wait)
	}

	m := &ListenMode{
		Env:         env,
		Local:       listenAddr(cfg),
		KeepOpen:    cfg.KeepOpen,
		Capability:  buildCapability(cfg),
		Backoff:     backoff,
		GracePeriod: config.DefaultGracePeriod,
		Logger:      logger,
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = config.DefaultAcceptBurst
		}
		m.Limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return m
}

func buildUDPListen(cfg *config.Config, env *Env, logger *util.Logger) (Mode, error) {
	m := &UDPListenMode{
		Env:    env,
		Local:  listenAddr(cfg),
		Echo:   cfg.Echo,
		Logger: logger,
	}
	if cfg.Group != "" {
		group, err := netip.ParseAddr(cfg.Group)
		if err != nil {
			return nil, fmt.Errorf("multicast group: %w", err)
		}
		m.Group = group
	}
	return m, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// listenAddr is the local bind address for the listen modes.
func listenAddr(cfg *config.Config) netip.AddrPort {
	addr := netip.IPv4Unspecified()
	if cfg.IPv6 {
		addr = netip.IPv6Unspecified()
	}
	return netip.AddrPortFrom(addr, uint16(cfg.LocalPort))
}

// buildCapability selects the per-connection behaviour.
func buildCapability(cfg *config.Config) capability.Capability {
	switch {
	case cfg.Execute != "" || cfg.Command != "":
		return &capability.Exec{
			Program: cfg.Execute,
			Command: cfg.Command,
		}
	case cfg.Echo:
		return &capability.Echo{}
	default:
		return &capability.Relay{}
	}
}
