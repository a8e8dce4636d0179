package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SOCKPOOL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// EnvPrefix prefixes every environment variable LoadFromEnv reads.
const EnvPrefix = "SOCKPOOL_"

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if envBool("LISTEN") {
		cfg.Listen = true
	}
	if envBool("UDP") {
		cfg.UDP = true
	}
	if envBool("IPV6") {
		cfg.IPv6 = true
	}
	if envBool("NO_DNS") {
		cfg.NoDNS = true
	}
	if envBool("KEEP_OPEN") {
		cfg.KeepOpen = true
	}
	if v := envInt("TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}

	// Pools
	setInt(&cfg.StreamSockets, "STREAM_SOCKETS")
	setInt(&cfg.StreamTxSize, "STREAM_TX")
	setInt(&cfg.StreamRxSize, "STREAM_RX")
	setInt(&cfg.DatagramSockets, "DATAGRAM_SOCKETS")
	setInt(&cfg.DatagramTxSize, "DATAGRAM_TX")
	setInt(&cfg.DatagramRxSize, "DATAGRAM_RX")
	setInt(&cfg.DatagramMeta, "DATAGRAM_META")
	setInt(&cfg.EngineSockets, "ENGINE_SOCKETS")
	if v, err := strconv.ParseFloat(env("ACCEPT_RATE"), 64); err == nil && v > 0 {
		cfg.AcceptRate = v
	}

	// DNS
	if v := env("DNS_SERVER"); v != "" {
		cfg.DNSServer = v
	}

	// SSH gateway
	if v := env("TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := env("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string { return os.Getenv(EnvPrefix + key) }

func envInt(key string) int {
	v := env(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func setInt(dst *int, key string) {
	if v := envInt(key); v > 0 {
		*dst = v
	}
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
