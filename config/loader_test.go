package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Host(t *testing.T) {
	t.Setenv("SOCKPOOL_HOST", "test.example.com")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.Host != "test.example.com" {
		t.Errorf("Host = %q, want %q", cfg.Host, "test.example.com")
	}
}

func TestLoadFromEnv_Port(t *testing.T) {
	t.Setenv("SOCKPOOL_PORT", "8080")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.LocalPort != 8080 {
		t.Errorf("LocalPort = %d, want 8080", cfg.LocalPort)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		key    string
		values []string
		get    func(*Config) bool
	}{
		{"SOCKPOOL_LISTEN", []string{"1", "true", "yes", "TRUE", "Yes"}, func(c *Config) bool { return c.Listen }},
		{"SOCKPOOL_UDP", []string{"1", "true"}, func(c *Config) bool { return c.UDP }},
		{"SOCKPOOL_IPV6", []string{"yes"}, func(c *Config) bool { return c.IPv6 }},
		{"SOCKPOOL_NO_DNS", []string{"true"}, func(c *Config) bool { return c.NoDNS }},
		{"SOCKPOOL_KEEP_OPEN", []string{"1"}, func(c *Config) bool { return c.KeepOpen }},
	}

	for _, tt := range tests {
		for _, v := range tt.values {
			t.Run(tt.key+"="+v, func(t *testing.T) {
				t.Setenv(tt.key, v)
				cfg := &Config{}
				LoadFromEnv(cfg)
				if !tt.get(cfg) {
					t.Errorf("%s=%s did not enable the option", tt.key, v)
				}
			})
		}
	}
}

func TestLoadFromEnv_FalseValues(t *testing.T) {
	for _, v := range []string{"0", "false", "no", "maybe"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("SOCKPOOL_LISTEN", v)
			cfg := &Config{}
			LoadFromEnv(cfg)
			if cfg.Listen {
				t.Errorf("SOCKPOOL_LISTEN=%s enabled listen mode", v)
			}
		})
	}
}

func TestLoadFromEnv_Timeout(t *testing.T) {
	t.Setenv("SOCKPOOL_TIMEOUT", "10")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
}

func TestLoadFromEnv_Pools(t *testing.T) {
	t.Setenv("SOCKPOOL_STREAM_SOCKETS", "3")
	t.Setenv("SOCKPOOL_STREAM_TX", "512")
	t.Setenv("SOCKPOOL_STREAM_RX", "256")
	t.Setenv("SOCKPOOL_DATAGRAM_SOCKETS", "2")
	t.Setenv("SOCKPOOL_DATAGRAM_TX", "64")
	t.Setenv("SOCKPOOL_DATAGRAM_RX", "128")
	t.Setenv("SOCKPOOL_DATAGRAM_META", "4")
	t.Setenv("SOCKPOOL_ENGINE_SOCKETS", "5")
	t.Setenv("SOCKPOOL_ACCEPT_RATE", "2.5")
	t.Setenv("SOCKPOOL_DNS_SERVER", "10.0.0.53")

	cfg := Default()
	LoadFromEnv(cfg)

	want := Config{
		StreamSockets: 3, StreamTxSize: 512, StreamRxSize: 256,
		DatagramSockets: 2, DatagramTxSize: 64, DatagramRxSize: 128, DatagramMeta: 4,
		EngineSockets: 5, AcceptRate: 2.5,
	}
	got := Config{
		StreamSockets: cfg.StreamSockets, StreamTxSize: cfg.StreamTxSize, StreamRxSize: cfg.StreamRxSize,
		DatagramSockets: cfg.DatagramSockets, DatagramTxSize: cfg.DatagramTxSize,
		DatagramRxSize: cfg.DatagramRxSize, DatagramMeta: cfg.DatagramMeta,
		EngineSockets: cfg.EngineSockets, AcceptRate: cfg.AcceptRate,
	}
	if got != want {
		t.Errorf("pools = %+v, want %+v", got, want)
	}
	if cfg.DNSServer != "10.0.0.53" {
		t.Errorf("DNSServer = %q", cfg.DNSServer)
	}
}

func TestLoadFromEnv_SSHFields(t *testing.T) {
	t.Setenv("SOCKPOOL_TUNNEL", "admin@bastion:2222")
	t.Setenv("SOCKPOOL_SSH_KEY", "/home/user/.ssh/id_rsa")
	t.Setenv("SOCKPOOL_SSH_PASSWORD", "true")
	t.Setenv("SOCKPOOL_SSH_AGENT", "1")
	t.Setenv("SOCKPOOL_STRICT_HOSTKEY", "yes")
	t.Setenv("SOCKPOOL_KNOWN_HOSTS", "/custom/known_hosts")

	cfg := &Config{}
	LoadFromEnv(cfg)

	if cfg.TunnelSpec != "admin@bastion:2222" {
		t.Errorf("TunnelSpec = %q", cfg.TunnelSpec)
	}
	if cfg.SSHKeyPath != "/home/user/.ssh/id_rsa" {
		t.Errorf("SSHKeyPath = %q", cfg.SSHKeyPath)
	}
	if !cfg.SSHPassword {
		t.Error("SSHPassword should be true")
	}
	if !cfg.UseSSHAgent {
		t.Error("UseSSHAgent should be true")
	}
	if !cfg.StrictHostKey {
		t.Error("StrictHostKey should be true")
	}
	if cfg.KnownHostsPath != "/custom/known_hosts" {
		t.Errorf("KnownHostsPath = %q", cfg.KnownHostsPath)
	}
}

func TestLoadFromEnv_NoOverrideWhenEmpty(t *testing.T) {
	cfg := &Config{Host: "original", LocalPort: 1234, StreamSockets: 7}
	t.Setenv("SOCKPOOL_HOST", "")
	t.Setenv("SOCKPOOL_PORT", "")
	t.Setenv("SOCKPOOL_STREAM_SOCKETS", "")
	LoadFromEnv(cfg)

	if cfg.Host != "original" {
		t.Errorf("Host was overridden: %q", cfg.Host)
	}
	if cfg.LocalPort != 1234 {
		t.Errorf("LocalPort was overridden: %d", cfg.LocalPort)
	}
	if cfg.StreamSockets != 7 {
		t.Errorf("StreamSockets was overridden: %d", cfg.StreamSockets)
	}
}

func TestLoadFromEnv_InvalidNumbersIgnored(t *testing.T) {
	t.Setenv("SOCKPOOL_PORT", "not-a-number")
	t.Setenv("SOCKPOOL_STREAM_SOCKETS", "-3")
	t.Setenv("SOCKPOOL_ACCEPT_RATE", "fast")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.LocalPort != 0 {
		t.Errorf("LocalPort should be 0 for invalid input, got %d", cfg.LocalPort)
	}
	if cfg.StreamSockets != DefaultStreamSockets {
		t.Errorf("StreamSockets = %d, want default", cfg.StreamSockets)
	}
	if cfg.AcceptRate != 0 {
		t.Errorf("AcceptRate = %v, want 0", cfg.AcceptRate)
	}
}

func TestLoadFromEnv_Output(t *testing.T) {
	t.Setenv("SOCKPOOL_VERBOSE", "3")
	t.Setenv("SOCKPOOL_METRICS_ADDR", "127.0.0.1:9100")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3", cfg.Verbose)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}
