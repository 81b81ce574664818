package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
tunnel_remote_address: 127.0.0.1:9999
rules:
  - remote_network: 10.0.0.0
    remote_prefix: 8
    protocol: any
    direction: any
  - remote_network: 192.168.0.0/16
    local_network: 127.0.0.1
    protocol: udp
    direction: inbound
  - protocol: tcp
upstream:
  type: socks5
  address: 127.0.0.1:1080
  dial_timeout: 3s
session:
  max_sessions: 128
  udp_idle_timeout: 30s
logging:
  level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9999", cfg.TunnelRemoteAddress)
	require.Len(t, cfg.Rules, 3)

	assert.Equal(t, NetworkRule{
		RemoteNetwork: "10.0.0.0",
		RemotePrefix:  Prefix(8),
		Protocol:      api.RuleProtocolAny,
		Direction:     api.DirectionAny,
	}, cfg.Rules[0])

	assert.Equal(t, NetworkRule{
		RemoteNetwork: "192.168.0.0",
		RemotePrefix:  Prefix(16),
		LocalNetwork:  "127.0.0.1",
		Protocol:      api.RuleProtocolUDP,
		Direction:     api.DirectionInbound,
	}, cfg.Rules[1])

	// omitted direction defaults to outbound
	assert.Equal(t, NetworkRule{Protocol: api.RuleProtocolTCP, Direction: api.DirectionOutbound}, cfg.Rules[2])

	assert.Equal(t, UpstreamSOCKS5, cfg.Upstream.Type)
	assert.Equal(t, 3*time.Second, cfg.Upstream.DialTimeout)
	assert.Equal(t, 128, cfg.Session.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.Session.UDPIdleTimeout)
	assert.Equal(t, 16*1024, cfg.Session.TCPReadBuffer)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParseRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"protocol", "tunnel_remote_address: a:1\nrules:\n  - protocol: icmp\n"},
		{"direction", "tunnel_remote_address: a:1\nrules:\n  - direction: sideways\n"},
		{"double prefix", "tunnel_remote_address: a:1\nrules:\n  - remote_network: 10.0.0.0/8\n    remote_prefix: 8\n"},
		{"prefix text", "tunnel_remote_address: a:1\nrules:\n  - remote_network: 10.0.0.0/x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
			assert.True(t, IsConfigError(err), "expected ConfigError, got %v", err)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.TunnelRemoteAddress = "127.0.0.1:9999"
		return &cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing tunnel", func(c *Config) { c.TunnelRemoteAddress = " " }, "tunnel_remote_address"},
		{"invalid utf8 tunnel", func(c *Config) { c.TunnelRemoteAddress = "\xff\xfe" }, "tunnel_remote_address"},
		{"hostname network", func(c *Config) {
			c.Rules = []NetworkRule{{RemoteNetwork: "example.com"}}
		}, "rules[0].remote_network"},
		{"v4 prefix too long", func(c *Config) {
			c.Rules = []NetworkRule{{}, {RemoteNetwork: "10.0.0.0", RemotePrefix: Prefix(33)}}
		}, "rules[1].remote_network"},
		{"v6 full prefix", func(c *Config) {
			c.Rules = []NetworkRule{{LocalNetwork: "fd00::1", LocalPrefix: Prefix(128)}}
		}, ""},
		{"mapped v6 prefix", func(c *Config) {
			c.Rules = []NetworkRule{{RemoteNetwork: "::ffff:10.0.0.0", RemotePrefix: Prefix(104)}}
		}, ""},
		{"mapped v6 prefix too long", func(c *Config) {
			c.Rules = []NetworkRule{{RemoteNetwork: "::ffff:10.0.0.0", RemotePrefix: Prefix(129)}}
		}, "rules[0].remote_network"},
		{"prefix without network", func(c *Config) {
			c.Rules = []NetworkRule{{LocalPrefix: Prefix(8)}}
		}, "rules[0].local_network"},
		{"invalid utf8 network", func(c *Config) {
			c.Rules = []NetworkRule{{RemoteNetwork: "10.0.0.\xff"}}
		}, "rules[0].remote_network"},
		{"bad protocol code", func(c *Config) {
			c.Rules = []NetworkRule{{Protocol: 9}}
		}, "rules[0].protocol"},
		{"bad direction code", func(c *Config) {
			c.Rules = []NetworkRule{{Direction: 7}}
		}, "rules[0].direction"},
		{"socks5 without address", func(c *Config) { c.Upstream.Type = UpstreamSOCKS5 }, "upstream.address"},
		{"unknown upstream", func(c *Config) { c.Upstream.Type = "quic" }, "upstream.type"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			ce, ok := err.(*ConfigError)
			require.True(t, ok, "expected *ConfigError, got %T", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTemplateRoundTrip(t *testing.T) {
	tpl := GenerateConfigTemplate()
	require.NoError(t, tpl.Validate())

	data, err := tpl.Marshal()
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, tpl.TunnelRemoteAddress, cfg.TunnelRemoteAddress)
	assert.Equal(t, tpl.Rules, cfg.Rules)
	assert.Equal(t, tpl.Upstream, cfg.Upstream)
	assert.Equal(t, tpl.Session, cfg.Session)
	assert.Equal(t, tpl.Simulator, cfg.Simulator)
}
