package config

import (
	"fmt"
	"os"
	"time"

	"github.com/am6737/tproxy/api"
	"gopkg.in/yaml.v3"
)

const (
	UpstreamDirect = "direct"
	UpstreamSOCKS5 = "socks5"
)

type Config struct {
	// TunnelRemoteAddress is the placeholder tunnel address the host installs
	// together with the capture rules.
	TunnelRemoteAddress string        `yaml:"tunnel_remote_address"`
	Rules               []NetworkRule `yaml:"rules"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LogConfig       `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Simulator SimulatorConfig `yaml:"simulator,omitempty"`
}

// StartupConfig is the part of the configuration handed to the host for
// installing OS-level capture rules.
type StartupConfig struct {
	TunnelRemoteAddress string
	Rules               []NetworkRule
}

type UpstreamConfig struct {
	// Type is "direct" or "socks5".
	Type        string        `yaml:"type"`
	Address     string        `yaml:"address,omitempty"`
	Username    string        `yaml:"username,omitempty"`
	Password    string        `yaml:"password,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// FwMark is applied as SO_MARK to upstream sockets on linux.
	FwMark int `yaml:"fwmark,omitempty"`
	// BindInterface pins upstream sockets to an interface on darwin.
	BindInterface string `yaml:"bind_interface,omitempty"`
}

type SessionConfig struct {
	// MaxSessions limits live sessions per engine, 0 means unlimited.
	MaxSessions    int           `yaml:"max_sessions"`
	TCPReadBuffer  int           `yaml:"tcp_read_buffer"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SimulatorConfig drives the socket based host used by `tproxy run`.
type SimulatorConfig struct {
	TCPListen string `yaml:"tcp_listen,omitempty"`
	UDPListen string `yaml:"udp_listen,omitempty"`
	Target    string `yaml:"target,omitempty"`
}

func (c *Config) String() string {
	return fmt.Sprintf("tunnel=%s rules=%d upstream=%s", c.TunnelRemoteAddress, len(c.Rules), c.Upstream.Type)
}

// StartupConfig returns a deep copy of the tunnel address and rule list.
func (c *Config) StartupConfig() StartupConfig {
	return StartupConfig{
		TunnelRemoteAddress: c.TunnelRemoteAddress,
		Rules:               cloneRules(c.Rules),
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Rules = cloneRules(c.Rules)
	return &cp
}

func cloneRules(rules []NetworkRule) []NetworkRule {
	if rules == nil {
		return nil
	}
	out := make([]NetworkRule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document and fills unset ambient fields with defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Reason: "malformed document", Err: err}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued ambient settings. Rules and the tunnel
// address are never defaulted.
func (c *Config) ApplyDefaults() {
	if c.Upstream.Type == "" {
		c.Upstream.Type = defaultUpstream.Type
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = defaultUpstream.DialTimeout
	}
	if c.Session.TCPReadBuffer == 0 {
		c.Session.TCPReadBuffer = defaultSession.TCPReadBuffer
	}
	if c.Session.UDPIdleTimeout == 0 {
		c.Session.UDPIdleTimeout = defaultSession.UDPIdleTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogging.Format
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = defaultMetrics.Interval
	}
}

var (
	defaultUpstream = UpstreamConfig{
		Type:        UpstreamDirect,
		DialTimeout: 10 * time.Second,
	}

	defaultSession = SessionConfig{
		MaxSessions:    0,
		TCPReadBuffer:  16 * 1024,
		UDPIdleTimeout: 2 * time.Minute,
	}

	defaultLogging = LogConfig{
		Level:  "info",
		Format: "text",
	}

	defaultMetrics = MetricsConfig{
		Enabled:  false,
		Interval: 60 * time.Second,
	}

	defaultSimulator = SimulatorConfig{
		TCPListen: "127.0.0.1:7070",
		UDPListen: "127.0.0.1:7070",
		Target:    "127.0.0.1:8080",
	}

	defaultRules = []NetworkRule{
		{
			RemoteNetwork: "10.0.0.0",
			RemotePrefix:  Prefix(8),
			Protocol:      api.RuleProtocolAny,
			Direction:     api.DirectionAny,
		},
	}
)

// DefaultConfig returns a configuration with every ambient default set and no rules.
func DefaultConfig() Config {
	return Config{
		Upstream: defaultUpstream,
		Session:  defaultSession,
		Logging:  defaultLogging,
		Metrics:  defaultMetrics,
	}
}

// GenerateConfigTemplate returns a starter configuration for `tproxy init`.
func GenerateConfigTemplate() Config {
	cfg := DefaultConfig()
	cfg.TunnelRemoteAddress = "127.0.0.1:9999"
	cfg.Rules = cloneRules(defaultRules)
	cfg.Simulator = defaultSimulator
	return cfg
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
