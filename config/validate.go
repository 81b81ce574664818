package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ConfigError reports a malformed startup configuration. It is fatal: the
// engine must not start and no capture rules may be installed.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config: " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Validate checks the configuration and returns the first *ConfigError found.
func (c *Config) Validate() error {
	if err := checkText("tunnel_remote_address", c.TunnelRemoteAddress); err != nil {
		return err
	}
	if strings.TrimSpace(c.TunnelRemoteAddress) == "" {
		return &ConfigError{Field: "tunnel_remote_address", Reason: "missing"}
	}

	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				ce.Field = fmt.Sprintf("rules[%d].%s", i, ce.Field)
			}
			return err
		}
	}

	switch c.Upstream.Type {
	case UpstreamDirect:
	case UpstreamSOCKS5:
		if c.Upstream.Address == "" {
			return &ConfigError{Field: "upstream.address", Reason: "required for socks5"}
		}
	default:
		return &ConfigError{Field: "upstream.type", Reason: fmt.Sprintf("unknown upstream %q", c.Upstream.Type)}
	}
	for field, v := range map[string]string{
		"upstream.address":        c.Upstream.Address,
		"upstream.username":       c.Upstream.Username,
		"upstream.password":       c.Upstream.Password,
		"upstream.bind_interface": c.Upstream.BindInterface,
	} {
		if err := checkText(field, v); err != nil {
			return err
		}
	}

	if c.Session.MaxSessions < 0 {
		return &ConfigError{Field: "session.max_sessions", Reason: "must not be negative"}
	}
	if c.Session.TCPReadBuffer < 0 {
		return &ConfigError{Field: "session.tcp_read_buffer", Reason: "must not be negative"}
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return &ConfigError{Field: "logging.level", Reason: "unknown level", Err: err}
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	return nil
}

// Validate checks one rule: networks must be numeric addresses, prefixes must
// fit the address family and enum codes must be known.
func (r NetworkRule) Validate() error {
	if err := validateNetwork("remote_network", r.RemoteNetwork, r.RemotePrefix); err != nil {
		return err
	}
	if err := validateNetwork("local_network", r.LocalNetwork, r.LocalPrefix); err != nil {
		return err
	}
	if !r.Protocol.Valid() {
		return &ConfigError{Field: "protocol", Reason: fmt.Sprintf("unknown protocol code %d", uint32(r.Protocol))}
	}
	if !r.Direction.Valid() {
		return &ConfigError{Field: "direction", Reason: fmt.Sprintf("unknown direction code %d", uint32(r.Direction))}
	}
	return nil
}

func validateNetwork(field, network string, prefix *uint8) error {
	if err := checkText(field, network); err != nil {
		return err
	}
	if network == "" {
		if prefix != nil {
			return &ConfigError{Field: field, Reason: "prefix set without network"}
		}
		return nil
	}
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return &ConfigError{Field: field, Reason: "not a numeric address", Err: err}
	}
	if addr.Zone() != "" {
		return &ConfigError{Field: field, Reason: "zoned address not allowed"}
	}
	if prefix != nil && int(*prefix) > addr.BitLen() {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("prefix %d exceeds %d bits", *prefix, addr.BitLen())}
	}
	return nil
}

func checkText(field, v string) error {
	if !utf8.ValidString(v) {
		return &ConfigError{Field: field, Reason: "invalid UTF-8"}
	}
	return nil
}
