package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/am6737/tproxy/api"
	"gopkg.in/yaml.v3"
)

// NetworkRule selects flows for interception. Unset networks match every
// address. A network without a prefix selects that single address.
type NetworkRule struct {
	RemoteNetwork string
	RemotePrefix  *uint8
	LocalNetwork  string
	LocalPrefix   *uint8
	Protocol      api.RuleProtocol
	Direction     api.Direction
}

// Prefix returns a pointer to p, for building rules in code.
func Prefix(p uint8) *uint8 {
	return &p
}

func (r NetworkRule) Clone() NetworkRule {
	cp := r
	if r.RemotePrefix != nil {
		cp.RemotePrefix = Prefix(*r.RemotePrefix)
	}
	if r.LocalPrefix != nil {
		cp.LocalPrefix = Prefix(*r.LocalPrefix)
	}
	return cp
}

func (r NetworkRule) String() string {
	return fmt.Sprintf("remote=%s local=%s proto=%s direction=%s",
		networkString(r.RemoteNetwork, r.RemotePrefix),
		networkString(r.LocalNetwork, r.LocalPrefix),
		r.Protocol, r.Direction)
}

func networkString(network string, prefix *uint8) string {
	if network == "" {
		return "any"
	}
	if prefix == nil {
		return network
	}
	return network + "/" + strconv.Itoa(int(*prefix))
}

type networkRuleYAML struct {
	RemoteNetwork string `yaml:"remote_network,omitempty"`
	RemotePrefix  *uint8 `yaml:"remote_prefix,omitempty"`
	LocalNetwork  string `yaml:"local_network,omitempty"`
	LocalPrefix   *uint8 `yaml:"local_prefix,omitempty"`
	Protocol      string `yaml:"protocol,omitempty"`
	Direction     string `yaml:"direction,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler for NetworkRule. Networks may be
// written in CIDR form ("10.0.0.0/8") instead of a separate prefix field.
func (r *NetworkRule) UnmarshalYAML(value *yaml.Node) error {
	var raw networkRuleYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	protocol, err := api.ParseRuleProtocol(raw.Protocol)
	if err != nil {
		return err
	}
	direction, err := api.ParseDirection(raw.Direction)
	if err != nil {
		return err
	}

	remote, remotePrefix, err := splitNetwork(raw.RemoteNetwork, raw.RemotePrefix)
	if err != nil {
		return fmt.Errorf("remote_network: %w", err)
	}
	local, localPrefix, err := splitNetwork(raw.LocalNetwork, raw.LocalPrefix)
	if err != nil {
		return fmt.Errorf("local_network: %w", err)
	}

	*r = NetworkRule{
		RemoteNetwork: remote,
		RemotePrefix:  remotePrefix,
		LocalNetwork:  local,
		LocalPrefix:   localPrefix,
		Protocol:      protocol,
		Direction:     direction,
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler for NetworkRule.
func (r NetworkRule) MarshalYAML() (interface{}, error) {
	return networkRuleYAML{
		RemoteNetwork: r.RemoteNetwork,
		RemotePrefix:  r.RemotePrefix,
		LocalNetwork:  r.LocalNetwork,
		LocalPrefix:   r.LocalPrefix,
		Protocol:      r.Protocol.String(),
		Direction:     r.Direction.String(),
	}, nil
}

func splitNetwork(network string, prefix *uint8) (string, *uint8, error) {
	addr, bits, ok := strings.Cut(network, "/")
	if !ok {
		return network, prefix, nil
	}
	if prefix != nil {
		return "", nil, fmt.Errorf("%q: prefix given twice", network)
	}
	n, err := strconv.ParseUint(bits, 10, 8)
	if err != nil {
		return "", nil, fmt.Errorf("%q: bad prefix length", network)
	}
	return addr, Prefix(uint8(n)), nil
}
