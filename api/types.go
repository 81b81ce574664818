package api

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// FlowProtocol is the transport protocol of one intercepted flow.
type FlowProtocol uint32

const (
	FlowProtocolTCP FlowProtocol = 1
	FlowProtocolUDP FlowProtocol = 2
)

var flowProtocolMap = map[FlowProtocol]string{
	FlowProtocolTCP: "tcp",
	FlowProtocolUDP: "udp",
}

func (p FlowProtocol) String() string {
	if n, ok := flowProtocolMap[p]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint32(p))
}

// Valid reports whether p is one of the known flow protocol codes.
func (p FlowProtocol) Valid() bool {
	_, ok := flowProtocolMap[p]
	return ok
}

// RuleProtocol is the protocol filter of a network rule.
type RuleProtocol uint32

const (
	RuleProtocolAny RuleProtocol = 0
	RuleProtocolTCP RuleProtocol = 1
	RuleProtocolUDP RuleProtocol = 2
)

var ruleProtocolMap = map[RuleProtocol]string{
	RuleProtocolAny: "any",
	RuleProtocolTCP: "tcp",
	RuleProtocolUDP: "udp",
}

func (p RuleProtocol) String() string {
	if n, ok := ruleProtocolMap[p]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint32(p))
}

func (p RuleProtocol) Valid() bool {
	_, ok := ruleProtocolMap[p]
	return ok
}

// Matches reports whether a flow of protocol fp satisfies the filter.
func (p RuleProtocol) Matches(fp FlowProtocol) bool {
	switch p {
	case RuleProtocolAny:
		return true
	case RuleProtocolTCP:
		return fp == FlowProtocolTCP
	case RuleProtocolUDP:
		return fp == FlowProtocolUDP
	}
	return false
}

// ParseRuleProtocol accepts "any", "tcp" and "udp". Empty means any.
func ParseRuleProtocol(s string) (RuleProtocol, error) {
	switch s {
	case "", "any":
		return RuleProtocolAny, nil
	case "tcp":
		return RuleProtocolTCP, nil
	case "udp":
		return RuleProtocolUDP, nil
	}
	return RuleProtocolAny, fmt.Errorf("unknown rule protocol: %q", s)
}

// Direction is the traffic direction of a flow, or the direction filter of a rule.
type Direction uint32

const (
	DirectionOutbound Direction = 0
	DirectionInbound  Direction = 1
	DirectionAny      Direction = 2
)

var directionMap = map[Direction]string{
	DirectionOutbound: "outbound",
	DirectionInbound:  "inbound",
	DirectionAny:      "any",
}

func (d Direction) String() string {
	if n, ok := directionMap[d]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint32(d))
}

func (d Direction) Valid() bool {
	_, ok := directionMap[d]
	return ok
}

// Matches reports whether a flow travelling in direction fd satisfies the filter.
func (d Direction) Matches(fd Direction) bool {
	return d == DirectionAny || d == fd
}

// ParseDirection accepts "outbound", "inbound" and "any". Empty means outbound.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "outbound":
		return DirectionOutbound, nil
	case "inbound":
		return DirectionInbound, nil
	case "any":
		return DirectionAny, nil
	}
	return DirectionOutbound, fmt.Errorf("unknown direction: %q", s)
}

// Endpoint is one side (host:port) of a flow. The zero value means "not known".
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint splits a host:port string.
func ParseEndpoint(s string) (Endpoint, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", p, err)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// FlowMeta describes one flow handed over by the host capture mechanism.
// Optional text fields are absent when empty.
type FlowMeta struct {
	Protocol  FlowProtocol
	Remote    Endpoint
	Local     Endpoint
	Direction Direction

	SourceAppSigningIdentifier string
	SourceAppBundleIdentifier  string
}

func (m FlowMeta) String() string {
	return fmt.Sprintf("proto=%s remote=%s local=%s direction=%s app=%s",
		m.Protocol, m.Remote, m.Local, m.Direction, m.App())
}

// App returns the most specific source application identity known for the flow.
func (m FlowMeta) App() string {
	if m.SourceAppSigningIdentifier != "" {
		return m.SourceAppSigningIdentifier
	}
	return m.SourceAppBundleIdentifier
}

func (m FlowMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"protocol":                      m.Protocol.String(),
		"remote":                        m.Remote.String(),
		"local":                         m.Local.String(),
		"direction":                     m.Direction.String(),
		"source_app_signing_identifier": m.SourceAppSigningIdentifier,
		"source_app_bundle_identifier":  m.SourceAppBundleIdentifier,
	})
}
