package rules

import (
	"net/netip"
	"strings"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
	"github.com/am6737/tproxy/config"
)

var _ interfaces.RulesEngine = &Rules{}

// network is a compiled network predicate. A nil *network matches everything.
type network struct {
	prefix netip.Prefix
	// valid is false when the configured network could not be compiled; such
	// a predicate never matches.
	valid bool
}

type compiledRule struct {
	remote    *network
	local     *network
	protocol  api.RuleProtocol
	direction api.Direction
}

func NewRules(networkRules []config.NetworkRule) *Rules {
	r := &Rules{
		rules:    make([]config.NetworkRule, len(networkRules)),
		compiled: make([]compiledRule, len(networkRules)),
	}
	for i, rule := range networkRules {
		r.rules[i] = rule.Clone()
		r.compiled[i] = compiledRule{
			remote:    compileNetwork(rule.RemoteNetwork, rule.RemotePrefix),
			local:     compileNetwork(rule.LocalNetwork, rule.LocalPrefix),
			protocol:  rule.Protocol,
			direction: rule.Direction,
		}
	}
	return r
}

// Rules evaluates an ordered list of network rules. It is immutable after
// construction and safe for concurrent use.
type Rules struct {
	rules    []config.NetworkRule
	compiled []compiledRule
}

// ShouldIntercept reports whether any rule matches meta. The first matching
// rule decides; no match means the flow bypasses the engine.
func (r *Rules) ShouldIntercept(meta *api.FlowMeta) bool {
	_, ok := r.Match(meta)
	return ok
}

// Match returns the index of the first rule matching meta.
func (r *Rules) Match(meta *api.FlowMeta) (int, bool) {
	if meta == nil {
		return -1, false
	}

	// Endpoints are parsed lazily and at most once per evaluation.
	var remote, local lazyAddr
	remote.host = meta.Remote.Host
	local.host = meta.Local.Host

	for i, rule := range r.compiled {
		if !rule.protocol.Matches(meta.Protocol) {
			continue // Protocol doesn't match
		}

		if !rule.remote.contains(&remote) {
			continue // Remote network doesn't match
		}

		if !rule.local.contains(&local) {
			continue // Local network doesn't match
		}

		if !rule.direction.Matches(meta.Direction) {
			continue // Direction doesn't match
		}

		return i, true
	}

	return -1, false // No matching rule found
}

// Rules returns a copy of the rule list in evaluation order.
func (r *Rules) Rules() []config.NetworkRule {
	out := make([]config.NetworkRule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Clone()
	}
	return out
}

func (r *Rules) Len() int {
	return len(r.rules)
}

func compileNetwork(addr string, prefix *uint8) *network {
	if addr == "" {
		return nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil || ip.Zone() != "" {
		return &network{}
	}
	bits := ip.BitLen()
	if prefix != nil {
		bits = int(*prefix)
	}
	// A mapped network covering only mapped space is an IPv4 network.
	if ip.Is4In6() && bits >= 128-32 {
		ip = ip.Unmap()
		bits -= 128 - 32
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return &network{}
	}
	return &network{prefix: p, valid: true}
}

func (n *network) contains(a *lazyAddr) bool {
	if n == nil {
		return true
	}
	if !n.valid {
		return false
	}
	if !a.get() {
		return false
	}
	// Prefix.Contains is false across address families, so a 0 prefix only
	// matches addresses of the network's own family. IPv6 networks see
	// mapped hosts in their IPv6 form.
	if n.prefix.Addr().Is4() {
		return n.prefix.Contains(a.ip)
	}
	return n.prefix.Contains(a.raw)
}

type lazyAddr struct {
	host   string
	parsed bool
	ok     bool
	// raw keeps the written family; ip is unmapped.
	raw netip.Addr
	ip  netip.Addr
}

func (a *lazyAddr) get() bool {
	if !a.parsed {
		a.parsed = true
		a.raw, a.ok = parseHost(a.host)
		a.ip = a.raw.Unmap()
	}
	return a.ok
}

// ParseHost parses an endpoint host as a numeric address. Brackets and zones
// are stripped and IPv4-mapped IPv6 addresses are unmapped. Host names and
// malformed text are reported as not ok.
func ParseHost(host string) (netip.Addr, bool) {
	ip, ok := parseHost(host)
	return ip.Unmap(), ok
}

func parseHost(host string) (netip.Addr, bool) {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.WithZone(""), true
}
