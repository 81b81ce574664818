package interfaces

import "github.com/am6737/tproxy/api"

// RulesEngine is an interface that defines the interception decision for
// flows captured by the host.
type RulesEngine interface {
	// ShouldIntercept reports whether the flow described by meta must be
	// relayed through the engine. It never fails: a flow that matches no
	// rule is not intercepted.
	ShouldIntercept(meta *api.FlowMeta) bool
}
