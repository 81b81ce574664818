package engine

import (
	"context"
	"sync"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/flowmap"
	"github.com/am6737/tproxy/rules"
	"github.com/am6737/tproxy/transport"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var _ interfaces.RulesEngine = &Engine{}

type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Option func(*Engine)

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) {
		e.baseLogger = l
	}
}

// WithDialer replaces the upstream dialer built from the upstream config.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) {
		e.dialer = d
	}
}

func WithMetricsRegistry(r metrics.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// Engine owns the relay sessions of one proxy instance. Sessions can only be
// created while the engine is started.
type Engine struct {
	baseLogger *logrus.Logger
	logger     *logrus.Entry

	cfg      *config.Config
	rules    *rules.Rules
	dialer   transport.Dialer
	flows    *flowmap.FlowMap
	registry metrics.Registry
	metrics  *engineMetrics

	mu     sync.Mutex
	state  State
	freed  bool
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks every session goroutine.
	wg sync.WaitGroup
}

// New creates an engine in the created state bound to a copy of cfg.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Field: "config", Reason: "missing"}
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if e.baseLogger == nil {
		e.baseLogger = logrus.StandardLogger()
	}
	e.logger = e.baseLogger.WithField("component", "engine")

	if e.dialer == nil {
		d, err := transport.New(cfg.Upstream)
		if err != nil {
			return nil, err
		}
		e.dialer = d
	}
	if e.registry == nil {
		e.registry = metrics.NewRegistry()
	}

	e.rules = rules.NewRules(cfg.Rules)
	e.flows = flowmap.NewFlowMap(e.baseLogger)
	e.metrics = newEngineMetrics(e.registry)

	e.logger.WithFields(logrus.Fields{
		"rules":    e.rules.Len(),
		"upstream": cfg.Upstream.Type,
	}).Debug("Engine created")
	return e, nil
}

// Start moves the engine to the started state. It is a no-op when already
// started or after Stop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.freed {
		return ErrEngineFreed
	}
	switch e.state {
	case StateStarted:
		e.logger.Trace("Engine already running")
		return nil
	case StateStopped:
		e.logger.Debug("Engine already stopped, ignoring start")
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.state = StateStarted
	e.logger.Info("Engine started")
	return nil
}

// Stop rejects new sessions, closes every live session and returns once all
// session goroutines have exited. It must not be called from a session
// callback.
func (e *Engine) Stop(reason api.StopReason) error {
	e.mu.Lock()
	if e.freed {
		e.mu.Unlock()
		return ErrEngineFreed
	}
	if e.state != StateStarted {
		if e.state == StateCreated {
			e.state = StateStopped
		}
		e.mu.Unlock()
		e.logger.Trace("Engine already stopped")
		return nil
	}
	e.state = StateStopped
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.WithField("reason", reason).Info("Engine stopping")

	cancel()
	e.flows.LogFlows()
	for _, f := range e.flows.Snapshot() {
		f.Close()
	}
	e.wg.Wait()

	e.logger.WithField("reason", reason).Info("Engine stopped")
	return nil
}

// Free stops the engine and releases sessions the host never freed. Later
// calls are no-ops.
func (e *Engine) Free() {
	if err := e.Stop(api.StopReasonNone); err != nil {
		return
	}

	e.mu.Lock()
	if e.freed {
		e.mu.Unlock()
		return
	}
	e.freed = true
	e.mu.Unlock()

	for _, f := range e.flows.Snapshot() {
		e.logger.WithFields(logrus.Fields{
			"session": f.ID(),
			"flow":    f.Meta(),
		}).Warn("Session leaked past engine free")
		if s, ok := f.(interface{ Free() }); ok {
			s.Free()
		}
	}
	e.logger.Debug("Engine freed")
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) ShouldIntercept(meta *api.FlowMeta) bool {
	return e.rules.ShouldIntercept(meta)
}

func (e *Engine) Rules() *rules.Rules {
	return e.rules
}

// Sessions reports the number of sessions not yet freed by the host.
func (e *Engine) Sessions() int {
	return e.flows.Len()
}

func (e *Engine) Metrics() metrics.Registry {
	return e.registry
}

func (e *Engine) Config() *config.Config {
	return e.cfg.Clone()
}

// admit checks that a session may be created, binds it to the engine
// context, registers it and reserves n goroutine slots for it.
func (e *Engine) admit(f flowmap.Flow, n int, bind func(ctx context.Context)) error {
	proto := f.Meta().Protocol

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.freed {
		return e.reject(proto, "engine freed", ErrEngineFreed)
	}
	if e.state != StateStarted {
		return e.reject(proto, "engine not running", ErrEngineNotRunning)
	}
	if max := e.cfg.Session.MaxSessions; max > 0 && e.flows.Len() >= max {
		return e.reject(proto, "session limit reached", nil)
	}

	bind(e.ctx)
	e.flows.AddFlow(f)
	e.metrics.opened(proto)
	// Added under mu so Stop never waits on a counter that can still grow
	// from zero.
	e.wg.Add(n)
	return nil
}

func (e *Engine) reject(proto api.FlowProtocol, reason string, err error) *AllocationError {
	e.metrics.sessionsRejected.Mark(1)
	e.logger.WithFields(logrus.Fields{
		"proto":  proto,
		"reason": reason,
	}).Warn("Session rejected")
	return &AllocationError{Protocol: proto, Reason: reason, Err: err}
}

func (e *Engine) deregister(id uint64) {
	if e.flows.DeleteFlow(id) {
		e.metrics.sessionsActive.Dec(1)
	}
}

func checkMeta(proto api.FlowProtocol, meta api.FlowMeta, cb interface{}) *AllocationError {
	if cb == nil {
		return &AllocationError{Protocol: proto, Reason: "nil callbacks"}
	}
	if meta.Remote.Host == "" || meta.Remote.Port == 0 {
		return &AllocationError{Protocol: proto, Reason: "missing remote endpoint"}
	}
	return nil
}
