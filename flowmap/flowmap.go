package flowmap

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/am6737/tproxy/api"
	"github.com/sirupsen/logrus"
)

// Flow is one live relay session tracked by the engine.
type Flow interface {
	ID() uint64
	Meta() api.FlowMeta
	// Close tears the flow down from the engine side. It must be safe to call
	// more than once.
	Close()
}

func NewFlowMap(logger *logrus.Logger) *FlowMap {
	return &FlowMap{
		flows:  map[uint64]Flow{},
		logger: logger,
	}
}

type FlowMap struct {
	sync.RWMutex //Because we concurrently read and write to our maps
	flows        map[uint64]Flow
	logger       *logrus.Logger

	lastID atomic.Uint64
}

// NextID returns a fresh, non-zero flow id.
func (fm *FlowMap) NextID() uint64 {
	return fm.lastID.Add(1)
}

func (fm *FlowMap) AddFlow(f Flow) {
	fm.Lock()
	defer fm.Unlock()

	if _, ok := fm.flows[f.ID()]; ok {
		fm.logger.WithField("session", f.ID()).Warn("Flow already registered")
		return
	}
	fm.flows[f.ID()] = f
}

// DeleteFlow removes the flow and reports whether it was registered.
func (fm *FlowMap) DeleteFlow(id uint64) bool {
	fm.Lock()
	defer fm.Unlock()
	if _, ok := fm.flows[id]; !ok {
		return false
	}
	delete(fm.flows, id)
	return true
}

func (fm *FlowMap) Len() int {
	fm.RLock()
	defer fm.RUnlock()
	return len(fm.flows)
}

// Snapshot returns the registered flows ordered by id.
func (fm *FlowMap) Snapshot() []Flow {
	fm.RLock()
	out := make([]Flow, 0, len(fm.flows))
	for _, f := range fm.flows {
		out = append(out, f)
	}
	fm.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LogFlows writes one debug line per live flow.
func (fm *FlowMap) LogFlows() {
	for _, f := range fm.Snapshot() {
		fm.logger.WithFields(logrus.Fields{
			"session": f.ID(),
			"flow":    f.Meta(),
		}).Debug("Live flow")
	}
}
