package bridge

import (
	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
	"github.com/am6737/tproxy/engine"
	"github.com/sirupsen/logrus"
)

type engineEntry struct {
	engine *engine.Engine
}

type tcpEntry struct {
	session *engine.TCPSession
}

type udpEntry struct {
	session *engine.UDPSession
}

// EngineNew creates an engine from the initialized configuration. It returns
// 0 before a successful Initialize.
func EngineNew() EngineHandle {
	cfg, err := configStore().Config()
	if err != nil {
		logEntry().WithError(err).Error("Engine requested before initialization")
		return 0
	}
	e, err := engine.New(cfg, engine.WithLogger(baseLogger()))
	if err != nil {
		logEntry().WithError(err).Error("Failed to create engine")
		return 0
	}
	return EngineHandle(engines.put(&engineEntry{engine: e}))
}

func lookupEngine(h EngineHandle) (*engine.Engine, bool) {
	ent, ok := engines.get(uint64(h))
	if !ok {
		misuse("engine", uint64(h))
		return nil, false
	}
	return ent.engine, true
}

func EngineStart(h EngineHandle) {
	e, ok := lookupEngine(h)
	if !ok {
		return
	}
	if err := e.Start(); err != nil {
		logEntry().WithError(err).Warn("Engine start failed")
	}
}

// EngineStop stops the engine and blocks until every session has closed.
// reason is one of the host's stop-reason codes and is only logged.
func EngineStop(h EngineHandle, reason int32) {
	e, ok := lookupEngine(h)
	if !ok {
		return
	}
	if err := e.Stop(api.StopReason(reason)); err != nil {
		logEntry().WithError(err).Warn("Engine stop failed")
	}
}

func EngineFree(h EngineHandle) {
	ent, ok := engines.take(uint64(h))
	if !ok {
		misuse("engine", uint64(h))
		return
	}
	ent.engine.Free()
}

func flowMeta(meta *FlowMetaView, proto api.FlowProtocol) api.FlowMeta {
	fm := meta.toMeta()
	fm.Protocol = proto
	return fm
}

// TCPSessionNew starts relaying an intercepted TCP flow. It returns 0 when the
// flow is not intercepted or no session could be allocated; the host should
// then let the flow bypass the proxy.
func TCPSessionNew(h EngineHandle, meta *FlowMetaView, cb interfaces.TCPCallbacks) TCPHandle {
	e, ok := lookupEngine(h)
	if !ok || meta == nil {
		return 0
	}
	fm := flowMeta(meta, api.FlowProtocolTCP)
	if !e.ShouldIntercept(&fm) {
		logEntry().WithField("flow", fm).Debug("Flow not intercepted")
		return 0
	}
	s, err := e.NewTCPSession(fm, cb)
	if err != nil {
		logEntry().WithError(err).Warn("TCP session not created")
		return 0
	}
	return TCPHandle(tcpFlows.put(&tcpEntry{session: s}))
}

func lookupTCP(h TCPHandle) (*engine.TCPSession, bool) {
	ent, ok := tcpFlows.get(uint64(h))
	if !ok {
		misuse("tcp", uint64(h))
		return nil, false
	}
	return ent.session, true
}

// TCPSessionOnClientBytes copies data into the session. It reports false on
// an unknown handle or a session that no longer accepts client data.
func TCPSessionOnClientBytes(h TCPHandle, data []byte) bool {
	s, ok := lookupTCP(h)
	if !ok {
		return false
	}
	return report("tcp", uint64(h), s.OnClientBytes(data))
}

func TCPSessionOnClientEOF(h TCPHandle) bool {
	s, ok := lookupTCP(h)
	if !ok {
		return false
	}
	return report("tcp", uint64(h), s.OnClientEOF())
}

func TCPSessionFree(h TCPHandle) {
	ent, ok := tcpFlows.take(uint64(h))
	if !ok {
		misuse("tcp", uint64(h))
		return
	}
	ent.session.Free()
}

func UDPSessionNew(h EngineHandle, meta *FlowMetaView, cb interfaces.UDPCallbacks) UDPHandle {
	e, ok := lookupEngine(h)
	if !ok || meta == nil {
		return 0
	}
	fm := flowMeta(meta, api.FlowProtocolUDP)
	if !e.ShouldIntercept(&fm) {
		logEntry().WithField("flow", fm).Debug("Flow not intercepted")
		return 0
	}
	s, err := e.NewUDPSession(fm, cb)
	if err != nil {
		logEntry().WithError(err).Warn("UDP session not created")
		return 0
	}
	return UDPHandle(udpFlows.put(&udpEntry{session: s}))
}

func lookupUDP(h UDPHandle) (*engine.UDPSession, bool) {
	ent, ok := udpFlows.get(uint64(h))
	if !ok {
		misuse("udp", uint64(h))
		return nil, false
	}
	return ent.session, true
}

func UDPSessionOnClientDatagram(h UDPHandle, data []byte) bool {
	s, ok := lookupUDP(h)
	if !ok {
		return false
	}
	return report("udp", uint64(h), s.OnClientDatagram(data))
}

func UDPSessionOnClientClose(h UDPHandle) bool {
	s, ok := lookupUDP(h)
	if !ok {
		return false
	}
	return report("udp", uint64(h), s.OnClientClose())
}

func UDPSessionFree(h UDPHandle) {
	ent, ok := udpFlows.take(uint64(h))
	if !ok {
		misuse("udp", uint64(h))
		return
	}
	ent.session.Free()
}

func report(kind string, h uint64, err error) bool {
	if err == nil {
		return true
	}
	logEntry().WithFields(logrus.Fields{
		"kind":   kind,
		"handle": h,
	}).WithError(err).Debug("Session call rejected")
	return false
}
