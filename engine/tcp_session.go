package engine

import (
	"errors"
	"io"
	"net"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
)

type TCPState int

const (
	TCPOpen TCPState = iota
	TCPClientHalfClosed
	TCPClosed
)

func (s TCPState) String() string {
	switch s {
	case TCPOpen:
		return "open"
	case TCPClientHalfClosed:
		return "client_half_closed"
	case TCPClosed:
		return "closed"
	}
	return "unknown"
}

// TCPSession relays one intercepted TCP flow. Host-facing methods never block
// on network I/O.
type TCPSession struct {
	session
	state TCPState
	cb    interfaces.TCPCallbacks
}

// NewTCPSession creates a relay for meta. The upstream connection is dialed
// asynchronously; a failed dial closes the session and fires OnServerClosed.
func (e *Engine) NewTCPSession(meta api.FlowMeta, cb interfaces.TCPCallbacks) (*TCPSession, error) {
	if err := checkMeta(api.FlowProtocolTCP, meta, cb); err != nil {
		e.metrics.sessionsRejected.Mark(1)
		return nil, err
	}
	meta.Protocol = api.FlowProtocolTCP

	s := &TCPSession{cb: cb}
	s.init(e, meta)
	if err := e.admit(s, 1, s.bind); err != nil {
		return nil, err
	}

	s.logger.Debug("New tcp session")
	go s.run()
	return s, nil
}

func (s *TCPSession) State() TCPState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return TCPClosed
	}
	return s.state
}

// OnClientBytes queues a copy of data for the upstream. Empty input is ignored.
func (s *TCPSession) OnClientBytes(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	s.pushLocked(data)
	return nil
}

// OnClientEOF half-closes the upstream once every queued byte is written.
// Reading continues until the upstream closes.
func (s *TCPSession) OnClientEOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkLocked()
	if errors.Is(err, ErrHalfClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.state = TCPClientHalfClosed
	s.finishLocked()
	return nil
}

func (s *TCPSession) checkLocked() error {
	if s.freed {
		return ErrSessionFreed
	}
	if s.torn || s.state == TCPClosed {
		return ErrSessionClosed
	}
	if s.state == TCPClientHalfClosed {
		return ErrHalfClosed
	}
	return nil
}

// Free releases the session. It waits for an in-flight callback and no
// callback is delivered afterwards. It must not be called from inside one of
// this session's callbacks.
func (s *TCPSession) Free() {
	if !s.markFreed() {
		return
	}
	s.Close()
	s.detach()
	if r, ok := s.cb.(interfaces.Releaser); ok {
		r.Release()
	}
	s.engine.deregister(s.id)
	s.logger.Debug("Session freed")
}

func (s *TCPSession) run() {
	defer s.engine.wg.Done()
	defer s.finish()

	ctx, cancel := s.dialContext()
	conn, err := s.engine.dialer.DialTCP(ctx, s.meta.Remote.String())
	cancel()
	if err != nil {
		if !s.isTorn() {
			s.engine.metrics.dialFailures.Inc(1)
			s.logger.WithError(err).Warn("Upstream dial failed")
		}
		return
	}
	if !s.attach(conn) {
		return
	}
	s.logger.Debug("Upstream connected")

	s.engine.wg.Add(1)
	go s.writeLoop(conn, func(n int) {
		s.engine.metrics.tcpClientBytes.Mark(int64(n))
	}, closeWrite)

	s.readLoop(conn)
}

func (s *TCPSession) readLoop(conn net.Conn) {
	buf := make([]byte, s.engine.cfg.Session.TCPReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.engine.metrics.tcpServerBytes.Mark(int64(n))
			s.deliver(func() {
				s.cb.OnServerBytes(buf[:n])
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isTorn() {
				s.logger.WithError(err).Debug("Upstream read failed")
			}
			return
		}
	}
}

func (s *TCPSession) finish() {
	s.Close()
	s.deliverClosed(s.cb.OnServerClosed)
	s.logger.Debug("Session closed")
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
