package engine

import (
	"errors"
	"net"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
)

// maxDatagramSize fits any UDP payload.
const maxDatagramSize = 64 * 1024

type UDPState int

const (
	UDPOpen UDPState = iota
	UDPClosed
)

func (s UDPState) String() string {
	switch s {
	case UDPOpen:
		return "open"
	case UDPClosed:
		return "closed"
	}
	return "unknown"
}

// UDPSession relays the datagrams of one intercepted UDP flow. Datagram
// boundaries are preserved in both directions.
type UDPSession struct {
	session
	state UDPState
	cb    interfaces.UDPCallbacks
}

func (e *Engine) NewUDPSession(meta api.FlowMeta, cb interfaces.UDPCallbacks) (*UDPSession, error) {
	if err := checkMeta(api.FlowProtocolUDP, meta, cb); err != nil {
		e.metrics.sessionsRejected.Mark(1)
		return nil, err
	}
	meta.Protocol = api.FlowProtocolUDP

	s := &UDPSession{cb: cb}
	s.init(e, meta)
	if err := e.admit(s, 1, s.bind); err != nil {
		return nil, err
	}

	s.logger.Debug("New udp session")
	go s.run()
	return s, nil
}

func (s *UDPSession) State() UDPState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return UDPClosed
	}
	return s.state
}

// OnClientDatagram queues a copy of one datagram. Empty datagrams are ignored.
func (s *UDPSession) OnClientDatagram(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freed {
		return ErrSessionFreed
	}
	if s.torn || s.state == UDPClosed {
		return ErrSessionClosed
	}
	if len(data) == 0 {
		return nil
	}
	s.pushLocked(data)
	s.touch()
	return nil
}

// OnClientClose ends the flow. Queued datagrams are still sent, then the
// session tears down and OnServerClosed fires.
func (s *UDPSession) OnClientClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freed {
		return ErrSessionFreed
	}
	if s.state == UDPClosed {
		return nil
	}
	s.state = UDPClosed
	s.finishLocked()
	return nil
}

// Free releases the session. It waits for an in-flight callback and no
// callback is delivered afterwards. It must not be called from inside one of
// this session's callbacks.
func (s *UDPSession) Free() {
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

func (s *UDPSession) run() {
	defer s.engine.wg.Done()
	defer s.finish()

	ctx, cancel := s.dialContext()
	conn, err := s.engine.dialer.DialUDP(ctx, s.meta.Remote.String())
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
	go s.writeLoop(conn, func(int) {
		s.engine.metrics.udpClientDatagrams.Mark(1)
	}, func(net.Conn) {
		s.Close()
	})

	s.readLoop(conn)
}

func (s *UDPSession) readLoop(conn net.Conn) {
	idle := s.engine.cfg.Session.UDPIdleTimeout
	buf := make([]byte, maxDatagramSize)
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !s.isTorn() {
				if !s.idleFor(idle) {
					continue
				}
				s.engine.metrics.udpIdleTimeouts.Inc(1)
				s.logger.Debug("Idle timeout")
				return
			}
			if !s.isTorn() {
				s.logger.WithError(err).Debug("Upstream read failed")
			}
			return
		}
		s.touch()
		if n == 0 {
			continue
		}
		s.engine.metrics.udpServerDatagrams.Mark(1)
		s.deliver(func() {
			s.cb.OnServerDatagram(buf[:n])
		})
	}
}

func (s *UDPSession) finish() {
	s.Close()
	s.deliverClosed(s.cb.OnServerClosed)
	s.logger.Debug("Session closed")
}
