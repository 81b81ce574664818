package hostsim

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
	"github.com/am6737/tproxy/engine"
	"github.com/sirupsen/logrus"
)

// udpFlow is one client address seen on the UDP listener. Exactly one of
// session and bypass is set.
type udpFlow struct {
	key     string
	client  *net.UDPAddr
	session *engine.UDPSession
	bypass  net.Conn
	logger  *logrus.Entry

	// closed is closed by the session's OnServerClosed.
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (f *udpFlow) send(b []byte) {
	if f.session != nil {
		if err := f.session.OnClientDatagram(b); err != nil {
			f.logger.WithError(err).Debug("Datagram rejected")
		}
		return
	}
	if _, err := f.bypass.Write(b); err != nil {
		f.logger.WithError(err).Debug("Bypass write failed")
	}
}

func (s *Simulator) listenUDP(conn *net.UDPConn) {
	defer s.loops.Done()

	buffer := make([]byte, udpBufferSize)
	for {
		// Just read one packet at a time
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Debug("udp socket is closed, exiting read loop")
			}
			return
		}

		f := s.udpFlow(conn, addr)
		if f == nil {
			continue
		}
		f.send(buffer[:n])
	}
}

// udpFlow returns the flow for addr, creating it on first sight. It returns
// nil when the flow is dropped.
func (s *Simulator) udpFlow(conn *net.UDPConn, addr *net.UDPAddr) *udpFlow {
	key := addr.String()

	s.mu.Lock()
	f, ok := s.udpFlows[key]
	s.mu.Unlock()
	if ok {
		return f
	}

	meta := s.flowMeta(api.FlowProtocolUDP, addr)
	f = &udpFlow{
		key:    key,
		client: addr,
		logger: s.logger.WithField("flow", meta),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if rule, ok := s.engine.Rules().Match(&meta); ok {
		f.logger = f.logger.WithField("rule", rule)
		sess, err := s.engine.NewUDPSession(meta, interfaces.UDPCallbackFuncs{
			ServerDatagram: func(data []byte) {
				if _, err := conn.WriteToUDP(data, f.client); err != nil {
					f.logger.WithError(err).Debug("Client write failed")
				}
			},
			ServerClosed: func() { close(f.closed) },
		})
		if err != nil {
			f.logger.WithError(err).Warn("Dropping udp flow")
			return nil
		}
		f.session = sess
		f.logger.Debug("Intercepting udp flow")
	} else {
		up, err := s.direct.DialUDP(context.Background(), meta.Remote.String())
		if err != nil {
			f.logger.WithError(err).Warn("Bypass dial failed")
			return nil
		}
		f.bypass = up
		f.logger.Debug("Bypassing udp flow")
	}

	s.mu.Lock()
	s.udpFlows[key] = f
	s.mu.Unlock()

	s.wg.Add(1)
	if f.session != nil {
		go s.watchUDP(f)
	} else {
		go s.bypassUDP(conn, f)
	}
	return f
}

// watchUDP drops the flow once its session has closed.
func (s *Simulator) watchUDP(f *udpFlow) {
	defer s.wg.Done()
	select {
	case <-f.closed:
		s.dropUDP(f)
	case <-f.done:
	}
}

func (s *Simulator) bypassUDP(conn *net.UDPConn, f *udpFlow) {
	defer s.wg.Done()
	defer s.dropUDP(f)

	buf := make([]byte, udpBufferSize)
	for {
		if s.idle > 0 {
			_ = f.bypass.SetReadDeadline(time.Now().Add(s.idle))
		}
		n, err := f.bypass.Read(buf)
		if err != nil {
			return
		}
		if _, err := conn.WriteToUDP(buf[:n], f.client); err != nil {
			f.logger.WithError(err).Debug("Client write failed")
		}
	}
}

func (s *Simulator) dropUDP(f *udpFlow) {
	f.once.Do(func() {
		s.mu.Lock()
		if cur, ok := s.udpFlows[f.key]; ok && cur == f {
			delete(s.udpFlows, f.key)
		}
		s.mu.Unlock()

		if f.session != nil {
			f.session.Free()
		}
		if f.bypass != nil {
			_ = f.bypass.Close()
		}
		close(f.done)
	})
}

func (s *Simulator) closeUDPFlows() {
	s.mu.Lock()
	flows := make([]*udpFlow, 0, len(s.udpFlows))
	for _, f := range s.udpFlows {
		flows = append(flows, f)
	}
	s.mu.Unlock()

	for _, f := range flows {
		s.dropUDP(f)
	}
}
