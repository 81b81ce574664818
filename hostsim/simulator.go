// Package hostsim plays the host side of the engine over real sockets: it
// accepts client connections, asks the engine whether each flow is
// intercepted, and relays it through a session or directly.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/api/interfaces"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/engine"
	"github.com/am6737/tproxy/transport"
	"github.com/sirupsen/logrus"
)

var _ interfaces.Runnable = &Simulator{}

const udpBufferSize = 64 * 1024

type Simulator struct {
	logger *logrus.Entry
	engine *engine.Engine
	cfg    config.SimulatorConfig
	target api.Endpoint
	direct transport.Dialer
	idle   time.Duration

	mu       sync.Mutex
	tcpLn    net.Listener
	udpConn  *net.UDPConn
	udpFlows map[string]*udpFlow

	ready chan struct{}
	// loops tracks the listener loops, wg everything they spawn.
	loops sync.WaitGroup
	wg    sync.WaitGroup
}

func New(logger *logrus.Logger, e *engine.Engine, cfg config.SimulatorConfig) (*Simulator, error) {
	target, err := api.ParseEndpoint(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("simulator target %q: %w", cfg.Target, err)
	}
	ecfg := e.Config()
	return &Simulator{
		logger:   logger.WithField("component", "hostsim"),
		engine:   e,
		cfg:      cfg,
		target:   target,
		direct:   transport.NewDirect(ecfg.Upstream.DialTimeout),
		idle:     ecfg.Session.UDPIdleTimeout,
		udpFlows: map[string]*udpFlow{},
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the listeners are bound.
func (s *Simulator) Ready() <-chan struct{} {
	return s.ready
}

func (s *Simulator) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

func (s *Simulator) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// Start binds the configured listeners and serves until ctx is done.
func (s *Simulator) Start(ctx context.Context) error {
	var lc net.ListenConfig

	if s.cfg.TCPListen != "" {
		ln, err := lc.Listen(ctx, "tcp", s.cfg.TCPListen)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPListen, err)
		}
		s.mu.Lock()
		s.tcpLn = ln
		s.mu.Unlock()
		s.logger.WithField("addr", ln.Addr()).Info("Accepting tcp flows")
	}

	if s.cfg.UDPListen != "" {
		pc, err := lc.ListenPacket(ctx, "udp", s.cfg.UDPListen)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen udp %s: %w", s.cfg.UDPListen, err)
		}
		uc, ok := pc.(*net.UDPConn)
		if !ok {
			pc.Close()
			s.closeListeners()
			return fmt.Errorf("unexpected PacketConn: %T", pc)
		}
		s.mu.Lock()
		s.udpConn = uc
		s.mu.Unlock()
		s.logger.WithField("addr", uc.LocalAddr()).Info("Accepting udp flows")
	}
	close(s.ready)

	s.mu.Lock()
	ln, uc := s.tcpLn, s.udpConn
	s.mu.Unlock()
	if ln != nil {
		s.loops.Add(1)
		go s.acceptTCP(ctx, ln)
	}
	if uc != nil {
		s.loops.Add(1)
		go s.listenUDP(uc)
	}

	<-ctx.Done()
	s.closeListeners()
	s.loops.Wait()
	s.closeUDPFlows()
	s.wg.Wait()
	s.logger.Info("Simulator stopped")
	return nil
}

func (s *Simulator) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
}

func (s *Simulator) flowMeta(proto api.FlowProtocol, client net.Addr) api.FlowMeta {
	local, _ := api.ParseEndpoint(client.String())
	return api.FlowMeta{
		Protocol:  proto,
		Remote:    s.target,
		Local:     local,
		Direction: api.DirectionOutbound,
	}
}

func (s *Simulator) acceptTCP(ctx context.Context, ln net.Listener) {
	defer s.loops.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Error("Accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTCP(ctx, c)
		}()
	}
}

func (s *Simulator) handleTCP(ctx context.Context, c net.Conn) {
	defer c.Close()

	meta := s.flowMeta(api.FlowProtocolTCP, c.RemoteAddr())
	l := s.logger.WithField("flow", meta)
	rule, ok := s.engine.Rules().Match(&meta)
	if !ok {
		l.Debug("Bypassing tcp flow")
		s.bypassTCP(ctx, c, meta)
		return
	}
	l = l.WithField("rule", rule)

	done := make(chan struct{})
	sess, err := s.engine.NewTCPSession(meta, interfaces.TCPCallbackFuncs{
		ServerBytes: func(data []byte) {
			if _, err := c.Write(data); err != nil {
				l.WithError(err).Debug("Client write failed")
			}
		},
		ServerClosed: func() { close(done) },
	})
	if err != nil {
		l.WithError(err).Warn("Dropping tcp flow")
		return
	}
	defer sess.Free()
	l.Debug("Intercepting tcp flow")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if sess.OnClientBytes(buf[:n]) != nil {
					return
				}
			}
			if err != nil {
				_ = sess.OnClientEOF()
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	// Closing the client unblocks any in-flight ServerBytes write before Free.
	_ = c.Close()
}

func (s *Simulator) bypassTCP(ctx context.Context, c net.Conn, meta api.FlowMeta) {
	up, err := s.direct.DialTCP(ctx, meta.Remote.String())
	if err != nil {
		s.logger.WithError(err).WithField("remote", meta.Remote).Warn("Bypass dial failed")
		return
	}
	defer up.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
		_ = up.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(up, c)
		closeWrite(up)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(c, up)
		closeWrite(c)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
