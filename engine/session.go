package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/sirupsen/logrus"
)

// session holds the state shared by TCP and UDP relays: the client queue
// feeding the upstream writer, the upstream connection and the callback gate.
type session struct {
	id     uint64
	meta   api.FlowMeta
	engine *Engine
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue [][]byte
	// final is set once no more client data will be queued.
	final bool
	torn  bool
	freed bool
	conn  net.Conn
	wake  chan struct{}

	lastActive atomic.Int64

	// cbMu serialises callback delivery against Free.
	cbMu            sync.Mutex
	detached        bool
	closedDelivered bool
}

func (s *session) init(e *Engine, meta api.FlowMeta) {
	s.id = e.flows.NextID()
	s.meta = meta
	s.engine = e
	s.wake = make(chan struct{}, 1)
	s.logger = e.logger.WithFields(logrus.Fields{
		"session": s.id,
		"flow":    meta,
	})
	s.touch()
}

func (s *session) bind(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

func (s *session) ID() uint64 {
	return s.id
}

func (s *session) Meta() api.FlowMeta {
	return s.meta
}

// Close tears the relay down from the engine side. The closed callback is
// delivered by the session goroutine once it observes the teardown.
func (s *session) Close() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	conn := s.conn
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *session) isTorn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

// attach stores the dialed upstream connection unless the session was torn
// down while dialing.
func (s *session) attach(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		_ = c.Close()
		return false
	}
	s.conn = c
	return true
}

// pushLocked queues a copy of b. The caller holds mu.
func (s *session) pushLocked(b []byte) {
	s.queue = append(s.queue, append([]byte(nil), b...))
	s.notify()
}

// finishLocked marks the end of client data. The caller holds mu.
func (s *session) finishLocked() {
	s.final = true
	s.notify()
}

func (s *session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) drain() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q, s.final
}

// writeLoop forwards queued client data upstream in order until the client
// side is finished or the session is torn down. onWritten runs after each
// successful write; onFinal runs once all data has been written.
func (s *session) writeLoop(conn net.Conn, onWritten func(n int), onFinal func(conn net.Conn)) {
	defer s.engine.wg.Done()
	for {
		chunks, final := s.drain()
		for _, c := range chunks {
			if _, err := conn.Write(c); err != nil {
				if !s.isTorn() {
					s.logger.WithError(err).Debug("Upstream write failed")
				}
				s.Close()
				return
			}
			onWritten(len(c))
		}
		if final {
			onFinal(conn)
			return
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) markFreed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return false
	}
	s.freed = true
	return true
}

// deliver runs fn under the callback lock unless the session was freed or
// the closed callback already fired.
func (s *session) deliver(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.detached || s.closedDelivered {
		return
	}
	fn()
}

func (s *session) deliverClosed(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.detached || s.closedDelivered {
		return
	}
	s.closedDelivered = true
	fn()
}

// detach waits for an in-flight callback and disables further delivery.
func (s *session) detach() {
	s.cbMu.Lock()
	s.detached = true
	s.cbMu.Unlock()
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idleFor(d time.Duration) bool {
	return time.Since(time.Unix(0, s.lastActive.Load())) >= d
}

func (s *session) dialContext() (context.Context, context.CancelFunc) {
	if t := s.engine.cfg.Upstream.DialTimeout; t > 0 {
		return context.WithTimeout(s.ctx, t)
	}
	return context.WithCancel(s.ctx)
}
