package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.TunnelRemoteAddress = "127.0.0.1:9999"
	cfg.Rules = []config.NetworkRule{{
		RemoteNetwork: "10.0.0.0",
		RemotePrefix:  config.Prefix(8),
		Direction:     api.DirectionAny,
	}}
	return &cfg
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// pipeDialer hands the far end of every dialed connection to the test.
type pipeDialer struct {
	upstreams chan net.Conn
	err       error
	block     bool
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{upstreams: make(chan net.Conn, 16)}
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	client, server := net.Pipe()
	d.upstreams <- server
	return client, nil
}

func (d *pipeDialer) DialTCP(ctx context.Context, _ string) (net.Conn, error) { return d.dial(ctx) }
func (d *pipeDialer) DialUDP(ctx context.Context, _ string) (net.Conn, error) { return d.dial(ctx) }

func (d *pipeDialer) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.upstreams:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no upstream dialed")
		return nil
	}
}

// recorder collects server-side callbacks.
type recorder struct {
	mu       sync.Mutex
	chunks   [][]byte
	closed   int
	released int
	afterEnd int
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) OnServerBytes(data []byte)    { r.record(data) }
func (r *recorder) OnServerDatagram(data []byte) { r.record(data) }

func (r *recorder) record(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed > 0 {
		r.afterEnd++
	}
	r.chunks = append(r.chunks, append([]byte(nil), data...))
}

func (r *recorder) OnServerClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	if r.closed == 1 {
		close(r.done)
	}
}

func (r *recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("closed callback not delivered")
	}
}

func (r *recorder) snapshot() (chunks [][]byte, closed, released, afterEnd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.chunks...), r.closed, r.released, r.afterEnd
}

func startedEngine(t *testing.T, d transport.Dialer, mutate ...func(*config.Config)) *Engine {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	e, err := New(cfg, WithLogger(testLogger()), WithDialer(d))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(e.Free)
	return e
}

func tcpMeta(remote string) api.FlowMeta {
	ep, _ := api.ParseEndpoint(remote)
	return api.FlowMeta{
		Protocol:  api.FlowProtocolTCP,
		Remote:    ep,
		Local:     api.Endpoint{Host: "192.168.1.10", Port: 50000},
		Direction: api.DirectionOutbound,
	}
}

func TestEngineLifecycle(t *testing.T) {
	e, err := New(testConfig(), WithLogger(testLogger()), WithDialer(newPipeDialer()))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, e.State())

	_, err = e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	var ae *AllocationError
	require.True(t, errors.As(err, &ae))
	assert.ErrorIs(t, err, ErrEngineNotRunning)

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	assert.Equal(t, StateStarted, e.State())

	require.NoError(t, e.Stop(api.StopReasonUserInitiated))
	require.NoError(t, e.Stop(api.StopReasonUserInitiated))
	assert.Equal(t, StateStopped, e.State())

	// a stopped engine does not restart
	require.NoError(t, e.Start())
	assert.Equal(t, StateStopped, e.State())
	_, err = e.NewUDPSession(tcpMeta("10.0.0.1:53"), newRecorder())
	assert.ErrorIs(t, err, ErrEngineNotRunning)

	e.Free()
	e.Free()
	assert.ErrorIs(t, e.Start(), ErrEngineFreed)
	assert.ErrorIs(t, e.Stop(api.StopReasonNone), ErrEngineFreed)
	_, err = e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	assert.ErrorIs(t, err, ErrEngineFreed)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, config.IsConfigError(err))

	cfg := testConfig()
	cfg.TunnelRemoteAddress = ""
	_, err = New(cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestEngineShouldIntercept(t *testing.T) {
	e := startedEngine(t, newPipeDialer())
	m := tcpMeta("10.1.2.3:443")
	assert.True(t, e.ShouldIntercept(&m))
	m = tcpMeta("11.1.2.3:443")
	assert.False(t, e.ShouldIntercept(&m))
	assert.False(t, e.ShouldIntercept(nil))
}

func TestAllocationErrors(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d, func(c *config.Config) { c.Session.MaxSessions = 1 })

	_, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), nil)
	var ae *AllocationError
	assert.True(t, errors.As(err, &ae))

	_, err = e.NewTCPSession(api.FlowMeta{Protocol: api.FlowProtocolTCP}, newRecorder())
	assert.True(t, errors.As(err, &ae))

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	require.NoError(t, err)
	d.next(t)

	_, err = e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "session limit reached", ae.Reason)

	s.Free()
	assert.Equal(t, 0, e.Sessions())
	s2, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	require.NoError(t, err)
	d.next(t)
	s2.Free()
}

func TestTCPSessionResponseChunks(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d)
	rec := newRecorder()

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
	require.NoError(t, err)
	defer s.Free()

	request := "GET / HTTP/1.1\r\n\r\n"
	require.NoError(t, s.OnClientBytes([]byte(request)))

	up := d.next(t)
	buf := make([]byte, len(request))
	_, err = io.ReadFull(up, buf)
	require.NoError(t, err)
	assert.Equal(t, request, string(buf))

	_, err = up.Write([]byte("HTTP/1.1 "))
	require.NoError(t, err)
	_, err = up.Write([]byte("200 OK"))
	require.NoError(t, err)
	require.NoError(t, up.Close())

	rec.wait(t)
	chunks, closed, _, afterEnd := rec.snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, "HTTP/1.1 ", string(chunks[0]))
	assert.Equal(t, "200 OK", string(chunks[1]))
	assert.Equal(t, 1, closed)
	assert.Zero(t, afterEnd)

	assert.Equal(t, TCPClosed, s.State())
	assert.ErrorIs(t, s.OnClientBytes([]byte("x")), ErrSessionClosed)
}

func TestTCPSessionOrder(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d)
	rec := newRecorder()

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
	require.NoError(t, err)
	defer s.Free()

	var want bytes.Buffer
	for i := 0; i < 200; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, i%17+1)
		want.Write(chunk)
		require.NoError(t, s.OnClientBytes(chunk))
	}
	require.NoError(t, s.OnClientBytes(nil))

	up := d.next(t)
	got := make([]byte, want.Len())
	_, err = io.ReadFull(up, got)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestTCPSessionHalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		req, _ := io.ReadAll(c)
		_, _ = c.Write(append([]byte("bye:"), req...))
	}()

	e := startedEngine(t, transport.NewDirect(time.Second))
	rec := newRecorder()
	s, err := e.NewTCPSession(tcpMeta(ln.Addr().String()), rec)
	require.NoError(t, err)
	defer s.Free()

	require.NoError(t, s.OnClientBytes([]byte("ping")))
	require.NoError(t, s.OnClientEOF())

	rec.wait(t)
	chunks, closed, _, _ := rec.snapshot()
	assert.Equal(t, "bye:ping", string(bytes.Join(chunks, nil)))
	assert.Equal(t, 1, closed)
}

func TestTCPSessionDialFailure(t *testing.T) {
	d := newPipeDialer()
	d.err = errors.New("connection refused")
	e := startedEngine(t, d)
	rec := newRecorder()

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
	require.NoError(t, err)
	defer s.Free()

	rec.wait(t)
	assert.Equal(t, TCPClosed, s.State())
	assert.ErrorIs(t, s.OnClientBytes([]byte("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.OnClientEOF(), ErrSessionClosed)
	_, closed, _, _ := rec.snapshot()
	assert.Equal(t, 1, closed)
	assert.Equal(t, int64(1), e.metrics.dialFailures.Count())
}

func TestEngineStopClosesSessions(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d)

	var sessions []*TCPSession
	var recs []*recorder
	for i := 0; i < 3; i++ {
		rec := newRecorder()
		s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
		require.NoError(t, err)
		d.next(t)
		sessions = append(sessions, s)
		recs = append(recs, rec)
	}
	assert.Equal(t, 3, e.Sessions())

	require.NoError(t, e.Stop(api.StopReasonUserInitiated))

	for i, s := range sessions {
		_, closed, _, _ := recs[i].snapshot()
		assert.Equal(t, 1, closed, "session %d", i)
		assert.ErrorIs(t, s.OnClientBytes([]byte("x")), ErrSessionClosed)
	}
	for _, s := range sessions {
		s.Free()
	}
	assert.Equal(t, 0, e.Sessions())
}

func TestEngineStopDuringDial(t *testing.T) {
	d := newPipeDialer()
	d.block = true
	e := startedEngine(t, d)
	rec := newRecorder()

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
	require.NoError(t, err)
	require.NoError(t, s.OnClientBytes([]byte("queued")))
	require.NoError(t, s.OnClientEOF())
	require.NoError(t, s.OnClientEOF())
	assert.ErrorIs(t, s.OnClientBytes([]byte("late")), ErrHalfClosed)
	assert.Equal(t, TCPClientHalfClosed, s.State())

	require.NoError(t, e.Stop(api.StopReasonProviderDisabled))
	_, closed, _, _ := rec.snapshot()
	assert.Equal(t, 1, closed)
	s.Free()
}

func TestSessionFree(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d)
	rec := newRecorder()

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), rec)
	require.NoError(t, err)
	up := d.next(t)

	s.Free()
	s.Free()
	assert.ErrorIs(t, s.OnClientBytes([]byte("x")), ErrSessionFreed)
	assert.ErrorIs(t, s.OnClientEOF(), ErrSessionFreed)
	assert.Equal(t, 0, e.Sessions())

	// the upstream observes the teardown; nothing reaches the freed callbacks
	_, _ = up.Write([]byte("late"))
	require.NoError(t, e.Stop(api.StopReasonNone))

	chunks, closed, released, _ := rec.snapshot()
	assert.Empty(t, chunks)
	assert.Zero(t, closed)
	assert.Equal(t, 1, released)
}

func TestEngineFreeReleasesLeakedSessions(t *testing.T) {
	d := newPipeDialer()
	e, err := New(testConfig(), WithLogger(testLogger()), WithDialer(d))
	require.NoError(t, err)
	require.NoError(t, e.Start())

	rec := newRecorder()
	_, err = e.NewUDPSession(tcpMeta("10.0.0.1:53"), rec)
	require.NoError(t, err)
	d.next(t)

	e.Free()
	_, closed, released, _ := rec.snapshot()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, e.Sessions())
}

func TestEngineMetrics(t *testing.T) {
	d := newPipeDialer()
	e := startedEngine(t, d)

	s, err := e.NewTCPSession(tcpMeta("10.0.0.1:80"), newRecorder())
	require.NoError(t, err)
	require.NoError(t, s.OnClientBytes([]byte("12345")))
	up := d.next(t)
	_, err = io.ReadFull(up, make([]byte, 5))
	require.NoError(t, err)

	assert.NotNil(t, e.Metrics().Get("engine.sessions.active"))
	assert.Eventually(t, func() bool {
		return e.metrics.tcpClientBytes.Count() == 5
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, int64(1), e.metrics.sessionsActive.Count())
	s.Free()
	assert.Equal(t, int64(0), e.metrics.sessionsActive.Count())
}
