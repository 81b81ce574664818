package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/am6737/tproxy/config"
	"golang.org/x/net/proxy"
)

// ErrUDPUnsupported is returned by dialers that cannot carry datagrams.
var ErrUDPUnsupported = errors.New("transport: udp not supported by upstream")

// Dialer opens upstream connections for relay sessions. UDP connections are
// connected sockets: one Write sends one datagram and one Read receives one.
type Dialer interface {
	DialTCP(ctx context.Context, addr string) (net.Conn, error)
	DialUDP(ctx context.Context, addr string) (net.Conn, error)
}

type controlFunc func(network, address string, c syscall.RawConn) error

// New builds the upstream dialer described by cfg.
func New(cfg config.UpstreamConfig) (Dialer, error) {
	control, err := protectControl(cfg)
	if err != nil {
		return nil, err
	}
	base := &net.Dialer{
		Timeout: cfg.DialTimeout,
		Control: control,
	}

	switch cfg.Type {
	case "", config.UpstreamDirect:
		return &Direct{dialer: base}, nil
	case config.UpstreamSOCKS5:
		return NewSOCKS5(cfg.Address, cfg.Username, cfg.Password, base)
	}
	return nil, fmt.Errorf("unknown upstream type %q", cfg.Type)
}

// Direct dials destinations without any proxy.
type Direct struct {
	dialer *net.Dialer
}

func NewDirect(timeout time.Duration) *Direct {
	return &Direct{dialer: &net.Dialer{Timeout: timeout}}
}

func (d *Direct) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", addr)
}

func (d *Direct) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "udp", addr)
}

// SOCKS5 relays TCP streams through a SOCKS5 server.
type SOCKS5 struct {
	server string
	dialer proxy.Dialer
}

// NewSOCKS5 returns a dialer that connects through server. forward carries the
// connection to the server itself; nil means proxy.Direct.
func NewSOCKS5(server, username, password string, forward *net.Dialer) (*SOCKS5, error) {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{
			User:     username,
			Password: password,
		}
	}

	var fwd proxy.Dialer = proxy.Direct
	if forward != nil {
		fwd = forward
	}
	d, err := proxy.SOCKS5("tcp", server, auth, fwd)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	return &SOCKS5{server: server, dialer: d}, nil
}

func (s *SOCKS5) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := s.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return s.dialer.Dial("tcp", addr)
}

// DialUDP always fails: UDP ASSOCIATE is not implemented.
func (s *SOCKS5) DialUDP(context.Context, string) (net.Conn, error) {
	return nil, ErrUDPUnsupported
}

func (s *SOCKS5) String() string {
	return "socks5://" + s.server
}
