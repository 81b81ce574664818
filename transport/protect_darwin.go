//go:build darwin

package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/am6737/tproxy/config"
	"golang.org/x/sys/unix"
)

// protectControl pins upstream sockets to the configured interface with
// IP_BOUND_IF, bypassing the tunnel's default route. Socket marks do not
// exist on darwin.
func protectControl(cfg config.UpstreamConfig) (controlFunc, error) {
	if cfg.FwMark != 0 {
		return nil, errors.New("upstream fwmark is not supported on darwin, use bind_interface")
	}
	if cfg.BindInterface == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(cfg.BindInterface)
	if err != nil {
		return nil, fmt.Errorf("bind interface %q: %w", cfg.BindInterface, err)
	}
	index := ifi.Index

	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			if strings.HasSuffix(network, "6") {
				setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, index)
				return
			}
			setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, index)
		})
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if setErr != nil {
			return fmt.Errorf("IP_BOUND_IF: %w", setErr)
		}
		return nil
	}, nil
}
