//go:build linux

package transport

import (
	"fmt"
	"syscall"

	"github.com/am6737/tproxy/config"
	"golang.org/x/sys/unix"
)

// protectControl marks upstream sockets with SO_MARK so policy routing can
// keep them out of the capture path, and optionally binds them to a device.
func protectControl(cfg config.UpstreamConfig) (controlFunc, error) {
	if cfg.FwMark == 0 && cfg.BindInterface == "" {
		return nil, nil
	}
	mark, device := cfg.FwMark, cfg.BindInterface

	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); setErr != nil {
					setErr = fmt.Errorf("SO_MARK: %w", setErr)
					return
				}
			}
			if device != "" {
				if setErr = unix.BindToDevice(int(fd), device); setErr != nil {
					setErr = fmt.Errorf("SO_BINDTODEVICE: %w", setErr)
				}
			}
		})
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		return setErr
	}, nil
}
