//go:build !linux && !darwin

package transport

import (
	"errors"

	"github.com/am6737/tproxy/config"
)

func protectControl(cfg config.UpstreamConfig) (controlFunc, error) {
	if cfg.FwMark != 0 || cfg.BindInterface != "" {
		return nil, errors.New("upstream socket protection is not supported on this platform")
	}
	return nil, nil
}
