package engine

import (
	"errors"

	"github.com/am6737/tproxy/api"
)

var (
	ErrEngineNotRunning = errors.New("engine: not running")
	ErrEngineFreed      = errors.New("engine: freed")
	ErrSessionClosed    = errors.New("engine: session closed")
	ErrHalfClosed       = errors.New("engine: client side already half-closed")
	ErrSessionFreed     = errors.New("engine: session freed")
)

// AllocationError reports that a session could not be created. The flow is
// not intercepted and the caller should let it bypass or drop it.
type AllocationError struct {
	Protocol api.FlowProtocol
	Reason   string
	Err      error
}

func (e *AllocationError) Error() string {
	msg := "engine: cannot allocate " + e.Protocol.String() + " session: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}
