package interfaces

import "context"

type Runnable interface {
	// Start starts running the component. The component will stop running
	// when the context is closed. Start blocks until the context is closed or
	// an error occurs.
	Start(context.Context) error
}

// TCPCallbacks receives server-side events of one TCP session. Methods are
// invoked from engine goroutines; data is only valid for the duration of the
// call and must be copied if retained.
type TCPCallbacks interface {
	// OnServerBytes delivers the next contiguous chunk of the upstream byte stream.
	OnServerBytes(data []byte)
	// OnServerClosed is called exactly once when the upstream side terminates.
	OnServerClosed()
}

// UDPCallbacks receives server-side events of one UDP session.
type UDPCallbacks interface {
	// OnServerDatagram delivers exactly one upstream datagram.
	OnServerDatagram(data []byte)
	// OnServerClosed is called exactly once when the flow is torn down.
	OnServerClosed()
}

// Releaser is implemented by callbacks that hold a context which must be
// released exactly once when the session is freed.
type Releaser interface {
	Release()
}

// TCPCallbackFuncs adapts plain functions to TCPCallbacks. Nil fields are skipped.
type TCPCallbackFuncs struct {
	ServerBytes  func(data []byte)
	ServerClosed func()
}

func (f TCPCallbackFuncs) OnServerBytes(data []byte) {
	if f.ServerBytes != nil {
		f.ServerBytes(data)
	}
}

func (f TCPCallbackFuncs) OnServerClosed() {
	if f.ServerClosed != nil {
		f.ServerClosed()
	}
}

// UDPCallbackFuncs adapts plain functions to UDPCallbacks. Nil fields are skipped.
type UDPCallbackFuncs struct {
	ServerDatagram func(data []byte)
	ServerClosed   func()
}

func (f UDPCallbackFuncs) OnServerDatagram(data []byte) {
	if f.ServerDatagram != nil {
		f.ServerDatagram(data)
	}
}

func (f UDPCallbackFuncs) OnServerClosed() {
	if f.ServerClosed != nil {
		f.ServerClosed()
	}
}
