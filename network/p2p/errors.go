package p2p

import (
	"errors"
	"fmt"
)

// Error kinds of the transport core. Registry and cookie-store mutations
// report failure as a boolean, never as a panic or exception, and do not
// return these sentinels; ErrNotConnected and ErrStopped are delivered to
// Channel.Send completion callbacks.
var (
	ErrAlreadyPresent = errors.New("p2p: endpoint already present")
	ErrPerIPCapped    = errors.New("p2p: per-ip connection cap reached")
	ErrUnresolved     = errors.New("p2p: handshake unresolved")
	ErrNotConnected   = errors.New("p2p: socket not connected")
	ErrStopped        = errors.New("p2p: registry stopped")
)

// TransportError wraps an underlying socket error verbatim so callers can
// errors.As against it while still seeing the original cause via Unwrap.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("p2p: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// wrapTransport is a convenience constructor used by the socket adapters.
func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}
