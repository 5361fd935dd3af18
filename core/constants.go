package core

import "errors"

// Reasons passed to Event callbacks. Activation codes chosen by callers are
// passed through unchanged.
const (
	ReasonTimeout = 0x01
	ReasonSignal  = 0x08
)

// Socket tuning
const (
	readChunkSize  = 16384
	acceptBatch    = 64
	defaultBacklog = -1
)

// Error definitions
var (
	// ErrResourceExhausted is returned when the OS polling facility cannot be created
	ErrResourceExhausted = errors.New("reactor: cannot create polling facility")
	ErrLoopClosed        = errors.New("reactor: loop closed")
	ErrLoopRunning       = errors.New("reactor: loop is running")

	// ErrClosed is returned by operations on a freed event or closed connection/listener
	ErrClosed = errors.New("reactor: use of closed handle")

	ErrBind             = errors.New("reactor: bind failed")
	ErrConnect          = errors.New("reactor: connect failed")
	ErrAlreadyConnected = errors.New("reactor: connection is not in the unconnected state")
	ErrParse            = errors.New("reactor: malformed address")

	// ErrPeerClosed accompanies EventEOF
	ErrPeerClosed = errors.New("reactor: peer closed the stream")
	// ErrStream wraps transport errors on an established connection
	ErrStream = errors.New("reactor: stream error")
)
