package rs485

import (
	"io"
	"time"

	"iocontrol-go/types"
)

// Port is one physical serial line. Read may return 0, nil on a read
// timeout; any error ends the reader.
type Port interface {
	io.ReadWriter
	// Configure applies a complete line setting.
	Configure(f types.SerialFormat) error
	// Drain blocks until written bytes have left the UART.
	Drain() error
	// Flush discards unread input.
	Flush() error
	Close() error
}

// Breaker is implemented by ports that can hold the line in break.
type Breaker interface {
	Break(d time.Duration) error
}

// DirectionSetter is implemented by ports that switch the transceiver
// themselves, e.g. via RTS.
type DirectionSetter interface {
	SetDirection(d Direction) error
}

// Direction of the half-duplex transceiver.
type Direction uint8

const (
	DirIdle Direction = iota
	DirIncoming
	DirOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirIncoming:
		return "incoming"
	case DirOutgoing:
		return "outgoing"
	default:
		return "idle"
	}
}

// DirectionFunc switches the line for a segment. It runs on the loop and
// must not block.
type DirectionFunc func(segment int, d Direction)

// Sizer reports the full frame length for the bytes received so far: 0
// when more bytes are needed, negative when the frame cannot be sized.
type Sizer func(b []byte) int
