package shmswitch

//
// Data model
//

import (
	"errors"
	"time"
)

// Frame contains an ethernet frame received from or transmitted to a [Port].
type Frame struct {
	// Timestamp is the time when the frame was received.
	Timestamp time.Time

	// Payload contains the frame bytes.
	Payload []byte
}

// NewFrame constructs a [Frame] with the given payload.
func NewFrame(payload []byte) *Frame {
	return &Frame{
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// Port is a NIC port owned by the switch. The server reads frames from
// each port's receive side, while every process transmits on the port
// using the transmit queue assigned to it.
type Port interface {
	// ID returns the port identifier, which is lower than [MaxPorts].
	ID() uint8

	// ReadFrameNonblocking reads an incoming frame. This function returns
	// one of the following errors:
	//
	// - ErrNoPacket if no packet is available right now;
	//
	// - ErrPortClosed if the port has been closed.
	//
	// Callers should ignore ErrNoPacket and try reading again later.
	ReadFrameNonblocking() (*Frame, error)

	// WriteFrame transmits a frame using the given transmit queue. The frame
	// and its payload are only valid until WriteFrame returns, so an implementation
	// that needs to keep the bytes around MUST copy them. This function
	// returns ErrPacketDropped when the transmit queue is full.
	WriteFrame(queue uint16, frame *Frame) error

	// Close closes the port.
	Close() error
}

// ErrNoPacket indicates that no packet is currently available.
var ErrNoPacket = errors.New("shmswitch: no packet available")

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("shmswitch: packet was dropped")

// ErrPortClosed indicates that a port has been closed.
var ErrPortClosed = errors.New("shmswitch: port closed")
