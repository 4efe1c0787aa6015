package serialmux

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// InputFlusher is implemented by ports that can discard unread input.
// go.bug.st/serial ports satisfy it.
type InputFlusher interface {
	ResetInputBuffer() error
}

// Opener opens a multiplexed serial device at path. OpenSerialMux is the
// production implementation; tests substitute one backed by a fake port.
type Opener func(path string, opts PortOptions) (SerialMuxInterface, error)
