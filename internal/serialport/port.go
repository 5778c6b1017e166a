// Package serialport opens and describes the serial link to the braille
// display's touch controller.
package serialport

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a port at path. Open is the production implementation; tests
// and dev mode substitute their own.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
