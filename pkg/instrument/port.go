package instrument

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the electrode switching board.
	DefaultBaudRate = 9600
	// DefaultReadTimeout bounds each poll of the reader goroutine.
	DefaultReadTimeout = 100 * time.Millisecond
)

// Port is the byte stream to the instrument. A Read that times out returns
// 0, nil so the reader can poll for cancellation.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a named port at the given baud rate.
type Opener func(name string, baudRate int) (Port, error)

// Ensure serial.Port implements Port.
var _ Port = (serial.Port)(nil)

// SerialOpener opens a real serial port, 8N1.
func SerialOpener(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Ports returns the names of the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
