package rpc

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"zeroflash/internal/services"
)

// Port is the byte transport under a session. go.bug.st/serial ports satisfy
// it directly; tests substitute an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	Drain() error
}

// OpenSerial opens a virtual COM port with 8N1 framing. The baud rate is
// ignored by USB CDC devices but must still be valid.
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidDevice, "rpc", "open serial port", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, services.Wrap(services.ErrInvalidDevice, "rpc", "reset input buffer", name, err)
	}
	return port, nil
}

// drainWithin waits for the port's output buffer to flush, giving up after
// timeout. A stuck drain leaves its goroutine behind until the port closes.
func drainWithin(port Port, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() { result <- port.Drain() }()
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("drain: %w", services.ErrTimeout)
	}
}
