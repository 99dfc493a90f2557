package fdl

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialPort is a Transport over a local serial device, as exposed by the
// SPRD USB CDC-ACM gadget or a UART adapter.
type SerialPort struct {
	name string
	mode *serial.Mode
	port serial.Port

	readTimeout time.Duration
}

// OpenSerialPort opens the named serial device at the given speed.
func OpenSerialPort(name string, baud int) (*SerialPort, error) {
	p := &SerialPort{
		name: name,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: 20 * time.Millisecond,
	}
	if err := p.Open(); err != nil {
		return nil, err
	}
	return p, nil
}

// Open opens (or reopens) the port.
func (p *SerialPort) Open() error {
	if p.port != nil {
		return nil
	}
	port, err := serial.Open(p.name, p.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.name, err)
	}
	if err := port.SetReadTimeout(p.readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", p.name, err)
	}
	p.port = port
	return nil
}

// Close closes the port. Closing an already closed port is a no-op.
func (p *SerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func (p *SerialPort) Write(b []byte) (int, error) {
	if p.port == nil {
		return 0, fmt.Errorf("%s is not open", p.name)
	}
	n, err := p.port.Write(b)
	if err != nil {
		return n, err
	}
	if err := p.port.Drain(); err != nil {
		return n, err
	}
	return n, nil
}

// Read returns whatever arrived within the short read timeout. (0, nil)
// means no data yet, which the exchange layer treats as a poll miss.
func (p *SerialPort) Read(b []byte) (int, error) {
	if p.port == nil {
		return 0, fmt.Errorf("%s is not open", p.name)
	}
	return p.port.Read(b)
}

// BytesAvailable is a best-effort hint; the underlying library exposes no
// queue depth, so the exchange layer falls back to polling Read.
func (p *SerialPort) BytesAvailable() (int, error) {
	if p.port == nil {
		return 0, fmt.Errorf("%s is not open", p.name)
	}
	return 0, nil
}

// SetBaudRate changes the line speed in place.
func (p *SerialPort) SetBaudRate(baud int) error {
	p.mode.BaudRate = baud
	if p.port == nil {
		return nil
	}
	if err := p.port.SetMode(p.mode); err != nil {
		return fmt.Errorf("set %s to %d baud: %w", p.name, baud, err)
	}
	return nil
}

// ResetBuffers discards pending bytes in both directions.
func (p *SerialPort) ResetBuffers() error {
	if p.port == nil {
		return nil
	}
	if err := p.port.ResetInputBuffer(); err != nil {
		return err
	}
	return p.port.ResetOutputBuffer()
}

// ListPorts enumerates serial device names on this host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
