// Package transport finds and opens the USB serial ports keyboards expose.
// It never retries: callers own the retry policy.
package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is used for normal-mode and bootloader connections.
const DefaultBaudRate = 115200

// TouchBaudRate is the baud rate whose open/close asks a board to reboot into
// its bootloader.
const TouchBaudRate = 1200

// Port is one enumerated serial endpoint.
type Port struct {
	Name         string
	VendorID     string
	ProductID    string
	SerialNumber string
	Product      string
	IsUSB        bool

	// Hardware is nil for ports that are not a known keyboard.
	Hardware   *Hardware
	Bootloader bool
}

// Properties is the USB metadata of a port.
type Properties struct {
	VendorID     string
	ProductID    string
	SerialNumber string
	Product      string
}

// Filter narrows Enumerate to one VID/PID. Empty fields match anything.
type Filter struct {
	VendorID  string
	ProductID string
}

func (f *Filter) match(p Port) bool {
	if f == nil {
		return true
	}
	if f.VendorID != "" && normalizeID(f.VendorID) != p.VendorID {
		return false
	}
	if f.ProductID != "" && normalizeID(f.ProductID) != p.ProductID {
		return false
	}
	return true
}

// Conn is an opened serial connection.
type Conn interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
}

// Transport enumerates and opens serial ports.
type Transport struct {
	list func() ([]*enumerator.PortDetails, error)
	open func(name string, mode *serial.Mode) (serial.Port, error)

	sleep func(time.Duration)
}

// TouchHold is how long Touch keeps the port open at the touch baud rate.
const TouchHold = 100 * time.Millisecond

// Option configures a Transport.
type Option func(*Transport)

// WithSleep replaces time.Sleep for the waits Touch makes.
func WithSleep(sleep func(time.Duration)) Option {
	return func(t *Transport) {
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

// New returns a Transport backed by the operating system's serial ports.
func New(opts ...Option) *Transport {
	t := &Transport{
		list:  enumerator.GetDetailedPortsList,
		open:  serial.Open,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Find returns every USB serial port whose vendor id belongs to a supported
// keyboard maker, in bootloader mode or not.
func (t *Transport) Find() ([]Port, error) {
	details, err := t.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	var ports []Port
	for _, d := range details {
		if d == nil || !d.IsUSB || !isKnownVendor(d.VID) {
			continue
		}
		p := Port{
			Name:         d.Name,
			VendorID:     normalizeID(d.VID),
			ProductID:    normalizeID(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			IsUSB:        d.IsUSB,
		}
		p.Hardware, p.Bootloader = Lookup(p.VendorID, p.ProductID)
		ports = append(ports, p)
	}
	return ports, nil
}

// Enumerate returns the known keyboards, optionally only those sitting in
// their bootloader and optionally narrowed by filter.
func (t *Transport) Enumerate(bootloaderOnly bool, filter *Filter) ([]Port, error) {
	all, err := t.Find()
	if err != nil {
		return nil, err
	}

	var ports []Port
	for _, p := range all {
		if p.Hardware == nil {
			continue
		}
		if bootloaderOnly && !p.Bootloader {
			continue
		}
		if !filter.match(p) {
			continue
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Connect opens port at baud, 8N1.
func (t *Transport) Connect(port string, baud int) (Conn, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	s, err := t.open(port, mode)
	if err != nil {
		return nil, classify("open", port, err)
	}
	return s, nil
}

// CheckProperties reports the USB metadata of the port at path.
func (t *Transport) CheckProperties(path string) (Properties, error) {
	details, err := t.list()
	if err != nil {
		return Properties{}, fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, d := range details {
		if d == nil || d.Name != path {
			continue
		}
		return Properties{
			VendorID:     normalizeID(d.VID),
			ProductID:    normalizeID(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}, nil
	}
	return Properties{}, &PortError{Port: path, Op: "properties", Err: ErrNoDevice}
}

// Touch opens port at 1200 baud and drops DTR, which boards with a USB CDC
// bootloader take as a request to reboot into it.
func (t *Transport) Touch(port string) error {
	s, err := t.open(port, &serial.Mode{BaudRate: TouchBaudRate})
	if err != nil {
		return classify("touch", port, err)
	}
	// Not every backend can toggle modem lines; the baud change alone is
	// enough on most boards.
	_ = s.SetDTR(false)
	t.sleep(TouchHold)
	return s.Close()
}
