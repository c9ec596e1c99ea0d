package transport

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

var (
	ErrPortBusy         = errors.New("serial port is busy")
	ErrPermissionDenied = errors.New("permission denied on serial port")
	ErrNoDevice         = errors.New("no matching device")
)

// PortError ties a transport failure to the port it happened on.
type PortError struct {
	Port string
	Op   string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// classify maps a driver error onto the transport sentinels. Errors that do
// not fit one of them are returned untouched, wrapped in a PortError.
func classify(op, port string, err error) error {
	if err == nil {
		return nil
	}

	var serr *serial.PortError
	if errors.As(err, &serr) {
		switch serr.Code() {
		case serial.PortBusy:
			return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrPortBusy, err)}
		case serial.PermissionDenied:
			return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrPermissionDenied, err)}
		case serial.PortNotFound, serial.InvalidSerialPort:
			return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrNoDevice, err)}
		}
	}

	switch {
	case isPortLockedError(err):
		return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrPortBusy, err)}
	case isPermissionError(err):
		return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrPermissionDenied, err)}
	case isMissingError(err):
		return &PortError{Port: port, Op: op, Err: fmt.Errorf("%w: %v", ErrNoDevice, err)}
	}
	return &PortError{Port: port, Op: op, Err: err}
}

// isPortLockedError checks if a serial port error indicates the port is held by another application.
func isPortLockedError(err error) bool {
	errStr := strings.ToLower(err.Error())
	// Windows: "The process cannot access the file"
	// Linux/Mac: "resource busy", "device or resource busy"
	return strings.Contains(errStr, "busy") ||
		strings.Contains(errStr, "in use") ||
		strings.Contains(errStr, "cannot access")
}

func isPermissionError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "denied") || strings.Contains(errStr, "not permitted")
}

func isMissingError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "cannot find")
}
