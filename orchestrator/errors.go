package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned when the keyboard is already being
	// flashed.
	ErrSessionActive = errors.New("a flash session is already active for this keyboard")

	// ErrReconnectExhausted is returned when the keyboard did not come back
	// in normal mode within the attempt budget.
	ErrReconnectExhausted = errors.New("keyboard not found after reset")

	// ErrNoDevice is returned when there is nothing to flash.
	ErrNoDevice = errors.New("no keyboard selected")
)

// StageError is a session failure with the stage it happened in.
type StageError struct {
	Stage  State
	Device string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed on %s: %v", e.Stage, e.Device, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
