package focus

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAck is returned when the firmware explicitly refuses a command.
	ErrNoAck = errors.New("command not acknowledged")

	// ErrTimeout is returned when no terminated response arrives in time.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrMalformedResponse is returned for a response that cannot be framed.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrClosed is returned after Close or when the port went away.
	ErrClosed = errors.New("focus client closed")
)

// CommandError records which command failed.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("focus command %q: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
