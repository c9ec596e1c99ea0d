package flasher

import (
	"errors"
	"fmt"
)

var (
	// ErrBootloaderNotFound means a reset did not produce a device in
	// bootloader mode.
	ErrBootloaderNotFound = errors.New("bootloader not found")

	// ErrDriveNotFound means no UF2 volume showed up after the neuron was
	// asked to expose one.
	ErrDriveNotFound = errors.New("bootloader drive not found")

	// ErrSideNotConnected means the neuron does not see the half.
	ErrSideNotConnected = errors.New("side not connected")

	// ErrNoFirmware means no image was supplied for a stage.
	ErrNoFirmware = errors.New("no firmware image")
)

// SideError carries the side a flash failed on.
type SideError struct {
	Side Side
	Err  error
}

func (e *SideError) Error() string {
	return fmt.Sprintf("%s side: %v", e.Side, e.Err)
}

func (e *SideError) Unwrap() error { return e.Err }

// TransferError is a failed write or verify at a given image offset.
type TransferError struct {
	Offset int
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed at offset 0x%X: %v", e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

var (
	// ErrWriteRejected means the bootloader refused a block.
	ErrWriteRejected = errors.New("write rejected")

	// ErrVerifyFailed means the flashed image did not validate.
	ErrVerifyFailed = errors.New("verification failed")
)
