package backup

import (
	"context"
	"errors"
	"fmt"

	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/logger"
)

// resetDisplayCommand puts the LEDs back to the default mode after a replay.
const resetDisplayCommand = "led.mode 0"

// Session is what a restore needs to know about the flash it follows.
type Session interface {
	// Bootloader reports whether the keyboard was in bootloader mode when
	// the session began.
	Bootloader() bool

	// Original is the identity captured before the keyboard was reset.
	Original() device.Identity
}

// Registry is the part of the device registry a restore uses.
type Registry interface {
	Find(ctx context.Context, id device.Identity, bootloader bool) (*device.Device, error)
	Connect(ctx context.Context, d *device.Device) (*device.Device, error)
	Disconnect(d *device.Device) error
	Command(ctx context.Context, d *device.Device, cmd string, args ...string) (string, error)
}

// RestoreError is a failed replay of one entry.
type RestoreError struct {
	Index   int
	Command string
	Err     error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore entry %d (%s): %v", e.Index, e.Command, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Restorer replays backups through the registry.
type Restorer struct {
	registry Registry
}

// NewRestorer creates a Restorer.
func NewRestorer(reg Registry) *Restorer {
	return &Restorer{registry: reg}
}

// Restore replays b against the keyboard of s. A keyboard left in its
// bootloader has nothing to restore; a missing or empty backup only
// reconnects.
func (r *Restorer) Restore(ctx context.Context, s Session, b *Backup, onProgress func(float64)) error {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	id := s.Original()
	log := logger.Stage(string(events.StageRestore), id.String())

	onProgress(0)
	if s.Bootloader() {
		log.Info("Keyboard stayed in bootloader, nothing to restore")
		onProgress(100)
		return nil
	}

	if b.Len() == 0 {
		d, err := r.registry.Find(ctx, id, false)
		if err != nil {
			log.Warn("No backup and keyboard not found: %v", err)
		} else if _, err := r.registry.Connect(ctx, d); err != nil {
			log.Warn("No backup and reconnect failed: %v", err)
		}
		onProgress(100)
		return nil
	}

	d, err := r.registry.Find(ctx, id, false)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if _, err := r.registry.Connect(ctx, d); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	total := len(b.Entries)
	for i, e := range b.Entries {
		log.Debug("Sending %s", e.Command)
		if _, err := r.registry.Command(ctx, d, e.Line()); err != nil {
			err = &RestoreError{Index: i, Command: e.Command, Err: err}
			return errors.Join(err, r.registry.Disconnect(d))
		}
		onProgress(float64(i) / float64(total) * 90)
	}

	if _, err := r.registry.Command(ctx, d, resetDisplayCommand); err != nil {
		err = &RestoreError{Index: total, Command: resetDisplayCommand, Err: err}
		return errors.Join(err, r.registry.Disconnect(d))
	}
	onProgress(100)
	log.Info("Restored %d settings", total)

	return r.registry.Disconnect(d)
}
