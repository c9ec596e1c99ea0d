package orchestrator

import (
	"context"
	"time"

	"KeyFlash/backup"
	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/flasher"
)

// SideFlashing flashes the halves of a split board.
type SideFlashing interface {
	flasher.NeuronPreparer
	FlashSide(ctx context.Context, side flasher.Side, onProgress flasher.SideProgress, keyboardType string, force bool) error
}

// VariantFactory builds the variant for a session's keyboard, and the side
// flasher when the keyboard is split.
type VariantFactory func(d *device.Device, fw Firmware) (flasher.Variant, SideFlashing, error)

// Restorer replays a backup after a flash.
type Restorer interface {
	Restore(ctx context.Context, s backup.Session, b *backup.Backup, onProgress func(float64)) error
}

// Config holds the orchestrator configuration.
type Config struct {
	// MaxAttempts and PollInterval bound the wait for the keyboard to come
	// back after a reset.
	MaxAttempts  int
	PollInterval time.Duration

	// Sleep is used for every wait.
	Sleep func(time.Duration)

	// Events receives every progress update.
	Events events.Publisher

	// OnState is called on every state change of a session.
	OnState func(s *Session)

	NewVariant VariantFactory
	Restorer   Restorer

	// CaptureCommands are read into a backup before flashing when a request
	// asks for it.
	CaptureCommands []string
}

func defaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		PollInterval:    2500 * time.Millisecond,
		Sleep:           time.Sleep,
		CaptureCommands: backup.DefaultCommands,
	}
}

// Option configures an Orchestrator.
type Option func(*Config)

// WithReconnect sets the reconnection budget.
func WithReconnect(attempts int, interval time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.MaxAttempts = attempts
		}
		if interval >= 0 {
			c.PollInterval = interval
		}
	}
}

// WithSleep replaces time.Sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Config) {
		if sleep != nil {
			c.Sleep = sleep
		}
	}
}

// WithEvents sets where progress events go.
func WithEvents(p events.Publisher) Option {
	return func(c *Config) {
		c.Events = p
	}
}

// WithStateHook sets a callback for session state changes.
func WithStateHook(fn func(s *Session)) Option {
	return func(c *Config) {
		c.OnState = fn
	}
}

// WithVariantFactory replaces how variants are built.
func WithVariantFactory(f VariantFactory) Option {
	return func(c *Config) {
		if f != nil {
			c.NewVariant = f
		}
	}
}

// WithRestorer replaces the backup restorer.
func WithRestorer(r Restorer) Option {
	return func(c *Config) {
		if r != nil {
			c.Restorer = r
		}
	}
}
