// Package flasher knows how each keyboard family is put into its bootloader
// and given new firmware.
package flasher

import (
	"context"
	"fmt"
	"time"

	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/transport"
)

// Registry is the part of the device registry the variants use.
type Registry interface {
	Find(ctx context.Context, id device.Identity, bootloader bool) (*device.Device, error)
	Connect(ctx context.Context, d *device.Device) (*device.Device, error)
	Disconnect(d *device.Device) error
	Command(ctx context.Context, d *device.Device, cmd string, args ...string) (string, error)
}

// SerialPort is the raw serial access the wired variant needs.
type SerialPort interface {
	Touch(port string) error
	Connect(port string, baud int) (transport.Conn, error)
}

// Progress is called with a stage percentage.
type Progress func(percentage float64)

// Variant is the reset and flash sequence of one hardware family.
type Variant interface {
	Family() device.Family
	Weights() events.Weights

	// ResetKeyboard moves d to the mode FlashFirmware expects. bootloader
	// says whether d was already in its bootloader when the session began.
	ResetKeyboard(ctx context.Context, d *device.Device, bootloader bool, onProgress Progress) error

	// FlashFirmware writes fw.
	FlashFirmware(ctx context.Context, d *device.Device, fw []byte, bootloader bool, onProgress Progress) error
}

// Config holds the variant configuration.
type Config struct {
	// Attempts bounds every "wait for the device to show up" loop.
	Attempts int

	// PollInterval is the wait between two attempts.
	PollInterval time.Duration

	// Sleep is used for every wait, so tests do not have to.
	Sleep func(time.Duration)

	// BlockSize, BaseAddress and Retries drive the wired block transfer.
	BlockSize   int
	BaseAddress uint32
	Retries     int
	AckTimeout  time.Duration

	// Drives lists mounted volumes for the UF2 drop.
	Drives DriveLister

	// UF2Base is where raw neuron images are placed when wrapped in UF2.
	UF2Base uint32
}

func defaultConfig() Config {
	return Config{
		Attempts:     20,
		PollInterval: 500 * time.Millisecond,
		Sleep:        time.Sleep,
		BlockSize:    256,
		BaseAddress:  0x00002000,
		Retries:      3,
		AckTimeout:   2 * time.Second,
		Drives:       SystemDrives{},
		UF2Base:      0x10000000,
	}
}

// Option configures a variant.
type Option func(*Config)

// WithPolling sets how many times and how often variants look for a device.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.Attempts = attempts
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

// WithDrives replaces the system drive lister.
func WithDrives(d DriveLister) Option {
	return func(c *Config) {
		if d != nil {
			c.Drives = d
		}
	}
}

// WithBlockSize sets the wired transfer block size.
func WithBlockSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BlockSize = n
		}
	}
}

// ForDevice returns the variant for d's family. sides is only used by split
// boards and may be nil for single-unit ones.
func ForDevice(d *device.Device, reg Registry, port SerialPort, sides *SideFlasher, opts ...Option) (Variant, error) {
	switch d.Family {
	case device.WiredSingleUnit:
		return NewWired(reg, port, opts...), nil
	case device.WirelessDualUnit:
		if sides == nil {
			return nil, fmt.Errorf("%s: split keyboard needs a side flasher", d)
		}
		return NewWireless(reg, sides, opts...), nil
	default:
		return nil, fmt.Errorf("%s: unsupported hardware family %s", d, d.Family)
	}
}

// waitFor calls check up to attempts times, sleeping between calls, until it
// reports true. tick sees the attempt number before each sleep.
func (c Config) waitFor(ctx context.Context, check func() bool, tick func(attempt int)) bool {
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if check() {
			return true
		}
		if tick != nil {
			tick(attempt)
		}
		c.Sleep(c.PollInterval)
	}
	return false
}
