package flasher

import (
	"context"
	"fmt"

	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/logger"
	"KeyFlash/transport"
)

// Wired flashes single-unit boards over their serial bootloader.
type Wired struct {
	registry Registry
	port     SerialPort
	config   Config

	// bootPath is the bootloader port found by ResetKeyboard.
	bootPath string
}

// NewWired creates the single-unit variant.
func NewWired(reg Registry, port SerialPort, opts ...Option) *Wired {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Wired{registry: reg, port: port, config: cfg}
}

func (w *Wired) Family() device.Family { return device.WiredSingleUnit }

func (w *Wired) Weights() events.Weights { return events.WiredSingleUnitWeights }

// ResetKeyboard reboots d into its bootloader with a 1200 baud touch and
// waits for the bootloader port to appear.
func (w *Wired) ResetKeyboard(ctx context.Context, d *device.Device, bootloader bool, onProgress Progress) error {
	log := logger.Stage(string(events.StageReset), d.Path)
	if bootloader {
		w.bootPath = d.Path
		log.Info("Already in bootloader, nothing to reset")
		onProgress(100)
		return nil
	}

	// Opening the port proves it is still ours before it is dropped to 1200
	// baud.
	if d.IsClosed() {
		if _, err := w.registry.Connect(ctx, d); err != nil {
			return fmt.Errorf("reconnect before reset: %w", err)
		}
	}
	if err := w.registry.Disconnect(d); err != nil {
		return err
	}
	onProgress(10)

	if err := w.port.Touch(d.Path); err != nil {
		return fmt.Errorf("reset to bootloader: %w", err)
	}
	onProgress(30)

	id := d.Identity()
	found := w.config.waitFor(ctx, func() bool {
		boot, err := w.registry.Find(ctx, id, true)
		if err != nil {
			return false
		}
		w.bootPath = boot.Path
		return true
	}, func(attempt int) {
		log.Debug("Bootloader not visible yet (%d/%d)", attempt, w.config.Attempts)
		onProgress(30 + 60*float64(attempt)/float64(w.config.Attempts))
	})
	if !found {
		return fmt.Errorf("%s: %w", id, ErrBootloaderNotFound)
	}

	log.Info("Bootloader at %s", w.bootPath)
	onProgress(100)
	return nil
}

// FlashFirmware writes fw to the bootloader found by ResetKeyboard.
func (w *Wired) FlashFirmware(ctx context.Context, d *device.Device, fw []byte, bootloader bool, onProgress Progress) error {
	if len(fw) == 0 {
		return ErrNoFirmware
	}
	path := w.bootPath
	if path == "" && bootloader {
		path = d.Path
	}
	if path == "" {
		return ErrBootloaderNotFound
	}

	conn, err := w.port.Connect(path, transport.DefaultBaudRate)
	if err != nil {
		return fmt.Errorf("open bootloader: %w", err)
	}
	defer conn.Close()

	log := logger.Stage(string(events.StageNeuron), path)
	log.Info("Writing %d bytes in %d byte blocks", len(fw), w.config.BlockSize)

	bw := &blockWriter{
		port:       conn,
		baseAddr:   w.config.BaseAddress,
		blockSize:  w.config.BlockSize,
		retries:    w.config.Retries,
		ackTimeout: w.config.AckTimeout,
		pause:      w.config.Sleep,
	}
	if err := bw.write(ctx, fw, onProgress); err != nil {
		return err
	}

	log.Info("Firmware written, application started")
	onProgress(100)
	return nil
}
