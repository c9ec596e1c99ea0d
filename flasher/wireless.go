package flasher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/focus"
	"KeyFlash/logger"
	"KeyFlash/uf2"
)

// firmwareFile is the name the neuron's bootloader expects on its volume.
const firmwareFile = "default.uf2"

// NeuronPreparer reboots the neuron into its mass-storage bootloader.
type NeuronPreparer interface {
	PrepareNeuron(ctx context.Context) error
}

// Wireless flashes the neuron of split boards by dropping a UF2 file onto
// the volume its bootloader exposes.
type Wireless struct {
	registry Registry
	neuron   NeuronPreparer
	config   Config
}

// NewWireless creates the split-board variant.
func NewWireless(reg Registry, neuron NeuronPreparer, opts ...Option) *Wireless {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Wireless{registry: reg, neuron: neuron, config: cfg}
}

func (w *Wireless) Family() device.Family { return device.WirelessDualUnit }

func (w *Wireless) Weights() events.Weights { return events.DualUnitWeights }

// FlashFirmware prepares the neuron, waits for its volume and writes fw to
// it as default.uf2. Raw images are wrapped in UF2 blocks first.
func (w *Wireless) FlashFirmware(ctx context.Context, d *device.Device, fw []byte, bootloader bool, onProgress Progress) error {
	if len(fw) == 0 {
		return ErrNoFirmware
	}
	log := logger.Stage(string(events.StageNeuron), d.Path)

	onProgress(10)
	if !bootloader {
		if err := w.neuron.PrepareNeuron(ctx); err != nil {
			return fmt.Errorf("prepare neuron: %w", err)
		}
	}
	onProgress(30)

	var drive string
	var lastErr error
	found := w.config.waitFor(ctx, func() bool {
		drive, lastErr = findUF2Drive(ctx, w.config.Drives)
		return lastErr == nil
	}, func(attempt int) {
		log.Debug("No UF2 volume yet (%d/%d): %v", attempt, w.config.Attempts, lastErr)
	})
	if !found {
		if lastErr != nil && !errors.Is(lastErr, ErrDriveNotFound) {
			return fmt.Errorf("%w: %v", ErrDriveNotFound, lastErr)
		}
		return ErrDriveNotFound
	}
	onProgress(60)

	image := fw
	if !uf2.IsUF2(fw) {
		image = uf2.Encode(fw, w.config.UF2Base, uf2.FamilyRP2040)
	}

	dest := filepath.Join(drive, firmwareFile)
	log.Info("Writing %d bytes to %s", len(image), dest)
	if err := writeSynced(dest, image); err != nil {
		return err
	}
	onProgress(80)
	onProgress(100)
	return nil
}

// ResetKeyboard waits for the neuron to come back in normal mode after the
// drop and ends the upgrade so both halves re-join it.
func (w *Wireless) ResetKeyboard(ctx context.Context, d *device.Device, bootloader bool, onProgress Progress) error {
	log := logger.Stage(string(events.StageReset), d.Path)
	id := d.Identity()

	var neuron *device.Device
	found := w.config.waitFor(ctx, func() bool {
		n, err := w.registry.Find(ctx, id, false)
		if err != nil {
			return false
		}
		neuron = n
		return true
	}, func(attempt int) {
		log.Debug("Neuron not back yet (%d/%d)", attempt, w.config.Attempts)
		onProgress(50 * float64(attempt) / float64(w.config.Attempts))
	})
	if !found {
		return fmt.Errorf("neuron did not come back: %w", device.ErrNotFound)
	}
	onProgress(50)

	// A session that began in bootloader mode never started an upgrade.
	if !bootloader {
		if _, err := w.registry.Connect(ctx, neuron); err != nil {
			return err
		}
		_, err := w.registry.Command(ctx, neuron, "upgrade.end")
		if errors.Is(err, focus.ErrNoAck) {
			log.Warn("Firmware does not know upgrade.end, continuing")
			err = nil
		}
		if derr := w.registry.Disconnect(neuron); err == nil {
			err = derr
		}
		if err != nil {
			return err
		}
	}

	log.Info("Neuron back at %s", neuron.Path)
	onProgress(100)
	return nil
}

// writeSynced truncates path, writes data and flushes it to the device.
func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	// Some bootloaders reboot as soon as the last block lands, before sync
	// returns.
	if err := f.Sync(); err != nil {
		logger.WarnWithError(err, "Sync of %s failed", path)
	}
	return f.Close()
}
