// Package orchestrator runs a flash session end to end: side flashing, the
// neuron or single-unit firmware, reset, reconnection and settings restore.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"KeyFlash/backup"
	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/flasher"
	"KeyFlash/logger"
	"KeyFlash/transport"
)

// Registry is the part of the device registry the orchestrator uses.
type Registry interface {
	Find(ctx context.Context, id device.Identity, bootloader bool) (*device.Device, error)
	Connect(ctx context.Context, d *device.Device) (*device.Device, error)
	Disconnect(d *device.Device) error
	Command(ctx context.Context, d *device.Device, cmd string, args ...string) (string, error)
	Current() *device.Device
	SetCurrent(d *device.Device)
}

// Request starts a session.
type Request struct {
	// Device defaults to the registry's current device.
	Device   *device.Device
	Firmware Firmware

	// Backup is replayed after the flash. When nil and CaptureBackup is
	// set, the settings are read from the keyboard before flashing.
	Backup        *backup.Backup
	CaptureBackup bool

	// Force re-flashes sides that already run the image.
	Force bool
}

// Orchestrator runs flash sessions, one at a time per keyboard.
type Orchestrator struct {
	registry Registry
	config   Config

	mu     sync.Mutex
	active map[device.Identity]*Session
}

// New creates an Orchestrator over reg.
func New(reg Registry, opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.NewVariant == nil {
		cfg.NewVariant = defaultVariantFactory(reg, transport.New())
	}
	if cfg.Restorer == nil {
		cfg.Restorer = backup.NewRestorer(reg)
	}
	return &Orchestrator{
		registry: reg,
		config:   cfg,
		active:   make(map[device.Identity]*Session),
	}
}

func defaultVariantFactory(reg flasher.Registry, port flasher.SerialPort) VariantFactory {
	return func(d *device.Device, fw Firmware) (flasher.Variant, SideFlashing, error) {
		var sides *flasher.SideFlasher
		if d.Family == device.WirelessDualUnit {
			sides = flasher.NewSideFlasher(d.Path, fw.Sides)
		}
		v, err := flasher.ForDevice(d, reg, port, sides)
		if err != nil {
			return nil, nil, err
		}
		if sides == nil {
			return v, nil, nil
		}
		return v, sides, nil
	}
}

// plan is the ordered list of states a family goes through.
func plan(f device.Family) []State {
	if f == device.WirelessDualUnit {
		return []State{Preparing, FlashingLeft, FlashingRight, FlashingNeuron, Resetting, Reconnecting, Restoring}
	}
	return []State{Preparing, Resetting, FlashingNeuron, Reconnecting, Restoring}
}

// Active returns the running session for id, if any.
func (o *Orchestrator) Active(id device.Identity) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) acquire(s *Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[s.original]; busy {
		return ErrSessionActive
	}
	o.active[s.original] = s
	return nil
}

func (o *Orchestrator) release(s *Session) {
	o.mu.Lock()
	delete(o.active, s.original)
	o.mu.Unlock()
}

// Flash runs one session to completion. The returned session is non-nil
// whenever the session started, even if it failed.
func (o *Orchestrator) Flash(ctx context.Context, req Request) (*Session, error) {
	d := req.Device
	if d == nil {
		d = o.registry.Current()
	}
	if d == nil {
		return nil, ErrNoDevice
	}

	s := newSession(d, req, o.config.Events)
	if err := o.acquire(s); err != nil {
		return nil, fmt.Errorf("%s: %w", s.original, err)
	}
	defer o.release(s)

	variant, sides, err := o.config.NewVariant(d, req.Firmware)
	if err != nil {
		return s, o.fail(s, Preparing, err)
	}
	s.weights = variant.Weights()

	log := logger.Stage("session", d.String())
	log.Info("Starting session %s (%s, bootloader=%t)", s.ID, variant.Family(), s.bootloader)

	for _, st := range plan(variant.Family()) {
		o.setState(s, st)
		if err := o.runStage(ctx, s, st, variant, sides, req.CaptureBackup); err != nil {
			return s, o.fail(s, st, err)
		}
	}

	s.FinishedAt = time.Now()
	o.setState(s, Success)
	if s.RestoreErr != nil {
		log.Warn("Session %s flashed, settings not restored: %v", s.ID, s.RestoreErr)
	} else {
		log.Info("Session %s done in %s", s.ID, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	return s, nil
}

func (o *Orchestrator) runStage(ctx context.Context, s *Session, st State, v flasher.Variant, sides SideFlashing, capture bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch st {
	case Preparing:
		return o.prepare(ctx, s, capture)
	case FlashingLeft:
		return o.flashSide(ctx, s, sides, flasher.Left)
	case FlashingRight:
		if err := o.flashSide(ctx, s, sides, flasher.Right); err != nil {
			return err
		}
		return o.sideFailures(s)
	case FlashingNeuron:
		if err := o.registry.Disconnect(s.Device); err != nil {
			return err
		}
		return v.FlashFirmware(ctx, s.Device, s.firmware.Neuron, s.bootloader, s.stageProgress(events.StageNeuron))
	case Resetting:
		return v.ResetKeyboard(ctx, s.Device, s.bootloader, s.stageProgress(events.StageReset))
	case Reconnecting:
		return o.reconnect(ctx, s)
	case Restoring:
		o.restore(ctx, s)
		return nil
	default:
		return fmt.Errorf("unexpected state %s", st)
	}
}

func (o *Orchestrator) prepare(ctx context.Context, s *Session, capture bool) error {
	if len(s.firmware.Neuron) == 0 {
		return fmt.Errorf("%w for the %s", flasher.ErrNoFirmware, s.Device.Product)
	}
	if s.Device.Family == device.WirelessDualUnit && !s.bootloader && len(s.firmware.Sides) == 0 {
		return fmt.Errorf("%w for the sides", flasher.ErrNoFirmware)
	}

	if capture && s.backup == nil && !s.bootloader {
		if _, err := o.registry.Connect(ctx, s.Device); err != nil {
			return err
		}
		b, err := backup.Capture(ctx, deviceQuerier{o.registry, s.Device}, o.config.CaptureCommands)
		if err != nil {
			return err
		}
		b.Product = s.Device.Product
		s.backup = b
		logger.Stage(Preparing.String(), s.Device.String()).Info("Captured %d settings", b.Len())
	}

	// Bootloader transfers need the port released.
	return o.registry.Disconnect(s.Device)
}

// flashSide flashes one half. A failure is recorded on the session and does
// not stop the other half from being flashed.
func (o *Orchestrator) flashSide(ctx context.Context, s *Session, sides SideFlashing, side flasher.Side) error {
	stage := events.Stage(side)
	log := logger.Stage(string(stage), s.Device.String())

	if s.bootloader {
		log.Info("Keyboard started in bootloader, skipping %s side", side)
		s.update(stage, 100)
		return nil
	}
	if sides == nil {
		return errors.New("no side flasher for a split keyboard")
	}
	if err := o.registry.Disconnect(s.Device); err != nil {
		return err
	}

	err := sides.FlashSide(ctx, side, func(sd flasher.Side, pct float64) {
		s.update(events.Stage(sd), pct)
	}, s.Device.KeyboardType, s.force)
	ok := err == nil
	if side == flasher.Left {
		s.LeftResult = ok
	} else {
		s.RightResult = ok
	}
	if err != nil {
		s.SideErrors[side] = err
		log.WithError(err, "Side flash failed")
		return nil
	}
	s.update(stage, 100)
	return nil
}

// sideFailures fails the session once both halves ran if either did not
// flash. The stage is the first half that failed.
func (o *Orchestrator) sideFailures(s *Session) error {
	var errs []error
	stage := Idle
	for _, side := range []flasher.Side{flasher.Left, flasher.Right} {
		err := s.SideErrors[side]
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if stage == Idle {
			stage = FlashingRight
			if side == flasher.Left {
				stage = FlashingLeft
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &StageError{Stage: stage, Device: s.Device.String(), Err: errors.Join(errs...)}
}

// reconnect polls for the keyboard in normal mode. Every miss counts
// against the budget whatever its cause.
func (o *Orchestrator) reconnect(ctx context.Context, s *Session) error {
	log := logger.Stage(string(events.StageReconnect), s.original.String())
	s.update(events.StageReconnect, 10)

	for remaining := o.config.MaxAttempts; remaining > 0; remaining-- {
		o.config.Sleep(o.config.PollInterval)
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := o.registry.Find(ctx, s.original, false)
		if err == nil {
			s.Device = d
			o.registry.SetCurrent(d)
			log.Info("Keyboard back at %s", d.Path)
			s.update(events.StageReconnect, 100)
			return nil
		}
		log.Info("Keyboard not detected, %d attempts left", remaining-1)
		s.update(events.StageReconnect, reconnectProgress(remaining, o.config.MaxAttempts))
	}
	return ErrReconnectExhausted
}

// reconnectProgress maps the attempts remaining before a miss to a
// percentage. With all attempts remaining the formula has no value and the
// baseline is reported.
func reconnectProgress(remaining, attempts int) float64 {
	if remaining >= attempts {
		return 10
	}
	return 10 + 100*(1/float64(attempts-remaining))
}

func (o *Orchestrator) restore(ctx context.Context, s *Session) {
	err := o.config.Restorer.Restore(ctx, s, s.backup, s.stageProgress(events.StageRestore))
	if err != nil {
		s.RestoreErr = err
		logger.Stage(Restoring.String(), s.original.String()).WithError(err, "Restore failed")
	}
}

// Restore replays b on the keyboard identified by id, outside a flash.
func (o *Orchestrator) Restore(ctx context.Context, id device.Identity, b *backup.Backup, onProgress func(float64)) error {
	s := &Session{original: id}
	if err := o.acquire(s); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	defer o.release(s)
	return o.config.Restorer.Restore(ctx, s, b, onProgress)
}

func (o *Orchestrator) setState(s *Session, st State) {
	s.State = st
	if o.config.OnState != nil {
		o.config.OnState(s)
	}
}

func (o *Orchestrator) fail(s *Session, st State, err error) error {
	var serr *StageError
	if !errors.As(err, &serr) {
		serr = &StageError{Stage: st, Device: s.Device.String(), Err: err}
	}
	logger.Stage(serr.Stage.String(), s.Device.String()).WithError(err, "Session %s failed", s.ID)
	s.FailedStage = serr.Stage
	s.Err = serr
	s.FinishedAt = time.Now()
	o.setState(s, Failed)
	return serr
}

// deviceQuerier reads settings from one device through the registry.
type deviceQuerier struct {
	registry Registry
	d        *device.Device
}

func (q deviceQuerier) Command(ctx context.Context, cmd string, args ...string) (string, error) {
	return q.registry.Command(ctx, q.d, cmd, args...)
}
