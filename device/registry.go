// Package device keeps track of the keyboards currently plugged in and owns
// the single open connection to each of them.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"KeyFlash/focus"
	"KeyFlash/logger"
	"KeyFlash/transport"
)

var (
	// ErrNotFound is returned when no listed device matches a lookup.
	ErrNotFound = errors.New("device not found")

	// ErrNotConnected is returned when a command is sent to a closed device.
	ErrNotConnected = errors.New("device not connected")

	// ErrBootloaderMode is returned when a normal-mode command is sent to a
	// device sitting in its bootloader.
	ErrBootloaderMode = errors.New("device is in bootloader mode")
)

// Transport is the serial layer the registry sits on.
type Transport interface {
	Enumerate(bootloaderOnly bool, filter *transport.Filter) ([]transport.Port, error)
	Connect(port string, baud int) (transport.Conn, error)
}

// Config holds the registry configuration.
type Config struct {
	BaudRate       int
	CommandTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		BaudRate:       transport.DefaultBaudRate,
		CommandTimeout: 5 * time.Second,
	}
}

// Option configures a Registry.
type Option func(*Config)

// WithBaudRate sets the normal-mode baud rate.
func WithBaudRate(baud int) Option {
	return func(c *Config) {
		if baud > 0 {
			c.BaudRate = baud
		}
	}
}

// WithCommandTimeout sets the focus round-trip timeout of opened devices.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CommandTimeout = d
		}
	}
}

// Registry maps serial endpoints to devices and opens/closes them.
type Registry struct {
	mu        sync.Mutex
	transport Transport
	config    Config
	known     map[string]*Device
	clients   map[string]*focus.Client
	current   *Device
}

// NewRegistry creates a Registry over t.
func NewRegistry(t Transport, opts ...Option) *Registry {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		transport: t,
		config:    cfg,
		known:     make(map[string]*Device),
		clients:   make(map[string]*focus.Client),
	}
}

// List returns the keyboards currently visible. Devices seen before keep
// their pointer while their port is unchanged. A path whose port changed
// gets a new Device and the old one is closed. Devices that disappeared are
// closed and forgotten.
func (r *Registry) List(ctx context.Context) ([]*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := r.transport.Enumerate(false, nil)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(ports))
	devices := make([]*Device, 0, len(ports))
	for _, p := range ports {
		seen[p.Name] = true
		d := fromPort(p)
		if old, ok := r.known[p.Name]; ok {
			if old.sameAs(d) {
				d = old
			} else {
				r.closeLocked(old)
				if r.current == old {
					r.current = d
				}
				logger.Debug("Device at %s changed to %s", p.Name, d)
			}
		}
		r.known[p.Name] = d
		devices = append(devices, d)
	}

	for path, d := range r.known {
		if seen[path] {
			continue
		}
		r.closeLocked(d)
		delete(r.known, path)
		logger.Debug("Device %s went away", path)
	}
	return devices, nil
}

// Find returns the first listed device matching id in the wanted mode.
func (r *Registry) Find(ctx context.Context, id Identity, bootloader bool) (*Device, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Matches(id, bootloader) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (bootloader=%t)", ErrNotFound, id, bootloader)
}

// Connect opens d in normal mode. Connecting an open device is a no-op.
func (r *Registry) Connect(ctx context.Context, d *Device) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if d.Bootloader {
		return nil, fmt.Errorf("connect %s: %w", d.Path, ErrBootloaderMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.open.Load() {
		return d, nil
	}
	if cur, ok := r.known[d.Path]; ok && cur != d {
		return nil, fmt.Errorf("connect %s: replaced by %s: %w", d.Path, cur, ErrNotFound)
	}

	conn, err := r.transport.Connect(d.Path, r.config.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.Path, err)
	}
	r.clients[d.Path] = focus.New(conn, focus.WithCommandTimeout(r.config.CommandTimeout))
	d.open.Store(true)
	if _, ok := r.known[d.Path]; !ok {
		r.known[d.Path] = d
	}
	logger.Debug("Connected to %s", d)
	return d, nil
}

// Disconnect closes d. Disconnecting a closed device is a no-op.
func (r *Registry) Disconnect(d *Device) error {
	if d == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(d)
}

func (r *Registry) closeLocked(d *Device) error {
	if !d.open.Swap(false) {
		return nil
	}
	c := r.clients[d.Path]
	delete(r.clients, d.Path)
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.Path, err)
	}
	logger.Debug("Disconnected from %s", d)
	return nil
}

// Command sends a focus command to an open device. A client that gave up
// on the line is dropped, so the next Connect opens the port afresh.
func (r *Registry) Command(ctx context.Context, d *Device, cmd string, args ...string) (string, error) {
	c, err := r.Client(d)
	if err != nil {
		return "", err
	}
	resp, err := c.Command(ctx, cmd, args...)
	if err != nil && c.Closed() {
		r.mu.Lock()
		if r.clients[d.Path] == c {
			r.closeLocked(d)
		}
		r.mu.Unlock()
	}
	return resp, err
}

// Client returns the focus client of an open device. The registry keeps
// ownership; callers must not close it.
func (r *Registry) Client(d *Device) (*focus.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.clients[d.Path]
	if !d.open.Load() || c == nil {
		return nil, fmt.Errorf("%s: %w", d.Path, ErrNotConnected)
	}
	return c, nil
}

// Current returns the selected device, if any.
func (r *Registry) Current() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetCurrent selects d.
func (r *Registry) SetCurrent(d *Device) {
	r.mu.Lock()
	r.current = d
	r.mu.Unlock()
}

// Close disconnects every open device.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, d := range r.known {
		if err := r.closeLocked(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
