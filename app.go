package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"KeyFlash/backup"
	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/logger"
	"KeyFlash/orchestrator"
	"KeyFlash/transport"
)

// ==========================================================
// PATH VALIDATION (Security)
// ==========================================================

var (
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrInvalidExtension = errors.New("invalid file extension")
	ErrPathTraversal    = errors.New("path contains invalid traversal sequences")
	ErrPathNotAbsolute  = errors.New("path must be absolute")
	ErrFileTooLarge     = errors.New("file is too large")
)

// ==========================================================
// FILE SIZE LIMITS (Security - DoS Prevention)
// ==========================================================

const (
	// MaxFirmwareSize is the largest firmware image accepted (4MB)
	MaxFirmwareSize = 4 * 1024 * 1024

	// MaxBackupSize is the largest settings backup accepted (1MB)
	MaxBackupSize = 1024 * 1024
)

// validateSavePath validates a file path for safe write operations.
// It ensures the path is absolute, has the expected extension, and
// doesn't contain directory traversal sequences.
func validateSavePath(path string, allowedExtensions []string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) {
		return "", ErrPathNotAbsolute
	}

	// Check for traversal sequences that survived cleaning
	if strings.Contains(cleanPath, "..") {
		return "", ErrPathTraversal
	}

	if len(allowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(cleanPath))
		valid := false
		for _, allowed := range allowedExtensions {
			if ext == strings.ToLower(allowed) {
				valid = true
				break
			}
		}
		if !valid {
			return "", ErrInvalidExtension
		}
	}

	return cleanPath, nil
}

// readLimited reads a whole file refusing anything above limit bytes.
func readLimited(path string, limit int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, filepath.Base(path), info.Size(), limit)
	}
	return os.ReadFile(path)
}

// App struct
type App struct {
	ctx context.Context

	registry *device.Registry
	orch     *orchestrator.Orchestrator
	bus      *events.Bus

	mu       sync.Mutex
	firmware orchestrator.Firmware
	backup   *backup.Backup
}

// NewApp creates a new App application struct
func NewApp() *App {
	bus := events.NewBus(256)
	reg := device.NewRegistry(transport.New())
	a := &App{registry: reg, bus: bus}
	a.orch = orchestrator.New(reg,
		orchestrator.WithEvents(bus),
		orchestrator.WithStateHook(a.emitSessionState),
	)
	return a
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	ch, unsubscribe := a.bus.Subscribe()
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	go func() {
		for e := range ch {
			runtime.EventsEmit(a.ctx, events.IncrementEvent, e)
		}
	}()
}

func (a *App) shutdown(ctx context.Context) {
	if err := a.registry.Close(); err != nil {
		logger.WarnWithError(err, "Failed to close keyboards on shutdown")
	}
}

func (a *App) emitFlashStatus(message string) {
	if a == nil || a.ctx == nil || message == "" {
		return
	}
	runtime.EventsEmit(a.ctx, "flash:status", message)
}

// SessionState is sent to the frontend on every session state change.
type SessionState struct {
	ID          string             `json:"id"`
	State       orchestrator.State `json:"state"`
	LeftResult  bool               `json:"leftResult"`
	RightResult bool               `json:"rightResult"`
	Error       string             `json:"error,omitempty"`
}

func (a *App) emitSessionState(s *orchestrator.Session) {
	if a == nil || a.ctx == nil {
		return
	}
	st := SessionState{
		ID:          s.ID,
		State:       s.State,
		LeftResult:  s.LeftResult,
		RightResult: s.RightResult,
	}
	if s.Err != nil {
		st.Error = s.Err.Error()
	}
	runtime.EventsEmit(a.ctx, "flash:state", st)
}

// ==========================================================
// EXPOSED FUNCTIONS
// ==========================================================

// ListDevices scans for keyboards and returns what was found.
func (a *App) ListDevices() []*device.Device {
	devices, err := a.registry.List(a.ctx)
	if err != nil {
		logger.WithError(err, "Failed to list keyboards")
		return nil
	}
	return devices
}

// SelectDevice makes the keyboard at path the current one.
func (a *App) SelectDevice(path string) string {
	devices, err := a.registry.List(a.ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	for _, d := range devices {
		if d.Path == path {
			a.registry.SetCurrent(d)
			return "OK"
		}
	}
	return "Error: no keyboard on " + path
}

// ChooseFirmware asks for a firmware file. target is "neuron" for the main
// image or "sides" for the keyscanner image of split boards.
func (a *App) ChooseFirmware(target string) string {
	filename, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Firmware",
		Filters: []runtime.FileFilter{
			{DisplayName: "Firmware (*.bin, *.uf2, *.hex)", Pattern: "*.bin;*.uf2;*.hex"},
		},
	})
	if err != nil || filename == "" {
		return "Cancelled"
	}

	data, err := readLimited(filename, MaxFirmwareSize)
	if err != nil {
		return "Error reading firmware: " + err.Error()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch target {
	case "neuron":
		a.firmware.Neuron = data
	case "sides":
		a.firmware.Sides = data
	default:
		return "Error: unknown firmware target " + target
	}
	logger.Info("Loaded %s firmware %s (%d bytes)", target, filepath.Base(filename), len(data))
	return "OK"
}

// LoadBackup asks for a settings backup to restore after the next flash.
func (a *App) LoadBackup() string {
	filename, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Load Settings Backup",
		Filters: []runtime.FileFilter{
			{DisplayName: "Backup (*.json)", Pattern: "*.json"},
		},
	})
	if err != nil || filename == "" {
		return "Cancelled"
	}
	if info, err := os.Stat(filename); err == nil && info.Size() > MaxBackupSize {
		return "Error: " + ErrFileTooLarge.Error()
	}

	b, err := backup.Load(filename)
	if err != nil {
		return "Error loading backup: " + err.Error()
	}
	a.mu.Lock()
	a.backup = b
	a.mu.Unlock()
	return fmt.Sprintf("Loaded %d settings", b.Len())
}

// FlashResult is returned to the frontend when a session ends.
type FlashResult struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId,omitempty"`
	LeftResult  bool   `json:"leftResult"`
	RightResult bool   `json:"rightResult"`
	Message     string `json:"message"`
}

// Flash runs a session on the current keyboard with the loaded firmware.
// When no backup was loaded, the settings are read from the keyboard first.
func (a *App) Flash(force bool) FlashResult {
	a.mu.Lock()
	req := orchestrator.Request{
		Firmware:      a.firmware,
		Backup:        a.backup,
		CaptureBackup: a.backup == nil,
		Force:         force,
	}
	a.mu.Unlock()

	a.emitFlashStatus("Starting flash...")
	s, err := a.orch.Flash(a.ctx, req)
	if s == nil {
		return FlashResult{Message: "Error: " + err.Error()}
	}

	res := FlashResult{
		Success:     err == nil,
		SessionID:   s.ID,
		LeftResult:  s.LeftResult,
		RightResult: s.RightResult,
	}
	switch {
	case err != nil:
		res.Message = "Flash failed: " + err.Error()
	case s.RestoreErr != nil:
		res.Message = "Firmware updated, settings not restored: " + s.RestoreErr.Error()
	default:
		res.Message = "Firmware updated"
	}
	a.emitFlashStatus(res.Message)
	return res
}

// RestoreBackup replays the loaded backup on the current keyboard.
func (a *App) RestoreBackup() string {
	d := a.registry.Current()
	if d == nil {
		return "Error: " + orchestrator.ErrNoDevice.Error()
	}
	a.mu.Lock()
	b := a.backup
	a.mu.Unlock()

	err := a.orch.Restore(a.ctx, d.Identity(), b, func(pct float64) {
		runtime.EventsEmit(a.ctx, events.IncrementEvent, events.NewEvent("", events.StageRestore, pct, events.Progress{RestoreProgress: pct}))
	})
	if err != nil {
		return "Error restoring settings: " + err.Error()
	}
	return "Restored"
}

// RequestBackupPath asks where to save a settings backup.
func (a *App) RequestBackupPath() string {
	filename, err := runtime.SaveFileDialog(a.ctx, runtime.SaveDialogOptions{
		DefaultFilename: "keyboard-backup.json",
		Title:           "Save Settings Backup",
		Filters: []runtime.FileFilter{
			{DisplayName: "Backup (*.json)", Pattern: "*.json"},
		},
	})
	if err != nil {
		return ""
	}
	return filename
}

// SaveBackup reads the settings of the current keyboard and writes them to
// path.
func (a *App) SaveBackup(path string) string {
	safePath, err := validateSavePath(path, []string{".json"})
	if err != nil {
		return "Error: Invalid path - " + err.Error()
	}

	d := a.registry.Current()
	if d == nil {
		return "Error: " + orchestrator.ErrNoDevice.Error()
	}
	if d.Bootloader {
		return "Error: " + device.ErrBootloaderMode.Error()
	}
	if _, err := a.registry.Connect(a.ctx, d); err != nil {
		return "Error connecting: " + err.Error()
	}

	b, err := backup.Capture(a.ctx, registryQuerier{a.registry, d}, backup.DefaultCommands)
	if derr := a.registry.Disconnect(d); derr != nil {
		logger.WarnWithError(derr, "Failed to release %s after reading settings", d.Path)
	}
	if err != nil {
		return "Error reading settings: " + err.Error()
	}
	b.Product = d.Product
	if err := b.Save(safePath); err != nil {
		return "Error saving file: " + err.Error()
	}

	a.mu.Lock()
	a.backup = b
	a.mu.Unlock()
	return fmt.Sprintf("Saved %d settings", b.Len())
}

type registryQuerier struct {
	registry *device.Registry
	d        *device.Device
}

func (q registryQuerier) Command(ctx context.Context, cmd string, args ...string) (string, error) {
	return q.registry.Command(ctx, q.d, cmd, args...)
}

// ConnectionStatus is lightweight device presence info for the status bar.
type ConnectionStatus struct {
	Connected  bool   `json:"connected"`
	Mode       string `json:"mode"` // NONE, NORMAL or BOOTLOADER
	Product    string `json:"product,omitempty"`
	SerialPort string `json:"serialPort,omitempty"`
	PortLocked bool   `json:"portLocked"`
	Flashing   bool   `json:"flashing"`
}

// GetConnectionStatus reports the current keyboard, picking the first one
// found when none is selected.
func (a *App) GetConnectionStatus() ConnectionStatus {
	status := ConnectionStatus{Mode: "NONE"}

	devices, err := a.registry.List(a.ctx)
	if err != nil || len(devices) == 0 {
		return status
	}

	d := a.registry.Current()
	if d == nil {
		d = devices[0]
		a.registry.SetCurrent(d)
	}

	status.Connected = true
	status.Product = d.Product
	status.SerialPort = d.Path
	status.Flashing = a.orch.Active(d.Identity()) != nil
	if d.Bootloader {
		status.Mode = "BOOTLOADER"
		return status
	}
	status.Mode = "NORMAL"

	// Another application (Arduino IDE, a terminal) may hold the port.
	// Try a brief open and release it straight away.
	if !status.Flashing && d.IsClosed() {
		_, err := a.registry.Connect(a.ctx, d)
		switch {
		case errors.Is(err, transport.ErrPortBusy):
			status.PortLocked = true
		case err == nil:
			_ = a.registry.Disconnect(d)
		}
	}
	return status
}
