package flasher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"KeyFlash/device"
	"KeyFlash/events"
)

// fakeRegistry hands out a fixed set of devices. Devices only become
// visible to Find after appearAfter calls.
type fakeRegistry struct {
	mu           sync.Mutex
	devices      []*device.Device
	appearAfter  int
	findCalls    int
	connects     int
	disconnects  int
	commands     []string
	commandReply map[string]error
}

func (r *fakeRegistry) Find(ctx context.Context, id device.Identity, bootloader bool) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.findCalls <= r.appearAfter {
		return nil, device.ErrNotFound
	}
	for _, d := range r.devices {
		if d.Matches(id, bootloader) {
			return d, nil
		}
	}
	return nil, device.ErrNotFound
}

func (r *fakeRegistry) Connect(ctx context.Context, d *device.Device) (*device.Device, error) {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
	return d, nil
}

func (r *fakeRegistry) Disconnect(d *device.Device) error {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) Command(ctx context.Context, d *device.Device, cmd string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return "", r.commandReply[cmd]
}

type sleepCounter struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepCounter) sleep(d time.Duration) {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
}

func (s *sleepCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func raise(bootloader bool) *device.Device {
	path := "/dev/ttyACM0"
	if bootloader {
		path = "/dev/ttyACM1"
	}
	return &device.Device{
		Path:         path,
		Product:      "Raise",
		KeyboardType: "raise",
		Family:       device.WiredSingleUnit,
		Bootloader:   bootloader,
	}
}

func defy(bootloader bool) *device.Device {
	return &device.Device{
		Path:         "/dev/ttyACM2",
		Product:      "Defy",
		KeyboardType: "wireless",
		Family:       device.WirelessDualUnit,
		Bootloader:   bootloader,
	}
}

func TestForDevice(t *testing.T) {
	sides := NewSideFlasher("/dev/ttyACM2", nil)

	tests := []struct {
		name        string
		d           *device.Device
		sides       *SideFlasher
		wantFamily  device.Family
		wantWeights events.Weights
		wantErr     bool
	}{
		{"raise", raise(false), nil, device.WiredSingleUnit, events.WiredSingleUnitWeights, false},
		{"defy", defy(false), sides, device.WirelessDualUnit, events.DualUnitWeights, false},
		{"defy without side flasher", defy(false), nil, 0, events.Weights{}, true},
		{"unknown", &device.Device{Path: "/dev/ttyUSB0"}, nil, 0, events.Weights{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ForDevice(tt.d, &fakeRegistry{}, &fakePort{}, tt.sides)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if v.Family() != tt.wantFamily {
				t.Errorf("Family() = %s, want %s", v.Family(), tt.wantFamily)
			}
			if v.Weights() != tt.wantWeights {
				t.Errorf("Weights() = %+v, want %+v", v.Weights(), tt.wantWeights)
			}
		})
	}
}

func TestWaitForIsBounded(t *testing.T) {
	var sleeps sleepCounter
	cfg := defaultConfig()
	cfg.Attempts = 4
	cfg.Sleep = sleeps.sleep

	var ticks []int
	polls := 0
	ok := cfg.waitFor(context.Background(), func() bool {
		polls++
		return false
	}, func(attempt int) { ticks = append(ticks, attempt) })

	if ok {
		t.Fatal("waitFor() = true for a check that never succeeds")
	}
	if polls != 4 || sleeps.count() != 4 {
		t.Errorf("polls = %d, sleeps = %d, want 4 and 4", polls, sleeps.count())
	}
	if fmt.Sprint(ticks) != "[1 2 3 4]" {
		t.Errorf("ticks = %v", ticks)
	}
}
