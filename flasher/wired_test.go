package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sort"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"KeyFlash/device"
	"KeyFlash/transport"
)

// fakeBootloader speaks the block protocol.
type fakeBootloader struct {
	mu        sync.Mutex
	out       []byte
	mem       map[uint32][]byte
	naks      int
	alwaysNak bool
	verified  bool
	started   bool
	closed    bool
}

func newFakeBootloader() *fakeBootloader {
	return &fakeBootloader{mem: make(map[uint32][]byte)}
}

func (b *fakeBootloader) image() []byte {
	addrs := make([]int, 0, len(b.mem))
	for a := range b.mem {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)
	var buf bytes.Buffer
	for _, a := range addrs {
		buf.Write(b.mem[uint32(a)])
	}
	return buf.Bytes()
}

func (b *fakeBootloader) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p[0] {
	case cmdWrite:
		addr := binary.LittleEndian.Uint32(p[1:5])
		n := int(binary.LittleEndian.Uint16(p[5:7]))
		data := p[7 : 7+n]
		if p[7+n] != checksum(data) || b.alwaysNak || b.naks > 0 {
			b.naks--
			b.out = append(b.out, nak)
			break
		}
		b.mem[addr] = append([]byte(nil), data...)
		b.out = append(b.out, ack)
	case cmdVerify:
		size := binary.LittleEndian.Uint32(p[1:5])
		crc := binary.LittleEndian.Uint32(p[5:9])
		img := b.image()
		if int(size) == len(img) && crc == crc32.ChecksumIEEE(img) {
			b.verified = true
			b.out = append(b.out, ack)
		} else {
			b.out = append(b.out, nak)
		}
	case cmdGo:
		b.started = true
	}
	return len(p), nil
}

func (b *fakeBootloader) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		return 0, nil
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

func (b *fakeBootloader) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBootloader) SetMode(*serial.Mode) error         { return nil }
func (b *fakeBootloader) SetReadTimeout(time.Duration) error { return nil }
func (b *fakeBootloader) SetDTR(bool) error                  { return nil }
func (b *fakeBootloader) SetRTS(bool) error                  { return nil }
func (b *fakeBootloader) ResetInputBuffer() error            { return nil }

type fakePort struct {
	touched []string
	opened  []string
	boot    *fakeBootloader
}

func (p *fakePort) Touch(port string) error {
	p.touched = append(p.touched, port)
	return nil
}

func (p *fakePort) Connect(port string, baud int) (transport.Conn, error) {
	p.opened = append(p.opened, port)
	if p.boot == nil {
		return nil, transport.ErrNoDevice
	}
	return p.boot, nil
}

func TestWiredResetKeyboard(t *testing.T) {
	d := raise(false)
	reg := &fakeRegistry{devices: []*device.Device{d, raise(true)}, appearAfter: 2}
	port := &fakePort{}
	var sleeps sleepCounter
	w := NewWired(reg, port, WithSleep(sleeps.sleep), WithPolling(5, time.Second))

	var progress progressLog
	if err := w.ResetKeyboard(context.Background(), d, false, progress.stage); err != nil {
		t.Fatalf("ResetKeyboard() error = %v", err)
	}
	progress.check(t)

	if len(port.touched) != 1 || port.touched[0] != d.Path {
		t.Errorf("touched %v, want [%s]", port.touched, d.Path)
	}
	if reg.connects != 1 || reg.disconnects != 1 {
		t.Errorf("connects = %d, disconnects = %d, want 1 and 1", reg.connects, reg.disconnects)
	}
	if sleeps.count() != 2 {
		t.Errorf("slept %d times, want 2", sleeps.count())
	}
	if w.bootPath != "/dev/ttyACM1" {
		t.Errorf("bootloader path = %q, want /dev/ttyACM1", w.bootPath)
	}
}

func TestWiredResetKeyboardAlreadyInBootloader(t *testing.T) {
	d := raise(true)
	reg := &fakeRegistry{}
	port := &fakePort{}
	w := NewWired(reg, port)

	var progress progressLog
	if err := w.ResetKeyboard(context.Background(), d, true, progress.stage); err != nil {
		t.Fatalf("ResetKeyboard() error = %v", err)
	}
	progress.check(t)
	if len(port.touched) != 0 || reg.findCalls != 0 {
		t.Error("reset touched the port of a device already in its bootloader")
	}
}

func TestWiredResetKeyboardBootloaderNeverAppears(t *testing.T) {
	reg := &fakeRegistry{devices: []*device.Device{raise(false)}}
	var sleeps sleepCounter
	w := NewWired(reg, &fakePort{}, WithSleep(sleeps.sleep), WithPolling(3, time.Second))

	err := w.ResetKeyboard(context.Background(), raise(false), false, func(float64) {})
	if !errors.Is(err, ErrBootloaderNotFound) {
		t.Fatalf("ResetKeyboard() error = %v, want ErrBootloaderNotFound", err)
	}
	if reg.findCalls != 3 {
		t.Errorf("looked %d times, want 3", reg.findCalls)
	}
}

func TestWiredFlashFirmware(t *testing.T) {
	tests := []struct {
		name      string
		naks      int
		alwaysNak bool
		wantErr   error
	}{
		{"clean transfer", 0, false, nil},
		{"retries a rejected block", 2, false, nil},
		{"gives up after retries", 0, true, ErrWriteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			boot := newFakeBootloader()
			boot.naks = tt.naks
			boot.alwaysNak = tt.alwaysNak
			port := &fakePort{boot: boot}
			w := NewWired(&fakeRegistry{}, port, WithSleep(func(time.Duration) {}), WithBlockSize(128))

			fw := testFirmware(300)
			var progress progressLog
			err := w.FlashFirmware(context.Background(), raise(true), fw, true, progress.stage)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FlashFirmware() error = %v, want %v", err, tt.wantErr)
			}
			if !boot.closed {
				t.Error("bootloader port left open")
			}
			if tt.wantErr != nil {
				var terr *TransferError
				if !errors.As(err, &terr) {
					t.Errorf("error %v is not a TransferError", err)
				}
				return
			}

			progress.check(t)
			img := boot.image()
			if len(img) != 384 {
				t.Fatalf("bootloader holds %d bytes, want 384", len(img))
			}
			if !bytes.Equal(img[:300], fw) {
				t.Error("written image differs from firmware")
			}
			if !bytes.Equal(img[300:], bytes.Repeat([]byte{0xFF}, 84)) {
				t.Error("last block not padded with 0xFF")
			}
			if !boot.verified || !boot.started {
				t.Errorf("verified = %v, started = %v", boot.verified, boot.started)
			}
		})
	}
}

func TestWiredFlashFirmwareWithoutBootloader(t *testing.T) {
	w := NewWired(&fakeRegistry{}, &fakePort{})
	err := w.FlashFirmware(context.Background(), raise(false), testFirmware(10), false, func(float64) {})
	if !errors.Is(err, ErrBootloaderNotFound) {
		t.Errorf("FlashFirmware() error = %v, want ErrBootloaderNotFound", err)
	}
}
