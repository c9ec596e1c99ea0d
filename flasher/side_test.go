package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"testing"
	"time"

	"KeyFlash/focus"
	"KeyFlash/focus/focustest"
)

// fakeNeuron answers the upgrade command set.
type fakeNeuron struct {
	mu        sync.Mutex
	connected map[string]bool
	info      string
	beginOK   bool
	rejectAt  int
	invalid   bool
	silent    bool
	lines     []string
	packets   [][]byte
	dials     int
}

func newFakeNeuron() *fakeNeuron {
	return &fakeNeuron{
		connected: map[string]bool{"0": true, "1": true},
		info:      "v1.0.0 00000000",
		beginOK:   true,
		rejectAt:  -1,
	}
}

func (n *fakeNeuron) handle(line string, payload []byte) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lines = append(n.lines, line)
	if n.silent {
		return focustest.Silent
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "upgrade.keyscanner.isConnected":
		return fmt.Sprint(n.connected[arg])
	case "upgrade.keyscanner.getInfo":
		return n.info
	case "upgrade.keyscanner.begin":
		return fmt.Sprint(n.beginOK)
	case "upgrade.keyscanner.sendWrite":
		n.packets = append(n.packets, payload)
		return fmt.Sprint(len(n.packets)-1 != n.rejectAt)
	case "upgrade.keyscanner.validate":
		return fmt.Sprint(!n.invalid)
	}
	return ""
}

func (n *fakeNeuron) dial(ctx context.Context, path string) (Link, error) {
	n.mu.Lock()
	n.dials++
	n.mu.Unlock()
	dev := focustest.New(n.handle).ExpectPayload("upgrade.keyscanner.sendWrite")
	return focus.New(dev, focus.WithCommandTimeout(50*time.Millisecond)), nil
}

func (n *fakeNeuron) sent(cmd string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, l := range n.lines {
		if l == cmd || strings.HasPrefix(l, cmd+" ") {
			count++
		}
	}
	return count
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) side(_ Side, pct float64) {
	p.mu.Lock()
	p.values = append(p.values, pct)
	p.mu.Unlock()
}

func (p *progressLog) stage(pct float64) { p.side("", pct) }

func (p *progressLog) check(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.values) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(p.values); i++ {
		if p.values[i] < p.values[i-1] {
			t.Errorf("progress went backwards: %v", p.values)
			break
		}
	}
	if last := p.values[len(p.values)-1]; last != 100 {
		t.Errorf("last progress = %v, want 100", last)
	}
}

func testFirmware(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i * 7)
	}
	return fw
}

func TestFlashSide(t *testing.T) {
	neuron := newFakeNeuron()
	fw := testFirmware(1000)
	f := NewSideFlasher("/dev/ttyACM0", fw, WithDialer(neuron.dial), WithChunkSize(256))

	var progress progressLog
	if err := f.FlashSide(context.Background(), Left, progress.side, "wireless", false); err != nil {
		t.Fatalf("FlashSide() error = %v", err)
	}
	progress.check(t)

	if got := f.State(Left); got != Done {
		t.Errorf("State(Left) = %s, want done", got)
	}
	if got := f.State(Right); got != Idle {
		t.Errorf("State(Right) = %s, want idle", got)
	}
	if got := neuron.sent("upgrade.keyscanner.begin 1"); got != 1 {
		t.Errorf("left side began %d times, want 1 (index 1)", got)
	}
	if len(neuron.packets) != 4 {
		t.Fatalf("sent %d packets, want 4", len(neuron.packets))
	}

	first := neuron.packets[0]
	if addr := binary.LittleEndian.Uint32(first[0:4]); addr != 0x2000 {
		t.Errorf("first packet address = %#x, want 0x2000", addr)
	}
	if size := binary.LittleEndian.Uint32(first[4:8]); size != 256 {
		t.Errorf("first packet size = %d, want 256", size)
	}
	if !bytes.Equal(first[8:8+256], fw[:256]) {
		t.Error("first packet data differs from firmware")
	}
	if crc := binary.LittleEndian.Uint32(first[264:268]); crc != crc32.ChecksumIEEE(fw[:256]) {
		t.Errorf("first packet crc = %08x", crc)
	}

	last := neuron.packets[3]
	if size := binary.LittleEndian.Uint32(last[4:8]); size != 1000-768 {
		t.Errorf("last packet size = %d, want %d", size, 1000-768)
	}
	if neuron.sent("upgrade.keyscanner.validate") != 1 || neuron.sent("upgrade.keyscanner.finish") != 1 {
		t.Error("validate/finish not sent exactly once")
	}
}

func TestFlashSideAlreadyFlashed(t *testing.T) {
	fw := testFirmware(512)

	tests := []struct {
		name        string
		force       bool
		wantPackets int
	}{
		{"skipped without force", false, 0},
		{"reflashed with force", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			neuron := newFakeNeuron()
			neuron.info = fmt.Sprintf("v1.0.0 %08x", crc32.ChecksumIEEE(fw))
			f := NewSideFlasher("/dev/ttyACM0", fw, WithDialer(neuron.dial))

			var progress progressLog
			if err := f.FlashSide(context.Background(), Right, progress.side, "wired", tt.force); err != nil {
				t.Fatalf("FlashSide() error = %v", err)
			}
			progress.check(t)
			if len(neuron.packets) != tt.wantPackets {
				t.Errorf("sent %d packets, want %d", len(neuron.packets), tt.wantPackets)
			}
			if f.State(Right) != Done {
				t.Errorf("State(Right) = %s, want done", f.State(Right))
			}
		})
	}
}

func TestFlashSideFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(n *fakeNeuron)
		wantErr error
	}{
		{"bootloader not found", func(n *fakeNeuron) { n.beginOK = false }, ErrBootloaderNotFound},
		{"side not connected", func(n *fakeNeuron) { n.connected["0"] = false }, ErrSideNotConnected},
		{"write rejected", func(n *fakeNeuron) { n.rejectAt = 1 }, ErrWriteRejected},
		{"validation fails", func(n *fakeNeuron) { n.invalid = true }, ErrVerifyFailed},
		{"neuron silent", func(n *fakeNeuron) { n.silent = true }, focus.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			neuron := newFakeNeuron()
			tt.setup(neuron)
			f := NewSideFlasher("/dev/ttyACM0", testFirmware(600), WithDialer(neuron.dial))

			err := f.FlashSide(context.Background(), Right, nil, "wireless", true)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FlashSide() error = %v, want %v", err, tt.wantErr)
			}
			var serr *SideError
			if !errors.As(err, &serr) || serr.Side != Right {
				t.Errorf("error %v does not carry the right side", err)
			}
			if f.State(Right) != Failed {
				t.Errorf("State(Right) = %s, want failed", f.State(Right))
			}
			if f.State(Left) != Idle {
				t.Errorf("State(Left) = %s, want idle", f.State(Left))
			}
		})
	}
}

func TestFlashSideRejectsUnknownSide(t *testing.T) {
	f := NewSideFlasher("/dev/ttyACM0", testFirmware(10), WithDialer(newFakeNeuron().dial))
	if err := f.FlashSide(context.Background(), Side("middle"), nil, "wired", false); err == nil {
		t.Error("FlashSide() accepted an unknown side")
	}
}

func TestPrepareNeuron(t *testing.T) {
	tests := []struct {
		name   string
		silent bool
	}{
		{"answers", false},
		{"reboots before answering", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			neuron := newFakeNeuron()
			neuron.silent = tt.silent
			f := NewSideFlasher("/dev/ttyACM0", nil, WithDialer(neuron.dial))

			if err := f.PrepareNeuron(context.Background()); err != nil {
				t.Fatalf("PrepareNeuron() error = %v", err)
			}
			if neuron.sent("upgrade.neuron") != 1 {
				t.Errorf("upgrade.neuron sent %d times, want 1", neuron.sent("upgrade.neuron"))
			}
		})
	}
}

func TestParseInfoCRC(t *testing.T) {
	tests := []struct {
		info   string
		want   uint32
		wantOK bool
	}{
		{"v1.2.0 1a2b3c4d", 0x1a2b3c4d, true},
		{"v1.2.0 0xDEADBEEF", 0xdeadbeef, true},
		{"v1.2.0", 0, false},
		{"v1.2.0 nothex", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseInfoCRC(tt.info)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseInfoCRC(%q) = %x, %v, want %x, %v", tt.info, got, ok, tt.want, tt.wantOK)
		}
	}
}
