package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"strconv"
	"strings"
	"sync"

	"KeyFlash/focus"
	"KeyFlash/logger"
	"KeyFlash/transport"
)

// Side is one half of a split keyboard.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// index is the keyscanner number the neuron uses for the side.
func (s Side) index() (int, error) {
	switch s {
	case Right:
		return 0, nil
	case Left:
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown side %q", string(s))
	}
}

// State is where a side is in its flash.
type State int

const (
	Idle State = iota
	PreparingBootloader
	Transferring
	Verifying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreparingBootloader:
		return "preparing-bootloader"
	case Transferring:
		return "transferring"
	case Verifying:
		return "verifying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Link is an open focus session with the neuron.
type Link interface {
	Command(ctx context.Context, cmd string, args ...string) (string, error)
	Exchange(ctx context.Context, line string, payload []byte) (string, error)
	Close() error
}

// Dialer opens a Link to the neuron at path.
type Dialer func(ctx context.Context, path string) (Link, error)

// DialSerial opens path with the default serial transport.
func DialSerial(ctx context.Context, path string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := transport.New().Connect(path, transport.DefaultBaudRate)
	if err != nil {
		return nil, err
	}
	return focus.New(conn), nil
}

// SideProgress is called with a side's percentage.
type SideProgress func(side Side, percentage float64)

// SideConfig holds the side flasher configuration.
type SideConfig struct {
	Dial Dialer

	// ChunkSize is the payload of one sendWrite packet.
	ChunkSize int

	// BaseAddress is where the keyscanner image starts in flash.
	BaseAddress uint32

	// ProgressStep is the granularity of progress reports.
	ProgressStep float64
}

func defaultSideConfig() SideConfig {
	return SideConfig{
		Dial:         DialSerial,
		ChunkSize:    256,
		BaseAddress:  0x2000,
		ProgressStep: 5,
	}
}

// SideOption configures a SideFlasher.
type SideOption func(*SideConfig)

// WithDialer replaces how the neuron is opened.
func WithDialer(d Dialer) SideOption {
	return func(c *SideConfig) {
		if d != nil {
			c.Dial = d
		}
	}
}

// WithChunkSize sets the sendWrite payload size.
func WithChunkSize(n int) SideOption {
	return func(c *SideConfig) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// SideFlasher writes the keyscanner firmware to each half through the
// neuron. Sides are flashed one at a time; the flasher keeps each side's
// state across calls.
type SideFlasher struct {
	path     string
	firmware []byte
	crc      uint32
	config   SideConfig

	mu     sync.Mutex
	busy   sync.Mutex
	states map[Side]State
}

// NewSideFlasher creates a flasher for the neuron at path.
func NewSideFlasher(path string, firmware []byte, opts ...SideOption) *SideFlasher {
	cfg := defaultSideConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SideFlasher{
		path:     path,
		firmware: firmware,
		crc:      crc32.ChecksumIEEE(firmware),
		config:   cfg,
		states:   map[Side]State{Left: Idle, Right: Idle},
	}
}

// State returns the current state of side.
func (f *SideFlasher) State(side Side) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[side]
}

func (f *SideFlasher) setState(side Side, s State) {
	f.mu.Lock()
	f.states[side] = s
	f.mu.Unlock()
}

// FlashSide puts side into its bootloader, streams the image and validates
// it. Unless force is set, a side already running this image is left alone
// and reported as done.
func (f *SideFlasher) FlashSide(ctx context.Context, side Side, onProgress SideProgress, keyboardType string, force bool) error {
	f.busy.Lock()
	defer f.busy.Unlock()

	if onProgress == nil {
		onProgress = func(Side, float64) {}
	}
	log := logger.Stage(string(side), keyboardType+"@"+f.path)

	if err := f.flashSide(ctx, side, onProgress, log, force); err != nil {
		log.WithError(err, "Flashing failed in state %s", f.State(side))
		f.setState(side, Failed)
		return &SideError{Side: side, Err: err}
	}
	f.setState(side, Done)
	onProgress(side, 100)
	return nil
}

func (f *SideFlasher) flashSide(ctx context.Context, side Side, onProgress SideProgress, log *logger.Entry, force bool) error {
	idx, err := side.index()
	if err != nil {
		return err
	}
	if len(f.firmware) == 0 {
		return ErrNoFirmware
	}

	f.setState(side, PreparingBootloader)
	link, err := f.config.Dial(ctx, f.path)
	if err != nil {
		return fmt.Errorf("open neuron: %w", err)
	}
	defer link.Close()

	n := strconv.Itoa(idx)
	if _, err := link.Command(ctx, "upgrade.start"); err != nil {
		return err
	}
	ok, err := link.Command(ctx, "upgrade.keyscanner.isConnected", n)
	if err != nil {
		return err
	}
	if !isTrue(ok) {
		return ErrSideNotConnected
	}

	if !force {
		info, err := link.Command(ctx, "upgrade.keyscanner.getInfo")
		if err != nil {
			return err
		}
		if crc, ok := parseInfoCRC(info); ok && crc == f.crc {
			log.Info("Already running firmware crc %08x, skipping", crc)
			return nil
		}
	}

	resp, err := link.Command(ctx, "upgrade.keyscanner.begin", n)
	if err != nil {
		return err
	}
	if !isTrue(resp) {
		return ErrBootloaderNotFound
	}
	onProgress(side, 0)

	f.setState(side, Transferring)
	log.Info("Writing %d bytes", len(f.firmware))
	var reported float64
	for off := 0; off < len(f.firmware); off += f.config.ChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + f.config.ChunkSize
		if end > len(f.firmware) {
			end = len(f.firmware)
		}

		packet := sendWritePacket(f.config.BaseAddress+uint32(off), f.firmware[off:end])
		resp, err := link.Exchange(ctx, "upgrade.keyscanner.sendWrite", packet)
		if err != nil {
			return &TransferError{Offset: off, Err: err}
		}
		if !isTrue(resp) {
			return &TransferError{Offset: off, Err: ErrWriteRejected}
		}

		// Transfer covers 0..90; validation and finish take the rest.
		pct := float64(end) / float64(len(f.firmware)) * 90
		if step := f.config.ProgressStep; pct-reported >= step {
			reported = math.Floor(pct/step) * step
			onProgress(side, reported)
		}
	}

	f.setState(side, Verifying)
	resp, err = link.Command(ctx, "upgrade.keyscanner.validate")
	if err != nil {
		return err
	}
	if !isTrue(resp) {
		return &TransferError{Offset: len(f.firmware), Err: ErrVerifyFailed}
	}
	onProgress(side, 95)

	if _, err := link.Command(ctx, "upgrade.keyscanner.finish"); err != nil {
		return err
	}
	log.Info("Side flashed")
	return nil
}

// PrepareNeuron reboots the neuron into its UF2 bootloader.
func (f *SideFlasher) PrepareNeuron(ctx context.Context) error {
	f.busy.Lock()
	defer f.busy.Unlock()

	link, err := f.config.Dial(ctx, f.path)
	if err != nil {
		return fmt.Errorf("open neuron: %w", err)
	}
	defer link.Close()

	_, err = link.Command(ctx, "upgrade.neuron")
	// The neuron drops off the bus while rebooting and may never answer.
	if errors.Is(err, focus.ErrTimeout) || errors.Is(err, focus.ErrClosed) {
		logger.Debug("Neuron at %s rebooted before answering", f.path)
		return nil
	}
	return err
}

// sendWritePacket frames one chunk: address, size, data and a CRC32 of the
// data, all little-endian.
func sendWritePacket(addr uint32, data []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(data) + 12)
	binary.Write(buf, binary.LittleEndian, addr)
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	binary.Write(buf, binary.LittleEndian, crc32.ChecksumIEEE(data))
	return buf.Bytes()
}

// parseInfoCRC reads the CRC out of a getInfo reply of the form
// "<version> <crc32 hex>".
func parseInfoCRC(info string) (uint32, bool) {
	fields := strings.Fields(info)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[1]), "0x"), 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
