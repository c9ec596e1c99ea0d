package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// Serial bootloader framing used by single-unit boards.
const (
	cmdWrite  = 'W'
	cmdVerify = 'V'
	cmdGo     = 'G'

	ack = 0x06
	nak = 0x15
)

var errAckTimeout = errors.New("no acknowledge from bootloader")

// blockPort is the part of a serial connection the block writer needs.
type blockPort interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type blockWriter struct {
	port       blockPort
	baseAddr   uint32
	blockSize  int
	retries    int
	ackTimeout time.Duration
	pause      func(time.Duration)
}

// write streams image in blocks, verifies it and starts the application.
// Progress runs 0..95 during the transfer; the caller reports completion.
func (w *blockWriter) write(ctx context.Context, image []byte, onProgress func(float64)) error {
	total := (len(image) + w.blockSize - 1) / w.blockSize
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := i * w.blockSize
		end := start + w.blockSize
		if end > len(image) {
			end = len(image)
		}

		block := make([]byte, w.blockSize)
		copy(block, image[start:end])
		for j := end - start; j < w.blockSize; j++ {
			block[j] = 0xFF
		}

		if err := w.writeBlock(w.baseAddr+uint32(start), block); err != nil {
			return &TransferError{Offset: start, Err: err}
		}
		onProgress(float64(i+1) / float64(total) * 90)
	}

	padded := make([]byte, total*w.blockSize)
	copy(padded, image)
	for j := len(image); j < len(padded); j++ {
		padded[j] = 0xFF
	}
	if err := w.verify(uint32(len(padded)), crc32.ChecksumIEEE(padded)); err != nil {
		return &TransferError{Offset: len(image), Err: err}
	}
	onProgress(95)

	if _, err := w.port.Write([]byte{cmdGo}); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	return nil
}

func (w *blockWriter) writeBlock(addr uint32, data []byte) error {
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, cmdWrite)
	frame = binary.LittleEndian.AppendUint32(frame, addr)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(data)))
	frame = append(frame, data...)
	frame = append(frame, checksum(data))

	var lastErr error
	for attempt := 0; attempt < w.retries; attempt++ {
		if attempt > 0 {
			w.pause(100 * time.Millisecond)
		}
		_ = w.port.ResetInputBuffer()
		if _, err := w.port.Write(frame); err != nil {
			lastErr = err
			continue
		}
		lastErr = w.readAck()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("block at 0x%08X after %d attempts: %w", addr, w.retries, lastErr)
}

func (w *blockWriter) verify(size, crc uint32) error {
	frame := []byte{cmdVerify}
	frame = binary.LittleEndian.AppendUint32(frame, size)
	frame = binary.LittleEndian.AppendUint32(frame, crc)
	if _, err := w.port.Write(frame); err != nil {
		return err
	}
	if err := w.readAck(); err != nil {
		if errors.Is(err, ErrWriteRejected) {
			return ErrVerifyFailed
		}
		return err
	}
	return nil
}

func (w *blockWriter) readAck() error {
	if err := w.port.SetReadTimeout(w.ackTimeout); err != nil {
		return err
	}
	b := make([]byte, 1)
	n, err := w.port.Read(b)
	if err != nil {
		return err
	}
	if n == 0 {
		return errAckTimeout
	}
	switch b[0] {
	case ack:
		return nil
	case nak:
		return ErrWriteRejected
	default:
		return fmt.Errorf("unexpected reply 0x%02X", b[0])
	}
}

// checksum is the low byte of the sum of data.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
